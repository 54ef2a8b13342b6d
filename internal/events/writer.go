package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the registry and the workflow engine.
const (
	HandleMinted        = "handle.minted"
	HandleReserved      = "handle.reserved"
	HandleBound         = "handle.bound"
	HandleDeleted       = "handle.deleted"
	HandleChanged       = "handle.changed"
	PrefixChanged       = "handle.prefix_changed"
	WorkflowStarted     = "workflow.started"
	WorkflowStepEntered = "workflow.step_entered"
	WorkflowClaimed     = "workflow.claimed"
	WorkflowUnclaimed   = "workflow.unclaimed"
	WorkflowActionDone  = "workflow.action_done"
	WorkflowArchived    = "workflow.archived"
	WorkflowRejected    = "workflow.rejected"
	WorkflowAborted     = "workflow.aborted"
	WorkflowRoleAdded   = "workflow.role_assigned"
	ItemSubmitted       = "item.submitted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "<system>"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
