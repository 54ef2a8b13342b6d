package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"pidflow/internal/domain"
	"pidflow/internal/engine/auth"
	"pidflow/internal/events"
	"pidflow/internal/metrics"
	"pidflow/internal/notify"
)

// archiveTx installs the item, registers its Handle and drops the workflow
// item. The archive notice goes out after commit.
func (e Engine) archiveTx(ctx context.Context, tx *sql.Tx, r *run) error {
	if e.Registry == nil {
		return domain.NewConfigurationError("no identifier registry configured")
	}
	item := r.item
	if err := e.Repo.DeleteWorkflowItemRoles(ctx, tx, r.wfi.ID); err != nil {
		return err
	}
	now := e.timestamp()
	if err := e.Repo.SetItemArchived(ctx, tx, item.ID, true, now); err != nil {
		return fmt.Errorf("archive item %d: %w", item.ID, err)
	}
	for _, f := range []domain.MetadataField{domain.FieldDateAccessioned, domain.FieldDateAvailable} {
		if err := e.Repo.AddMetadata(ctx, tx, item.Ref(), f, "", now); err != nil {
			return err
		}
	}
	issued, err := e.Repo.Metadata(ctx, tx, item.Ref(), domain.FieldDateIssued)
	if err != nil {
		return err
	}
	if len(issued) == 0 {
		if err := e.Repo.AddMetadata(ctx, tx, item.Ref(), domain.FieldDateIssued, "", now); err != nil {
			return err
		}
	}
	bits, err := e.bitstreamProvenance(ctx, tx, item.ID)
	if err != nil {
		return err
	}
	if err := e.Repo.AddMetadata(ctx, tx, item.Ref(), domain.FieldProvenance, "en", "Made available on "+now+" (GMT). "+bits); err != nil {
		return err
	}

	h, err := e.Registry.RegisterTx(ctx, tx, auth.SystemActor, item.Ref())
	if err != nil {
		return err
	}
	if err := e.Repo.ClearAllStepUsers(ctx, tx, r.wfi.ID); err != nil {
		return err
	}
	if err := e.Repo.DeleteWorkflowItem(ctx, tx, r.wfi.ID); err != nil {
		return err
	}
	if err := e.event(ctx, tx, r, events.WorkflowArchived, events.EventPayload{"handle": h}); err != nil {
		return err
	}

	coll, err := e.Repo.GetCollection(ctx, tx, r.wfi.CollectionID)
	if err != nil {
		return err
	}
	if submitter, ok, err := e.person(ctx, tx, item.SubmitterID); err != nil {
		return err
	} else if ok && submitter.Email != "" {
		canonical, err := e.Registry.CanonicalFormFor(ctx, tx, item.Ref(), h)
		if err != nil {
			return err
		}
		r.notices = append(r.notices, notify.Message{
			Template:  notify.TemplateArchive,
			Recipient: submitter.Email,
			Args:      []string{r.title, coll.Name, canonical},
		})
	}

	r.result.Archived = true
	r.result.Handle = h
	metrics.RecordTransition("archive")
	e.Log.WithFields(logrus.Fields{"workflow_item": r.wfi.ID, "item": item.ID, "handle": h}).Info("item archived")
	return nil
}

// rejectTx sends the item back to the submitter's workspace, noting who
// rejected it and why.
func (e Engine) rejectTx(ctx context.Context, tx *sql.Tx, r *run, provenance, reason string) error {
	rejector, _, err := e.person(ctx, tx, r.actor)
	if err != nil {
		return err
	}
	if err := e.Pool.DeleteAllTasks(ctx, tx, r.wfi); err != nil {
		return err
	}
	if err := e.Repo.ClearAllStepUsers(ctx, tx, r.wfi.ID); err != nil {
		return err
	}
	note := fmt.Sprintf("Rejected by %s, reason: %s on %s (GMT) ", rejector.DisplayName(), reason, e.timestamp())
	if provenance != "" {
		note = provenance + " " + note
	}
	if err := e.Repo.AddMetadata(ctx, tx, r.item.Ref(), domain.FieldProvenance, "en", note); err != nil {
		return err
	}
	if err := e.returnToWorkspace(ctx, tx, r); err != nil {
		return err
	}
	if err := e.event(ctx, tx, r, events.WorkflowRejected, events.EventPayload{"reason": reason}); err != nil {
		return err
	}

	coll, err := e.Repo.GetCollection(ctx, tx, r.wfi.CollectionID)
	if err != nil {
		return err
	}
	if submitter, ok, err := e.person(ctx, tx, r.item.SubmitterID); err != nil {
		return err
	} else if ok && submitter.Email != "" {
		r.notices = append(r.notices, notify.Message{
			Template:  notify.TemplateReject,
			Recipient: submitter.Email,
			Args:      []string{r.title, coll.Name, rejector.FullName, reason},
		})
	}
	metrics.RecordTransition("reject")
	return nil
}

// returnToWorkspace converts the workflow item back into a workspace item
// with the same flags and restores the submitter's rights.
func (e Engine) returnToWorkspace(ctx context.Context, tx *sql.Tx, r *run) error {
	if err := e.Repo.DeleteWorkflowItemRoles(ctx, tx, r.wfi.ID); err != nil {
		return err
	}
	if err := e.Auth.GrantAll(ctx, tx, r.item.ID, r.item.SubmitterID, domain.PolicyTypeSubmission); err != nil {
		return err
	}
	ws := domain.WorkspaceItem{
		ItemID:          r.wfi.ItemID,
		CollectionID:    r.wfi.CollectionID,
		MultipleFiles:   r.wfi.MultipleFiles,
		MultipleTitles:  r.wfi.MultipleTitles,
		PublishedBefore: r.wfi.PublishedBefore,
	}
	id, err := e.Repo.InsertWorkspaceItem(ctx, tx, ws)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteWorkflowItem(ctx, tx, r.wfi.ID); err != nil {
		return err
	}
	r.result.Returned = true
	r.result.WorkspaceItemID = id
	return nil
}

// bitstreamProvenance lists the item's files for provenance notes.
func (e Engine) bitstreamProvenance(ctx context.Context, tx *sql.Tx, itemID int64) (string, error) {
	bundles, err := e.Repo.ListBundles(ctx, tx, itemID)
	if err != nil {
		return "", err
	}
	var files []domain.Bitstream
	for _, b := range bundles {
		bs, err := e.Repo.ListBitstreams(ctx, tx, b.ID)
		if err != nil {
			return "", err
		}
		files = append(files, bs...)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "No. of bitstreams: %d\n", len(files))
	for _, f := range files {
		fmt.Fprintf(&sb, "%s: %d bytes, checksum: %s (MD5)\n", f.Name, f.Size, f.Checksum)
	}
	return sb.String(), nil
}
