package server

import (
	"context"
	"encoding/json"
	"strings"

	"pidflow/internal/domain"
	"pidflow/internal/handle"
)

type HandleResponse struct {
	Handle       string `json:"handle"`
	Canonical    string `json:"canonical"`
	URL          string `json:"url,omitempty"`
	ResourceType string `json:"resource_type" enum:"NONE,BITSTREAM,BUNDLE,ITEM,COLLECTION,COMMUNITY,SITE"`
	ResourceID   *int64 `json:"resource_id,omitempty"`
	State        string `json:"state" enum:"fresh,tombstoned,live"`
}

type ResolveResponse struct {
	HandleResponse
	Redirect string `json:"redirect,omitempty"`
}

type ObjectRequest struct {
	ResourceType string `json:"resource_type" enum:"bitstream,bundle,item,collection,community,site,BITSTREAM,BUNDLE,ITEM,COLLECTION,COMMUNITY,SITE"`
	ResourceID   int64  `json:"resource_id" minimum:"0"`
}

type BindRequest struct {
	ObjectRequest
	Identifier string `json:"identifier" minLength:"1"`
	// Metadata also records the canonical form on Items.
	Metadata bool `json:"metadata,omitempty"`
}

type ChangePrefixRequest struct {
	OldPrefix string `json:"old_prefix" minLength:"1"`
	NewPrefix string `json:"new_prefix" minLength:"1"`
	Archive   bool   `json:"archive,omitempty"`
}

type ChangePrefixResponse struct {
	Changed int `json:"changed"`
}

type ChangeHandleRequest struct {
	OldHandle string `json:"old_handle" minLength:"1"`
	NewHandle string `json:"new_handle" minLength:"1"`
	Archive   bool   `json:"archive,omitempty"`
}

type SubmitRequest struct {
	CollectionID    int64               `json:"collection_id"`
	Title           string              `json:"title,omitempty"`
	Files           []SubmitFileRequest `json:"files,omitempty"`
	MultipleFiles   bool                `json:"multiple_files,omitempty"`
	MultipleTitles  bool                `json:"multiple_titles,omitempty"`
	PublishedBefore bool                `json:"published_before,omitempty"`
}

type SubmitFileRequest struct {
	Name     string `json:"name" minLength:"1"`
	Size     int64  `json:"size_bytes" minimum:"0"`
	Checksum string `json:"checksum,omitempty"`
}

type ActionRequest struct {
	ActionID string            `json:"action_id" minLength:"1"`
	Params   map[string]string `json:"params,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type RoleAssignRequest struct {
	RoleID    string `json:"role_id" minLength:"1"`
	EPersonID string `json:"eperson_id" minLength:"1"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID  string   `json:"actor_id"`
	Email    string   `json:"email,omitempty"`
	FullName string   `json:"full_name,omitempty"`
	Source   string   `json:"source" enum:"jwt,api_key,actor_header"`
	Roles    []string `json:"roles"`
	IsAdmin  bool     `json:"is_admin"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (o ObjectRequest) ref() (domain.ObjectRef, error) {
	t, err := domain.ParseResourceType(o.ResourceType)
	if err != nil || t == domain.TypeUnset {
		return domain.ObjectRef{}, newAPIError(400, "bad_request", "invalid resource_type", map[string]any{"resource_type": o.ResourceType})
	}
	return domain.ObjectRef{Type: t, ID: o.ResourceID}, nil
}

func handleState(h domain.Handle) string {
	switch {
	case h.Live():
		return "live"
	case h.Tombstoned():
		return "tombstoned"
	default:
		return "fresh"
	}
}

func handleResponse(ctx context.Context, reg *handle.Registry, h domain.Handle) HandleResponse {
	res := HandleResponse{
		Handle:       h.Handle,
		Canonical:    reg.CanonicalFormOf(ctx, h),
		URL:          h.URL,
		ResourceType: h.ResourceType.String(),
		State:        handleState(h),
	}
	if h.ResourceID >= 0 {
		id := h.ResourceID
		res.ResourceID = &id
	}
	return res
}

func resolveResponse(ctx context.Context, reg *handle.Registry, r handle.Resolution) ResolveResponse {
	res := ResolveResponse{HandleResponse: handleResponse(ctx, reg, r.Handle)}
	if r.Redirect() {
		res.Redirect = r.Handle.URL
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
