package domain

import (
	"fmt"
	"strings"
)

// ResourceType identifies the kind of object a Handle is bound to.
type ResourceType int

const (
	TypeUnset      ResourceType = -1
	TypeBitstream  ResourceType = 0
	TypeBundle     ResourceType = 1
	TypeItem       ResourceType = 2
	TypeCollection ResourceType = 3
	TypeCommunity  ResourceType = 4
	TypeSite       ResourceType = 5
)

var typeText = map[ResourceType]string{
	TypeUnset:      "NONE",
	TypeBitstream:  "BITSTREAM",
	TypeBundle:     "BUNDLE",
	TypeItem:       "ITEM",
	TypeCollection: "COLLECTION",
	TypeCommunity:  "COMMUNITY",
	TypeSite:       "SITE",
}

func (t ResourceType) String() string {
	if s, ok := typeText[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE(%d)", int(t))
}

// ParseResourceType accepts the upper or lower case type name.
func ParseResourceType(s string) (ResourceType, error) {
	for t, name := range typeText {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeUnset, fmt.Errorf("invalid resource type %q", s)
}

// ObjectRef names a repository object by (type, id).
type ObjectRef struct {
	Type ResourceType `json:"type"`
	ID   int64        `json:"id"`
}

func (o ObjectRef) String() string {
	return fmt.Sprintf("%s id=%d", o.Type, o.ID)
}

// SiteRef is the singleton site object.
var SiteRef = ObjectRef{Type: TypeSite, ID: 0}

// Handle is a persistent identifier record.
type Handle struct {
	ID           int64        `json:"handle_id"`
	Handle       string       `json:"handle"`
	URL          string       `json:"url,omitempty"`
	ResourceType ResourceType `json:"resource_type_id"`
	ResourceID   int64        `json:"resource_id"`
}

// Fresh reports a Handle that was never bound.
func (h Handle) Fresh() bool { return h.ResourceType < 0 && h.ResourceID < 0 }

// Tombstoned reports a Handle that was unbound but remembers its type.
func (h Handle) Tombstoned() bool { return h.ResourceType >= 0 && h.ResourceID < 0 }

// Live reports a Handle bound to an object.
func (h Handle) Live() bool { return h.ResourceType >= 0 && h.ResourceID >= 0 }

// Internal reports whether the Handle resolves through the local object graph.
func (h Handle) Internal() bool { return h.URL == "" }

// Object returns the bound object, if any.
func (h Handle) Object() (ObjectRef, bool) {
	if !h.Live() {
		return ObjectRef{}, false
	}
	return ObjectRef{Type: h.ResourceType, ID: h.ResourceID}, true
}

type Community struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ParentID  *int64 `json:"parent_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Collection struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	CommunityID int64  `json:"community_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Item struct {
	ID           int64  `json:"id"`
	CollectionID int64  `json:"collection_id"`
	SubmitterID  string `json:"submitter_id"`
	InArchive    bool   `json:"in_archive"`
	Withdrawn    bool   `json:"withdrawn"`
	LastModified string `json:"last_modified" format:"date-time"`
}

func (i Item) Ref() ObjectRef { return ObjectRef{Type: TypeItem, ID: i.ID} }

type Bundle struct {
	ID     int64  `json:"id"`
	ItemID int64  `json:"item_id"`
	Name   string `json:"name"`
}

type Bitstream struct {
	ID       int64  `json:"id"`
	BundleID int64  `json:"bundle_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size_bytes"`
	Checksum string `json:"checksum"`
}

// MetadataField is a schema.element[.qualifier] triple.
type MetadataField struct {
	Schema    string
	Element   string
	Qualifier string
}

func (f MetadataField) String() string {
	if f.Qualifier == "" {
		return f.Schema + "." + f.Element
	}
	return f.Schema + "." + f.Element + "." + f.Qualifier
}

var (
	FieldIdentifierURI   = MetadataField{Schema: "dc", Element: "identifier", Qualifier: "uri"}
	FieldIdentifierOther = MetadataField{Schema: "dc", Element: "identifier", Qualifier: "other"}
	FieldProvenance      = MetadataField{Schema: "dc", Element: "description", Qualifier: "provenance"}
	FieldTitle           = MetadataField{Schema: "dc", Element: "title"}
	FieldDateAccessioned = MetadataField{Schema: "dc", Element: "date", Qualifier: "accessioned"}
	FieldDateAvailable   = MetadataField{Schema: "dc", Element: "date", Qualifier: "available"}
	FieldDateIssued      = MetadataField{Schema: "dc", Element: "date", Qualifier: "issued"}
)

type MetadataValue struct {
	ID       int64     `json:"id"`
	Field    string    `json:"field"`
	Lang     string    `json:"lang,omitempty"`
	Value    string    `json:"value"`
	Place    int       `json:"place"`
	Resource ObjectRef `json:"-"`
}

type EPerson struct {
	ID       string `json:"id" yaml:"id"`
	Email    string `json:"email" yaml:"email"`
	FullName string `json:"full_name" yaml:"full_name"`
	IsAdmin  bool   `json:"is_admin" yaml:"is_admin"`
}

// DisplayName renders the person the way provenance notes expect.
func (p EPerson) DisplayName() string {
	return p.FullName + "(" + p.Email + ")"
}

// Capability actions on repository objects.
const (
	ActionRead   = 0
	ActionWrite  = 1
	ActionDelete = 2
	ActionAdd    = 3
	ActionRemove = 4
)

// Policy types distinguish who granted a capability.
const (
	PolicyTypeWorkflow   = "workflow"
	PolicyTypeSubmission = "submission"
)

type Policy struct {
	ID         int64     `json:"id"`
	Resource   ObjectRef `json:"resource"`
	Action     int       `json:"action_id"`
	EPersonID  string    `json:"eperson_id"`
	PolicyType string    `json:"policy_type,omitempty"`
}

type WorkspaceItem struct {
	ID              int64 `json:"workspace_item_id"`
	ItemID          int64 `json:"item_id"`
	CollectionID    int64 `json:"collection_id"`
	MultipleFiles   bool  `json:"multiple_files"`
	MultipleTitles  bool  `json:"multiple_titles"`
	PublishedBefore bool  `json:"published_before"`
}

type WorkflowItem struct {
	ID              int64  `json:"workflow_item_id"`
	ItemID          int64  `json:"item_id"`
	CollectionID    int64  `json:"collection_id"`
	WorkflowID      string `json:"workflow_id"`
	MultipleFiles   bool   `json:"multiple_files"`
	MultipleTitles  bool   `json:"multiple_titles"`
	PublishedBefore bool   `json:"published_before"`
}

// PoolTask is an unclaimed eligibility record.
type PoolTask struct {
	ID             int64  `json:"pool_task_id"`
	WorkflowItemID int64  `json:"workflow_item_id"`
	WorkflowID     string `json:"workflow_id"`
	StepID         string `json:"step_id"`
	ActionID       string `json:"action_id"`
	EPersonID      string `json:"eperson_id"`
}

// ClaimedTask is a pool task owned by one principal.
type ClaimedTask struct {
	ID             int64  `json:"claimed_task_id"`
	WorkflowItemID int64  `json:"workflow_item_id"`
	WorkflowID     string `json:"workflow_id"`
	StepID         string `json:"step_id"`
	ActionID       string `json:"action_id"`
	EPersonID      string `json:"eperson_id"`
}

// SystemPrincipal stands in for automated actors in bookkeeping and audit rows.
const SystemPrincipal = "<system>"

// Step bookkeeping states.
const (
	StepUserInProgress = "in_progress"
	StepUserFinished   = "finished"
)

type StepUser struct {
	WorkflowItemID int64  `json:"workflow_item_id"`
	StepID         string `json:"step_id"`
	EPersonID      string `json:"eperson_id"`
	State          string `json:"state" enum:"in_progress,finished"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload" doc:"JSON-encoded payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
