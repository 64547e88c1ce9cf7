package ingest

import (
	"slices"
	"time"
)

// Event types.
const (
	TypeWorkItem = "work_item"
	TypeReview   = "review"
	TypeComment  = "comment"
	TypeStatus   = "status"
)

// Actions the core reacts to. Anything else still reaches configured rules.
const (
	ActionOpened      = "opened"
	ActionClosed      = "closed"
	ActionMerged      = "merged"
	ActionLabeled     = "labeled"
	ActionUnlabeled   = "unlabeled"
	ActionAssigned    = "assigned"
	ActionUnassigned  = "unassigned"
	ActionCreated     = "created"
	ActionApproved    = "approved"
	ActionAgentUpdate = "agent_update"
	ActionCompleted   = "completed"
)

// Event is a validated inbound event. It is not persisted.
type Event struct {
	DeliveryID     string         `json:"delivery_id"`
	Type           string         `json:"type"`
	Action         string         `json:"action"`
	OwnerKeyRefs   []string       `json:"owner_key_refs"`
	SenderIdentity string         `json:"sender_identity"`
	Payload        map[string]any `json:"payload,omitempty"`
	ReceivedAt     time.Time      `json:"-"`
}

// Kind is "type.action", the key used by the self-sender allow-list.
func (e Event) Kind() string {
	return e.Type + "." + e.Action
}

func (e Event) str(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Labels returns payload.labels plus payload.label, the one just applied on a
// labeled action.
func (e Event) Labels() []string {
	var out []string
	if raw, ok := e.Payload["labels"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if l := e.str("label"); l != "" && !slices.Contains(out, l) {
		out = append(out, l)
	}
	return out
}

// Assignees returns payload.assignees, the full assignee list after the event.
func (e Event) Assignees() []string {
	var out []string
	if raw, ok := e.Payload["assignees"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// HasLabel reports whether the event carries label.
func (e Event) HasLabel(label string) bool {
	return slices.Contains(e.Labels(), label)
}

// Label is the label named by a labeled/unlabeled action.
func (e Event) Label() string { return e.str("label") }

// Assignee is the identity named by an assigned/unassigned action.
func (e Event) Assignee() string { return e.str("assignee") }

// Scope is the repository or project the event belongs to.
func (e Event) Scope() string { return e.str("scope") }

// ArtifactID names the review artifact on review events.
func (e Event) ArtifactID() string { return e.str("artifact_id") }

// AgentID is set on agent self-reports.
func (e Event) AgentID() string { return e.str("agent_id") }

// Summary is set on completion self-reports.
func (e Event) Summary() string { return e.str("summary") }
