// Package tracker is the system of record: work items, reviews, labels and
// branches. Reads go straight to a backend; every write an agent or the
// orchestrator makes goes through Client, the permission-checking funnel.
package tracker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrItemNotFound = errors.New("tracker item not found")
	// ErrStaleState means an ExpectVersion no longer matches the item.
	ErrStaleState       = errors.New("tracker item changed since last read")
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDependentItemsExceeded is returned when an agent hits
	// max_dependent_items. It fails closed.
	ErrDependentItemsExceeded = errors.New("dependent item limit reached")
)

const (
	KindWorkItem = "work_item"
	KindReview   = "review"

	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// Status labels written by the orchestrator.
const (
	StatusLabelPrefix     = "agent-status:"
	StatusActive          = "agent-status:active"
	StatusSleeping        = "agent-status:sleeping"
	StatusAwaitingApprove = "agent-status:awaiting-approval"
	StatusCompleted       = "agent-status:completed"
	StatusEscalated       = "agent-status:escalated"
	StatusFailed          = "agent-status:failed"
	StatusCancelled       = "agent-status:cancelled"
	BlockedByLabelPrefix  = "blocked-by:"
)

// BlockedByLabel returns the label recording a dependency on key.
func BlockedByLabel(key string) string {
	return BlockedByLabelPrefix + key
}

// BlockedKeysFromLabels extracts blocked-by keys in label order.
func BlockedKeysFromLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if k, ok := strings.CutPrefix(l, BlockedByLabelPrefix); ok && k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Item is a work item or review request.
type Item struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Assignees []string  `json:"assignees,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Closed reports whether the item no longer blocks anything.
func (i Item) Closed() bool {
	return i.State == StateClosed || i.State == StateMerged
}

func (i Item) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// LabelsWithPrefix returns labels starting with prefix.
func (i Item) LabelsWithPrefix(prefix string) []string {
	var out []string
	for _, l := range i.Labels {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

// ItemFilter narrows ListItems. Zero fields match everything.
type ItemFilter struct {
	LabelPrefix string `json:"label_prefix,omitempty"`
	State       string `json:"state,omitempty"`
}

// Mutation is one write. Kind is a policy action name.
type Mutation struct {
	Kind   string   `json:"kind"`
	Target string   `json:"target,omitempty"`
	Title  string   `json:"title,omitempty"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	// Branch is the source branch of open_review.
	Branch string `json:"branch,omitempty"`
	// Base is the base ref of create_branch and open_review.
	Base  string `json:"base,omitempty"`
	State string `json:"state,omitempty"`
	Scope string `json:"scope,omitempty"`
	// ExpectVersion, when set, must equal the target's current version.
	ExpectVersion int64 `json:"expect_version,omitempty"`
}

// MutationResult carries the key of a created item or review.
type MutationResult struct {
	Key     string `json:"key,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// Tracker is a system-of-record backend.
type Tracker interface {
	GetItem(ctx context.Context, key string) (Item, error)
	ListItems(ctx context.Context, f ItemFilter) ([]Item, error)
	Apply(ctx context.Context, m Mutation) (MutationResult, error)
}
