package tracker

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/policy"
)

// Comment is a posted comment kept by Memory.
type Comment struct {
	Key  string
	Body string
	At   time.Time
}

// Memory is an in-process Tracker. The daemon uses it when no tracker URL is
// configured; tests use it as the system of record.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*Item
	comments []Comment
	branches map[string]string
	statuses map[string]string
	applied  []Mutation
	nextID   int
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items:    make(map[string]*Item),
		branches: make(map[string]string),
		statuses: make(map[string]string),
		now:      time.Now,
	}
}

// Put inserts or replaces an item and bumps its version.
func (m *Memory) Put(it Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.Kind == "" {
		it.Kind = KindWorkItem
	}
	if it.State == "" {
		it.State = StateOpen
	}
	if old, ok := m.items[it.Key]; ok && it.Version <= old.Version {
		it.Version = old.Version + 1
	}
	if it.Version == 0 {
		it.Version = 1
	}
	it.UpdatedAt = m.now()
	it.Labels = slices.Clone(it.Labels)
	it.Assignees = slices.Clone(it.Assignees)
	m.items[it.Key] = &it
}

// SetState changes an item's state, as an external actor would.
func (m *Memory) SetState(key, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return fmt.Errorf("set state %s: %w", key, ErrItemNotFound)
	}
	it.State = state
	m.touch(it)
	return nil
}

func (m *Memory) touch(it *Item) {
	it.Version++
	it.UpdatedAt = m.now()
}

func (m *Memory) GetItem(ctx context.Context, key string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return Item{}, fmt.Errorf("get %s: %w", key, ErrItemNotFound)
	}
	out := *it
	out.Labels = slices.Clone(it.Labels)
	out.Assignees = slices.Clone(it.Assignees)
	return out, nil
}

func (m *Memory) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, it := range m.items {
		if f.State != "" && it.State != f.State {
			continue
		}
		if f.LabelPrefix != "" && len(it.LabelsWithPrefix(f.LabelPrefix)) == 0 {
			continue
		}
		cp := *it
		cp.Labels = slices.Clone(it.Labels)
		cp.Assignees = slices.Clone(it.Assignees)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Apply(ctx context.Context, mut Mutation) (MutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := func() (*Item, error) {
		it, ok := m.items[mut.Target]
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", mut.Kind, mut.Target, ErrItemNotFound)
		}
		if mut.ExpectVersion > 0 && it.Version != mut.ExpectVersion {
			return nil, fmt.Errorf("%s %s: %w (have v%d, expected v%d)", mut.Kind, mut.Target, ErrStaleState, it.Version, mut.ExpectVersion)
		}
		return it, nil
	}

	var res MutationResult
	switch mut.Kind {
	case policy.ActionComment:
		it, err := target()
		if err != nil {
			return res, err
		}
		m.comments = append(m.comments, Comment{Key: it.Key, Body: mut.Body, At: m.now()})
	case policy.ActionLabel:
		it, err := target()
		if err != nil {
			return res, err
		}
		for _, l := range mut.Labels {
			if !slices.Contains(it.Labels, l) {
				it.Labels = append(it.Labels, l)
			}
		}
		m.touch(it)
	case policy.ActionUnlabel:
		it, err := target()
		if err != nil {
			return res, err
		}
		it.Labels = slices.DeleteFunc(it.Labels, func(l string) bool { return slices.Contains(mut.Labels, l) })
		m.touch(it)
	case policy.ActionCreateItem:
		m.nextID++
		scope := mut.Scope
		key := fmt.Sprintf("%s#new-%d", scope, m.nextID)
		it := &Item{Key: key, Kind: KindWorkItem, State: StateOpen, Title: mut.Title, Body: mut.Body,
			Scope: scope, Labels: slices.Clone(mut.Labels), Version: 1, UpdatedAt: m.now()}
		m.items[key] = it
		res.Key = key
	case policy.ActionOpenReview:
		if _, ok := m.branches[mut.Branch]; !ok {
			return res, fmt.Errorf("open review: branch %q not found", mut.Branch)
		}
		m.nextID++
		key := fmt.Sprintf("%s!review-%d", mut.Scope, m.nextID)
		m.items[key] = &Item{Key: key, Kind: KindReview, State: StateOpen, Title: mut.Title, Body: mut.Body,
			Scope: mut.Scope, Branch: mut.Branch, Version: 1, UpdatedAt: m.now()}
		res.Key = key
	case policy.ActionUpdateReview:
		it, err := target()
		if err != nil {
			return res, err
		}
		if it.Kind != KindReview {
			return res, fmt.Errorf("update review: %s is not a review", it.Key)
		}
		if mut.Body != "" {
			it.Body = mut.Body
		}
		if mut.Title != "" {
			it.Title = mut.Title
		}
		m.touch(it)
	case policy.ActionPostStatus:
		if _, err := target(); err != nil {
			return res, err
		}
		m.statuses[mut.Target] = mut.State
	case policy.ActionCreateBranch:
		if _, ok := m.branches[mut.Target]; ok {
			return res, fmt.Errorf("create branch: %q exists", mut.Target)
		}
		m.branches[mut.Target] = mut.Base
	case policy.ActionDeleteBranch:
		delete(m.branches, mut.Target)
	default:
		return res, fmt.Errorf("apply: unknown mutation kind %q", mut.Kind)
	}
	if it, ok := m.items[mut.Target]; ok {
		res.Version = it.Version
	}
	m.applied = append(m.applied, mut)
	return res, nil
}

// Comments returns comments posted on key, oldest first.
func (m *Memory) Comments(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.comments {
		if c.Key == key {
			out = append(out, c.Body)
		}
	}
	return out
}

// Applied returns every successful mutation of kind (all kinds when empty).
func (m *Memory) Applied(kind string) []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Mutation
	for _, mut := range m.applied {
		if kind == "" || strings.EqualFold(mut.Kind, kind) {
			out = append(out, mut)
		}
	}
	return out
}

// HasBranch reports whether a branch exists.
func (m *Memory) HasBranch(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.branches[name]
	return ok
}

// Status returns the last posted status for key.
func (m *Memory) Status(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[key]
}
