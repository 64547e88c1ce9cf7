// Package router turns an inbound event into lifecycle actions. Route is pure:
// it reads only the event and the snapshot it is given.
package router

import (
	"slices"

	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/shared"
)

// Action is one of Spawn, Wake, ResolveDependency, Complete or Abort.
type Action interface {
	// Key is the owner key the action is ordered under.
	Key() string
	Kind() string
}

type Spawn struct {
	OwnerKey string
	Role     shared.Role
	Scope    string
	Mode     SpawnMode
	Rule     string
}

type Wake struct {
	AgentID  string
	OwnerKey string
	Reason   string
}

type ResolveDependency struct {
	OwnerKey string
}

type Complete struct {
	AgentID  string
	OwnerKey string
	Summary  string
}

type Abort struct {
	AgentID  string
	OwnerKey string
	Reason   string
}

func (a Spawn) Key() string             { return a.OwnerKey }
func (a Wake) Key() string              { return a.OwnerKey }
func (a ResolveDependency) Key() string { return a.OwnerKey }
func (a Complete) Key() string          { return a.OwnerKey }
func (a Abort) Key() string             { return a.OwnerKey }

func (Spawn) Kind() string             { return "spawn" }
func (Wake) Kind() string              { return "wake" }
func (ResolveDependency) Kind() string { return "resolve_dependency" }
func (Complete) Kind() string          { return "complete" }
func (Abort) Kind() string             { return "abort" }

// Snapshot is everything Route may read besides the event.
type Snapshot struct {
	Identity   string
	Records    []persistence.AgentRecord // open records only
	Rules      []Rule
	Conditions policy.Conditions
}

func (s Snapshot) open(ownerKey string, role shared.Role) *persistence.AgentRecord {
	for i := range s.Records {
		r := &s.Records[i]
		if r.OwnerKey == ownerKey && r.Role == role && !r.Status.Terminal() {
			return r
		}
	}
	return nil
}

func (s Snapshot) ownersOf(ownerKey string) []persistence.AgentRecord {
	var out []persistence.AgentRecord
	for _, r := range s.Records {
		if r.OwnerKey == ownerKey && !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	return out
}

func (s Snapshot) blockedOn(key string) bool {
	for _, r := range s.Records {
		if !r.Status.Terminal() && r.IsBlockedBy(key) {
			return true
		}
	}
	return false
}

func (s Snapshot) byID(id string) *persistence.AgentRecord {
	for i := range s.Records {
		if s.Records[i].AgentID == id && !s.Records[i].Status.Terminal() {
			return &s.Records[i]
		}
	}
	return nil
}

// Route returns the actions ev calls for, built-ins first, then configured
// rules in table order.
func Route(ev ingest.Event, snap Snapshot) []Action {
	var out []Action
	ended := make(map[string]bool) // agent IDs already given a Complete or Abort
	end := func(a Action, id string) {
		if ended[id] {
			return
		}
		ended[id] = true
		out = append(out, a)
	}

	// Agent self-reports.
	if ev.Type == ingest.TypeStatus && ev.Action == ingest.ActionCompleted {
		if rec := snap.byID(ev.AgentID()); rec != nil {
			end(Complete{AgentID: rec.AgentID, OwnerKey: rec.OwnerKey, Summary: ev.Summary()}, rec.AgentID)
		}
	}

	// Reassignment away from us ends every agent on the key; nothing else
	// on this event applies.
	if reassignedAway(ev, snap.Identity) {
		for _, key := range ev.OwnerKeyRefs {
			for _, rec := range snap.ownersOf(key) {
				end(Abort{AgentID: rec.AgentID, OwnerKey: key, Reason: "reassigned to " + assigneeOrNobody(ev)}, rec.AgentID)
			}
		}
		return out
	}

	if (ev.Type == ingest.TypeWorkItem || ev.Type == ingest.TypeReview) &&
		(ev.Action == ingest.ActionClosed || ev.Action == ingest.ActionMerged) {
		for _, key := range ev.OwnerKeyRefs {
			if snap.blockedOn(key) {
				out = append(out, ResolveDependency{OwnerKey: key})
			}
		}
	}

	if ev.Type == ingest.TypeReview && ev.Action == ingest.ActionMerged && ev.ArtifactID() != "" {
		for _, rec := range snap.Records {
			if !rec.Status.Terminal() && rec.RelatedArtifactID == ev.ArtifactID() {
				end(Complete{AgentID: rec.AgentID, OwnerKey: rec.OwnerKey, Summary: "review " + ev.ArtifactID() + " merged"}, rec.AgentID)
			}
		}
	}

	if ev.Type == ingest.TypeWorkItem && ev.Action == ingest.ActionClosed {
		for _, key := range ev.OwnerKeyRefs {
			for _, rec := range snap.ownersOf(key) {
				if rec.RelatedArtifactID != "" {
					end(Complete{AgentID: rec.AgentID, OwnerKey: key, Summary: "work item closed with " + rec.RelatedArtifactID + " delivered"}, rec.AgentID)
				} else {
					end(Abort{AgentID: rec.AgentID, OwnerKey: key, Reason: "work item closed externally"}, rec.AgentID)
				}
			}
		}
	}

	type pair struct {
		key  string
		role shared.Role
	}
	handled := make(map[pair]bool)
	for _, rule := range snap.Rules {
		if !rule.Match.matches(ev) || !evalCondition(rule.Condition, ev, snap.Conditions) {
			continue
		}
		for _, key := range ev.OwnerKeyRefs {
			p := pair{key, rule.Role}
			if handled[p] {
				continue
			}
			handled[p] = true
			rec := snap.open(key, rule.Role)
			switch {
			case rec == nil:
				out = append(out, Spawn{OwnerKey: key, Role: rule.Role, Scope: ev.Scope(), Mode: rule.SpawnMode, Rule: rule.Name})
			case ended[rec.AgentID]:
			case rec.Status == persistence.StatusSleeping && len(rec.BlockedBy) == 0:
				out = append(out, Wake{AgentID: rec.AgentID, OwnerKey: key, Reason: "rule " + rule.Name + " matched " + ev.Kind()})
			}
		}
	}
	return out
}

func reassignedAway(ev ingest.Event, identity string) bool {
	if identity == "" || (ev.Type != ingest.TypeWorkItem && ev.Type != ingest.TypeReview) {
		return false
	}
	switch ev.Action {
	case ingest.ActionUnassigned:
		return ev.Assignee() == identity
	case ingest.ActionAssigned:
		return ev.Assignee() != "" && ev.Assignee() != identity && !slices.Contains(ev.Assignees(), identity)
	}
	return false
}

func assigneeOrNobody(ev ingest.Event) string {
	if ev.Action == ingest.ActionAssigned && ev.Assignee() != "" {
		return ev.Assignee()
	}
	return "nobody"
}
