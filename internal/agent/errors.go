package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-conductor/internal/persistence"
)

var (
	// ErrDuplicateActive matches *DuplicateActiveRecordError through errors.Is.
	ErrDuplicateActive = persistence.ErrDuplicateActive

	// ErrDependencyDepthExceeded rejects an edge that would make a blocker
	// chain longer than the configured maximum.
	ErrDependencyDepthExceeded = errors.New("dependency depth exceeded")
)

// DuplicateActiveRecordError carries the open record that already owns the
// (owner key, role) pair.
type DuplicateActiveRecordError struct {
	Existing persistence.AgentRecord
}

func (e *DuplicateActiveRecordError) Error() string {
	return fmt.Sprintf("agent %s (%s) already open for %s as %s",
		e.Existing.AgentID, e.Existing.Status, e.Existing.OwnerKey, e.Existing.Role)
}

func (e *DuplicateActiveRecordError) Is(target error) bool {
	return target == ErrDuplicateActive
}

// CyclicDependencyError reports the cycle an edge would close. Path starts
// and ends with the same owner key.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}
