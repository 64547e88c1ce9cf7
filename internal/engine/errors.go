package engine

import (
	"context"
	"errors"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/tracker"
)

var (
	// ErrRuntimeUnavailable is returned once runtime allocation has failed
	// past its bounded retry. The agent is escalated.
	ErrRuntimeUnavailable = errors.New("agent runtime unavailable")

	// ErrCircuitBreakerTripped marks an escalation forced by the breaker.
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")

	// ErrStaleState means the record or the tracker changed between the
	// decision and its application. The decision is discarded.
	ErrStaleState = persistence.ErrStaleState

	// ErrSessionRecoveryFailure marks a record that could not be confidently
	// reconstructed or re-attached. It is failed and always surfaced.
	ErrSessionRecoveryFailure = errors.New("session recovery failed")

	// ErrDraining rejects work while the orchestrator shuts down.
	ErrDraining = errors.New("orchestrator is draining")
)

// ErrorClass categorizes orchestration errors for metrics and for deciding
// whether a human must act.
type ErrorClass string

const (
	// ErrorClassDuplicateActive is a spawn for a pair that already has an
	// open record. It is routed to the existing record.
	ErrorClassDuplicateActive ErrorClass = "DUPLICATE_ACTIVE"

	// ErrorClassCyclicDependency is a blocker edge that would close a cycle.
	ErrorClassCyclicDependency ErrorClass = "CYCLIC_DEPENDENCY"

	// ErrorClassDependencyDepth is a blocker chain longer than allowed, or an
	// agent over its dependent item limit.
	ErrorClassDependencyDepth ErrorClass = "DEPENDENCY_DEPTH"

	// ErrorClassRuntimeUnavailable indicates the runtime could not allocate.
	ErrorClassRuntimeUnavailable ErrorClass = "RUNTIME_UNAVAILABLE"

	// ErrorClassCircuitBreaker indicates a tripped breaker.
	ErrorClassCircuitBreaker ErrorClass = "CIRCUIT_BREAKER_TRIPPED"

	// ErrorClassPermissionDenied is an action outside the role's table.
	ErrorClassPermissionDenied ErrorClass = "PERMISSION_DENIED"

	// ErrorClassStaleState is drift between a decision and current state.
	ErrorClassStaleState ErrorClass = "STALE_STATE"

	// ErrorClassSessionRecovery is an unreconstructable or lost session.
	ErrorClassSessionRecovery ErrorClass = "SESSION_RECOVERY"

	// ErrorClassCanceled is a context cancellation or deadline.
	ErrorClassCanceled ErrorClass = "CANCELED"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError returns the most specific ErrorClass for err.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var cyc *agent.CyclicDependencyError
	switch {
	case errors.Is(err, agent.ErrDuplicateActive):
		return ErrorClassDuplicateActive
	case errors.As(err, &cyc):
		return ErrorClassCyclicDependency
	case errors.Is(err, agent.ErrDependencyDepthExceeded),
		errors.Is(err, tracker.ErrDependentItemsExceeded):
		return ErrorClassDependencyDepth
	case errors.Is(err, ErrRuntimeUnavailable), errors.Is(err, runtime.ErrUnavailable):
		return ErrorClassRuntimeUnavailable
	case errors.Is(err, ErrCircuitBreakerTripped), errors.Is(err, runtime.ErrHalted):
		return ErrorClassCircuitBreaker
	case errors.Is(err, tracker.ErrPermissionDenied), errors.Is(err, runtime.ErrToolDenied):
		return ErrorClassPermissionDenied
	case errors.Is(err, ErrSessionRecoveryFailure), errors.Is(err, runtime.ErrSessionNotFound):
		return ErrorClassSessionRecovery
	case errors.Is(err, ErrStaleState), errors.Is(err, tracker.ErrStaleState):
		return ErrorClassStaleState
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCanceled
	}
	return ErrorClassUnknown
}

// RequiresHuman reports whether err implies a decision the system will not
// make on its own. Duplicate spawns, permission refusals and stale state are
// corrected in place.
func RequiresHuman(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassCyclicDependency, ErrorClassDependencyDepth, ErrorClassRuntimeUnavailable,
		ErrorClassCircuitBreaker, ErrorClassSessionRecovery:
		return true
	}
	return false
}
