package bus

// Lifecycle topics. Subscribers usually match on the "agent." prefix.
const (
	TopicAgentSpawned      = "agent.spawned"
	TopicAgentStateChanged = "agent.state_changed"
	TopicAgentEscalated    = "agent.escalated"
	TopicAgentFailed       = "agent.failed"
)

// Breaker topics.
const (
	TopicBreakerWarning = "breaker.warning"
	TopicBreakerTripped = "breaker.tripped"
)

// Intake and repair topics.
const (
	TopicEventDropped        = "event.dropped"
	TopicReconcileCorrection = "reconcile.correction"
	TopicPermissionDenied    = "permission.denied"
	TopicConfigReloaded      = "config.reloaded"
)

// AgentSpawnedEvent is published after a CREATED record is registered.
type AgentSpawnedEvent struct {
	AgentID   string
	OwnerKey  string
	Role      string
	SpawnMode string
	Rule      string
}

// AgentStateChangedEvent is published after a status transition commits.
type AgentStateChangedEvent struct {
	AgentID   string
	OwnerKey  string
	Role      string
	OldStatus string
	NewStatus string
	Reason    string
}

// AgentEscalatedEvent is published when an agent needs a human.
type AgentEscalatedEvent struct {
	AgentID  string
	OwnerKey string
	Role     string
	Reason   string
	Summary  string
}

// AgentFailedEvent is published when an agent is failed by recovery.
type AgentFailedEvent struct {
	AgentID  string
	OwnerKey string
	Role     string
	Reason   string
}

// BreakerEvent carries breaker warnings and trips.
type BreakerEvent struct {
	AgentID string
	Kind    string
	Count   int
	Limit   int
	Reason  string
}

// EventDroppedEvent is published for every ingest drop.
type EventDroppedEvent struct {
	DeliveryID string
	Reason     string
}

// ReconcileCorrectionEvent is published for every drift repair.
type ReconcileCorrectionEvent struct {
	Kind    string
	AgentID string
	Detail  string
}

// PermissionDeniedEvent is published when a mutation is refused.
type PermissionDeniedEvent struct {
	AgentID string
	Role    string
	Action  string
	Target  string
	Reason  string
}

// ConfigReloadedEvent is published after a hot reload is applied.
type ConfigReloadedEvent struct {
	Path          string
	ConfigHash    string
	PolicyVersion string
}
