// Package audit records permission decisions, redactions, escalations and
// reconcile corrections. Entries go to <home>/logs/audit.jsonl and, once a
// database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/shared"
)

const (
	DecisionAllow    = "allow"
	DecisionDeny     = "deny"
	DecisionEscalate = "escalate"
	DecisionCorrect  = "correct"
	DecisionRedact   = "redact"
	DecisionFatal    = "fatal"
)

// Entry is one audit.jsonl line.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

type sink struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts map[string]int64
}

var std = &sink{counts: make(map[string]int64)}

// Init opens the audit file under homeDir. Calling it again is a no-op
// until Close.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.file = f
	return nil
}

// SetDB attaches the database for audit_log writes.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = d
}

func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.file == nil {
		return nil
	}
	err := std.file.Close()
	std.file = nil
	return err
}

// Counts returns the number of entries recorded per decision since startup.
func Counts() map[string]int64 {
	std.mu.Lock()
	defer std.mu.Unlock()
	out := make(map[string]int64, len(std.counts))
	for k, v := range std.counts {
		out[k] = v
	}
	return out
}

// Record writes one decision without trace context.
func Record(decision, action, reason, policyVersion, subject string) {
	RecordContext(context.Background(), decision, action, reason, policyVersion, subject)
}

// RecordContext writes one decision tagged with the context's trace ID.
// Reason and subject are redacted before they reach either sink. Write
// failures are ignored.
func RecordContext(ctx context.Context, decision, action, reason, policyVersion, subject string) {
	e := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       shared.TraceID(ctx),
		Decision:      decision,
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	}
	if e.TraceID == "-" {
		e.TraceID = ""
	}
	std.write(context.WithoutCancel(ctx), e)
}

func (s *sink) write(ctx context.Context, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[e.Decision]++

	if s.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = s.file.Write(append(b, '\n'))
		}
	}
	if s.db != nil {
		_, _ = s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion)
	}
}
