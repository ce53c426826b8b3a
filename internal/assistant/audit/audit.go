// Package audit records the terminal outcome of every handled request.
//
// The orchestrator emits exactly one Entry per request that reaches a
// terminal state: executed, refused, challenged, or failed.  Recorders are
// fire-and-forget from the orchestrator's point of view; a recorder that
// cannot persist or deliver an entry logs at WARN level and never propagates
// the failure back into request handling.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solari-hq/spine/common/retry"
	"github.com/solari-hq/spine/common/trace"
	"github.com/solari-hq/spine/internal/assistant/store"
)

// Entry is one audit record.
type Entry struct {
	// TraceID ties the record to the structured logs of the same request.
	// When empty it is taken from the context.
	TraceID string
	// ActorID and TenantID identify who asked, and in which tenant.
	ActorID  string
	TenantID string
	// Action is the detected intent name (or "unknown").
	Action string
	// ToolName is the tool the action routed to, if any.
	ToolName string
	// Granted reports whether the tool was actually executed.
	Granted bool
	// Outcome is the terminal outcome label (ok, confirmation_required, …).
	Outcome string
	// InputDigest is a redacted, canonical rendering of the tool input.
	InputDigest string
	// Message is a short human-readable summary.
	Message string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Recorder persists or forwards audit entries.
type Recorder interface {
	// Record handles one entry. Implementations MUST NOT block the caller
	// beyond a short timeout; failures are logged, never returned.
	Record(ctx context.Context, entry Entry)
}

// StoreRecorder appends entries to the SQLite audit log.
type StoreRecorder struct {
	store *store.Store
}

// NewStoreRecorder creates a StoreRecorder backed by the given store.
func NewStoreRecorder(s *store.Store) *StoreRecorder {
	return &StoreRecorder{store: s}
}

// Record appends the entry to the audit_log table.
func (r *StoreRecorder) Record(ctx context.Context, entry Entry) {
	if entry.TraceID == "" {
		entry.TraceID = trace.FromContext(ctx)
	}
	err := r.store.WriteAudit(store.AuditEntry{
		Timestamp:   entry.Timestamp,
		TraceID:     entry.TraceID,
		ActorID:     entry.ActorID,
		TenantID:    entry.TenantID,
		Action:      entry.Action,
		ToolName:    entry.ToolName,
		Granted:     entry.Granted,
		Outcome:     entry.Outcome,
		InputDigest: entry.InputDigest,
		Message:     entry.Message,
	})
	if err != nil {
		slog.Warn("audit: failed to persist entry",
			"trace_id", entry.TraceID, "action", entry.Action, "err", err)
	}
}

// Sender is the subset of the chat client needed by RoomNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// RoomNotifier posts concise summaries of sensitive-tool outcomes to a chat
// room so operators can monitor activity without tailing the audit log.
type RoomNotifier struct {
	sender Sender
	roomID string
}

// NewRoomNotifier creates a RoomNotifier that posts to roomID via sender.
func NewRoomNotifier(sender Sender, roomID string) *RoomNotifier {
	return &RoomNotifier{sender: sender, roomID: roomID}
}

// Record formats the entry as a notice and posts it to the audit room.
// Transient send failures are retried briefly; a final failure is logged at
// WARN level.
func (n *RoomNotifier) Record(ctx context.Context, entry Entry) {
	if n.roomID == "" {
		return
	}

	tid := entry.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	icon := outcomeIcon(entry.Outcome)
	msg := fmt.Sprintf("%s [%s] %s", icon, entry.Action, entry.Message)
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if entry.ActorID != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, entry.ActorID)
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		return n.sender.SendNotice(n.roomID, msg)
	})
	if err != nil {
		slog.Warn("audit: failed to send room notice",
			"room", n.roomID, "outcome", entry.Outcome, "err", err)
	}
}

// Noop is a no-op Recorder used when auditing is disabled in tests.
type Noop struct{}

// Record does nothing.
func (Noop) Record(_ context.Context, _ Entry) {}

// Multi fans one entry out to several recorders in order.
type Multi []Recorder

// Record forwards the entry to every recorder.
func (m Multi) Record(ctx context.Context, entry Entry) {
	for _, r := range m {
		r.Record(ctx, entry)
	}
}

func outcomeIcon(outcome string) string {
	switch outcome {
	case "ok":
		return "✅"
	case "confirmation_required":
		return "🔔"
	case "confirmation_invalid":
		return "❌"
	case "tool_domain_failure":
		return "⚠️"
	case "tool_infrastructure_failure":
		return "🚨"
	case "unrecognized_intent", "unroutable_intent":
		return "❓"
	default:
		return "ℹ️"
	}
}
