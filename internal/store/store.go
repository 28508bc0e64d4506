// Package store provides the durable session store: session records, their
// append-only histories, usage accumulators and pending prompts.
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// ErrNotFound reports an unknown session id.
var ErrNotFound = errors.New("session not found")

// Session is the primary entity. Mutations go through the store so the
// per-session single-writer discipline holds.
type Session struct {
	ID             string
	Name           string
	CreatedAt      time.Time
	WorkingDir     string
	Status         string
	Model          string
	PermissionMode string

	// AgentSessionID is the agent-assigned id captured the first time the
	// agent reports it; used to resume the agent's own context.
	AgentSessionID string

	Workspace         *v1.WorkspaceDescriptor
	PendingPermission *v1.PermissionPrompt
	PendingQuestion   *v1.QuestionPrompt
	Usage             v1.UsageTotals
	ModelUsage        map[string]v1.ModelUsage
}

// Summary converts the record into its client-facing view.
func (s *Session) Summary() v1.SessionSummary {
	return v1.SessionSummary{
		ID:             s.ID,
		Name:           s.Name,
		CreatedAt:      s.CreatedAt,
		WorkingDir:     s.WorkingDir,
		Status:         s.Status,
		Model:          s.Model,
		PermissionMode: s.PermissionMode,
		AgentSessionID: s.AgentSessionID,
	}
}

// UsageSample is one timestamped token-usage reading from the sample log.
type UsageSample struct {
	SessionID  string
	RecordedAt time.Time
	Totals     v1.UsageTotals
}

// Seed holds the client-provided fields of a new session.
type Seed struct {
	Name       string
	WorkingDir string
	Workspace  *v1.WorkspaceDescriptor
}

// Store is the durable map session_id → Session plus an append-only
// history log per session. All mutators for a given session serialize
// against each other; readers observe consistent snapshots.
type Store interface {
	// Create allocates an id and persists a new idle session.
	Create(ctx context.Context, seed Seed) (*Session, error)

	// Get returns a snapshot of one session.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns snapshots of all sessions ordered by creation time
	// descending, id descending within ties.
	List(ctx context.Context) ([]*Session, error)

	// Update applies the mutator under the session's write lock. The
	// mutator sees the latest state; returning an error aborts the write.
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)

	// AppendHistory appends one entry, durable before return.
	AppendHistory(ctx context.Context, id string, entry v1.HistoryEntry) error

	// History returns the session's entries in append order.
	History(ctx context.Context, id string) ([]v1.HistoryEntry, error)

	// AddUsage accumulates a usage sample into the session totals.
	AddUsage(ctx context.Context, id string, sample v1.UsageTotals) error

	// AddModelUsage accumulates a per-model sample. A non-nil
	// contextWindow updates the stored window size.
	AddModelUsage(ctx context.Context, id, model string, sample v1.UsageTotals, contextWindow *int64) error

	// UsageSamples returns all samples recorded at or after since, oldest
	// first. Samples survive session deletion.
	UsageSamples(ctx context.Context, since time.Time) ([]UsageSample, error)

	SetPendingPermission(ctx context.Context, id string, record *v1.PermissionPrompt) error
	SetPendingQuestion(ctx context.Context, id string, record *v1.QuestionPrompt) error
	SetStatus(ctx context.Context, id, status string) error
	SetAgentSessionID(ctx context.Context, id, agentSessionID string) error
	SetModel(ctx context.Context, id, model string) error
	SetPermissionMode(ctx context.Context, id, mode string) error
	SetName(ctx context.Context, id, name string) error

	// Delete removes the record and its history and publishes a deletion
	// event on the bus.
	Delete(ctx context.Context, id string) error

	// Rehydrate is run once on startup: every session becomes idle and
	// pending prompts are cleared, because prior children and waiters did
	// not survive the restart.
	Rehydrate(ctx context.Context) error

	Close() error
}
