package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/events/bus"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	working_dir TEXT NOT NULL,
	status TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	permission_mode TEXT NOT NULL DEFAULT '',
	agent_session_id TEXT NOT NULL DEFAULT '',
	workspace TEXT,
	pending_permission TEXT,
	pending_question TEXT,
	usage_totals TEXT NOT NULL DEFAULT '{}',
	model_usage TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS session_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	entry TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_history_session
	ON session_history(session_id, seq);

CREATE TABLE IF NOT EXISTS usage_samples (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_usage_samples_time
	ON usage_samples(recorded_at);
`

// sessionRow is the sqlx scan target for the sessions table. Structured
// fields are stored as JSON text columns.
type sessionRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	CreatedAt         time.Time      `db:"created_at"`
	WorkingDir        string         `db:"working_dir"`
	Status            string         `db:"status"`
	Model             string         `db:"model"`
	PermissionMode    string         `db:"permission_mode"`
	AgentSessionID    string         `db:"agent_session_id"`
	Workspace         sql.NullString `db:"workspace"`
	PendingPermission sql.NullString `db:"pending_permission"`
	PendingQuestion   sql.NullString `db:"pending_question"`
	UsageTotals       string         `db:"usage_totals"`
	ModelUsage        string         `db:"model_usage"`
}

// SQLiteStore implements Store on SQLite with a single writer connection
// and a read-only pool (WAL).
type SQLiteStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
	bus    bus.EventBus
	logger *logger.Logger

	// sessionMus holds one mutex per session id to serialize mutators.
	sessionMus sync.Map
}

// NewSQLiteStore opens (and migrates) the session database at dbPath.
func NewSQLiteStore(dbPath string, eventBus bus.EventBus, log *logger.Logger) (*SQLiteStore, error) {
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Exec(schema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to migrate session schema: %w", err)
	}

	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		writer.Close()
		return nil, err
	}

	return &SQLiteStore{
		writer: writer,
		reader: reader,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// Close closes both connection pools.
func (s *SQLiteStore) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// sessionMu returns (or lazily creates) the mutex for a session id.
func (s *SQLiteStore) sessionMu(id string) *sync.Mutex {
	mu, _ := s.sessionMus.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create allocates an id and persists a new idle session.
func (s *SQLiteStore) Create(ctx context.Context, seed Seed) (*Session, error) {
	session := &Session{
		ID:         uuid.New().String(),
		Name:       seed.Name,
		CreatedAt:  time.Now().UTC(),
		WorkingDir: seed.WorkingDir,
		Status:     v1.StatusIdle,
		Workspace:  seed.Workspace,
		ModelUsage: make(map[string]v1.ModelUsage),
	}

	row, err := rowFromSession(session)
	if err != nil {
		return nil, err
	}

	_, err = s.writer.NamedExecContext(ctx, `
		INSERT INTO sessions (id, name, created_at, working_dir, status, model,
			permission_mode, agent_session_id, workspace, pending_permission,
			pending_question, usage_totals, model_usage)
		VALUES (:id, :name, :created_at, :working_dir, :status, :model,
			:permission_mode, :agent_session_id, :workspace, :pending_permission,
			:pending_question, :usage_totals, :model_usage)`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if s.bus != nil {
		event := bus.NewEvent("session_created", "store", map[string]any{"sessionId": session.ID})
		if err := s.bus.Publish(ctx, bus.SubjectSessionCreated, event); err != nil {
			s.logger.Warn("failed to publish session created event", zap.Error(err))
		}
	}

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("name", session.Name))
	return session, nil
}

// Get returns a snapshot of one session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sessionFromRow(&row)
}

// List returns all sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	var rows []sessionRow
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT * FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(rows))
	for i := range rows {
		session, err := sessionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Update applies the mutator under the session's write lock.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	mu := s.sessionMu(id)
	mu.Lock()
	defer mu.Unlock()

	// Read through the writer so the mutator sees the latest state even
	// when a WAL reader lags.
	var row sessionRow
	err := s.writer.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session, err := sessionFromRow(&row)
	if err != nil {
		return nil, err
	}

	if err := mutate(session); err != nil {
		return nil, err
	}

	updated, err := rowFromSession(session)
	if err != nil {
		return nil, err
	}

	res, err := s.writer.NamedExecContext(ctx, `
		UPDATE sessions SET
			name = :name,
			working_dir = :working_dir,
			status = :status,
			model = :model,
			permission_mode = :permission_mode,
			agent_session_id = :agent_session_id,
			workspace = :workspace,
			pending_permission = :pending_permission,
			pending_question = :pending_question,
			usage_totals = :usage_totals,
			model_usage = :model_usage
		WHERE id = :id`, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return session, nil
}

// AppendHistory appends one entry, durable before return.
func (s *SQLiteStore) AppendHistory(ctx context.Context, id string, entry v1.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	mu := s.sessionMu(id)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.writer.ExecContext(ctx, `
		INSERT INTO session_history (session_id, entry, created_at)
		SELECT id, ?, ? FROM sessions WHERE id = ?`,
		string(data), entry.Timestamp, id)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns the session's entries in append order.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]v1.HistoryEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	var raws []string
	err := s.reader.SelectContext(ctx, &raws,
		`SELECT entry FROM session_history WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	entries := make([]v1.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var entry v1.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AddUsage accumulates a usage sample into the session totals and records
// it in the sample log. Samples outlive their session so global accounting
// survives deletes.
func (s *SQLiteStore) AddUsage(ctx context.Context, id string, sample v1.UsageTotals) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.Usage.Add(sample)
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO usage_samples (session_id, recorded_at, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), sample.InputTokens, sample.OutputTokens, sample.CacheCreationTokens, sample.CacheReadTokens)
	if err != nil {
		return fmt.Errorf("failed to record usage sample: %w", err)
	}
	return nil
}

// UsageSamples returns all samples recorded at or after since, oldest
// first.
func (s *SQLiteStore) UsageSamples(ctx context.Context, since time.Time) ([]UsageSample, error) {
	rows, err := s.reader.QueryxContext(ctx, `
		SELECT session_id, recorded_at, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens
		FROM usage_samples WHERE recorded_at >= ? ORDER BY seq`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage samples: %w", err)
	}
	defer rows.Close()

	var samples []UsageSample
	for rows.Next() {
		var sample UsageSample
		if err := rows.Scan(&sample.SessionID, &sample.RecordedAt,
			&sample.Totals.InputTokens, &sample.Totals.OutputTokens,
			&sample.Totals.CacheCreationTokens, &sample.Totals.CacheReadTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// AddModelUsage accumulates a per-model sample.
func (s *SQLiteStore) AddModelUsage(ctx context.Context, id, model string, sample v1.UsageTotals, contextWindow *int64) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		if session.ModelUsage == nil {
			session.ModelUsage = make(map[string]v1.ModelUsage)
		}
		usage := session.ModelUsage[model]
		usage.Add(sample)
		if contextWindow != nil {
			usage.ContextWindow = contextWindow
		}
		session.ModelUsage[model] = usage
		return nil
	})
	return err
}

func (s *SQLiteStore) SetPendingPermission(ctx context.Context, id string, record *v1.PermissionPrompt) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.PendingPermission = record
		return nil
	})
	return err
}

func (s *SQLiteStore) SetPendingQuestion(ctx context.Context, id string, record *v1.QuestionPrompt) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.PendingQuestion = record
		return nil
	})
	return err
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.Status = status
		return nil
	})
	return err
}

func (s *SQLiteStore) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.AgentSessionID = agentSessionID
		return nil
	})
	return err
}

func (s *SQLiteStore) SetModel(ctx context.Context, id, model string) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.Model = model
		return nil
	})
	return err
}

func (s *SQLiteStore) SetPermissionMode(ctx context.Context, id, mode string) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.PermissionMode = mode
		return nil
	})
	return err
}

func (s *SQLiteStore) SetName(ctx context.Context, id, name string) error {
	_, err := s.Update(ctx, id, func(session *Session) error {
		session.Name = name
		return nil
	})
	return err
}

// Delete removes the record and its history and publishes a deletion
// event on the bus.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	mu := s.sessionMu(id)
	mu.Lock()
	defer mu.Unlock()

	// ON DELETE CASCADE covers session_history, but the explicit delete
	// keeps the behavior independent of the foreign_keys pragma.
	if _, err := s.writer.ExecContext(ctx,
		`DELETE FROM session_history WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session history: %w", err)
	}

	res, err := s.writer.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	s.sessionMus.Delete(id)

	if s.bus != nil {
		event := bus.NewEvent("session_deleted", "store", map[string]any{"sessionId": id})
		if err := s.bus.Publish(ctx, bus.SubjectSessionDeleted, event); err != nil {
			s.logger.Warn("failed to publish session deleted event", zap.Error(err))
		}
	}

	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// Rehydrate forces every session idle and clears pending prompts. Run once
// on startup before any client connects.
func (s *SQLiteStore) Rehydrate(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			pending_permission = NULL,
			pending_question = NULL`, v1.StatusIdle)
	if err != nil {
		return fmt.Errorf("failed to rehydrate sessions: %w", err)
	}
	return nil
}

func rowFromSession(session *Session) (*sessionRow, error) {
	usage, err := json.Marshal(session.Usage)
	if err != nil {
		return nil, fmt.Errorf("failed to encode usage: %w", err)
	}
	modelUsage, err := json.Marshal(session.ModelUsage)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model usage: %w", err)
	}

	row := &sessionRow{
		ID:             session.ID,
		Name:           session.Name,
		CreatedAt:      session.CreatedAt,
		WorkingDir:     session.WorkingDir,
		Status:         session.Status,
		Model:          session.Model,
		PermissionMode: session.PermissionMode,
		AgentSessionID: session.AgentSessionID,
		UsageTotals:    string(usage),
		ModelUsage:     string(modelUsage),
	}

	if row.Workspace, err = nullJSON(session.Workspace); err != nil {
		return nil, err
	}
	if row.PendingPermission, err = nullJSON(session.PendingPermission); err != nil {
		return nil, err
	}
	if row.PendingQuestion, err = nullJSON(session.PendingQuestion); err != nil {
		return nil, err
	}
	return row, nil
}

func sessionFromRow(row *sessionRow) (*Session, error) {
	session := &Session{
		ID:             row.ID,
		Name:           row.Name,
		CreatedAt:      row.CreatedAt.UTC(),
		WorkingDir:     row.WorkingDir,
		Status:         row.Status,
		Model:          row.Model,
		PermissionMode: row.PermissionMode,
		AgentSessionID: row.AgentSessionID,
		ModelUsage:     make(map[string]v1.ModelUsage),
	}

	if err := json.Unmarshal([]byte(row.UsageTotals), &session.Usage); err != nil {
		return nil, fmt.Errorf("failed to decode usage: %w", err)
	}
	if err := json.Unmarshal([]byte(row.ModelUsage), &session.ModelUsage); err != nil {
		return nil, fmt.Errorf("failed to decode model usage: %w", err)
	}
	if row.Workspace.Valid {
		session.Workspace = &v1.WorkspaceDescriptor{}
		if err := json.Unmarshal([]byte(row.Workspace.String), session.Workspace); err != nil {
			return nil, fmt.Errorf("failed to decode workspace: %w", err)
		}
	}
	if row.PendingPermission.Valid {
		session.PendingPermission = &v1.PermissionPrompt{}
		if err := json.Unmarshal([]byte(row.PendingPermission.String), session.PendingPermission); err != nil {
			return nil, fmt.Errorf("failed to decode pending permission: %w", err)
		}
	}
	if row.PendingQuestion.Valid {
		session.PendingQuestion = &v1.QuestionPrompt{}
		if err := json.Unmarshal([]byte(row.PendingQuestion.String), session.PendingQuestion); err != nil {
			return nil, fmt.Errorf("failed to decode pending question: %w", err)
		}
	}
	return session, nil
}

// nullJSON encodes a nullable struct pointer as a JSON text column.
func nullJSON(v any) (sql.NullString, error) {
	switch value := v.(type) {
	case *v1.WorkspaceDescriptor:
		if value == nil {
			return sql.NullString{}, nil
		}
	case *v1.PermissionPrompt:
		if value == nil {
			return sql.NullString{}, nil
		}
	case *v1.QuestionPrompt:
		if value == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
