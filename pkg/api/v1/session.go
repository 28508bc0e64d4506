// Package v1 defines the wire-level DTOs shared by the websocket gateway,
// the session store, and external peers. Frames are flat JSON objects with
// a "type" discriminator.
package v1

import (
	"time"

	"github.com/agentdock/agentdock/pkg/agentwire"
)

// Session statuses.
const (
	StatusIdle              = "idle"
	StatusRunning           = "running"
	StatusWaitingPermission = "waiting_permission"
	StatusWaitingInput      = "waiting_input"
)

// SessionSummary is the client-facing view of a session record.
type SessionSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	WorkingDir     string    `json:"workingDir"`
	Status         string    `json:"status"`
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
}

// History entry kinds.
const (
	EntryUser       = "user"
	EntryAssistant  = "assistant"
	EntryThinking   = "thinking"
	EntryToolUse    = "tool_use"
	EntryToolResult = "tool_result"
	EntryQuestion   = "question"
	EntryAnswer     = "answer"
	EntrySystem     = "system"
)

// HistoryEntry is one turn entry in a session's append-only history.
// Entries are persisted as-is and replayed verbatim on attach.
type HistoryEntry struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// For user, assistant, thinking and system entries
	Text string `json:"text,omitempty"`

	// For tool_use and tool_result entries
	ToolName  string         `json:"toolName,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Complete  bool           `json:"complete,omitempty"`
	IsError   bool           `json:"isError,omitempty"`

	// For question and answer entries
	RequestID string               `json:"requestId,omitempty"`
	Questions []agentwire.Question `json:"questions,omitempty"`
	Answers   map[string]string    `json:"answers,omitempty"`

	// Image attachments on user entries
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is an image carried on a user message.
type Attachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// PermissionPrompt is a pending tool-permission request stored on the
// session until a client answers it.
type PermissionPrompt struct {
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// QuestionPrompt is a pending AskUserQuestion stored on the session.
type QuestionPrompt struct {
	RequestID string               `json:"requestId"`
	Questions []agentwire.Question `json:"questions"`
}

// UsageTotals accumulates token usage across a session's turns.
type UsageTotals struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
}

// Add accumulates a usage sample into the totals.
func (u *UsageTotals) Add(sample UsageTotals) {
	u.InputTokens += sample.InputTokens
	u.OutputTokens += sample.OutputTokens
	u.CacheCreationTokens += sample.CacheCreationTokens
	u.CacheReadTokens += sample.CacheReadTokens
}

// ModelUsage is the per-model usage breakdown of a session.
type ModelUsage struct {
	UsageTotals
	ContextWindow *int64 `json:"contextWindow,omitempty"`
}

// Workspace kinds.
const (
	WorkspaceLocalCopy     = "local-copy"
	WorkspaceLocalWorktree = "local-worktree"
	WorkspaceRemoteGit     = "remote-git"
)

// WorkspaceDescriptor selects how a session's working directory is
// materialized.
type WorkspaceDescriptor struct {
	Kind string `json:"kind"`

	// Source is a local path (local-copy, local-worktree) or remote URL
	// (remote-git).
	Source string `json:"source"`

	// RepoID is a stable identifier for remote-git caches.
	RepoID string `json:"repoId,omitempty"`

	// WorktreeName overrides the generated worktree directory name.
	WorktreeName string `json:"worktreeName,omitempty"`
}
