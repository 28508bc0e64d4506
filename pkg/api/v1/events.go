package v1

import (
	"time"

	"github.com/agentdock/agentdock/pkg/agentwire"
)

// Server → client event types. Session-scoped events carry sessionId;
// absence means global.
const (
	EventSessionList          = "session_list"
	EventSessionCreated       = "session_created"
	EventSessionAttached      = "session_attached"
	EventSessionDeleted       = "session_deleted"
	EventSessionStatusChanged = "session_status_changed"
	EventTextOutput           = "text_output"
	EventThinkingOutput       = "thinking_output"
	EventToolUse              = "tool_use"
	EventToolResult           = "tool_result"
	EventAskUserQuestion      = "ask_user_question"
	EventPermissionRequest    = "permission_request"
	EventPermissionResolution = "permission_resolution"
	EventResult               = "result"
	EventSystemInfo           = "system_info"
	EventUsageInfo            = "usage_info"
	EventSystemMessage        = "system_message"
	EventGlobalUsage          = "global_usage"
	EventError                = "error"
)

// Error codes carried on error events.
const (
	ErrNotFound  = "not_found"
	ErrBusy      = "busy"
	ErrWorkspace = "workspace"
	ErrProtocol  = "protocol"
	ErrAgentExit = "agent_exit"
	ErrCancelled = "cancelled"
	ErrInternal  = "internal"
)

// SessionListEvent answers list_sessions.
type SessionListEvent struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionCreatedEvent announces a new session to all connections.
type SessionCreatedEvent struct {
	Type    string         `json:"type"`
	Session SessionSummary `json:"session"`
}

// SessionAttachedEvent is the attach replay snapshot.
type SessionAttachedEvent struct {
	Type              string                `json:"type"`
	SessionID         string                `json:"sessionId"`
	Session           SessionSummary        `json:"session"`
	History           []HistoryEntry        `json:"history"`
	IsRunning         bool                  `json:"isRunning"`
	Usage             UsageTotals           `json:"usage"`
	ModelUsage        map[string]ModelUsage `json:"modelUsage,omitempty"`
	PendingPermission *PermissionPrompt     `json:"pendingPermission,omitempty"`
	PendingQuestion   *QuestionPrompt       `json:"pendingQuestion,omitempty"`
}

// SessionDeletedEvent announces a session deletion to all connections.
type SessionDeletedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionStatusChangedEvent announces a status transition to all
// connections.
type SessionStatusChangedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// TextOutputEvent streams live assistant text.
type TextOutputEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ThinkingOutputEvent streams live assistant thinking.
type ThinkingOutputEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Thinking  string `json:"thinking"`
}

// ToolUseEvent announces the start of a tool invocation.
type ToolUseEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	ToolUseID string         `json:"toolUseId"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResultEvent carries the output paired with a prior tool_use.
type ToolResultEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// AskUserQuestionEvent surfaces an intercepted AskUserQuestion prompt.
type AskUserQuestionEvent struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId"`
	RequestID string               `json:"requestId"`
	Questions []agentwire.Question `json:"questions"`
}

// PermissionRequestEvent surfaces a pending tool-permission prompt.
type PermissionRequestEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// PermissionResolutionEvent is sent to the permission-service peer once a
// client answers its request.
type PermissionResolutionEvent struct {
	Type      string                     `json:"type"`
	SessionID string                     `json:"sessionId"`
	RequestID string                     `json:"requestId"`
	Response  agentwire.PermissionResult `json:"response"`
}

// ResultEvent terminates a turn.
type ResultEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Result    string `json:"result"`
}

// SystemInfoEvent carries agent metadata from system messages.
type SystemInfoEvent struct {
	Type           string   `json:"type"`
	SessionID      string   `json:"sessionId"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// UsageInfoEvent carries an incremental token usage sample.
type UsageInfoEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Model     string      `json:"model,omitempty"`
	Usage     UsageTotals `json:"usage"`
}

// SystemMessageEvent carries a system notice (model changes and the like).
type SystemMessageEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// DailyUsage is one day of the global usage series.
type DailyUsage struct {
	Date string `json:"date"` // YYYY-MM-DD
	UsageTotals
}

// UsageBlock is one 5-hour billing block of the global usage series.
type UsageBlock struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	UsageTotals
}

// GlobalUsageEvent is the periodic aggregate pushed to every connection.
type GlobalUsageEvent struct {
	Type   string       `json:"type"`
	Today  UsageTotals  `json:"today"`
	Totals UsageTotals  `json:"totals"`
	Daily  []DailyUsage `json:"daily"`
	Blocks []UsageBlock `json:"blocks"`
}

// ErrorEvent reports a recoverable failure to the originating client.
type ErrorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
