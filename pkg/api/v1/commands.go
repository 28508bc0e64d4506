package v1

import "github.com/agentdock/agentdock/pkg/agentwire"

// Client → server command types.
const (
	CmdListSessions       = "list_sessions"
	CmdCreateSession      = "create_session"
	CmdAttachSession      = "attach_session"
	CmdDeleteSession      = "delete_session"
	CmdRenameSession      = "rename_session"
	CmdSetPermissionMode  = "set_permission_mode"
	CmdSetModel           = "set_model"
	CmdUserMessage        = "user_message"
	CmdInterrupt          = "interrupt"
	CmdCompactSession     = "compact_session"
	CmdPermissionRequest  = "permission_request"
	CmdPermissionResponse = "permission_response"
	CmdQuestionResponse   = "question_response"
)

// CreateSessionCommand creates a new session. Workspace is optional; when
// absent the working directory is used as-is (local-copy of workingDir).
type CreateSessionCommand struct {
	Name       string               `json:"name"`
	WorkingDir string               `json:"workingDir"`
	Workspace  *WorkspaceDescriptor `json:"workspace,omitempty"`
}

// AttachSessionCommand declares interest in a session and requests a
// state snapshot.
type AttachSessionCommand struct {
	SessionID string `json:"sessionId"`
}

// DeleteSessionCommand destroys a session, its child process and workspace.
type DeleteSessionCommand struct {
	SessionID string `json:"sessionId"`
}

// RenameSessionCommand changes a session's human name.
type RenameSessionCommand struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// SetPermissionModeCommand changes the agent's permission mode.
type SetPermissionModeCommand struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

// SetModelCommand changes the session's model.
type SetModelCommand struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
	OldModel  string `json:"oldModel,omitempty"`
}

// UserMessageCommand submits a user turn, optionally with images.
type UserMessageCommand struct {
	SessionID string       `json:"sessionId"`
	Content   string       `json:"content"`
	Images    []Attachment `json:"images,omitempty"`
}

// InterruptCommand soft-cancels the session's current turn.
type InterruptCommand struct {
	SessionID string `json:"sessionId"`
}

// CompactSessionCommand injects a synthetic summarize turn while idle.
type CompactSessionCommand struct {
	SessionID string `json:"sessionId"`
}

// PermissionRequestCommand is sent by the external permission service
// acting as a peer connection.
type PermissionRequestCommand struct {
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// PermissionResponseCommand answers a pending permission prompt. The
// response is forwarded verbatim to the permission service.
type PermissionResponseCommand struct {
	SessionID string                     `json:"sessionId"`
	RequestID string                     `json:"requestId"`
	Response  agentwire.PermissionResult `json:"response"`
}

// QuestionResponseCommand answers a pending AskUserQuestion prompt.
// Answers maps question header to the selected option.
type QuestionResponseCommand struct {
	SessionID string            `json:"sessionId"`
	RequestID string            `json:"requestId"`
	Answers   map[string]string `json:"answers"`
}
