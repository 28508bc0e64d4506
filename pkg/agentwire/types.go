// Package agentwire provides types and a line codec for the agent CLI
// stream-json protocol. The agent speaks newline-delimited JSON over
// stdin/stdout with control requests for permissions and mode changes.
package agentwire

import "encoding/json"

// Message types on the agent's stdout stream.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks paired with a prior tool_use
	MessageTypeUser = "user"
	// MessageTypeResult is the turn terminator
	MessageTypeResult = "result"
	// MessageTypeUsage is an incremental token accounting sample
	MessageTypeUsage = "usage"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Control response subtypes.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// StreamMessage represents one line of the agent's stdout stream.
// The message type determines which fields are populated.
type StreamMessage struct {
	// Type is the message type (system, assistant, user, result, usage,
	// control_request, control_response)
	Type string `json:"type"`

	// For system messages
	Subtype        string   `json:"subtype,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`

	// For assistant and user messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result can be either a string or an object.
	Result     json.RawMessage            `json:"result,omitempty"`
	IsError    bool                       `json:"is_error,omitempty"`
	NumTurns   int                        `json:"num_turns,omitempty"`
	DurationMS int64                      `json:"duration_ms,omitempty"`
	ModelUsage map[string]ModelUsageStats `json:"modelUsage,omitempty"`

	// For usage messages (also set on result messages)
	Usage *Usage `json:"usage,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *ControlResponse `json:"response,omitempty"`

	// Raw line for advanced parsing if needed
	Raw json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's (or synthesized user) content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents one block of an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains a token usage sample.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage from a result message.
// context_window reports the model's actual context window size.
type ModelUsageStats struct {
	InputTokens              int64  `json:"inputTokens,omitempty"`
	OutputTokens             int64  `json:"outputTokens,omitempty"`
	CacheCreationInputTokens int64  `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int64  `json:"cacheReadInputTokens,omitempty"`
	ContextWindow            *int64 `json:"contextWindow,omitempty"`
}

// ResultData contains the object form of a result message's result field.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *StreamMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field when it is a plain string.
func (m *StreamMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ResultText returns the human-readable result text regardless of whether
// the agent sent the string or the object form.
func (m *StreamMessage) ResultText() string {
	if s := m.GetResultString(); s != "" {
		return s
	}
	if data := m.GetResultData(); data != nil {
		return data.Text
	}
	return ""
}

// ControlRequest represents a control request from the agent.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponse is the agent's reply to a control request we sent.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// RequestID correlates with the outbound control request
	RequestID string `json:"request_id,omitempty"`

	// For success responses
	Response map[string]any `json:"response,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// ControlRequestMessage is a control request sent to the agent's stdin.
type ControlRequestMessage struct {
	Type      string             `json:"type"` // "control_request"
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody contains the body of an outbound control request.
type ControlRequestBody struct {
	// Subtype identifies the operation (interrupt, set_permission_mode)
	Subtype string `json:"subtype"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// UserMessage provides a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody carries the user content. Content is either a plain
// string or a []UserContentBlock when images are attached.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}

// UserContentBlock is one block of a structured user message.
type UserContentBlock struct {
	Type string `json:"type"` // "text" or "image"

	// For text blocks
	Text string `json:"text,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is a base64-encoded image attachment.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// PermissionResult is the payload of a permission response, forwarded
// verbatim to the permission service.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input
	UpdatedInput any `json:"updatedInput,omitempty"`

	// Message provides feedback to the model (for deny)
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// AskUserQuestionTool is the tool name the agent uses to ask the user a
// multiple-choice question mid-turn. It is intercepted rather than treated
// as an ordinary tool invocation.
const AskUserQuestionTool = "AskUserQuestion"

// Question is one entry of an AskUserQuestion tool input.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}
