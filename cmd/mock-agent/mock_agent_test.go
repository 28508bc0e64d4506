package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/pkg/agentwire"
)

func newAgent(out *bytes.Buffer, stdin string) *mockAgent {
	return &mockAgent{
		enc:            json.NewEncoder(out),
		scanner:        bufio.NewScanner(strings.NewReader(stdin)),
		model:          "mock-fast",
		permissionMode: "default",
	}
}

func decodeAll(t *testing.T, out *bytes.Buffer) []agentwire.StreamMessage {
	t.Helper()
	var messages []agentwire.StreamMessage
	dec := json.NewDecoder(out)
	for dec.More() {
		var msg agentwire.StreamMessage
		require.NoError(t, dec.Decode(&msg))
		messages = append(messages, msg)
	}
	return messages
}

func TestParseFlag(t *testing.T) {
	args := []string{"mock-agent", "--model", "mock-slow", "--permission-mode=plan"}
	assert.Equal(t, "mock-slow", parseFlag(args, "--model", "fallback"))
	assert.Equal(t, "plan", parseFlag(args, "--permission-mode", "fallback"))
	assert.Equal(t, "fallback", parseFlag(args, "--missing", "fallback"))
}

func TestUserText(t *testing.T) {
	plain := []byte(`{"type":"user","message":{"role":"user","content":"hello"}}`)
	assert.Equal(t, "hello", userText(plain))

	blocks := []byte(`{"type":"user","message":{"role":"user","content":[` +
		`{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aaaa"}},` +
		`{"type":"text","text":"describe this"}]}}`)
	assert.Equal(t, "describe this", userText(blocks))

	assert.Equal(t, "", userText([]byte(`not json`)))
}

func TestEchoTurn(t *testing.T) {
	var out bytes.Buffer
	agent := newAgent(&out, "")
	agent.handleUserTurn("hello there")

	messages := decodeAll(t, &out)
	require.Len(t, messages, 3)

	assert.Equal(t, agentwire.MessageTypeSystem, messages[0].Type)
	assert.Equal(t, "mock-fast", messages[0].Model)
	assert.NotEmpty(t, messages[0].SessionID)

	assert.Equal(t, agentwire.MessageTypeAssistant, messages[1].Type)
	assert.Equal(t, "You said: hello there", messages[1].Message.Content[0].Text)

	assert.Equal(t, agentwire.MessageTypeResult, messages[2].Type)
	assert.False(t, messages[2].IsError)
	assert.NotEmpty(t, messages[2].ResultText())
	require.Contains(t, messages[2].ModelUsage, "mock-fast")
}

func TestErrorTurn(t *testing.T) {
	var out bytes.Buffer
	agent := newAgent(&out, "")
	agent.handleUserTurn("/error")

	messages := decodeAll(t, &out)
	last := messages[len(messages)-1]
	assert.Equal(t, agentwire.MessageTypeResult, last.Type)
	assert.True(t, last.IsError)
	assert.Contains(t, last.ResultText(), "mock failure")
}

func TestThinkingTurn(t *testing.T) {
	var out bytes.Buffer
	agent := newAgent(&out, "")
	agent.handleUserTurn("/thinking")

	messages := decodeAll(t, &out)
	var thinking, text int
	for _, msg := range messages {
		if msg.Type != agentwire.MessageTypeAssistant {
			continue
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "thinking":
				thinking++
			case "text":
				text++
			}
		}
	}
	assert.Equal(t, 2, thinking)
	assert.Equal(t, 1, text)
}

func TestToolTurn(t *testing.T) {
	var out bytes.Buffer
	agent := newAgent(&out, "")
	agent.handleUserTurn("/tools")

	messages := decodeAll(t, &out)
	var toolUseID string
	for _, msg := range messages {
		if msg.Type == agentwire.MessageTypeAssistant && msg.Message.Content[0].Type == "tool_use" {
			toolUseID = msg.Message.Content[0].ID
		}
	}
	require.NotEmpty(t, toolUseID)

	var paired bool
	for _, msg := range messages {
		if msg.Type == agentwire.MessageTypeUser && msg.Message.Content[0].ToolUseID == toolUseID {
			paired = true
		}
	}
	assert.True(t, paired, "tool_result should reference the tool_use id")
}

func TestQuestionTurnConsumesAnswer(t *testing.T) {
	answer := `{"type":"user","message":{"role":"user","content":"Approach: conservative"}}` + "\n"
	var out bytes.Buffer
	agent := newAgent(&out, answer)
	agent.handleUserTurn("/question")

	messages := decodeAll(t, &out)
	var sawQuestion bool
	var finalText string
	for _, msg := range messages {
		if msg.Type != agentwire.MessageTypeAssistant {
			continue
		}
		for _, block := range msg.Message.Content {
			if block.Type == "tool_use" && block.Name == agentwire.AskUserQuestionTool {
				sawQuestion = true
				questions, err := agentwire.ParseQuestions(block.Input)
				require.NoError(t, err)
				require.Len(t, questions, 1)
				assert.Equal(t, "Approach", questions[0].Header)
			}
			if block.Type == "text" {
				finalText = block.Text
			}
		}
	}
	assert.True(t, sawQuestion)
	assert.Contains(t, finalText, "conservative")
}

func TestControlRequestSetPermissionMode(t *testing.T) {
	var out bytes.Buffer
	agent := newAgent(&out, "")
	agent.handleControlRequest([]byte(`{"type":"control_request","request_id":"cr1","request":{"subtype":"set_permission_mode","mode":"plan"}}`))

	messages := decodeAll(t, &out)
	require.Len(t, messages, 1)
	assert.Equal(t, agentwire.ResponseSuccess, messages[0].Response.Subtype)
	assert.Equal(t, "cr1", messages[0].Response.RequestID)
	assert.Equal(t, "plan", agent.permissionMode)

	// The new mode shows up on the next system message.
	out.Reset()
	agent.emitSystem()
	messages = decodeAll(t, &out)
	assert.Equal(t, "plan", messages[0].PermissionMode)
}

func TestControlRequestUnknownSubtype(t *testing.T) {
	var out bytes.Buffer
	agent := newAgent(&out, "")
	agent.handleControlRequest([]byte(`{"type":"control_request","request_id":"cr2","request":{"subtype":"bogus"}}`))

	messages := decodeAll(t, &out)
	require.Len(t, messages, 1)
	assert.Equal(t, agentwire.ResponseError, messages[0].Response.Subtype)
}
