package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/agentdock/agentdock/pkg/agentwire"
)

// mockAgent holds the per-process state of the fake agent. One turn runs
// at a time; the scanner is shared so interactive scenarios can consume
// follow-up user frames.
type mockAgent struct {
	enc            *json.Encoder
	scanner        *bufio.Scanner
	model          string
	permissionMode string
	toolSeq        int

	// script, when non-empty, replaces prompt routing: every turn plays
	// the same steps.
	script []scriptStep
}

// delayRange returns min/max delay in milliseconds based on model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 5, 20
	case "mock-slow":
		return 500, 3000
	default:
		return 50, 200
	}
}

func (a *mockAgent) pause() {
	lo, hi := delayRange(a.model)
	time.Sleep(time.Duration(lo+rand.Intn(hi-lo+1)) * time.Millisecond)
}

// handleUserTurn routes a prompt to a scenario. Every turn opens with a
// system message and, unless the scenario emits its own, closes with a
// result.
func (a *mockAgent) handleUserTurn(prompt string) {
	prompt = strings.TrimSpace(prompt)
	a.emitSystem()

	if len(a.script) > 0 {
		if !a.playScript(a.script) {
			a.emitResult(false, "Mock agent completed successfully.")
		}
		return
	}

	customResult := false
	switch {
	case strings.EqualFold(prompt, "/error"):
		a.emitErrorScenario()
		customResult = true
	case strings.EqualFold(prompt, "/slow") || strings.HasPrefix(strings.ToLower(prompt), "/slow "):
		a.emitSlowScenario(prompt)
	case strings.EqualFold(prompt, "/thinking"):
		a.emitThinkingScenario()
	case strings.EqualFold(prompt, "/tools"):
		a.emitToolScenario()
	case strings.EqualFold(prompt, "/question"):
		a.emitQuestionScenario()
	case strings.EqualFold(prompt, "/usage"):
		a.emitUsageScenario()
	default:
		a.emitEchoScenario(prompt)
	}

	if !customResult {
		a.emitResult(false, "Mock agent completed successfully.")
	}
}

func (a *mockAgent) emitSystem() {
	cwd, _ := os.Getwd()
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type:           agentwire.MessageTypeSystem,
		Subtype:        "init",
		SessionID:      sessionID,
		Model:          a.model,
		PermissionMode: a.permissionMode,
		CWD:            cwd,
		Tools:          []string{"Bash", "Read", "Edit", "Grep", agentwire.AskUserQuestionTool},
	})
}

func (a *mockAgent) emitText(text string) {
	a.pause()
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type: agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role:    "assistant",
			Model:   a.model,
			Content: []agentwire.ContentBlock{{Type: "text", Text: text}},
		},
	})
}

func (a *mockAgent) emitThinking(thinking string) {
	a.pause()
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type: agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role:    "assistant",
			Model:   a.model,
			Content: []agentwire.ContentBlock{{Type: "thinking", Thinking: thinking}},
		},
	})
}

func (a *mockAgent) emitResult(isError bool, text string) {
	var result json.RawMessage
	if isError {
		result, _ = json.Marshal(text)
	} else {
		result, _ = json.Marshal(agentwire.ResultData{Text: text, SessionID: sessionID})
	}

	window := int64(200000)
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type:       agentwire.MessageTypeResult,
		SessionID:  sessionID,
		Result:     result,
		IsError:    isError,
		NumTurns:   1,
		DurationMS: 1500,
		Usage:      &agentwire.Usage{InputTokens: 1500, OutputTokens: 500},
		ModelUsage: map[string]agentwire.ModelUsageStats{
			a.model: {InputTokens: 1500, OutputTokens: 500, ContextWindow: &window},
		},
	})
}

func (a *mockAgent) emitEchoScenario(prompt string) {
	if prompt == "" {
		prompt = "(empty prompt)"
	}
	a.emitText(fmt.Sprintf("You said: %s", prompt))
}

func (a *mockAgent) emitErrorScenario() {
	a.emitText("Simulating an error condition...")
	a.emitResult(true, "mock failure: something went wrong")
}

func (a *mockAgent) emitSlowScenario(prompt string) {
	duration := 5 * time.Second
	if _, arg, ok := strings.Cut(prompt, " "); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(arg)); err == nil {
			duration = parsed
		}
	}
	a.emitText(fmt.Sprintf("Working on it, back in %s...", duration))
	time.Sleep(duration)
	a.emitText("Done waiting.")
}

func (a *mockAgent) emitThinkingScenario() {
	a.emitThinking("Let me work through this step by step.")
	a.emitThinking("The answer follows from the constraints directly.")
	a.emitText("After some thought: the answer is 42.")
}

func (a *mockAgent) emitToolScenario() {
	a.toolSeq++
	toolUseID := fmt.Sprintf("%s-tool-%d", sessionID, a.toolSeq)

	a.pause()
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type: agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role:  "assistant",
			Model: a.model,
			Content: []agentwire.ContentBlock{{
				Type:  "tool_use",
				ID:    toolUseID,
				Name:  "Read",
				Input: map[string]any{"file_path": "README.md"},
			}},
		},
	})

	a.pause()
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type: agentwire.MessageTypeUser,
		Message: &agentwire.AssistantMessage{
			Role: "user",
			Content: []agentwire.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   "# Mock Project\n\nNothing to see here.",
			}},
		},
	})

	a.emitText("I read the file; it is a mock project.")
}

// emitQuestionScenario raises an AskUserQuestion tool call and blocks on
// the answer, which arrives as the next user frame.
func (a *mockAgent) emitQuestionScenario() {
	a.toolSeq++
	toolUseID := fmt.Sprintf("%s-question-%d", sessionID, a.toolSeq)

	a.pause()
	questions := []agentwire.Question{{
		Question: "Which approach should I take?",
		Header:   "Approach",
		Options:  []string{"conservative", "aggressive"},
	}}
	raw, _ := json.Marshal(questions)
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type: agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role:  "assistant",
			Model: a.model,
			Content: []agentwire.ContentBlock{{
				Type:  "tool_use",
				ID:    toolUseID,
				Name:  agentwire.AskUserQuestionTool,
				Input: map[string]any{"questions": json.RawMessage(raw)},
			}},
		},
	})

	answer := a.awaitUserFrame()
	a.emitText(fmt.Sprintf("Proceeding with your choice: %s", answer))
}

// awaitUserFrame consumes stdin until the next user message and returns
// its text.
func (a *mockAgent) awaitUserFrame() string {
	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg agentwire.StreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case agentwire.MessageTypeUser:
			return userText(line)
		case agentwire.MessageTypeControlRequest:
			a.handleControlRequest(line)
		}
	}
	return ""
}

func (a *mockAgent) emitUsageScenario() {
	a.pause()
	_ = a.enc.Encode(agentwire.StreamMessage{
		Type:  agentwire.MessageTypeUsage,
		Usage: &agentwire.Usage{InputTokens: 321, OutputTokens: 123, CacheReadInputTokens: 1000},
	})
	a.emitText("Reported an incremental usage sample.")
}

// handleControlRequest replies to inbound control requests. Permission
// mode changes stick for subsequent system messages.
func (a *mockAgent) handleControlRequest(line []byte) {
	var req agentwire.ControlRequestMessage
	if err := json.Unmarshal(line, &req); err != nil || req.RequestID == "" {
		return
	}

	switch req.Request.Subtype {
	case agentwire.SubtypeSetPermissionMode:
		a.permissionMode = req.Request.Mode
		_ = a.enc.Encode(agentwire.StreamMessage{
			Type: agentwire.MessageTypeControlResponse,
			Response: &agentwire.ControlResponse{
				Subtype:   agentwire.ResponseSuccess,
				RequestID: req.RequestID,
				Response:  map[string]any{"mode": req.Request.Mode},
			},
		})
	case agentwire.SubtypeInterrupt:
		_ = a.enc.Encode(agentwire.StreamMessage{
			Type: agentwire.MessageTypeControlResponse,
			Response: &agentwire.ControlResponse{
				Subtype:   agentwire.ResponseSuccess,
				RequestID: req.RequestID,
			},
		})
	default:
		_ = a.enc.Encode(agentwire.StreamMessage{
			Type: agentwire.MessageTypeControlResponse,
			Response: &agentwire.ControlResponse{
				Subtype:   agentwire.ResponseError,
				RequestID: req.RequestID,
				Error:     fmt.Sprintf("unsupported control request: %s", req.Request.Subtype),
			},
		})
	}
}
