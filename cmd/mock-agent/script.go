package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentdock/agentdock/pkg/agentwire"
)

// scriptStep is one action of a scripted scenario. Scripts make e2e runs
// deterministic: the same frames in the same order on every turn.
type scriptStep struct {
	// Type is one of text, thinking, tool, usage, sleep, error.
	Type string `yaml:"type"`

	// For text and thinking steps
	Text string `yaml:"text,omitempty"`

	// For tool steps
	Tool   string         `yaml:"tool,omitempty"`
	Input  map[string]any `yaml:"input,omitempty"`
	Output string         `yaml:"output,omitempty"`

	// For usage steps
	InputTokens  int64 `yaml:"inputTokens,omitempty"`
	OutputTokens int64 `yaml:"outputTokens,omitempty"`

	// For sleep steps
	Duration string `yaml:"duration,omitempty"`
}

// loadScript parses a YAML scenario file into its steps.
func loadScript(path string) ([]scriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var steps []scriptStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	for i, step := range steps {
		switch step.Type {
		case "text", "thinking", "tool", "usage", "sleep", "error":
		default:
			return nil, fmt.Errorf("step %d: unknown type %q", i, step.Type)
		}
	}
	return steps, nil
}

// playScript emits the steps in order. An error step terminates the turn
// with an error result; otherwise the caller emits the default result.
func (a *mockAgent) playScript(steps []scriptStep) (customResult bool) {
	for _, step := range steps {
		switch step.Type {
		case "text":
			a.emitText(step.Text)
		case "thinking":
			a.emitThinking(step.Text)
		case "tool":
			a.emitScriptedTool(step)
		case "usage":
			_ = a.enc.Encode(agentwire.StreamMessage{
				Type:  agentwire.MessageTypeUsage,
				Usage: &agentwire.Usage{InputTokens: step.InputTokens, OutputTokens: step.OutputTokens},
			})
		case "sleep":
			if d, err := time.ParseDuration(step.Duration); err == nil {
				time.Sleep(d)
			}
		case "error":
			a.emitResult(true, step.Text)
			return true
		}
	}
	return false
}

func (a *mockAgent) emitScriptedTool(step scriptStep) {
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
				Name:  step.Tool,
				Input: step.Input,
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
				Content:   step.Output,
			}},
		},
	})
}
