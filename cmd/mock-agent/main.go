// Package main implements a mock agent binary that speaks the stream-json
// protocol over stdin/stdout. It generates canned responses so the
// orchestrator and clients can be exercised without the real agent CLI.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentdock/agentdock/pkg/agentwire"
)

// sessionID identifies this mock-agent process instance. Each session
// spawns its own process, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	model := parseFlag(os.Args, "--model", "mock-default")
	permissionMode := parseFlag(os.Args, "--permission-mode", "default")

	var script []scriptStep
	if path := parseFlag(os.Args, "--script", ""); path != "" {
		var err error
		script, err = loadScript(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)
	agent := &mockAgent{
		enc:            enc,
		scanner:        scanner,
		model:          model,
		permissionMode: permissionMode,
		script:         script,
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg agentwire.StreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case agentwire.MessageTypeUser:
			agent.handleUserTurn(userText(line))
		case agentwire.MessageTypeControlRequest:
			agent.handleControlRequest(line)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlag extracts a --name value from the args, accepting both
// "--name value" and "--name=value" forms.
func parseFlag(args []string, name, fallback string) string {
	for i, arg := range args[1:] {
		if arg == name && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return fallback
}

// userText extracts the prompt text from a user frame. Content is either
// a plain string or a block list with text and image entries.
func userText(line []byte) string {
	var frame struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return ""
	}

	var text string
	if json.Unmarshal(frame.Message.Content, &text) == nil {
		return text
	}

	var blocks []agentwire.UserContentBlock
	if json.Unmarshal(frame.Message.Content, &blocks) == nil {
		var parts []string
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
