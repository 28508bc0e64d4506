// Package main implements the out-of-process permission tool. The agent
// CLI invokes it as an MCP tool over stdio whenever a tool call needs
// approval; the tool forwards the request to the AgentDock gateway as a
// websocket peer and blocks until a client resolves it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

const defaultToolName = "approval_prompt"

func main() {
	wsURL := os.Getenv("AGENTDOCK_WS_URL")
	sessionID := os.Getenv("AGENTDOCK_SESSION_ID")
	toolName := os.Getenv("AGENTDOCK_PERMISSION_TOOL_NAME")
	if toolName == "" {
		toolName = defaultToolName
	}

	// Stdout carries the MCP stream, so logs go to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envOr("AGENTDOCK_PERMISSION_LOG_LEVEL", "warn"),
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "permission-mcp: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if wsURL == "" || sessionID == "" {
		log.Error("AGENTDOCK_WS_URL and AGENTDOCK_SESSION_ID must be set")
		os.Exit(1)
	}

	resolver := newResolver(wsURL, sessionID, log)

	mcpServer := server.NewMCPServer(
		"agentdock-permission",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTool(
		mcp.NewTool(toolName,
			mcp.WithDescription("Ask the AgentDock user to approve or deny a tool invocation."),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("Name of the tool awaiting approval")),
			mcp.WithObject("input", mcp.Description("The tool's proposed input")),
			mcp.WithString("tool_use_id", mcp.Description("The originating tool_use id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handlePrompt(ctx, resolver, req)
		},
	)

	log.Info("permission-mcp serving stdio",
		zap.String("tool", toolName),
		zap.String("session_id", sessionID))

	if err := server.ServeStdio(mcpServer); err != nil {
		log.Error("stdio server terminated", zap.Error(err))
		os.Exit(1)
	}
}

// handlePrompt forwards one approval request and returns the resolution
// verbatim. The agent parses the JSON text for behavior/updatedInput.
func handlePrompt(ctx context.Context, resolver *resolver, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName := req.GetString("tool_name", "")
	if toolName == "" {
		return mcp.NewToolResultError("tool_name is required"), nil
	}

	var input map[string]any
	if args := req.GetArguments(); args != nil {
		if raw, ok := args["input"].(map[string]any); ok {
			input = raw
		}
	}

	result, err := resolver.Resolve(ctx, toolName, input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode resolution: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
