// Package mcpconfig writes the transient MCP configuration files that
// route the agent's permission prompts through the out-of-process
// permission tool. One file per session, deleted on child exit.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServerName is the MCP server name the agent addresses the permission
// tool under. The full tool name is "mcp__" + ServerName + "__" + tool.
const ServerName = "agent-dock"

const configDirName = "agent-dock-mcp"

// ServerSpec describes the stdio permission-tool process.
type ServerSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

type serverEntry struct {
	Type    string            `json:"type"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type configFile struct {
	McpServers map[string]serverEntry `json:"mcpServers"`
}

// Path returns the config file location for a session.
func Path(sessionID string) string {
	return filepath.Join(os.TempDir(), configDirName, fmt.Sprintf("mcp-config-%s.json", sessionID))
}

// Write creates the session's MCP config file and returns its path.
func Write(sessionID string, server ServerSpec) (string, error) {
	path := Path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create mcp config dir: %w", err)
	}

	data, err := json.MarshalIndent(configFile{
		McpServers: map[string]serverEntry{
			ServerName: {
				Type:    "stdio",
				Command: server.Command,
				Args:    server.Args,
				Env:     server.Env,
			},
		},
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode mcp config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

// Remove deletes the session's config file. Missing files are not an
// error.
func Remove(sessionID string) error {
	err := os.Remove(Path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
