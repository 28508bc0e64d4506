package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/agentwire"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// resolveTimeout bounds a single approval round trip. Permission prompts
// wait on a human, so it is generous.
const resolveTimeout = 30 * time.Minute

// resolver is a websocket peer of the gateway. Each Resolve call opens a
// fresh connection, sends one permission_request and waits for its
// permission_resolution.
type resolver struct {
	wsURL     string
	sessionID string
	logger    *logger.Logger
}

func newResolver(wsURL, sessionID string, log *logger.Logger) *resolver {
	return &resolver{
		wsURL:     wsURL,
		sessionID: sessionID,
		logger:    log.WithFields(zap.String("component", "permission-resolver")),
	}
}

// Resolve forwards one approval request and returns the user's decision.
func (r *resolver) Resolve(ctx context.Context, toolName string, input map[string]any) (*agentwire.PermissionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()

	requestID := uuid.New().String()
	request := v1.PermissionRequestCommand{
		SessionID: r.sessionID,
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
	}
	frame := struct {
		Type string `json:"type"`
		v1.PermissionRequestCommand
	}{Type: v1.CmdPermissionRequest, PermissionRequestCommand: request}

	if err := conn.WriteJSON(frame); err != nil {
		return nil, fmt.Errorf("failed to send permission request: %w", err)
	}

	r.logger.Debug("permission request sent",
		zap.String("request_id", requestID),
		zap.String("tool", toolName))

	// Unblock the read loop when the context expires.
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("permission request timed out: %w", ctx.Err())
			}
			return nil, fmt.Errorf("gateway connection lost: %w", err)
		}

		var envelope struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
			Code      string `json:"code"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case v1.EventPermissionResolution:
			if envelope.RequestID != requestID {
				continue
			}
			var resolution v1.PermissionResolutionEvent
			if err := json.Unmarshal(data, &resolution); err != nil {
				return nil, fmt.Errorf("failed to decode resolution: %w", err)
			}
			return &resolution.Response, nil

		case v1.EventError:
			return nil, fmt.Errorf("gateway rejected permission request: %s (%s)", envelope.Message, envelope.Code)
		}
	}
}
