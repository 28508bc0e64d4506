package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentdock/agentdock/internal/orchestrator"
	"github.com/agentdock/agentdock/internal/store"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
	"github.com/agentdock/agentdock/pkg/ws"
)

func (g *Gateway) registerHandlers() {
	g.dispatcher.RegisterFunc(v1.CmdListSessions, g.handleListSessions)
	g.dispatcher.RegisterFunc(v1.CmdCreateSession, g.handleCreateSession)
	g.dispatcher.RegisterFunc(v1.CmdAttachSession, g.handleAttachSession)
	g.dispatcher.RegisterFunc(v1.CmdDeleteSession, g.handleDeleteSession)
	g.dispatcher.RegisterFunc(v1.CmdRenameSession, g.handleRenameSession)
	g.dispatcher.RegisterFunc(v1.CmdSetPermissionMode, g.handleSetPermissionMode)
	g.dispatcher.RegisterFunc(v1.CmdSetModel, g.handleSetModel)
	g.dispatcher.RegisterFunc(v1.CmdUserMessage, g.handleUserMessage)
	g.dispatcher.RegisterFunc(v1.CmdInterrupt, g.handleInterrupt)
	g.dispatcher.RegisterFunc(v1.CmdCompactSession, g.handleCompactSession)
	g.dispatcher.RegisterFunc(v1.CmdPermissionRequest, g.handlePermissionRequest)
	g.dispatcher.RegisterFunc(v1.CmdPermissionResponse, g.handlePermissionResponse)
	g.dispatcher.RegisterFunc(v1.CmdQuestionResponse, g.handleQuestionResponse)
}

func (g *Gateway) handleListSessions(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	sessions, err := g.store.List(ctx)
	if err != nil {
		return err
	}
	conn.Enqueue(sessionListEvent(sessions))
	return nil
}

func (g *Gateway) handleCreateSession(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.CreateSessionCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}

	session, err := g.store.Create(ctx, store.Seed{
		Name:       cmd.Name,
		WorkingDir: cmd.WorkingDir,
		Workspace:  cmd.Workspace,
	})
	if err != nil {
		return err
	}

	// The creator starts attached; everyone learns about the session.
	if client, ok := conn.(*Client); ok {
		g.hub.Attach(client, session.ID)
	}
	g.hub.EmitGlobal(v1.SessionCreatedEvent{
		Type:    v1.EventSessionCreated,
		Session: session.Summary(),
	})
	return nil
}

func (g *Gateway) handleAttachSession(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.AttachSessionCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}

	session, err := g.store.Get(ctx, cmd.SessionID)
	if err != nil {
		return notFound(cmd.SessionID, err)
	}
	history, err := g.store.History(ctx, cmd.SessionID)
	if err != nil {
		return notFound(cmd.SessionID, err)
	}

	if client, ok := conn.(*Client); ok {
		g.hub.Attach(client, cmd.SessionID)
	}

	conn.Enqueue(v1.SessionAttachedEvent{
		Type:              v1.EventSessionAttached,
		SessionID:         session.ID,
		Session:           session.Summary(),
		History:           history,
		IsRunning:         g.orch.IsRunning(session.ID),
		Usage:             session.Usage,
		ModelUsage:        session.ModelUsage,
		PendingPermission: session.PendingPermission,
		PendingQuestion:   session.PendingQuestion,
	})
	return nil
}

func (g *Gateway) handleDeleteSession(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.DeleteSessionCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	if err := g.orch.Delete(ctx, cmd.SessionID); err != nil {
		return err
	}
	g.hub.DetachSession(cmd.SessionID)
	return nil
}

func (g *Gateway) handleRenameSession(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.RenameSessionCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	if err := g.store.SetName(ctx, cmd.SessionID, cmd.Name); err != nil {
		return notFound(cmd.SessionID, err)
	}

	sessions, err := g.store.List(ctx)
	if err != nil {
		return err
	}
	g.hub.EmitGlobal(sessionListEvent(sessions))
	return nil
}

func (g *Gateway) handleSetPermissionMode(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.SetPermissionModeCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.SetPermissionMode(ctx, cmd.SessionID, cmd.Mode)
}

func (g *Gateway) handleSetModel(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.SetModelCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.SetModel(ctx, cmd.SessionID, cmd.Model, cmd.OldModel)
}

func (g *Gateway) handleUserMessage(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.UserMessageCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.SendUserMessage(ctx, cmd.SessionID, cmd.Content, cmd.Images)
}

func (g *Gateway) handleInterrupt(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.InterruptCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.Interrupt(ctx, cmd.SessionID)
}

func (g *Gateway) handleCompactSession(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.CompactSessionCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.Compact(ctx, cmd.SessionID)
}

// handlePermissionRequest serves the external permission service acting
// as a peer: the request is surfaced to the session's clients and the
// peer receives the resolution on its own connection.
func (g *Gateway) handlePermissionRequest(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.PermissionRequestCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}

	resultCh, err := g.orch.HandlePermissionRequest(ctx, cmd)
	if err != nil {
		return err
	}

	go func() {
		result, ok := <-resultCh
		if !ok {
			return
		}
		conn.Enqueue(v1.PermissionResolutionEvent{
			Type:      v1.EventPermissionResolution,
			SessionID: cmd.SessionID,
			RequestID: cmd.RequestID,
			Response:  result,
		})
	}()
	return nil
}

func (g *Gateway) handlePermissionResponse(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.PermissionResponseCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.ResolvePermission(ctx, cmd.SessionID, cmd.RequestID, cmd.Response)
}

func (g *Gateway) handleQuestionResponse(ctx context.Context, conn ws.Conn, frame *ws.Frame) error {
	var cmd v1.QuestionResponseCommand
	if err := frame.Decode(&cmd); err != nil {
		return protocolErr(err)
	}
	return g.orch.AnswerQuestion(ctx, cmd.SessionID, cmd.RequestID, cmd.Answers)
}

func sessionListEvent(sessions []*store.Session) v1.SessionListEvent {
	summaries := make([]v1.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, session.Summary())
	}
	return v1.SessionListEvent{Type: v1.EventSessionList, Sessions: summaries}
}

func protocolErr(err error) error {
	return &orchestrator.Error{Code: v1.ErrProtocol, Message: err.Error(), Err: err}
}

func notFound(sessionID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &orchestrator.Error{Code: v1.ErrNotFound, Message: fmt.Sprintf("session %s not found", sessionID)}
	}
	return err
}
