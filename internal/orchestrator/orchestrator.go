// Package orchestrator drives the per-session state machine: it accepts
// user input, provisions workspaces, supervises the agent child process,
// accumulates partial output, persists history and transitions status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/broker"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/mcpconfig"
	"github.com/agentdock/agentdock/internal/store"
	"github.com/agentdock/agentdock/internal/supervisor"
	"github.com/agentdock/agentdock/internal/tracing"
	"github.com/agentdock/agentdock/internal/workspace"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// compactPrompt is the synthetic user turn injected by compact_session.
const compactPrompt = "Summarise the conversation so far, keeping decisions, open items and important context. Future turns continue from this summary."

// EventSink delivers server events to clients. EmitSession preserves the
// per-session emission order end to end; EmitGlobal broadcasts to every
// connection.
type EventSink interface {
	EmitSession(sessionID string, event any)
	EmitGlobal(event any)
}

// Config holds the orchestrator's agent-spawning configuration.
type Config struct {
	Agent config.AgentConfig

	// GatewayURL is the websocket URL handed to the out-of-process
	// permission tool so it can connect back as a peer.
	GatewayURL string
}

// Orchestrator owns all live session runtimes.
type Orchestrator struct {
	store      store.Store
	workspaces *workspace.Provisioner
	broker     *broker.Broker
	bus        bus.EventBus
	sink       EventSink
	cfg        Config
	logger     *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime
	workdirs map[string]string
	cleanups map[string]workspace.CleanupFunc
}

func New(st store.Store, ws *workspace.Provisioner, br *broker.Broker, eventBus bus.EventBus, sink EventSink, cfg Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		workspaces: ws,
		broker:     br,
		bus:        eventBus,
		sink:       sink,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		runtimes:   make(map[string]*runtime),
		workdirs:   make(map[string]string),
		cleanups:   make(map[string]workspace.CleanupFunc),
	}
}

// IsRunning reports whether a supervised child is attached to the session.
func (o *Orchestrator) IsRunning(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runtimes[sessionID]
	return ok
}

// SendUserMessage accepts a user turn. From idle it starts a new turn;
// while running it streams an additional user frame into the live child.
// Any waiting state rejects with busy.
//
// Idle with a live child (result seen, child not yet reaped) also streams
// into the child: the turn is over but the process still accepts frames,
// and rejecting here would surface busy on an idle session.
func (o *Orchestrator) SendUserMessage(ctx context.Context, sessionID, content string, images []v1.Attachment) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return errNotFound(sessionID)
	}

	o.mu.Lock()
	rt := o.runtimes[sessionID]
	o.mu.Unlock()

	if rt != nil && (session.Status == v1.StatusRunning || session.Status == v1.StatusIdle) {
		if session.Status == v1.StatusIdle {
			rt.beginTurn()
		}
		o.appendHistory(ctx, sessionID, userEntry(content, images))
		if err := rt.sendUser(content, images); err != nil {
			return errInternal("failed to write user frame", err)
		}
		if session.Status == v1.StatusIdle {
			o.setStatus(ctx, sessionID, v1.StatusRunning)
		}
		return nil
	}

	if session.Status != v1.StatusIdle || rt != nil {
		return errBusy(fmt.Sprintf("session is %s", session.Status))
	}
	return o.startTurn(ctx, session, content, images)
}

// Compact injects a synthetic summarize turn. Only valid while idle.
func (o *Orchestrator) Compact(ctx context.Context, sessionID string) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return errNotFound(sessionID)
	}
	if session.Status != v1.StatusIdle {
		return errBusy(fmt.Sprintf("session is %s", session.Status))
	}
	return o.startTurn(ctx, session, compactPrompt, nil)
}

// startTurn appends the user entry, provisions the workspace on first use,
// spawns the agent child and writes the initial user frame.
func (o *Orchestrator) startTurn(ctx context.Context, session *store.Session, content string, images []v1.Attachment) error {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "session.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", session.ID))

	log := o.logger.WithSessionID(session.ID)

	o.appendHistory(ctx, session.ID, userEntry(content, images))

	workdir, err := o.ensureWorkspace(ctx, session)
	if err != nil {
		return errWorkspace(err)
	}

	var mcpPath string
	if !o.cfg.Agent.Mock && o.cfg.Agent.PermissionPromptTool != "" {
		mcpPath, err = mcpconfig.Write(session.ID, mcpconfig.ServerSpec{
			Command: o.cfg.Agent.PermissionToolCommand,
			Env: map[string]string{
				"AGENTDOCK_WS_URL":     o.cfg.GatewayURL,
				"AGENTDOCK_SESSION_ID": session.ID,
			},
		})
		if err != nil {
			return errInternal("failed to write mcp config", err)
		}
	}

	spec := o.agentSpec(session, workdir, mcpPath)
	handle, err := supervisor.Spawn(ctx, spec, log)
	if err != nil {
		_ = mcpconfig.Remove(session.ID)
		return errInternal("failed to start agent process", err)
	}

	rt := newRuntime(session.ID, handle, o, log)

	o.mu.Lock()
	if _, exists := o.runtimes[session.ID]; exists {
		o.mu.Unlock()
		rt.codec.Stop()
		handle.Terminate()
		return errBusy("session is already running")
	}
	o.runtimes[session.ID] = rt
	o.mu.Unlock()

	<-rt.codec.Start(context.Background())
	o.setStatus(ctx, session.ID, v1.StatusRunning)

	if err := rt.sendUser(content, images); err != nil {
		log.Error("failed to write initial user frame", zap.Error(err))
		handle.Terminate()
		return errInternal("failed to write user frame", err)
	}

	go rt.watchExit()
	return nil
}

// Interrupt soft-cancels the current turn. A pending prompt is dropped
// first: a cancelled permission resolves its waiter with a deny, a
// cancelled question discards the answer entirely.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return errNotFound(sessionID)
	}

	o.mu.Lock()
	rt := o.runtimes[sessionID]
	o.mu.Unlock()
	if rt == nil {
		return errBusy("session is not running")
	}

	switch session.Status {
	case v1.StatusWaitingPermission:
		o.broker.CancelSession(sessionID)
		o.clearPending(ctx, sessionID)
		o.setStatus(ctx, sessionID, v1.StatusRunning)
	case v1.StatusWaitingInput:
		o.clearPending(ctx, sessionID)
		o.setStatus(ctx, sessionID, v1.StatusRunning)
	}

	rt.markInterrupted()
	if err := rt.handle.SignalInterrupt(); err != nil {
		return errInternal("failed to interrupt agent process", err)
	}
	return nil
}

// SetModel changes the session's model. The change takes effect on the
// next spawn and is recorded as a system history entry.
func (o *Orchestrator) SetModel(ctx context.Context, sessionID, model, oldModel string) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return errNotFound(sessionID)
	}
	if session.Status == v1.StatusWaitingPermission || session.Status == v1.StatusWaitingInput {
		return errBusy(fmt.Sprintf("session is %s", session.Status))
	}

	previous := oldModel
	if previous == "" {
		previous = session.Model
	}
	if previous == "" {
		previous = "default"
	}

	if err := o.store.SetModel(ctx, sessionID, model); err != nil {
		return errInternal("failed to store model", err)
	}

	notice := fmt.Sprintf("%s → %s", previous, model)
	o.appendHistory(ctx, sessionID, v1.HistoryEntry{Kind: v1.EntrySystem, Text: notice})
	o.sink.EmitSession(sessionID, v1.SystemMessageEvent{
		Type:      v1.EventSystemMessage,
		SessionID: sessionID,
		Content:   notice,
	})
	return nil
}

// SetPermissionMode changes the agent's permission mode. While running the
// change is sent as a control request and applied optimistically; the
// control response corrects it on error.
func (o *Orchestrator) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return errNotFound(sessionID)
	}
	if session.Status == v1.StatusWaitingPermission || session.Status == v1.StatusWaitingInput {
		return errBusy(fmt.Sprintf("session is %s", session.Status))
	}

	o.mu.Lock()
	rt := o.runtimes[sessionID]
	o.mu.Unlock()

	if rt != nil {
		requestID, err := rt.codec.SendSetPermissionMode(mode)
		if err != nil {
			return errInternal("failed to send permission mode change", err)
		}
		rt.trackModeChange(requestID, session.PermissionMode, mode)
	}

	if err := o.store.SetPermissionMode(ctx, sessionID, mode); err != nil {
		return errInternal("failed to store permission mode", err)
	}
	o.sink.EmitSession(sessionID, v1.SystemInfoEvent{
		Type:           v1.EventSystemInfo,
		SessionID:      sessionID,
		PermissionMode: mode,
	})
	return nil
}

// Delete terminates the child, runs workspace cleanup and removes the
// session. Pending prompts are dropped without a response.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	rt := o.runtimes[sessionID]
	delete(o.runtimes, sessionID)
	cleanup := o.cleanups[sessionID]
	delete(o.cleanups, sessionID)
	delete(o.workdirs, sessionID)
	o.mu.Unlock()

	if rt != nil {
		rt.markDeleted()
		rt.codec.Stop()
		rt.handle.Terminate()
	}
	o.broker.CancelSession(sessionID)
	_ = mcpconfig.Remove(sessionID)

	if cleanup != nil {
		if err := cleanup(); err != nil {
			o.logger.Warn("workspace cleanup failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if err := o.store.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound(sessionID)
		}
		return errInternal("failed to delete session", err)
	}

	o.sink.EmitGlobal(v1.SessionDeletedEvent{
		Type:      v1.EventSessionDeleted,
		SessionID: sessionID,
	})
	return nil
}

// Shutdown terminates every live child. Called on server exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	runtimes := make([]*runtime, 0, len(o.runtimes))
	for _, rt := range o.runtimes {
		runtimes = append(runtimes, rt)
	}
	o.mu.Unlock()

	for _, rt := range runtimes {
		rt.codec.Stop()
		rt.handle.Terminate()
	}
}

// ensureWorkspace provisions the session's workspace on first use. A
// session without a descriptor runs directly in its working directory.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, session *store.Session) (string, error) {
	o.mu.Lock()
	if dir, ok := o.workdirs[session.ID]; ok {
		o.mu.Unlock()
		return dir, nil
	}
	o.mu.Unlock()

	var (
		workdir string
		cleanup workspace.CleanupFunc
		err     error
	)
	if session.Workspace == nil {
		workdir = session.WorkingDir
		if _, statErr := os.Stat(workdir); statErr != nil {
			return "", fmt.Errorf("working directory %s: %w", workdir, statErr)
		}
	} else {
		provisionCtx, span := tracing.Tracer("orchestrator").Start(ctx, "workspace.provision")
		span.SetAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("workspace.kind", session.Workspace.Kind),
		)
		workdir, cleanup, err = o.workspaces.Provision(provisionCtx, session.ID, *session.Workspace)
		span.End()
		if err != nil {
			return "", err
		}
		if _, err := o.store.Update(ctx, session.ID, func(s *store.Session) error {
			s.WorkingDir = workdir
			return nil
		}); err != nil {
			o.logger.Warn("failed to store provisioned workdir",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	o.mu.Lock()
	o.workdirs[session.ID] = workdir
	if cleanup != nil {
		o.cleanups[session.ID] = cleanup
	}
	o.mu.Unlock()
	return workdir, nil
}

// agentSpec builds the child process invocation for a session.
func (o *Orchestrator) agentSpec(session *store.Session, workdir, mcpPath string) supervisor.Spec {
	if o.cfg.Agent.Mock {
		return supervisor.Spec{
			Command: o.cfg.Agent.MockCommand,
			Args:    o.cfg.Agent.Args,
			Dir:     workdir,
			Env:     os.Environ(),
		}
	}

	args := []string{"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose"}
	if session.Model != "" {
		args = append(args, "--model", session.Model)
	}
	if session.PermissionMode != "" {
		args = append(args, "--permission-mode", session.PermissionMode)
	}
	if session.AgentSessionID != "" {
		args = append(args, "--resume", session.AgentSessionID)
	}
	if mcpPath != "" {
		args = append(args,
			"--permission-prompt-tool", o.cfg.Agent.PermissionPromptTool,
			"--mcp-config", mcpPath)
	}
	args = append(args, o.cfg.Agent.Args...)

	return supervisor.Spec{
		Command: o.cfg.Agent.Command,
		Args:    args,
		Dir:     workdir,
		Env:     os.Environ(),
		UsePTY:  o.cfg.Agent.UsePTY,
	}
}

// setStatus persists a status transition and broadcasts it.
func (o *Orchestrator) setStatus(ctx context.Context, sessionID, status string) {
	if err := o.store.SetStatus(ctx, sessionID, status); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Error("failed to store status",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}
	o.sink.EmitGlobal(v1.SessionStatusChangedEvent{
		Type:      v1.EventSessionStatusChanged,
		SessionID: sessionID,
		Status:    status,
	})
	if o.bus != nil {
		event := bus.NewEvent("session_status", "orchestrator", map[string]any{
			"sessionId": sessionID,
			"status":    status,
		})
		if err := o.bus.Publish(ctx, bus.SubjectSessionStatus, event); err != nil {
			o.logger.Warn("failed to publish status event", zap.Error(err))
		}
	}
}

func (o *Orchestrator) clearPending(ctx context.Context, sessionID string) {
	if err := o.store.SetPendingPermission(ctx, sessionID, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failed to clear pending permission",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.store.SetPendingQuestion(ctx, sessionID, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failed to clear pending question",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// appendHistory persists one entry, logging instead of failing the stream.
func (o *Orchestrator) appendHistory(ctx context.Context, sessionID string, entry v1.HistoryEntry) {
	if err := o.store.AppendHistory(ctx, sessionID, entry); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("failed to append history",
			zap.String("session_id", sessionID),
			zap.String("kind", entry.Kind),
			zap.Error(err))
	}
}

func userEntry(content string, images []v1.Attachment) v1.HistoryEntry {
	return v1.HistoryEntry{
		Kind:        v1.EntryUser,
		Text:        content,
		Attachments: images,
	}
}
