package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentdock/agentdock/internal/broker"
	"github.com/agentdock/agentdock/pkg/agentwire"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// HandlePermissionRequest registers a pending tool-permission request from
// the external permission service. The returned channel receives the
// client's verbatim response (or a cancellation deny) exactly once.
func (o *Orchestrator) HandlePermissionRequest(ctx context.Context, cmd v1.PermissionRequestCommand) (<-chan agentwire.PermissionResult, error) {
	session, err := o.store.Get(ctx, cmd.SessionID)
	if err != nil {
		return nil, errNotFound(cmd.SessionID)
	}
	if session.Status != v1.StatusRunning {
		return nil, errBusy(fmt.Sprintf("session is %s", session.Status))
	}

	ch, err := o.broker.Register(cmd.SessionID, cmd.RequestID, cmd.ToolName)
	if err != nil {
		return nil, errBusy("a permission request is already pending")
	}

	prompt := &v1.PermissionPrompt{
		RequestID: cmd.RequestID,
		ToolName:  cmd.ToolName,
		Input:     cmd.Input,
	}
	if err := o.store.SetPendingPermission(ctx, cmd.SessionID, prompt); err != nil {
		o.broker.CancelSession(cmd.SessionID)
		return nil, errInternal("failed to store pending permission", err)
	}

	o.sink.EmitSession(cmd.SessionID, v1.PermissionRequestEvent{
		Type:      v1.EventPermissionRequest,
		SessionID: cmd.SessionID,
		RequestID: cmd.RequestID,
		ToolName:  cmd.ToolName,
		Input:     cmd.Input,
	})
	o.setStatus(ctx, cmd.SessionID, v1.StatusWaitingPermission)
	return ch, nil
}

// ResolvePermission delivers a client's permission response to the waiting
// permission service. Unknown, duplicate or cross-session responses leave
// session state untouched.
func (o *Orchestrator) ResolvePermission(ctx context.Context, sessionID, requestID string, result agentwire.PermissionResult) error {
	if err := o.broker.Resolve(sessionID, requestID, result); err != nil {
		if errors.Is(err, broker.ErrSessionMismatch) {
			return &Error{Code: v1.ErrNotFound, Message: fmt.Sprintf("permission request %s does not belong to session %s", requestID, sessionID)}
		}
		return &Error{Code: v1.ErrNotFound, Message: fmt.Sprintf("permission request %s not found", requestID)}
	}

	o.clearPendingPermission(ctx, sessionID)
	o.setStatus(ctx, sessionID, v1.StatusRunning)
	return nil
}

// AnswerQuestion resolves a pending AskUserQuestion prompt. The answers
// are written back to the child as a plain user frame and recorded as an
// answer history entry.
func (o *Orchestrator) AnswerQuestion(ctx context.Context, sessionID, requestID string, answers map[string]string) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return errNotFound(sessionID)
	}
	if session.PendingQuestion == nil || session.PendingQuestion.RequestID != requestID {
		return &Error{Code: v1.ErrNotFound, Message: fmt.Sprintf("question request %s not found", requestID)}
	}

	o.mu.Lock()
	rt := o.runtimes[sessionID]
	o.mu.Unlock()
	if rt == nil {
		return errBusy("session is not running")
	}

	o.appendHistory(ctx, sessionID, v1.HistoryEntry{
		Kind:      v1.EntryAnswer,
		RequestID: requestID,
		Answers:   answers,
	})

	if err := rt.codec.SendUserText(formatAnswers(session.PendingQuestion.Questions, answers)); err != nil {
		return errInternal("failed to write answer frame", err)
	}

	if err := o.store.SetPendingQuestion(ctx, sessionID, nil); err != nil {
		o.logger.WithSessionID(sessionID).WithError(err).Warn("failed to clear pending question")
	}
	o.setStatus(ctx, sessionID, v1.StatusRunning)
	return nil
}

func (o *Orchestrator) clearPendingPermission(ctx context.Context, sessionID string) {
	if err := o.store.SetPendingPermission(ctx, sessionID, nil); err != nil {
		o.logger.WithSessionID(sessionID).WithError(err).Warn("failed to clear pending permission")
	}
}

// formatAnswers joins the chosen options into the single user string the
// agent receives, preserving question order.
func formatAnswers(questions []agentwire.Question, answers map[string]string) string {
	var lines []string
	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		selected, ok := answers[q.Header]
		if !ok {
			continue
		}
		seen[q.Header] = true
		if q.Header != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", q.Header, selected))
		} else {
			lines = append(lines, selected)
		}
	}
	for header, selected := range answers {
		if !seen[header] {
			lines = append(lines, fmt.Sprintf("%s: %s", header, selected))
		}
	}
	return strings.Join(lines, "\n")
}
