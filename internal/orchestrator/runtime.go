package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/mcpconfig"
	"github.com/agentdock/agentdock/internal/supervisor"
	"github.com/agentdock/agentdock/pkg/agentwire"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// drainGrace bounds how long the exit watcher waits for the codec to drain
// buffered stdout after the child is reaped.
const drainGrace = 2 * time.Second

// modeChange tracks an in-flight set_permission_mode control request so an
// error response can roll the optimistic update back.
type modeChange struct {
	previous  string
	requested string
}

// runtime is the live half of a session: the supervised child, its codec
// and the turn accumulator.
type runtime struct {
	sessionID string
	handle    *supervisor.Handle
	codec     *agentwire.Codec
	orch      *Orchestrator
	logger    *logger.Logger

	mu           sync.Mutex
	textBuf      strings.Builder
	thinkingBuf  strings.Builder
	sawResult    bool
	deleted      bool
	interrupted  bool
	modeRequests map[string]modeChange
}

func newRuntime(sessionID string, handle *supervisor.Handle, orch *Orchestrator, log *logger.Logger) *runtime {
	rt := &runtime{
		sessionID:    sessionID,
		handle:       handle,
		orch:         orch,
		logger:       log,
		modeRequests: make(map[string]modeChange),
	}
	rt.codec = agentwire.NewCodec(handle.Stdin(), handle.Stdout(), log)
	rt.codec.SetMessageHandler(rt.handleMessage)
	rt.codec.SetErrorHandler(rt.handleProtocolError)
	return rt
}

func (rt *runtime) markDeleted() {
	rt.mu.Lock()
	rt.deleted = true
	rt.mu.Unlock()
}

// beginTurn rearms the turn accumulator for another user frame on the same
// child, so a later exit without a fresh result still finalizes cleanly.
func (rt *runtime) beginTurn() {
	rt.mu.Lock()
	rt.sawResult = false
	rt.interrupted = false
	rt.mu.Unlock()
}

func (rt *runtime) markInterrupted() {
	rt.mu.Lock()
	rt.interrupted = true
	rt.mu.Unlock()
}

func (rt *runtime) isDeleted() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.deleted
}

func (rt *runtime) trackModeChange(requestID, previous, requested string) {
	rt.mu.Lock()
	rt.modeRequests[requestID] = modeChange{previous: previous, requested: requested}
	rt.mu.Unlock()
}

// sendUser writes a user frame; plain text unless images are attached.
func (rt *runtime) sendUser(content string, images []v1.Attachment) error {
	if len(images) == 0 {
		return rt.codec.SendUserText(content)
	}
	blocks := make([]agentwire.UserContentBlock, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, agentwire.UserContentBlock{
			Type: "image",
			Source: &agentwire.ImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	if content != "" {
		blocks = append(blocks, agentwire.UserContentBlock{Type: "text", Text: content})
	}
	return rt.codec.SendUserBlocks(blocks)
}

// handleMessage routes one decoded stdout frame. It runs on the codec's
// read goroutine, so per-session event order is preserved.
func (rt *runtime) handleMessage(msg *agentwire.StreamMessage) {
	ctx := context.Background()

	switch msg.Type {
	case agentwire.MessageTypeSystem:
		rt.handleSystem(ctx, msg)
	case agentwire.MessageTypeAssistant:
		rt.handleAssistant(ctx, msg)
	case agentwire.MessageTypeUser:
		rt.handleToolResults(ctx, msg)
	case agentwire.MessageTypeResult:
		rt.handleResult(ctx, msg)
	case agentwire.MessageTypeUsage:
		rt.handleUsage(ctx, msg)
	case agentwire.MessageTypeControlResponse:
		rt.handleControlResponse(ctx, msg)
	case agentwire.MessageTypeControlRequest:
		// Permissions arrive through the out-of-process tool, not stdin.
		rt.logger.Debug("ignoring inbound control request",
			zap.String("subtype", msg.Subtype))
	default:
		rt.logger.Debug("ignoring unknown message type", zap.String("type", msg.Type))
	}
}

func (rt *runtime) handleSystem(ctx context.Context, msg *agentwire.StreamMessage) {
	if msg.SessionID != "" {
		rt.storeAgentSessionID(ctx, msg.SessionID)
	}
	if msg.Model != "" {
		if err := rt.orch.store.SetModel(ctx, rt.sessionID, msg.Model); err != nil {
			rt.logger.Warn("failed to store model", zap.Error(err))
		}
	}
	if msg.PermissionMode != "" {
		// The agent's reported mode always wins over the local one.
		if err := rt.orch.store.SetPermissionMode(ctx, rt.sessionID, msg.PermissionMode); err != nil {
			rt.logger.Warn("failed to store permission mode", zap.Error(err))
		}
	}
	rt.orch.sink.EmitSession(rt.sessionID, v1.SystemInfoEvent{
		Type:           v1.EventSystemInfo,
		SessionID:      rt.sessionID,
		Model:          msg.Model,
		PermissionMode: msg.PermissionMode,
		CWD:            msg.CWD,
		Tools:          msg.Tools,
	})
}

func (rt *runtime) handleAssistant(ctx context.Context, msg *agentwire.StreamMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			rt.mu.Lock()
			rt.textBuf.WriteString(block.Text)
			rt.mu.Unlock()
			rt.orch.sink.EmitSession(rt.sessionID, v1.TextOutputEvent{
				Type:      v1.EventTextOutput,
				SessionID: rt.sessionID,
				Text:      block.Text,
			})
		case "thinking":
			rt.mu.Lock()
			rt.thinkingBuf.WriteString(block.Thinking)
			rt.mu.Unlock()
			rt.orch.sink.EmitSession(rt.sessionID, v1.ThinkingOutputEvent{
				Type:      v1.EventThinkingOutput,
				SessionID: rt.sessionID,
				Thinking:  block.Thinking,
			})
		case "tool_use":
			if block.Name == agentwire.AskUserQuestionTool {
				rt.interceptQuestion(ctx, block)
				continue
			}
			rt.orch.appendHistory(ctx, rt.sessionID, v1.HistoryEntry{
				Kind:      v1.EntryToolUse,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				Input:     block.Input,
			})
			rt.orch.sink.EmitSession(rt.sessionID, v1.ToolUseEvent{
				Type:      v1.EventToolUse,
				SessionID: rt.sessionID,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				Input:     block.Input,
			})
		}
	}
}

func (rt *runtime) handleToolResults(ctx context.Context, msg *agentwire.StreamMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		// Results for unknown tool-use ids are kept as standalone entries.
		rt.orch.appendHistory(ctx, rt.sessionID, v1.HistoryEntry{
			Kind:      v1.EntryToolResult,
			ToolUseID: block.ToolUseID,
			Output:    block.Content,
			Complete:  true,
			IsError:   block.IsError,
		})
		rt.orch.sink.EmitSession(rt.sessionID, v1.ToolResultEvent{
			Type:      v1.EventToolResult,
			SessionID: rt.sessionID,
			ToolUseID: block.ToolUseID,
			Content:   block.Content,
			IsError:   block.IsError,
		})
	}
}

// interceptQuestion turns an AskUserQuestion tool_use into a question
// prompt: pending state, waiting_input status and an ask_user_question
// event instead of an ordinary tool invocation.
func (rt *runtime) interceptQuestion(ctx context.Context, block agentwire.ContentBlock) {
	questions, err := agentwire.ParseQuestions(block.Input)
	if err != nil {
		rt.logger.Warn("malformed question tool input", zap.Error(err))
		return
	}

	prompt := &v1.QuestionPrompt{RequestID: block.ID, Questions: questions}
	if err := rt.orch.store.SetPendingQuestion(ctx, rt.sessionID, prompt); err != nil {
		rt.logger.Error("failed to store pending question", zap.Error(err))
		return
	}
	rt.orch.appendHistory(ctx, rt.sessionID, v1.HistoryEntry{
		Kind:      v1.EntryQuestion,
		RequestID: block.ID,
		Questions: questions,
	})
	rt.orch.sink.EmitSession(rt.sessionID, v1.AskUserQuestionEvent{
		Type:      v1.EventAskUserQuestion,
		SessionID: rt.sessionID,
		RequestID: block.ID,
		Questions: questions,
	})
	rt.orch.setStatus(ctx, rt.sessionID, v1.StatusWaitingInput)
}

func (rt *runtime) handleResult(ctx context.Context, msg *agentwire.StreamMessage) {
	rt.mu.Lock()
	rt.sawResult = true
	rt.mu.Unlock()

	rt.flushBuffers(ctx)

	// Agents may rotate their own session id; the newest one wins.
	if data := msg.GetResultData(); data != nil && data.SessionID != "" {
		rt.storeAgentSessionID(ctx, data.SessionID)
	} else if msg.SessionID != "" {
		rt.storeAgentSessionID(ctx, msg.SessionID)
	}

	if msg.Usage != nil {
		rt.addUsage(ctx, msg.Usage)
	}
	for model, stats := range msg.ModelUsage {
		sample := v1.UsageTotals{
			InputTokens:         stats.InputTokens,
			OutputTokens:        stats.OutputTokens,
			CacheCreationTokens: stats.CacheCreationInputTokens,
			CacheReadTokens:     stats.CacheReadInputTokens,
		}
		if err := rt.orch.store.AddModelUsage(ctx, rt.sessionID, model, sample, stats.ContextWindow); err != nil {
			rt.logger.Warn("failed to accumulate model usage", zap.Error(err))
		}
	}

	rt.orch.sink.EmitSession(rt.sessionID, v1.ResultEvent{
		Type:      v1.EventResult,
		SessionID: rt.sessionID,
		Result:    msg.ResultText(),
	})
	rt.orch.setStatus(ctx, rt.sessionID, v1.StatusIdle)
}

func (rt *runtime) handleUsage(ctx context.Context, msg *agentwire.StreamMessage) {
	if msg.Usage == nil {
		return
	}
	sample := rt.addUsage(ctx, msg.Usage)
	rt.orch.sink.EmitSession(rt.sessionID, v1.UsageInfoEvent{
		Type:      v1.EventUsageInfo,
		SessionID: rt.sessionID,
		Model:     msg.Model,
		Usage:     sample,
	})
}

func (rt *runtime) addUsage(ctx context.Context, usage *agentwire.Usage) v1.UsageTotals {
	sample := v1.UsageTotals{
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationInputTokens,
		CacheReadTokens:     usage.CacheReadInputTokens,
	}
	if err := rt.orch.store.AddUsage(ctx, rt.sessionID, sample); err != nil {
		rt.logger.Warn("failed to accumulate usage", zap.Error(err))
	}
	return sample
}

func (rt *runtime) handleControlResponse(ctx context.Context, msg *agentwire.StreamMessage) {
	if msg.Response == nil {
		return
	}

	rt.mu.Lock()
	change, tracked := rt.modeRequests[msg.Response.RequestID]
	delete(rt.modeRequests, msg.Response.RequestID)
	rt.mu.Unlock()

	if !tracked {
		rt.logger.Debug("control response for unknown request",
			zap.String("request_id", msg.Response.RequestID))
		return
	}
	if msg.Response.Subtype != agentwire.ResponseError {
		return
	}

	// The optimistic mode change failed; roll it back.
	rt.logger.Warn("permission mode change rejected",
		zap.String("requested", change.requested),
		zap.String("error", msg.Response.Error))
	if err := rt.orch.store.SetPermissionMode(ctx, rt.sessionID, change.previous); err != nil {
		rt.logger.Warn("failed to restore permission mode", zap.Error(err))
	}
	rt.orch.sink.EmitSession(rt.sessionID, v1.SystemInfoEvent{
		Type:           v1.EventSystemInfo,
		SessionID:      rt.sessionID,
		PermissionMode: change.previous,
	})
}

func (rt *runtime) handleProtocolError(err error) {
	rt.logger.Warn("agent stream protocol error", zap.Error(err))
	rt.orch.sink.EmitSession(rt.sessionID, v1.ErrorEvent{
		Type:      v1.EventError,
		SessionID: rt.sessionID,
		Code:      v1.ErrProtocol,
		Message:   err.Error(),
	})
}

// flushBuffers appends the accumulated thinking and text to history,
// thinking first, skipping empty buffers.
func (rt *runtime) flushBuffers(ctx context.Context) {
	rt.mu.Lock()
	thinking := rt.thinkingBuf.String()
	text := rt.textBuf.String()
	rt.thinkingBuf.Reset()
	rt.textBuf.Reset()
	rt.mu.Unlock()

	if thinking != "" {
		rt.orch.appendHistory(ctx, rt.sessionID, v1.HistoryEntry{Kind: v1.EntryThinking, Text: thinking})
	}
	if text != "" {
		rt.orch.appendHistory(ctx, rt.sessionID, v1.HistoryEntry{Kind: v1.EntryAssistant, Text: text})
	}
}

func (rt *runtime) storeAgentSessionID(ctx context.Context, agentSessionID string) {
	session, err := rt.orch.store.Get(ctx, rt.sessionID)
	if err != nil || session.AgentSessionID == agentSessionID {
		return
	}
	if err := rt.orch.store.SetAgentSessionID(ctx, rt.sessionID, agentSessionID); err != nil {
		rt.logger.Warn("failed to store agent session id", zap.Error(err))
	}
}

// watchExit waits for the child to be reaped, lets the codec drain any
// buffered output, then finalizes the turn.
func (rt *runtime) watchExit() {
	status := <-rt.handle.Wait()

	select {
	case <-rt.codec.Done():
	case <-time.After(drainGrace):
		rt.logger.Warn("codec did not drain after exit")
	}
	rt.codec.Stop()

	ctx := context.Background()

	rt.orch.mu.Lock()
	if rt.orch.runtimes[rt.sessionID] == rt {
		delete(rt.orch.runtimes, rt.sessionID)
	}
	rt.orch.mu.Unlock()

	_ = mcpconfig.Remove(rt.sessionID)

	if rt.isDeleted() {
		return
	}

	rt.orch.broker.CancelSession(rt.sessionID)
	rt.orch.clearPending(ctx, rt.sessionID)
	rt.flushBuffers(ctx)

	rt.mu.Lock()
	sawResult := rt.sawResult
	interrupted := rt.interrupted
	rt.mu.Unlock()

	if sawResult {
		// handleResult already flushed and went idle.
		return
	}

	if status.Code != 0 && !interrupted {
		message := fmt.Sprintf("Claude process exited unexpectedly (code: %d)", status.Code)
		rt.logger.Error("agent process dirty exit",
			zap.Int("code", status.Code),
			zap.String("signal", status.Signal),
			zap.String("stderr", rt.handle.StderrTail()))
		rt.orch.sink.EmitSession(rt.sessionID, v1.ErrorEvent{
			Type:      v1.EventError,
			SessionID: rt.sessionID,
			Code:      v1.ErrAgentExit,
			Message:   message,
		})
	}

	rt.orch.setStatus(ctx, rt.sessionID, v1.StatusIdle)
}
