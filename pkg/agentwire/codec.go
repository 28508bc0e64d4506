package agentwire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// MaxLineBytes is the longest stdout line the codec accepts. A longer line
// surfaces ErrLineTooLong through the error handler and is discarded; the
// stream itself keeps going.
const MaxLineBytes = 1 << 20 // 1 MiB

// ErrLineTooLong reports an agent output line exceeding MaxLineBytes.
var ErrLineTooLong = errors.New("agentwire: line exceeds maximum length")

// MessageHandler handles decoded stream messages.
type MessageHandler func(msg *StreamMessage)

// ErrorHandler handles protocol-level decode errors. Malformed JSON is
// logged and skipped without invoking it; only line-limit violations and
// stream read failures are reported.
type ErrorHandler func(err error)

// Codec handles agent CLI communication over stdin/stdout streams.
// It reads newline-delimited JSON from stdout and writes single-line
// JSON frames to stdin.
type Codec struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	messageHandler MessageHandler
	errorHandler   ErrorHandler

	// writeMu serializes stdin writes so concurrent emitters never interleave
	writeMu sync.Mutex

	mu       sync.RWMutex
	done     chan struct{}
	loopDone chan struct{}
	loopOnce sync.Once
}

// NewCodec creates a codec over the agent's stdin and stdout streams.
func NewCodec(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Codec {
	return &Codec{
		stdin:    stdin,
		stdout:   stdout,
		logger:   log.WithFields(zap.String("component", "agentwire")),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for decoded stream messages.
func (c *Codec) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetErrorHandler sets the handler for protocol errors.
func (c *Codec) SetErrorHandler(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = handler
}

// Start begins reading from stdout in a goroutine.
// The returned channel is closed when the read loop is ready.
func (c *Codec) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Done is closed once the read loop has finished, meaning all buffered
// stdout has been decoded and delivered.
func (c *Codec) Done() <-chan struct{} {
	return c.loopDone
}

// Stop stops the codec's read loop.
func (c *Codec) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserText writes a plain-text user frame.
func (c *Codec) SendUserText(content string) error {
	return c.send(&UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	})
}

// SendUserBlocks writes a structured user frame (text + image parts).
func (c *Codec) SendUserBlocks(blocks []UserContentBlock) error {
	return c.send(&UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: blocks,
		},
	})
}

// SendSetPermissionMode writes a set_permission_mode control request and
// returns the request id so the caller can correlate the control_response.
func (c *Codec) SendSetPermissionMode(mode string) (string, error) {
	requestID := uuid.New().String()
	err := c.send(&ControlRequestMessage{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request: ControlRequestBody{
			Subtype: SubtypeSetPermissionMode,
			Mode:    mode,
		},
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// SendInterrupt writes an interrupt control request.
func (c *Codec) SendInterrupt() (string, error) {
	requestID := uuid.New().String()
	err := c.send(&ControlRequestMessage{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request: ControlRequestBody{
			Subtype: SubtypeInterrupt,
		},
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

func (c *Codec) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.logger.Debug("sent frame", zap.ByteString("data", data))
	return nil
}

// readLoop splits stdout into lines, buffering incomplete tails across
// reads. Lines over MaxLineBytes are discarded with a protocol error;
// malformed JSON is logged and skipped.
func (c *Codec) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer c.loopOnce.Do(func() { close(c.loopDone) })
	reader := bufio.NewReaderSize(c.stdout, 64*1024)
	close(ready)

	var (
		line     []byte
		overlong bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			switch {
			case overlong:
				// Still discarding the remainder of an overlong line.
			case len(line)+len(chunk) > MaxLineBytes:
				overlong = true
				line = line[:0]
			default:
				line = append(line, chunk...)
			}
		}

		switch err {
		case nil:
			if overlong {
				overlong = false
				c.emitError(ErrLineTooLong)
			} else if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
				c.handleLine(trimmed)
			}
			line = line[:0]
		case bufio.ErrBufferFull:
			// Partial line; keep accumulating.
		case io.EOF:
			// A tail without a trailing newline is still a complete frame
			// when the child exits cleanly.
			if !overlong {
				if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
					c.handleLine(trimmed)
				}
			}
			return
		default:
			c.logger.Error("read loop error", zap.Error(err))
			c.emitError(err)
			return
		}
	}
}

func (c *Codec) handleLine(line []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse agent output line",
			zap.Error(err),
			zap.ByteString("line", line))
		return
	}
	if msg.Type == "" {
		c.logger.Warn("agent output line missing type", zap.ByteString("line", line))
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		raw := make([]byte, len(line))
		copy(raw, line)
		msg.Raw = raw
		handler(&msg)
	}
}

func (c *Codec) emitError(err error) {
	c.mu.RLock()
	handler := c.errorHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(err)
	}
}

// ParseQuestions decodes the questions list of an AskUserQuestion tool input.
func ParseQuestions(input map[string]any) ([]Question, error) {
	raw, ok := input["questions"]
	if !ok {
		return nil, fmt.Errorf("tool input has no questions field")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode questions: %w", err)
	}
	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	return questions, nil
}
