package ws

import (
	"context"
	"fmt"
)

// Conn is the minimal view of a connection a handler needs: an identity
// and an outbound queue.
type Conn interface {
	// ID returns the connection's unique id.
	ID() string

	// Enqueue queues an outbound frame. It reports false when the frame
	// was dropped (queue overflow on a non-critical frame).
	Enqueue(v any) bool
}

// Handler processes one inbound frame for one connection.
type Handler interface {
	Handle(ctx context.Context, conn Conn, frame *Frame) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, conn Conn, frame *Frame) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, conn Conn, frame *Frame) error {
	return f(ctx, conn, frame)
}

// ErrUnknownType reports a frame whose type has no registered handler.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown frame type: %s", e.Type)
}

// Dispatcher routes frames to handlers by their type discriminator.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a frame type.
func (d *Dispatcher) Register(frameType string, handler Handler) {
	d.handlers[frameType] = handler
}

// RegisterFunc registers a handler function for a frame type.
func (d *Dispatcher) RegisterFunc(frameType string, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch routes a frame to its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, frame *Frame) error {
	handler, ok := d.handlers[frame.Type]
	if !ok {
		return &ErrUnknownType{Type: frame.Type}
	}
	return handler.Handle(ctx, conn, frame)
}

// HasHandler returns true if a handler is registered for the frame type.
func (d *Dispatcher) HasHandler(frameType string) bool {
	_, ok := d.handlers[frameType]
	return ok
}
