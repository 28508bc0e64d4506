package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id   string
	sent []any
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Enqueue(v any) bool {
	c.sent = append(c.sent, v)
	return true
}

func TestParseFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"user_message","sessionId":"s1","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "user_message", frame.Type)

	var cmd struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
	}
	require.NoError(t, frame.Decode(&cmd))
	assert.Equal(t, "s1", cmd.SessionID)
	assert.Equal(t, "hi", cmd.Content)
}

func TestParseFrame_Malformed(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`{"sessionId":"s1"}`))
	assert.Error(t, err)
}

func TestDispatcher_Dispatch(t *testing.T) {
	d := NewDispatcher()
	conn := &fakeConn{id: "c1"}

	var got *Frame
	d.RegisterFunc("ping", func(ctx context.Context, c Conn, frame *Frame) error {
		got = frame
		c.Enqueue("pong")
		return nil
	})
	assert.True(t, d.HasHandler("ping"))
	assert.False(t, d.HasHandler("pong"))

	frame, err := ParseFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), conn, frame))
	require.NotNil(t, got)
	assert.Equal(t, []any{"pong"}, conn.sent)
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := NewDispatcher()
	frame, err := ParseFrame([]byte(`{"type":"nope"}`))
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), &fakeConn{}, frame)
	var unknown *ErrUnknownType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Type)
}
