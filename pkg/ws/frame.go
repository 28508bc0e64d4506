// Package ws provides the framed-channel protocol layer: a frame envelope
// with a type discriminator and a dispatcher routing frames to handlers.
package ws

import (
	"encoding/json"
	"fmt"
)

// Frame is one inbound JSON object. The type discriminator selects the
// handler; Raw holds the full object for the handler to decode.
type Frame struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ParseFrame decodes the type discriminator and keeps the raw bytes.
func ParseFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	frame.Raw = raw
	return &frame, nil
}

// Decode unmarshals the full frame into the given command struct.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("malformed %s frame: %w", f.Type, err)
	}
	return nil
}
