package host

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/ir"
)

// envelope is the bus payload. From names the sending node so a receiver
// can reply before it knows the session's counterparty.
type envelope struct {
	Version string          `json:"v"`
	From    string          `json:"from"`
	Event   ir.SessionEvent `json:"event"`
}

func encodeEnvelope(from string, ev ir.SessionEvent) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: ir.WireVersion, From: from, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != ir.WireVersion {
		return envelope{}, fmt.Errorf("decode envelope: unsupported wire version %q", env.Version)
	}
	if env.From == "" {
		return envelope{}, fmt.Errorf("decode envelope: missing sender")
	}
	return env, nil
}

// DecodeMessage returns the sending node and the event carried by a bus
// message published by a Node.
func DecodeMessage(m bus.Message) (string, ir.SessionEvent, error) {
	env, err := decodeEnvelope(m.Value)
	if err != nil {
		return "", ir.SessionEvent{}, err
	}
	return env.From, env.Event, nil
}

// peerOf returns the identity on the other side of state.
func peerOf(state *ir.SessionState) string {
	if state == nil {
		return ""
	}
	if state.Role == ir.RoleInitiator {
		return state.Counterparty.InitiatedIdentity
	}
	return state.Counterparty.InitiatingIdentity
}
