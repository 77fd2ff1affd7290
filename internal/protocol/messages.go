package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies media websocket payload variants.
type MessageType string

const (
	TypeCallerAudioChunk MessageType = "caller_audio_chunk"
	TypeCallerHangup     MessageType = "caller_hangup"
	TypeAgentAudioChunk  MessageType = "agent_audio_chunk"
	TypeCallState        MessageType = "call_state"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// CallerAudioChunk carries one inbound audio frame from the telephony
// transport.
type CallerAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// CallerHangup signals the caller disconnected.
type CallerHangup struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Reason string      `json:"reason,omitempty"`
}

// AgentAudioChunk carries one outbound audio frame for playback.
type AgentAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
	// Hangup tells the transport to end the call after playing this chunk.
	Hangup bool `json:"hangup,omitempty"`
}

// CallState announces a dialogue state change to the transport.
type CallState struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"call_id"`
	State      string      `json:"state"`
	Resolution string      `json:"resolution,omitempty"`
	// Reason is set on abandoned calls: caller_hangup or session_timeout.
	Reason string `json:"reason,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

// ParseClientMessage decodes and validates an inbound transport message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCallerAudioChunk:
		var msg CallerAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" || msg.AudioBase64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid caller_audio_chunk")
		}
		return msg, nil
	case TypeCallerHangup:
		var msg CallerHangup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid caller_hangup")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
