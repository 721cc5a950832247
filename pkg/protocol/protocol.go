// Package protocol defines the wire contract between a client session and the
// voice pipeline backend (STT -> LLM -> TTS). Frames are JSON objects with a
// "type" tag; inbound frames optionally carry a monotone "seq" used to restore
// delivery order over the transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound frame type tags.
const (
	TypeSessionReady       = "session.ready"
	TypeTranscriptDelta    = "transcript.delta"
	TypeTranscriptComplete = "transcript.complete"
	TypeResponseDelta      = "response.delta"
	TypeResponseComplete   = "response.complete"
	TypeAudioOutput        = "audio.output"
	TypeToolCall           = "tool.call"
	TypeToolResult         = "tool.result"
	TypeVoiceState         = "voice.state"
	TypeSpeechStarted      = "input_audio_buffer.speech_started"
	TypeSpeechStopped      = "input_audio_buffer.speech_stopped"
	TypePong               = "pong"
	TypeHeartbeat          = "heartbeat"
	TypeError              = "error"
	TypeBatch              = "batch"
	TypeResumeAck          = "session.resume.ack"
)

// Outbound frame type tags.
const (
	TypeSessionInit        = "session.init"
	TypeAudioInput         = "audio.input"
	TypeAudioInputComplete = "audio.input.complete"
	TypePing               = "ping"
	TypeBargeIn            = "barge_in"
	TypeMessage            = "message"
)

// DecodeError describes a malformed or unsupported frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// VoiceSettings carries voice and capture preferences sent in session.init.
type VoiceSettings struct {
	VoiceID          string  `json:"voice_id,omitempty"`
	Language         string  `json:"language,omitempty"`
	Speed            float64 `json:"speed,omitempty"`
	Volume           float64 `json:"volume,omitempty"`
	SampleRateHz     int     `json:"sample_rate_hz,omitempty"`
	Channels         int     `json:"channels,omitempty"`
	EchoCancellation bool    `json:"echo_cancellation,omitempty"`
	NoiseSuppression bool    `json:"noise_suppression,omitempty"`
	AutoGain         bool    `json:"auto_gain,omitempty"`
}

// Outbound client -> server frames.

type SessionInit struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	VoiceSettings  VoiceSettings `json:"voice_settings"`
}

type AudioInput struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio"`
}

type AudioInputComplete struct {
	Type string `json:"type"`
}

type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type BargeIn struct {
	Type string `json:"type"`
}

type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Inbound is implemented by every server -> client frame variant. Consumers
// switch exhaustively on the concrete type; unrecognized tags decode to
// Unknown so newer backends do not break older clients.
type Inbound interface {
	inboundType() string
}

type SessionReady struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (SessionReady) inboundType() string { return TypeSessionReady }

type TranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TranscriptDelta) inboundType() string { return TypeTranscriptDelta }

type TranscriptComplete struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TranscriptComplete) inboundType() string { return TypeTranscriptComplete }

type ResponseDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (ResponseDelta) inboundType() string { return TypeResponseDelta }

type ResponseComplete struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (ResponseComplete) inboundType() string { return TypeResponseComplete }

type AudioOutput struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio"`
	IsFinal  bool   `json:"is_final,omitempty"`
}

func (AudioOutput) inboundType() string { return TypeAudioOutput }

type ToolCall struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (ToolCall) inboundType() string { return TypeToolCall }

type ToolResult struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Result  any    `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func (ToolResult) inboundType() string { return TypeToolResult }

type VoiceState struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

func (VoiceState) inboundType() string { return TypeVoiceState }

type SpeechStarted struct {
	Type string `json:"type"`
}

func (SpeechStarted) inboundType() string { return TypeSpeechStarted }

type SpeechStopped struct {
	Type string `json:"type"`
}

func (SpeechStopped) inboundType() string { return TypeSpeechStopped }

// Pong acknowledges a client ping. TS echoes the client send timestamp;
// backends that predate the ping frame send "heartbeat" with no payload.
type Pong struct {
	Type     string `json:"type"`
	TS       int64  `json:"ts,omitempty"`
	ServerTS int64  `json:"server_ts,omitempty"`
}

func (Pong) inboundType() string { return TypePong }

type PipelineError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (PipelineError) inboundType() string { return TypeError }

// Batch carries sub-frames sharing a base sequence number. Sub-frames are
// dispatched in embedded order and occupy sequence slots [seq, seq+len-1].
type Batch struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

func (Batch) inboundType() string { return TypeBatch }

type ResumeAck struct {
	Type              string `json:"type"`
	RecoveryState     string `json:"recovery_state"`
	PipelineState     string `json:"pipeline_state,omitempty"`
	PartialTranscript string `json:"partial_transcript,omitempty"`
	PartialResponse   string `json:"partial_response,omitempty"`
}

func (ResumeAck) inboundType() string { return TypeResumeAck }

// Unknown preserves frames with an unrecognized type tag.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u Unknown) inboundType() string { return u.Type }

// Frame is one decoded inbound frame. Seq is nil for out-of-band frames
// (heartbeats, legacy traffic) which bypass sequencing.
type Frame struct {
	Seq *int64
	Msg Inbound
}

// DecodeInbound decodes one server frame. Malformed JSON or a missing type
// tag returns a *DecodeError; unknown type tags succeed as Unknown.
func DecodeInbound(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
		Seq  *int64 `json:"seq,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Frame{}, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return Frame{}, badFrame("missing type", "type")
	}

	msg, err := decodeInboundBody(typ, data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Seq: envelope.Seq, Msg: msg}, nil
}

func decodeInboundBody(typ string, data []byte) (Inbound, error) {
	switch typ {
	case TypeSessionReady:
		var msg SessionReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session.ready frame", "")
		}
		return msg, nil
	case TypeTranscriptDelta:
		var msg TranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript.delta frame", "")
		}
		return msg, nil
	case TypeTranscriptComplete:
		var msg TranscriptComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript.complete frame", "")
		}
		return msg, nil
	case TypeResponseDelta:
		var msg ResponseDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.delta frame", "")
		}
		return msg, nil
	case TypeResponseComplete:
		var msg ResponseComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.complete frame", "")
		}
		return msg, nil
	case TypeAudioOutput:
		var msg AudioOutput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio.output frame", "")
		}
		return msg, nil
	case TypeToolCall:
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool.call frame", "")
		}
		if strings.TrimSpace(msg.ID) == "" {
			return nil, badFrame("tool.call.id is required", "id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("tool.call.name is required", "name")
		}
		return msg, nil
	case TypeToolResult:
		var msg ToolResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool.result frame", "")
		}
		if strings.TrimSpace(msg.ID) == "" {
			return nil, badFrame("tool.result.id is required", "id")
		}
		return msg, nil
	case TypeVoiceState:
		var msg VoiceState
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid voice.state frame", "")
		}
		if strings.TrimSpace(msg.State) == "" {
			return nil, badFrame("voice.state.state is required", "state")
		}
		return msg, nil
	case TypeSpeechStarted:
		var msg SpeechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid speech_started frame", "")
		}
		return msg, nil
	case TypeSpeechStopped:
		var msg SpeechStopped
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid speech_stopped frame", "")
		}
		return msg, nil
	case TypePong, TypeHeartbeat:
		var msg Pong
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid pong frame", "")
		}
		msg.Type = TypePong
		return msg, nil
	case TypeError:
		var msg PipelineError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	case TypeBatch:
		var msg Batch
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid batch frame", "")
		}
		if len(msg.Messages) == 0 {
			return nil, badFrame("batch.messages must not be empty", "messages")
		}
		return msg, nil
	case TypeResumeAck:
		var msg ResumeAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session.resume.ack frame", "")
		}
		return msg, nil
	default:
		return Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
