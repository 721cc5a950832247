package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeInbound_TranscriptDeltaWithSeq(t *testing.T) {
	raw := []byte(`{"type":"transcript.delta","seq":7,"text":"hello wor"}`)

	frame, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if frame.Seq == nil || *frame.Seq != 7 {
		t.Fatalf("seq=%v, want 7", frame.Seq)
	}
	delta, ok := frame.Msg.(TranscriptDelta)
	if !ok {
		t.Fatalf("decoded type = %T, want TranscriptDelta", frame.Msg)
	}
	if delta.Text != "hello wor" {
		t.Fatalf("text=%q", delta.Text)
	}
}

func TestDecodeInbound_PongWithoutSeqIsOutOfBand(t *testing.T) {
	frame, err := DecodeInbound([]byte(`{"type":"pong","ts":1712345678901}`))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if frame.Seq != nil {
		t.Fatalf("seq=%v, want nil", frame.Seq)
	}
	pong, ok := frame.Msg.(Pong)
	if !ok {
		t.Fatalf("decoded type = %T, want Pong", frame.Msg)
	}
	if pong.TS != 1712345678901 {
		t.Fatalf("ts=%d", pong.TS)
	}
}

func TestDecodeInbound_LegacyHeartbeatMapsToPong(t *testing.T) {
	frame, err := DecodeInbound([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if _, ok := frame.Msg.(Pong); !ok {
		t.Fatalf("decoded type = %T, want Pong", frame.Msg)
	}
}

func TestDecodeInbound_ToolCallRequiresIDAndName(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{"type":"tool.call","name":"lookup"}`)); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := DecodeInbound([]byte(`{"type":"tool.call","id":"tc_1"}`)); err == nil {
		t.Fatal("expected error for missing name")
	}

	frame, err := DecodeInbound([]byte(`{"type":"tool.call","seq":3,"id":"tc_1","name":"lookup","arguments":{"query":"weather"}}`))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	call := frame.Msg.(ToolCall)
	if call.Arguments["query"] != "weather" {
		t.Fatalf("arguments=%+v", call.Arguments)
	}
}

func TestDecodeInbound_Batch(t *testing.T) {
	raw := []byte(`{
		"type":"batch",
		"seq":10,
		"messages":[
			{"type":"transcript.complete","text":"done"},
			{"type":"voice.state","state":"processing"}
		]
	}`)

	frame, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	batch, ok := frame.Msg.(Batch)
	if !ok {
		t.Fatalf("decoded type = %T, want Batch", frame.Msg)
	}
	if len(batch.Messages) != 2 {
		t.Fatalf("len(messages)=%d", len(batch.Messages))
	}
	sub, err := DecodeInbound(batch.Messages[1])
	if err != nil {
		t.Fatalf("sub decode error = %v", err)
	}
	state := sub.Msg.(VoiceState)
	if state.State != "processing" {
		t.Fatalf("state=%q", state.State)
	}
}

func TestDecodeInbound_EmptyBatchRejected(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"batch","seq":1,"messages":[]}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("err type = %T", err)
	}
}

func TestDecodeInbound_ResumeAck(t *testing.T) {
	raw := []byte(`{
		"type":"session.resume.ack",
		"recovery_state":"partial",
		"pipeline_state":"speaking",
		"partial_response":"as I was say"
	}`)

	frame, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	ack := frame.Msg.(ResumeAck)
	if ack.RecoveryState != "partial" || ack.PipelineState != "speaking" {
		t.Fatalf("ack=%+v", ack)
	}
	if ack.PartialTranscript != "" {
		t.Fatalf("partial_transcript=%q, want empty", ack.PartialTranscript)
	}
}

func TestDecodeInbound_UnknownTypePreserved(t *testing.T) {
	frame, err := DecodeInbound([]byte(`{"type":"session.experimental","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	unknown, ok := frame.Msg.(Unknown)
	if !ok {
		t.Fatalf("decoded type = %T, want Unknown", frame.Msg)
	}
	if unknown.Type != "session.experimental" {
		t.Fatalf("type=%q", unknown.Type)
	}
	var body map[string]any
	if err := json.Unmarshal(unknown.Raw, &body); err != nil {
		t.Fatalf("raw not preserved: %v", err)
	}
}

func TestDecodeInbound_MissingType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"text":"orphan"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Param != "type" {
		t.Fatalf("param=%q", decErr.Param)
	}
}

func TestDecodeInbound_InvalidJSON(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestOutboundFrameShapes(t *testing.T) {
	init := SessionInit{
		Type:           TypeSessionInit,
		ConversationID: "conv_1",
		VoiceSettings:  VoiceSettings{VoiceID: "nova", SampleRateHz: 16000, Channels: 1, EchoCancellation: true},
	}
	data, err := json.Marshal(init)
	if err != nil {
		t.Fatalf("marshal error = %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if body["type"] != TypeSessionInit || body["conversation_id"] != "conv_1" {
		t.Fatalf("body=%+v", body)
	}
	settings, _ := body["voice_settings"].(map[string]any)
	if settings["echo_cancellation"] != true {
		t.Fatalf("voice_settings=%+v", settings)
	}

	audio, err := json.Marshal(AudioInput{Type: TypeAudioInput, AudioB64: "AAAA"})
	if err != nil {
		t.Fatalf("marshal error = %v", err)
	}
	if string(audio) != `{"type":"audio.input","audio":"AAAA"}` {
		t.Fatalf("audio frame=%s", audio)
	}
}
