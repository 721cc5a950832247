package loqui

import "time"

// Callbacks is the collaborator surface consumed by UI and auxiliary
// subsystems. Every callback fires synchronously within the dispatch turn
// that produced it; nil entries are skipped. Callbacks must not block.
type Callbacks struct {
	// OnTranscript delivers transcript text. final=false carries the
	// continuously-overwritten partial; final=true the committed utterance.
	OnTranscript func(text string, final bool)

	// OnResponse delivers assistant text. final=false carries a delta,
	// final=true the full response.
	OnResponse func(text string, final bool)

	// OnAudio delivers decoded PCM16 assistant audio.
	OnAudio func(pcm []byte, isFinal bool)

	OnToolCall   func(call ToolCall)
	OnToolResult func(call ToolCall)

	OnError func(err error)

	OnStatusChange        func(status Status)
	OnPipelineStateChange func(state PipelineState)

	OnMetrics func(m Metrics)

	// OnSpeechStart signals user speech onset; players should stop assistant
	// playback immediately (barge-in).
	OnSpeechStart func()
	// OnSpeechStop signals the end of user speech.
	OnSpeechStop func()

	// OnHeartbeatLatency reports each measured heartbeat round trip.
	OnHeartbeatLatency func(rtt time.Duration)
}

// ErrorReporter receives every session error with contextual tags. The sink
// is external to the session core; Noop is used when none is configured.
type ErrorReporter interface {
	ReportError(err error, tags map[string]string)
}

type noopReporter struct{}

func (noopReporter) ReportError(error, map[string]string) {}
