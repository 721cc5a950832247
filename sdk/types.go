package loqui

import "time"

// Status is the connection lifecycle state of a session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReady        Status = "ready"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	// StatusFailed is terminal: the reconnection supervisor exhausted its
	// attempts. A fresh Connect is required.
	StatusFailed Status = "failed"
)

// PipelineState is the backend-reported phase of one conversational turn.
type PipelineState string

const (
	PipelineIdle       PipelineState = "idle"
	PipelineListening  PipelineState = "listening"
	PipelineProcessing PipelineState = "processing"
	PipelineSpeaking   PipelineState = "speaking"
	PipelineCancelled  PipelineState = "cancelled"
)

// ToolCallStatus tracks one tool invocation within a pipeline turn.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

func (s ToolCallStatus) terminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

// ToolCall is one tool invocation reported by the backend. Once completed or
// failed it never transitions back.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	Status    ToolCallStatus
	Result    any
}

// Transcript holds the per-utterance transcript view: Partial is continuously
// overwritten by deltas, Final is the last committed utterance text.
type Transcript struct {
	Partial string
	Final   string
}

// Metrics is a snapshot of per-session counters and latency measurements.
// Latency fields are zero until the corresponding pair of events has been
// observed in the current utterance cycle.
type Metrics struct {
	SessionStart    time.Time
	ConnectDuration time.Duration

	// Latencies for the most recent utterance cycle.
	STTLatency   time.Duration // speech-end -> first transcript delta
	LLMLatency   time.Duration // first transcript delta -> first response delta
	TTSLatency   time.Duration // first response delta -> first audio chunk
	TotalLatency time.Duration // speech-end -> first audio chunk

	Utterances int
	Responses  int
	ToolCalls  int
	BargeIns   int
	Reconnects int

	SessionDuration time.Duration
}
