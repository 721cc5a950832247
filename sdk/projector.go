package loqui

import (
	"strings"
	"time"
)

// projector derives the externally observed session view from sequenced
// events: transcript, pipeline state, tool calls, and metrics. Mutators run
// under the session mutex and queue callback invocations; the session flushes
// the queue after releasing the lock so collaborators can safely call back
// into the session.
type projector struct {
	callbacks Callbacks
	now       func() time.Time

	transcript Transcript
	response   strings.Builder
	pipeline   PipelineState
	toolCalls  []ToolCall
	toolIndex  map[string]int

	metrics Metrics
	latency latencyTracker

	queue []func()
}

func newProjector(callbacks Callbacks, now func() time.Time) *projector {
	return &projector{
		callbacks: callbacks,
		now:       now,
		pipeline:  PipelineIdle,
		toolIndex: make(map[string]int),
	}
}

// resetMetrics starts a fresh metrics window at the beginning of a connect
// attempt.
func (p *projector) resetMetrics() {
	p.metrics = Metrics{SessionStart: p.now()}
	p.latency.reset()
}

// resetEphemeral clears per-connection state back to idle defaults.
func (p *projector) resetEphemeral() {
	p.transcript = Transcript{}
	p.response.Reset()
	p.toolCalls = nil
	p.toolIndex = make(map[string]int)
	p.setPipeline(PipelineIdle)
	p.latency.reset()
}

func (p *projector) enqueue(fn func()) {
	if fn != nil {
		p.queue = append(p.queue, fn)
	}
}

// drain returns and clears the pending callback queue.
func (p *projector) drain() []func() {
	q := p.queue
	p.queue = nil
	return q
}

func (p *projector) pushMetrics() {
	if p.callbacks.OnMetrics == nil {
		return
	}
	m := p.metrics
	p.enqueue(func() { p.callbacks.OnMetrics(m) })
}

func (p *projector) noteReady(connectStart time.Time) {
	if !connectStart.IsZero() {
		p.metrics.ConnectDuration = p.now().Sub(connectStart)
	}
	p.pushMetrics()
}

func (p *projector) noteReconnect() {
	p.metrics.Reconnects++
	p.pushMetrics()
}

func (p *projector) noteBargeIn() {
	p.metrics.BargeIns++
	p.pushMetrics()
}

// noteSessionEnd records the session duration on terminal disconnect.
func (p *projector) noteSessionEnd() {
	if !p.metrics.SessionStart.IsZero() {
		p.metrics.SessionDuration = p.now().Sub(p.metrics.SessionStart)
	}
	p.pushMetrics()
}

func (p *projector) applyTranscriptDelta(text string) {
	p.transcript.Partial = text
	if stt, ok := p.latency.markTranscript(p.now()); ok {
		p.metrics.STTLatency = stt
		p.pushMetrics()
	}
	if cb := p.callbacks.OnTranscript; cb != nil {
		p.enqueue(func() { cb(text, false) })
	}
}

func (p *projector) applyTranscriptComplete(text string) {
	p.transcript.Final = text
	p.transcript.Partial = ""
	p.metrics.Utterances++
	p.pushMetrics()
	if cb := p.callbacks.OnTranscript; cb != nil {
		p.enqueue(func() { cb(text, true) })
	}
}

func (p *projector) applyResponseDelta(text string) {
	p.response.WriteString(text)
	if llm, ok := p.latency.markResponse(p.now()); ok {
		p.metrics.LLMLatency = llm
		p.pushMetrics()
	}
	if cb := p.callbacks.OnResponse; cb != nil {
		p.enqueue(func() { cb(text, false) })
	}
}

func (p *projector) applyResponseComplete(text string) {
	if text == "" {
		text = p.response.String()
	}
	p.response.Reset()
	p.metrics.Responses++
	p.pushMetrics()
	if cb := p.callbacks.OnResponse; cb != nil {
		p.enqueue(func() { cb(text, true) })
	}
}

func (p *projector) applyAudio(pcm []byte, isFinal bool) {
	if tts, total, ok := p.latency.markAudio(p.now()); ok {
		p.metrics.TTSLatency = tts
		p.metrics.TotalLatency = total
		p.pushMetrics()
	}
	if cb := p.callbacks.OnAudio; cb != nil {
		p.enqueue(func() { cb(pcm, isFinal) })
	}
}

func (p *projector) applyToolCall(id, name string, args map[string]any) {
	if _, exists := p.toolIndex[id]; exists {
		// Redelivered call for a known id; the sequencer already filters
		// stale duplicates, so keep the existing entry.
		return
	}
	call := ToolCall{ID: id, Name: name, Arguments: args, Status: ToolCallPending}
	p.toolIndex[id] = len(p.toolCalls)
	p.toolCalls = append(p.toolCalls, call)
	p.metrics.ToolCalls++
	p.pushMetrics()
	if cb := p.callbacks.OnToolCall; cb != nil {
		p.enqueue(func() { cb(call) })
	}
}

func (p *projector) applyToolResult(id string, result any, isError bool) {
	idx, ok := p.toolIndex[id]
	if !ok {
		return
	}
	call := &p.toolCalls[idx]
	if call.Status.terminal() {
		// Terminal statuses are never re-entered.
		return
	}
	call.Result = result
	if isError {
		call.Status = ToolCallFailed
	} else {
		call.Status = ToolCallCompleted
	}
	done := *call
	if cb := p.callbacks.OnToolResult; cb != nil {
		p.enqueue(func() { cb(done) })
	}
}

func (p *projector) applyVoiceState(state PipelineState) {
	p.setPipeline(state)
}

func (p *projector) setPipeline(state PipelineState) {
	if p.pipeline == state {
		return
	}
	p.pipeline = state
	if cb := p.callbacks.OnPipelineStateChange; cb != nil {
		p.enqueue(func() { cb(state) })
	}
}

// applySpeechStarted begins a new utterance cycle: the partial transcript and
// latency measurements reset, and speech over assistant audio counts as a
// barge-in.
func (p *projector) applySpeechStarted() {
	interrupting := p.pipeline == PipelineSpeaking
	p.latency.reset()
	p.metrics.STTLatency = 0
	p.metrics.LLMLatency = 0
	p.metrics.TTSLatency = 0
	p.metrics.TotalLatency = 0
	p.transcript.Partial = ""
	if interrupting {
		p.metrics.BargeIns++
	}
	p.pushMetrics()
	if cb := p.callbacks.OnSpeechStart; cb != nil {
		p.enqueue(func() { cb() })
	}
}

func (p *projector) applySpeechStopped() {
	p.latency.markSpeechEnd(p.now())
	if cb := p.callbacks.OnSpeechStop; cb != nil {
		p.enqueue(func() { cb() })
	}
}

// applyResumeAck adopts whatever recovery state the backend returned. The
// backend may omit prior transcript text depending on server-side
// persistence; the client accepts partial state as-is.
func (p *projector) applyResumeAck(pipelineState, partialTranscript, partialResponse string) {
	if pipelineState != "" {
		p.setPipeline(PipelineState(pipelineState))
	}
	if partialTranscript != "" {
		p.transcript.Partial = partialTranscript
		if cb := p.callbacks.OnTranscript; cb != nil {
			p.enqueue(func() { cb(partialTranscript, false) })
		}
	}
	if partialResponse != "" {
		p.response.Reset()
		p.response.WriteString(partialResponse)
		if cb := p.callbacks.OnResponse; cb != nil {
			p.enqueue(func() { cb(partialResponse, false) })
		}
	}
}
