package loqui

import "time"

// latencyTracker measures per-utterance pipeline latencies from event
// timestamp deltas. Each stage is measured once per utterance cycle; the
// tracker resets when the next speech-start arrives.
type latencyTracker struct {
	speechEndAt       time.Time
	firstTranscriptAt time.Time
	firstResponseAt   time.Time
	firstAudioAt      time.Time
}

func (t *latencyTracker) reset() {
	*t = latencyTracker{}
}

func (t *latencyTracker) markSpeechEnd(now time.Time) {
	if t.speechEndAt.IsZero() {
		t.speechEndAt = now
	}
}

// markTranscript records the first transcript delta after speech-end and
// returns the STT latency.
func (t *latencyTracker) markTranscript(now time.Time) (time.Duration, bool) {
	if t.speechEndAt.IsZero() || !t.firstTranscriptAt.IsZero() {
		return 0, false
	}
	t.firstTranscriptAt = now
	return now.Sub(t.speechEndAt), true
}

// markResponse records the first LLM token after the first transcript and
// returns the LLM first-token latency.
func (t *latencyTracker) markResponse(now time.Time) (time.Duration, bool) {
	if t.firstTranscriptAt.IsZero() || !t.firstResponseAt.IsZero() {
		return 0, false
	}
	t.firstResponseAt = now
	return now.Sub(t.firstTranscriptAt), true
}

// markAudio records the first synthesized audio chunk and returns the TTS
// first-audio latency and the speech-end to first-audio total.
func (t *latencyTracker) markAudio(now time.Time) (tts, total time.Duration, ok bool) {
	if t.firstResponseAt.IsZero() || !t.firstAudioAt.IsZero() {
		return 0, 0, false
	}
	t.firstAudioAt = now
	tts = now.Sub(t.firstResponseAt)
	if !t.speechEndAt.IsZero() {
		total = now.Sub(t.speechEndAt)
	}
	return tts, total, true
}
