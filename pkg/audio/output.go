package audio

import (
	"sync"
)

// OutputConfig configures playback buffering behavior.
type OutputConfig struct {
	// MinBufferMS is the minimum audio to buffer before emitting the first
	// chunk of a response. Prevents glitches when the first TTS chunk is
	// small. Default: 50ms. Set to 0 to disable pre-buffering.
	MinBufferMS int

	// ChannelSize is the buffer size for the chunks channel. Default: 20.
	ChannelSize int
}

// DefaultOutputConfig returns the default output configuration.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		MinBufferMS: 50,
		ChannelSize: 20,
	}
}

// Output stages assistant audio between the session and a player. Each
// response pre-buffers MinBufferMS before its first chunk; a chunk marked
// final drains the remainder immediately, below the threshold or not, and
// re-arms pre-buffering for the next response. DoFlush implements barge-in:
// everything staged or queued is dropped and the player is told to clear.
//
// Usage:
//
//	out := audio.NewOutput(24000, audio.DefaultOutputConfig())
//	for {
//	    select {
//	    case chunk := <-out.Chunks():
//	        player.Write(chunk)
//	    case <-out.Flush():
//	        player.Clear()
//	    }
//	}
type Output struct {
	minBytes int

	chunks chan []byte
	flush  chan struct{}

	mu           sync.Mutex
	buffer       []byte
	ready        bool
	finalPending bool
	closed       bool
}

// NewOutput creates an Output for 16-bit mono PCM at the given sample rate.
func NewOutput(sampleRate int, config OutputConfig) *Output {
	if config.MinBufferMS == 0 && config.ChannelSize == 0 {
		config = DefaultOutputConfig()
	}
	if config.ChannelSize == 0 {
		config.ChannelSize = 20
	}

	return &Output{
		// 16-bit mono: bytes = sampleRate * 2 * (ms / 1000)
		minBytes: (sampleRate * 2 * config.MinBufferMS) / 1000,
		chunks:   make(chan []byte, config.ChannelSize),
		flush:    make(chan struct{}, 1),
	}
}

// Chunks emits audio ready for playback.
func (o *Output) Chunks() <-chan []byte {
	return o.chunks
}

// Flush signals that the client should clear its audio player immediately,
// typically because the user started speaking over assistant audio.
func (o *Output) Flush() <-chan struct{} {
	return o.flush
}

// Push appends assistant audio. final marks the last chunk of the current
// response: staged audio is emitted regardless of the pre-buffer threshold
// and the next response starts a fresh pre-buffer window.
func (o *Output) Push(data []byte, final bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.buffer = append(o.buffer, data...)
	if final {
		o.finalPending = true
	}
	if o.finalPending && len(o.buffer) == 0 {
		// Empty end-of-response marker; nothing to drain.
		o.finalPending = false
		o.ready = false
		return
	}

	if !o.ready && (o.finalPending || len(o.buffer) >= o.minBytes) {
		o.ready = true
	}
	if !o.ready || len(o.buffer) == 0 {
		return
	}

	chunk := o.buffer
	o.buffer = nil
	select {
	case o.chunks <- chunk:
		if o.finalPending {
			o.finalPending = false
			o.ready = false
		}
	default:
		// Channel full; keep the data staged for the next push.
		o.buffer = chunk
	}
}

// DoFlush discards staged audio, drains pending chunks, and signals Flush.
// The next response pre-buffers from scratch.
func (o *Output) DoFlush() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.buffer = nil
	o.ready = false
	o.finalPending = false
	o.mu.Unlock()

	for {
		select {
		case <-o.chunks:
		default:
			select {
			case o.flush <- struct{}{}:
			default:
				// A flush signal is already pending.
			}
			return
		}
	}
}

// HandleAudio consumes chunks and flush signals on a background goroutine.
func (o *Output) HandleAudio(onChunk func([]byte), onFlush func()) {
	go func() {
		for {
			select {
			case chunk, ok := <-o.chunks:
				if !ok {
					return
				}
				if onChunk != nil {
					onChunk(chunk)
				}
			case _, ok := <-o.flush:
				if !ok {
					return
				}
				if onFlush != nil {
					onFlush()
				}
			}
		}
	}()
}

// Close closes the output channels. Idempotent.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.chunks)
	close(o.flush)
}
