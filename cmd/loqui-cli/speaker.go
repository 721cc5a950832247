package main

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// speaker plays 16-bit mono PCM through oto. Playback starts lazily on the
// first write; Flush drops everything buffered so barge-in cuts audio off
// immediately.
type speaker struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

func newSpeaker(sampleRate int) (*speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms device buffer keeps latency low without glitching.
		BufferSize: sampleRate * 2 / 10,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &speaker{otoCtx: otoCtx, buf: make([]byte, 0, sampleRate*4)}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *speaker) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, data...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read feeds oto. Blocks until audio is buffered; returns silence once the
// speaker is closed so the device drains cleanly.
func (s *speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush drops buffered audio and tears the player down so the next response
// starts from silence.
func (s *speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player == nil || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	player := s.player
	s.player = nil
	s.mu.Unlock()

	player.Pause()
	player.Reset()
	player.Close()
}

func (s *speaker) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.player != nil {
		s.player.Close()
	}
}
