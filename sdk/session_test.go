package loqui

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqui-ai/loqui-go/pkg/audio"
	"github.com/loqui-ai/loqui-go/pkg/protocol"
)

const testToken = "tok-test"

// startVoiceServer runs a loopback pipeline backend. handle is invoked per
// websocket connection; dials reports how many connections were accepted.
func startVoiceServer(t *testing.T, dials *atomic.Int32, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != testToken {
			http.Error(w, "missing or invalid token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if dials != nil {
			dials.Add(1)
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readInit consumes the client's session.init frame.
func readInit(conn *websocket.Conn) (map[string]any, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var init map[string]any
	if err := conn.ReadJSON(&init); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return init, nil
}

func sendReady(conn *websocket.Conn, seq int64) error {
	return conn.WriteJSON(map[string]any{
		"type":       protocol.TypeSessionReady,
		"seq":        seq,
		"session_id": "sess-1",
	})
}

// holdOpen blocks until the peer closes.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	onBlock  func([]float32)
	order    []string
}

func (f *fakeCapture) Start(onBlock func(samples []float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.onBlock = onBlock
	f.order = append(f.order, "start")
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "stop")
	return nil
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "close")
	return nil
}

func (f *fakeCapture) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeCapture) emit(samples []float32) {
	f.mu.Lock()
	onBlock := f.onBlock
	f.mu.Unlock()
	if onBlock != nil {
		onBlock(samples)
	}
}

func TestSession_ConnectRequiresToken(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Connect(context.Background())
	if err != ErrNoCredential {
		t.Fatalf("err=%v, want ErrNoCredential", err)
	}
	if got := s.Status(); got != StatusDisconnected {
		t.Fatalf("status=%q after refused connect", got)
	}
}

func TestSession_HandshakeAndReady(t *testing.T) {
	t.Parallel()

	inits := make(chan map[string]any, 1)
	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		init, err := readInit(conn)
		if err != nil {
			return
		}
		inits <- init
		_ = sendReady(conn, 0)
		holdOpen(conn)
	})

	statusCh := make(chan Status, 16)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithConversationID("conv-42"),
		WithVoiceSettings(protocol.VoiceSettings{VoiceID: "nova", SampleRateHz: 16000}),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)

	init := <-inits
	if init["type"] != protocol.TypeSessionInit {
		t.Fatalf("first frame type=%v, want session.init", init["type"])
	}
	if init["conversation_id"] != "conv-42" {
		t.Fatalf("conversation_id=%v", init["conversation_id"])
	}
	voice, _ := init["voice_settings"].(map[string]any)
	if voice["voice_id"] != "nova" {
		t.Fatalf("voice_settings=%v", init["voice_settings"])
	}

	// Connect while already connected is a no-op.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
}

func TestSession_ReorderedFramesDispatchInOrder(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		// seq 2 arrives before seq 1; the client must buffer it.
		_ = conn.WriteJSON(map[string]any{"type": protocol.TypeTranscriptDelta, "seq": 2, "text": "hello wor"})
		_ = conn.WriteJSON(map[string]any{"type": protocol.TypeTranscriptDelta, "seq": 1, "text": "hel"})
		_ = conn.WriteJSON(map[string]any{"type": protocol.TypeTranscriptComplete, "seq": 3, "text": "hello world"})
		holdOpen(conn)
	})

	type evt struct {
		text  string
		final bool
	}
	transcripts := make(chan evt, 8)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithCallbacks(Callbacks{
			OnTranscript: func(text string, final bool) { transcripts <- evt{text, final} },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := []evt{{"hel", false}, {"hello wor", false}, {"hello world", true}}
	for i, w := range want {
		select {
		case got := <-transcripts:
			if got != w {
				t.Fatalf("transcript %d = %v, want %v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for transcript %d", i)
		}
	}

	if tr := s.Transcript(); tr.Final != "hello world" || tr.Partial != "" {
		t.Fatalf("transcript view=%v", tr)
	}
}

func TestSession_DisconnectTeardownOrder(t *testing.T) {
	t.Parallel()

	serverClosed := make(chan struct{})
	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		holdOpen(conn)
		close(serverClosed)
	})

	statusCh := make(chan Status, 16)
	mic := &fakeCapture{}
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithCaptureSource(mic),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitStatus(t, statusCh, StatusDisconnected)

	select {
	case <-serverClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("server never observed the close")
	}

	got := mic.events()
	if len(got) != 3 || got[0] != "start" || got[1] != "stop" || got[2] != "close" {
		t.Fatalf("capture events=%v, want [start stop close]", got)
	}

	// Idempotent.
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if events := mic.events(); len(events) != 3 {
		t.Fatalf("capture touched again on repeat disconnect: %v", events)
	}
}

func TestSession_FatalCaptureErrorLatchesUntilReset(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	srv := startVoiceServer(t, &dials, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		holdOpen(conn)
	})

	errCh := make(chan error, 8)
	statusCh := make(chan Status, 16)
	mic := &fakeCapture{
		startErr: fmt.Errorf("%w: user denied prompt", audio.ErrPermissionDenied),
	}
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithCaptureSource(mic),
		WithCallbacks(Callbacks{
			OnError:        func(err error) { errCh <- err },
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case err := <-errCh:
		if !IsFatal(err) {
			t.Fatalf("err=%v, want fatal device error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fatal capture error never surfaced")
	}
	waitStatus(t, statusCh, StatusError)

	before := dials.Load()
	if err := s.Connect(context.Background()); err != ErrFatalLatched {
		t.Fatalf("connect while latched: err=%v, want ErrFatalLatched", err)
	}
	if after := dials.Load(); after != before {
		t.Fatal("latched connect reached the network")
	}

	// Reset clears the latch; with permission granted the session recovers.
	mic.mu.Lock()
	mic.startErr = nil
	mic.mu.Unlock()
	s.Reset()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect after reset: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)
	if dials.Load() != before+1 {
		t.Fatalf("dials=%d, want %d", dials.Load(), before+1)
	}
}

func TestSession_UnexpectedCloseReconnects(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	srv := startVoiceServer(t, &dials, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		if dials.Load() == 1 {
			// Abrupt close, no close frame: the client must treat this as
			// unexpected and recover.
			_ = conn.Close()
			return
		}
		holdOpen(conn)
	})

	statusCh := make(chan Status, 32)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithReconnectPolicy(ReconnectPolicy{
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			MaxAttempts: 5,
		}),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)
	waitStatus(t, statusCh, StatusReconnecting)
	waitStatus(t, statusCh, StatusReady)

	if n := dials.Load(); n != 2 {
		t.Fatalf("dials=%d, want 2", n)
	}
	if got := s.Metrics().Reconnects; got != 1 {
		t.Fatalf("reconnects=%d, want 1", got)
	}
}

func TestSession_ExhaustedReconnectsSettleFailed(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	srv := startVoiceServer(t, &dials, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		// Only the first connection reaches ready; retries die before the
		// backend acknowledges, so the failure streak is never reset.
		if dials.Load() == 1 {
			_ = sendReady(conn, 0)
		}
		_ = conn.Close()
	})

	statusCh := make(chan Status, 64)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithReconnectPolicy(ReconnectPolicy{
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			MaxAttempts: 2,
		}),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusFailed)
}

func TestSession_NonRecoverableBackendErrorStops(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		_ = conn.WriteJSON(map[string]any{
			"type":        protocol.TypeError,
			"seq":         1,
			"code":        "pipeline_crashed",
			"message":     "synthesis backend unavailable",
			"recoverable": false,
		})
		holdOpen(conn)
	})

	errCh := make(chan error, 8)
	statusCh := make(chan Status, 16)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithCallbacks(Callbacks{
			OnError:        func(err error) { errCh <- err },
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusError)

	select {
	case err := <-errCh:
		e, ok := err.(*Error)
		if !ok || e.Type != ErrBackend || e.Code != "pipeline_crashed" {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backend error never surfaced")
	}
}

func TestSession_SendTextAndBargeIn(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})

	statusCh := make(chan Status, 16)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)

	if err := s.SendText("  "); err == nil {
		t.Fatal("blank message accepted")
	}
	if err := s.SendText("what's the weather"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := s.BargeIn(); err != nil {
		t.Fatalf("barge in: %v", err)
	}
	if err := s.CompleteAudioInput(); err != nil {
		t.Fatalf("complete audio input: %v", err)
	}

	wantTypes := []string{protocol.TypeMessage, protocol.TypeBargeIn, protocol.TypeAudioInputComplete}
	for i, wantType := range wantTypes {
		select {
		case frame := <-frames:
			if frame["type"] != wantType {
				t.Fatalf("frame %d type=%v, want %q", i, frame["type"], wantType)
			}
			if wantType == protocol.TypeMessage && frame["content"] != "what's the weather" {
				t.Fatalf("message content=%v", frame["content"])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q frame", wantType)
		}
	}

	if got := s.Metrics().BargeIns; got != 1 {
		t.Fatalf("bargeIns=%d, want 1", got)
	}
}

func TestSession_ForwardsMicrophoneAudio(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})

	statusCh := make(chan Status, 16)
	mic := &fakeCapture{}
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithCaptureSource(mic),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)

	samples := []float32{0, 0.5, -0.5, 1}
	mic.emit(samples)

	select {
	case frame := <-frames:
		if frame["type"] != protocol.TypeAudioInput {
			t.Fatalf("frame type=%v, want audio.input", frame["type"])
		}
		b64, _ := frame["audio"].(string)
		pcm, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			t.Fatalf("decode audio payload: %v", err)
		}
		want := audio.EncodePCM16(samples)
		if len(pcm) != len(want) {
			t.Fatalf("payload %d bytes, want %d", len(pcm), len(want))
		}
		for i := range want {
			if pcm[i] != want[i] {
				t.Fatalf("payload byte %d = %#x, want %#x", i, pcm[i], want[i])
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("audio frame never arrived")
	}
}

func TestSession_DisconnectDefeatsInFlightReconnect(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n > 1 {
			// Stall the retry's upgrade so its dial is still in flight when
			// the client disconnects.
			time.Sleep(150 * time.Millisecond)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		if n == 1 {
			// Abrupt close pushes the client into reconnecting.
			return
		}
		holdOpen(conn)
	}))
	t.Cleanup(srv.Close)

	statusCh := make(chan Status, 32)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithReconnectPolicy(ReconnectPolicy{
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			MaxAttempts: 5,
		}),
		WithCallbacks(Callbacks{
			OnStatusChange: func(st Status) { statusCh <- st },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, statusCh, StatusReady)
	waitStatus(t, statusCh, StatusReconnecting)

	// Let the retry timer fire and start dialing into the stalled upgrade,
	// then disconnect while it is in flight.
	time.Sleep(50 * time.Millisecond)
	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitStatus(t, statusCh, StatusDisconnected)

	// Give the stalled dial ample time to complete; the session must not
	// come back.
	time.Sleep(400 * time.Millisecond)
	if got := s.Status(); got != StatusDisconnected {
		t.Fatalf("status=%q after deliberate disconnect, want disconnected", got)
	}
	for {
		select {
		case st := <-statusCh:
			if st == StatusReady || st == StatusConnected || st == StatusConnecting {
				t.Fatalf("session revived after deliberate disconnect: %q", st)
			}
		default:
			return
		}
	}
}

func TestSession_AbandonedConnClearsSendPath(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		holdOpen(conn)
	})

	s := New(WithToken(testToken), WithBaseURL(srv.URL))
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection installed")
	}

	// A connection dropped before its read loop took over must leave the
	// send path reporting not_connected, not a write error on a dead socket.
	s.abandonConn(conn)
	err := s.SendText("hello")
	e, ok := err.(*Error)
	if !ok || e.Code != "not_connected" {
		t.Fatalf("err=%v, want not_connected", err)
	}
}

func TestSession_HeartbeatRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, nil, func(conn *websocket.Conn) {
		if _, err := readInit(conn); err != nil {
			return
		}
		_ = sendReady(conn, 0)
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame["type"] == protocol.TypePing {
				_ = conn.WriteJSON(map[string]any{
					"type": protocol.TypePong,
					"ts":   frame["ts"],
				})
			}
		}
	})

	latencies := make(chan time.Duration, 8)
	s := New(
		WithToken(testToken),
		WithBaseURL(srv.URL),
		WithHeartbeat(HeartbeatConfig{
			Interval:  20 * time.Millisecond,
			Allowance: 2 * time.Second,
		}),
		WithCallbacks(Callbacks{
			OnHeartbeatLatency: func(rtt time.Duration) { latencies <- rtt },
		}),
	)
	t.Cleanup(s.ForceCleanup)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case rtt := <-latencies:
		if rtt < 0 {
			t.Fatalf("rtt=%v", rtt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat round trip observed")
	}
}
