// Package loqui provides a client session for a real-time voice pipeline
// backend (STT -> LLM -> TTS) over a WebSocket transport: connection
// lifecycle, strict inbound ordering, heartbeat liveness, automatic
// reconnection, and a projected conversation view.
package loqui

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqui-ai/loqui-go/pkg/audio"
	"github.com/loqui-ai/loqui-go/pkg/protocol"
)

const (
	defaultBaseURL     = "https://api.loqui.ai/v1/voice"
	defaultDialTimeout = 10 * time.Second
)

// CaptureSource is a microphone stream the session starts once ready and
// stops on disconnect. *audio.Capture implements it; tests inject fakes.
type CaptureSource interface {
	Start(onBlock func(samples []float32)) error
	Stop() error
	Close() error
}

type sessionConfig struct {
	token          string
	baseURL        string
	conversationID string
	voice          protocol.VoiceSettings
	logger         *slog.Logger
	heartbeat      HeartbeatConfig
	reconnect      ReconnectPolicy
	reporter       ErrorReporter
	callbacks      Callbacks
	dialTimeout    time.Duration
	now            func() time.Time
}

// Session is a client session against the voice pipeline backend. All state
// mutation happens under one mutex in dispatch order; callbacks fire after
// the lock is released, still synchronously within the turn that produced
// them.
type Session struct {
	cfg     sessionConfig
	capture CaptureSource

	hb  *heartbeat
	rec *reconnector

	mu           sync.Mutex
	status       Status
	conn         *websocket.Conn
	gen          uint64
	epoch        uint64
	seq          *sequencer
	proj         *projector
	fatal        *Error
	connectStart time.Time
	capturing    bool

	writeMu sync.Mutex
}

// New creates a session. Options configure credentials, endpoints, and
// collaborators; nothing touches the network until Connect.
func New(opts ...SessionOption) *Session {
	s := &Session{
		cfg: sessionConfig{
			baseURL:     defaultBaseURL,
			logger:      slog.Default(),
			reporter:    noopReporter{},
			dialTimeout: defaultDialTimeout,
			now:         time.Now,
		},
		status: StatusDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.conversationID == "" {
		s.cfg.conversationID = uuid.NewString()
	}

	s.proj = newProjector(s.cfg.callbacks, s.cfg.now)
	s.seq = newSequencer(s.dispatchLocked)

	s.hb = newHeartbeat(s.cfg.heartbeat, s.cfg.logger, s.cfg.now)
	s.hb.sendPing = func(ts int64) error {
		return s.sendJSON(protocol.Ping{Type: protocol.TypePing, TS: ts})
	}
	s.hb.onZombie = s.onZombie
	// pong frames arrive through dispatch, so this runs under s.mu; the
	// callback is queued and fires after the lock is released.
	s.hb.onLatency = func(rtt time.Duration) {
		if cb := s.cfg.callbacks.OnHeartbeatLatency; cb != nil {
			s.proj.enqueue(func() { cb(rtt) })
		}
	}

	s.rec = newReconnector(s.cfg.reconnect, s.onReconnectAttempt)
	return s
}

// ConversationID returns the conversation identity used for resume.
func (s *Session) ConversationID() string { return s.cfg.conversationID }

// Status returns the current connection lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PipelineState returns the backend-reported phase of the current turn.
func (s *Session) PipelineState() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.pipeline
}

// Transcript returns the current transcript view.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.transcript
}

// ToolCalls returns a snapshot of tool invocations observed this connection.
func (s *Session) ToolCalls() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCall, len(s.proj.toolCalls))
	copy(out, s.proj.toolCalls)
	return out
}

// Metrics returns a snapshot of session counters and latencies.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.metrics
}

// Connect dials the backend and sends session.init. It returns once the
// socket is established; readiness arrives asynchronously via
// OnStatusChange(StatusReady). Connecting without a token fails before any
// network activity, and a latched fatal device error refuses to connect
// until Reset.
func (s *Session) Connect(ctx context.Context) error {
	return s.connect(ctx, nil)
}

// connect dials the backend. fromEpoch pins a reconnect attempt to the
// teardown epoch it was scheduled under: a deliberate Disconnect in the
// meantime bumps the epoch, and the attempt is abandoned instead of reviving
// the session. The epoch is re-checked after every blocking step because the
// mutex is released around the dial.
func (s *Session) connect(ctx context.Context, fromEpoch *uint64) error {
	s.mu.Lock()
	if fromEpoch != nil && (*fromEpoch != s.epoch || s.status != StatusReconnecting) {
		s.mu.Unlock()
		return nil
	}
	if s.fatal != nil {
		s.mu.Unlock()
		return ErrFatalLatched
	}
	if s.cfg.token == "" {
		st := s.status
		s.mu.Unlock()
		s.report(ErrNoCredential, "connect", st)
		return ErrNoCredential
	}
	switch s.status {
	case StatusConnecting, StatusConnected, StatusReady:
		s.mu.Unlock()
		return nil
	}
	resuming := s.status == StatusReconnecting
	if !resuming {
		s.setStatusLocked(StatusConnecting)
		s.proj.resetMetrics()
	}
	s.connectStart = s.cfg.now()
	s.seq.reset()
	epoch := s.epoch
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)

	wsURL, err := s.endpointURL()
	if err != nil {
		return s.failConnect(newTransientError("bad_endpoint", err.Error()))
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.dialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if s.epochChanged(epoch) {
			return nil
		}
		return s.failConnect(newTransientError("dial_failed", fmt.Sprintf("websocket dial: %v", err)))
	}

	init := protocol.SessionInit{
		Type:           protocol.TypeSessionInit,
		ConversationID: s.cfg.conversationID,
		VoiceSettings:  s.cfg.voice,
	}

	s.mu.Lock()
	if epoch != s.epoch {
		// The session was deliberately shut down while the dial was in
		// flight; the fresh socket must not revive it.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.setStatusLocked(StatusConnected)
	cbs = s.proj.drain()
	s.mu.Unlock()
	run(cbs)

	if err := s.sendJSON(init); err != nil {
		s.abandonConn(conn)
		if s.epochChanged(epoch) {
			return nil
		}
		return s.failConnect(newTransientError("init_failed", fmt.Sprintf("send session.init: %v", err)))
	}

	go s.readLoop(conn, gen)
	s.cfg.logger.Info("voice session connected",
		"conversation_id", s.cfg.conversationID, "resuming", resuming)
	return nil
}

// failConnect surfaces a connect failure and hands it to the reconnection
// supervisor when one applies.
func (s *Session) failConnect(cerr *Error) error {
	s.report(cerr, "connect", s.Status())
	s.cfg.logger.Warn("voice session connect failed", "code", cerr.Code, "error", cerr.Message)

	s.mu.Lock()
	if cb := s.cfg.callbacks.OnError; cb != nil {
		s.proj.enqueue(func() { cb(cerr) })
	}
	if s.rec.schedule() {
		s.setStatusLocked(StatusReconnecting)
	} else if s.fatal != nil {
		s.setStatusLocked(StatusError)
	} else {
		s.setStatusLocked(StatusFailed)
	}
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)
	return cerr
}

func (s *Session) epochChanged(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.epoch
}

// abandonConn drops a connection whose read loop never started, so the send
// path reports not_connected instead of writing to a dead socket.
func (s *Session) abandonConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.gen++
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Session) endpointURL() (string, error) {
	u, err := url.Parse(s.cfg.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base URL must use http(s) or ws(s)")
	}
	q := u.Query()
	q.Set("token", s.cfg.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop owns the socket read side for one connection generation. A
// generation bump detaches it: frames read after a deliberate close are
// dropped instead of mutating session state.
func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onSocketClosed(gen, err)
			return
		}

		frame, derr := protocol.DecodeInbound(data)
		if derr != nil {
			s.cfg.logger.Warn("dropping malformed frame", "error", derr)
			s.report(derr, "decode", s.Status())
			continue
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		pushErr := s.seq.push(frame)
		cbs := s.proj.drain()
		s.mu.Unlock()
		run(cbs)

		if pushErr != nil {
			s.cfg.logger.Warn("dropping undecodable batch frame", "error", pushErr)
			s.report(pushErr, "sequence", s.Status())
		}
	}
}

// dispatchLocked applies one ordered inbound frame. Runs under s.mu via the
// sequencer; callbacks are queued on the projector and flushed by the caller.
func (s *Session) dispatchLocked(msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.SessionReady:
		s.handleReadyLocked(m)
	case protocol.TranscriptDelta:
		s.proj.applyTranscriptDelta(m.Text)
	case protocol.TranscriptComplete:
		s.proj.applyTranscriptComplete(m.Text)
	case protocol.ResponseDelta:
		s.proj.applyResponseDelta(m.Text)
	case protocol.ResponseComplete:
		s.proj.applyResponseComplete(m.Text)
	case protocol.AudioOutput:
		pcm, err := base64.StdEncoding.DecodeString(m.AudioB64)
		if err != nil {
			s.cfg.logger.Warn("dropping undecodable audio chunk", "error", err)
			return
		}
		s.proj.applyAudio(pcm, m.IsFinal)
	case protocol.ToolCall:
		s.proj.applyToolCall(m.ID, m.Name, m.Arguments)
	case protocol.ToolResult:
		s.proj.applyToolResult(m.ID, m.Result, m.IsError)
	case protocol.VoiceState:
		s.proj.applyVoiceState(PipelineState(m.State))
	case protocol.SpeechStarted:
		s.proj.applySpeechStarted()
	case protocol.SpeechStopped:
		s.proj.applySpeechStopped()
	case protocol.Pong:
		s.hb.pong(m.TS)
	case protocol.PipelineError:
		s.handleBackendErrorLocked(m)
	case protocol.Batch:
		// Sequenced batches are expanded by the sequencer; an out-of-band
		// batch expands here.
		for _, raw := range m.Messages {
			sub, err := protocol.DecodeInbound(raw)
			if err != nil {
				s.cfg.logger.Warn("dropping malformed batch sub-frame", "error", err)
				continue
			}
			s.dispatchLocked(sub.Msg)
		}
	case protocol.ResumeAck:
		s.cfg.logger.Info("session resumed", "recovery_state", m.RecoveryState)
		s.proj.applyResumeAck(m.PipelineState, m.PartialTranscript, m.PartialResponse)
	case protocol.Unknown:
		s.cfg.logger.Debug("ignoring unknown frame", "type", m.Type)
	}
}

func (s *Session) handleReadyLocked(m protocol.SessionReady) {
	s.setStatusLocked(StatusReady)
	s.rec.reset()
	s.hb.start()
	s.proj.noteReady(s.connectStart)
	s.cfg.logger.Info("voice session ready", "session_id", m.SessionID)

	if s.capture == nil || s.capturing {
		return
	}
	if err := s.capture.Start(s.onAudioBlock); err != nil {
		cerr := classifyCaptureError(err)
		s.report(cerr, "capture_start", s.status)
		if cb := s.cfg.callbacks.OnError; cb != nil {
			s.proj.enqueue(func() { cb(cerr) })
		}
		if IsFatal(cerr) {
			s.latchFatalLocked(cerr)
		}
		return
	}
	s.capturing = true
}

func (s *Session) handleBackendErrorLocked(m protocol.PipelineError) {
	berr := newBackendError(m.Code, m.Message, m.Recoverable)
	s.report(berr, "pipeline", s.status)
	if cb := s.cfg.callbacks.OnError; cb != nil {
		s.proj.enqueue(func() { cb(berr) })
	}
	if m.Recoverable {
		s.cfg.logger.Warn("recoverable pipeline error", "code", m.Code, "message", m.Message)
		return
	}
	s.cfg.logger.Error("fatal pipeline error, closing session", "code", m.Code, "message", m.Message)
	s.teardownLocked()
	s.rec.stop()
	s.setStatusLocked(StatusError)
}

// latchFatalLocked records a fatal device error. The latch suppresses the
// reconnection supervisor and refuses further Connect calls until Reset.
func (s *Session) latchFatalLocked(cerr *Error) {
	s.fatal = cerr
	s.rec.suppress()
	s.teardownLocked()
	s.setStatusLocked(StatusError)
	s.cfg.logger.Error("fatal device error latched", "code", cerr.Code, "error", cerr.Message)
}

// onSocketClosed handles the read side dying for generation gen. Deliberate
// closes bump the generation first and never reach the reconnect path.
func (s *Session) onSocketClosed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	s.hb.stop()
	s.stopCaptureLocked()
	s.seq.reset()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.cfg.logger.Info("voice session closed by server")
		s.proj.noteSessionEnd()
		s.proj.resetEphemeral()
		s.setStatusLocked(StatusDisconnected)
		cbs := s.proj.drain()
		s.mu.Unlock()
		run(cbs)
		return
	}

	cerr := newTransientError("connection_lost", fmt.Sprintf("socket closed: %v", err))
	s.report(cerr, "read", s.status)
	s.cfg.logger.Warn("voice session lost, scheduling reconnect", "error", err)
	if cb := s.cfg.callbacks.OnError; cb != nil {
		s.proj.enqueue(func() { cb(cerr) })
	}
	s.proj.noteReconnect()
	if s.rec.schedule() {
		s.setStatusLocked(StatusReconnecting)
	} else if s.fatal != nil {
		s.setStatusLocked(StatusError)
	} else {
		s.cfg.logger.Error("reconnect attempts exhausted")
		s.setStatusLocked(StatusFailed)
	}
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)
}

func (s *Session) onReconnectAttempt(attempt int) {
	s.mu.Lock()
	if s.status != StatusReconnecting {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.mu.Unlock()

	s.cfg.logger.Info("reconnecting", "attempt", attempt+1)
	if err := s.connect(context.Background(), &epoch); err != nil {
		s.cfg.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
	}
}

// onZombie force-closes a connection that stopped answering pings. The read
// loop observes the close error and routes it through the reconnect path.
func (s *Session) onZombie(reason string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.cfg.logger.Warn("force-closing connection", "reason", reason)
	_ = conn.Close()
}

// Disconnect tears the session down deliberately. Teardown order is fixed:
// heartbeat, then socket (detached before close so late frames are dropped),
// then microphone, then capture context, then any pending reconnect attempt.
// Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.status == StatusDisconnected && s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.proj.noteSessionEnd()
	s.proj.resetEphemeral()
	s.setStatusLocked(StatusDisconnected)
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)

	if s.capture != nil {
		_ = s.capture.Close()
	}
	s.rec.stop()
	s.cfg.logger.Info("voice session disconnected")
	return nil
}

// teardownLocked releases per-connection resources in order. The generation
// bump detaches the read loop before the socket closes, and the epoch bump
// abandons any reconnect dial still in flight.
func (s *Session) teardownLocked() {
	s.epoch++
	s.hb.stop()
	if s.conn != nil {
		s.gen++
		conn := s.conn
		s.conn = nil
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			s.cfg.now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.stopCaptureLocked()
	s.seq.reset()
}

func (s *Session) stopCaptureLocked() {
	if s.capture != nil && s.capturing {
		_ = s.capture.Stop()
		s.capturing = false
	}
}

// ForceCleanup releases every resource unconditionally, ignoring errors.
// Used on process shutdown when a graceful Disconnect is not worth waiting
// for.
func (s *Session) ForceCleanup() {
	s.mu.Lock()
	s.epoch++
	s.hb.stop()
	if s.conn != nil {
		s.gen++
		_ = s.conn.Close()
		s.conn = nil
	}
	s.capturing = false
	s.seq.reset()
	s.rec.stop()
	s.setStatusLocked(StatusDisconnected)
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)

	if s.capture != nil {
		_ = s.capture.Stop()
		_ = s.capture.Close()
	}
}

// Reset clears a latched fatal device error so a fresh Connect may proceed.
func (s *Session) Reset() {
	s.mu.Lock()
	s.fatal = nil
	s.rec.allow()
	if s.status == StatusError || s.status == StatusFailed {
		s.setStatusLocked(StatusDisconnected)
	}
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)
}

// Suspend pauses heartbeat probing while the client is backgrounded. Inbound
// traffic is still processed.
func (s *Session) Suspend() {
	s.hb.suspend()
}

// Resume restarts heartbeat probing with an immediate verification ping.
func (s *Session) Resume() {
	s.hb.resume()
}

// SendText submits a typed user message to the pipeline.
func (s *Session) SendText(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("loqui: message content must not be empty")
	}
	return s.sendJSON(protocol.Message{Type: protocol.TypeMessage, Content: content})
}

// BargeIn interrupts assistant playback server-side. Callers should also
// flush local playback buffers.
func (s *Session) BargeIn() error {
	if err := s.sendJSON(protocol.BargeIn{Type: protocol.TypeBargeIn}); err != nil {
		return err
	}
	s.mu.Lock()
	s.proj.noteBargeIn()
	cbs := s.proj.drain()
	s.mu.Unlock()
	run(cbs)
	return nil
}

// CompleteAudioInput signals the end of the current audio input stream.
func (s *Session) CompleteAudioInput() error {
	return s.sendJSON(protocol.AudioInputComplete{Type: protocol.TypeAudioInputComplete})
}

// onAudioBlock runs on the capture device callback: microphone samples are
// only forwarded while the session is ready.
func (s *Session) onAudioBlock(samples []float32) {
	s.mu.Lock()
	ready := s.status == StatusReady && s.conn != nil
	s.mu.Unlock()
	if !ready || len(samples) == 0 {
		return
	}

	frame := protocol.AudioInput{
		Type:     protocol.TypeAudioInput,
		AudioB64: base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples)),
	}
	if err := s.sendJSON(frame); err != nil {
		s.cfg.logger.Warn("dropping audio block", "error", err)
	}
}

func (s *Session) sendJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return newTransientError("not_connected", "session is not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// report forwards an error to the external reporting sink with contextual
// tags. st is passed explicitly so callers holding the session mutex can tag
// the current status without re-locking.
func (s *Session) report(err error, op string, st Status) {
	s.cfg.reporter.ReportError(err, map[string]string{
		"op":              op,
		"status":          string(st),
		"conversation_id": s.cfg.conversationID,
	})
}

func (s *Session) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	if cb := s.cfg.callbacks.OnStatusChange; cb != nil {
		s.proj.enqueue(func() { cb(status) })
	}
}

func run(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
