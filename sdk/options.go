package loqui

import (
	"log/slog"
	"time"

	"github.com/loqui-ai/loqui-go/pkg/protocol"
)

// SessionOption is a function that configures a Session.
type SessionOption func(*Session)

// WithToken sets the access token sent on the connection URL. A token is
// required before Connect.
func WithToken(token string) SessionOption {
	return func(s *Session) {
		s.cfg.token = token
	}
}

// WithBaseURL overrides the voice pipeline endpoint. http(s) schemes are
// upgraded to ws(s) automatically.
func WithBaseURL(url string) SessionOption {
	return func(s *Session) {
		s.cfg.baseURL = url
	}
}

// WithConversationID pins the conversation identity used for session resume.
// A random id is generated when unset.
func WithConversationID(id string) SessionOption {
	return func(s *Session) {
		s.cfg.conversationID = id
	}
}

// WithVoiceSettings sets the voice and capture preferences sent in
// session.init.
func WithVoiceSettings(v protocol.VoiceSettings) SessionOption {
	return func(s *Session) {
		s.cfg.voice = v
	}
}

// WithLogger sets the logger for the session.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.cfg.logger = l
	}
}

// WithHeartbeat tunes the liveness probe.
func WithHeartbeat(cfg HeartbeatConfig) SessionOption {
	return func(s *Session) {
		s.cfg.heartbeat = cfg
	}
}

// WithReconnectPolicy tunes automatic recovery from transient failures.
func WithReconnectPolicy(p ReconnectPolicy) SessionOption {
	return func(s *Session) {
		s.cfg.reconnect = p
	}
}

// WithCaptureSource attaches a microphone source started when the session
// becomes ready. Without one the session is text-only.
func WithCaptureSource(src CaptureSource) SessionOption {
	return func(s *Session) {
		s.capture = src
	}
}

// WithErrorReporter sets the external error sink.
func WithErrorReporter(r ErrorReporter) SessionOption {
	return func(s *Session) {
		if r != nil {
			s.cfg.reporter = r
		}
	}
}

// WithCallbacks registers the collaborator callback surface.
func WithCallbacks(cb Callbacks) SessionOption {
	return func(s *Session) {
		s.cfg.callbacks = cb
	}
}

// WithDialTimeout bounds the websocket dial when the caller's context carries
// no deadline. Default: 10s.
func WithDialTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.cfg.dialTimeout = d
		}
	}
}

// WithClock injects the time source. Tests use this to make latency and
// duration measurements deterministic.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.cfg.now = now
		}
	}
}
