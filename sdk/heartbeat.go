package loqui

import (
	"log/slog"
	"sync"
	"time"
)

// closeReasonZombie is the close reason used when the heartbeat monitor
// force-closes a connection that stopped answering pings. The connection
// manager treats such a close as unexpected and routes it to the
// reconnection supervisor.
const closeReasonZombie = "heartbeat timeout"

// HeartbeatConfig tunes the liveness probe.
type HeartbeatConfig struct {
	// Interval between pings. Default: 15s.
	Interval time.Duration
	// Allowance beyond Interval before an unanswered ping marks the
	// connection a zombie. Default: 5s.
	Allowance time.Duration
	// WarnThreshold logs a warning when a round trip exceeds it.
	// Default: 500ms.
	WarnThreshold time.Duration
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Allowance <= 0 {
		c.Allowance = 5 * time.Second
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 500 * time.Millisecond
	}
	return c
}

// heartbeat probes connection liveness independently of payload traffic.
// While the session is ready it pings every Interval; a ping left
// unanswered for Interval+Allowance declares the connection a zombie.
type heartbeat struct {
	cfg    HeartbeatConfig
	logger *slog.Logger
	now    func() time.Time

	sendPing  func(ts int64) error
	onZombie  func(reason string)
	onLatency func(rtt time.Duration)

	mu          sync.Mutex
	stopCh      chan struct{}
	zombieTimer *time.Timer
	awaiting    bool
	lastPingAt  time.Time
	suspended   bool
	running     bool
}

func newHeartbeat(cfg HeartbeatConfig, logger *slog.Logger, now func() time.Time) *heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &heartbeat{cfg: cfg.withDefaults(), logger: logger, now: now}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.suspended = false
	h.awaiting = false
	stopCh := make(chan struct{})
	h.stopCh = stopCh
	h.mu.Unlock()

	go h.loop(stopCh)
}

func (h *heartbeat) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-stopCh:
			return
		}
	}
}

// tick sends the next ping unless one is still in flight (the zombie timer
// covers that case) or probing is suspended.
func (h *heartbeat) tick() {
	h.mu.Lock()
	if !h.running || h.suspended || h.awaiting {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.ping()
}

// ping sends one liveness probe carrying the local send timestamp and arms
// the zombie timer for Interval+Allowance.
func (h *heartbeat) ping() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	sentAt := h.now()
	send := h.sendPing
	h.mu.Unlock()

	var err error
	if send != nil {
		err = send(sentAt.UnixMilli())
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	if err != nil {
		onZombie := h.onZombie
		h.mu.Unlock()
		if onZombie != nil {
			onZombie(closeReasonZombie)
		}
		return
	}
	h.awaiting = true
	h.lastPingAt = sentAt
	h.stopZombieTimerLocked()
	h.zombieTimer = time.AfterFunc(h.cfg.Interval+h.cfg.Allowance, h.zombieCheck)
	h.mu.Unlock()
}

// zombieDeadline returns the instant at which the in-flight ping, if still
// unanswered, declares the connection dead.
func (h *heartbeat) zombieDeadline() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.awaiting {
		return time.Time{}, false
	}
	return h.lastPingAt.Add(h.cfg.Interval + h.cfg.Allowance), true
}

func (h *heartbeat) zombieCheck() {
	h.mu.Lock()
	if !h.running || h.suspended || !h.awaiting {
		h.mu.Unlock()
		return
	}
	h.awaiting = false
	onZombie := h.onZombie
	h.mu.Unlock()

	h.logger.Warn("heartbeat timed out, presuming zombie connection",
		"interval", h.cfg.Interval, "allowance", h.cfg.Allowance)
	if onZombie != nil {
		onZombie(closeReasonZombie)
	}
}

// pong completes the in-flight round trip. ts is the echoed send timestamp.
func (h *heartbeat) pong(ts int64) {
	h.mu.Lock()
	if !h.awaiting {
		h.mu.Unlock()
		return
	}
	h.awaiting = false
	h.stopZombieTimerLocked()
	rtt := h.now().Sub(time.UnixMilli(ts))
	onLatency := h.onLatency
	h.mu.Unlock()

	if rtt < 0 {
		rtt = 0
	}
	if rtt > h.cfg.WarnThreshold {
		h.logger.Warn("high heartbeat latency", "rtt", rtt, "threshold", h.cfg.WarnThreshold)
	}
	if onLatency != nil {
		onLatency(rtt)
	}
}

// suspend pauses probing while the client is not foreground-visible.
func (h *heartbeat) suspend() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = true
	h.awaiting = false
	h.stopZombieTimerLocked()
}

// resume restarts probing and issues one immediate verification ping so a
// socket that silently died while hidden is detected at once.
func (h *heartbeat) resume() {
	h.mu.Lock()
	if !h.running || !h.suspended {
		h.mu.Unlock()
		return
	}
	h.suspended = false
	h.mu.Unlock()
	h.ping()
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	h.awaiting = false
	if h.stopCh != nil {
		close(h.stopCh)
		h.stopCh = nil
	}
	h.stopZombieTimerLocked()
}

func (h *heartbeat) stopZombieTimerLocked() {
	if h.zombieTimer != nil {
		h.zombieTimer.Stop()
		h.zombieTimer = nil
	}
}
