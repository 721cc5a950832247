// Package audio provides microphone capture, PCM16 conversion, and a
// flushable playback buffer for voice pipeline sessions.
package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// Acquisition errors. Permission and missing-device failures are fatal for a
// session: retrying cannot succeed until the user intervenes.
var (
	ErrPermissionDenied = errors.New("audio: microphone access denied")
	ErrDeviceNotFound   = errors.New("audio: no capture device found")
	ErrDeviceBusy       = errors.New("audio: capture device busy")
)

// IsFatalAcquisition reports whether a capture error cannot be resolved by
// reconnecting (permission or missing hardware).
func IsFatalAcquisition(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceNotFound)
}

// CaptureConfig describes the requested microphone stream.
type CaptureConfig struct {
	// SampleRateHz defaults to 16000.
	SampleRateHz int
	// Channels defaults to 1 (mono).
	Channels int
	// BlockMS is the device period size in milliseconds. Defaults to 20.
	BlockMS int
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BlockMS <= 0 {
		c.BlockMS = 20
	}
	return c
}

// Capture owns a microphone device and its backing audio context. The context
// is created per Capture and released by Close; it is never shared between
// sessions.
type Capture struct {
	cfg  CaptureConfig
	actx *malgo.AllocatedContext

	mu      sync.Mutex
	device  *malgo.Device
	started bool
	closed  bool
}

// NewCapture initializes the audio context. The device itself is not acquired
// until Start.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	actx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, classifyCaptureError(err)
	}
	return &Capture{cfg: cfg.withDefaults(), actx: actx}, nil
}

// Start acquires the microphone and begins delivering float32 sample blocks
// on the device callback. Blocks are fixed-size (BlockMS worth of frames).
// On failure any partially-acquired device is stopped and released before the
// error is returned.
func (c *Capture) Start(onBlock func(samples []float32)) error {
	if onBlock == nil {
		return fmt.Errorf("audio: onBlock must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("audio: capture is closed")
	}
	if c.started {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(c.cfg.Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRateHz)
	deviceConfig.PeriodSizeInMilliseconds = uint32(c.cfg.BlockMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onBlock(bytesToFloat32(input))
		},
	}

	device, err := malgo.InitDevice(c.actx.Context, deviceConfig, callbacks)
	if err != nil {
		return classifyCaptureError(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return classifyCaptureError(err)
	}

	c.device = device
	c.started = true
	return nil
}

// Stop halts and releases the microphone device. The audio context stays
// usable for a later Start.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

func (c *Capture) stopLocked() {
	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	c.started = false
}

// Close stops the device and destroys the audio context. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.stopLocked()
	c.closed = true
	if c.actx != nil {
		_ = c.actx.Uninit()
		c.actx.Free()
	}
	return nil
}

// Started reports whether the device is currently capturing.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// classifyCaptureError maps backend errors to the acquisition taxonomy.
// miniaudio reports conditions as result-code strings.
func classifyCaptureError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device not found"), strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("audio: capture init failed: %w", err)
	}
}
