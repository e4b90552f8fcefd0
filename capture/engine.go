// Package capture owns the microphone stream: it buffers recordings on
// demand and runs continuous RMS loudness monitoring with silence/speech
// advisory events and an unconditional maximum-duration force stop.
package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"parley.chat/emit"
)

type Config struct {
	SampleRate int
	// FrameSize is the number of samples per monitor frame. At 16 kHz a
	// frame of 320 samples gives 50 loudness readings per second.
	FrameSize int
	// SilenceThreshold is normalized RMS (0..1) below which a frame counts
	// as silent.
	SilenceThreshold float64
	// SilenceWindow is how long loudness must stay below the threshold
	// before a silence event is raised.
	SilenceWindow time.Duration
	// MaxDuration force-stops recording unconditionally.
	MaxDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		FrameSize:        320,
		SilenceThreshold: 0.015,
		SilenceWindow:    2 * time.Second,
		MaxDuration:      60 * time.Second,
	}
}

type Engine struct {
	log      *log.Logger
	provider DeviceProvider
	cfg      Config
	opts     OpenOptions
	events   *emit.Emitter[Event]
	frames   *emit.Emitter[[]int16]
	now      func() time.Time

	mu          sync.Mutex
	source      Source
	deviceID    string
	monitorStop chan struct{}
	recording   bool
	buf         []int16
	finalized   *Segment
	recordStart time.Time
	silentSince time.Time
	inSilence   bool
}

func New(provider DeviceProvider, cfg Config, logger *log.Logger) *Engine {
	return &Engine{
		log:      logger,
		provider: provider,
		cfg:      cfg,
		opts: OpenOptions{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGain:         true,
		},
		events: emit.New[Event](),
		frames: emit.New[[]int16](),
		now:    time.Now,
	}
}

// Events subscribes to loudness events; the returned function unsubscribes.
func (e *Engine) Events(fn func(Event)) func() {
	return e.events.Subscribe(fn)
}

// Frames subscribes to the raw monitor frames, FrameSize mono samples per
// call, flowing whenever the stream is open regardless of recording state.
// Subscribers get their own copy and may retain it.
func (e *Engine) Frames(fn func([]int16)) func() {
	return e.frames.Subscribe(fn)
}

// Initialize acquires the stream from the default device and starts the
// level monitor.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.acquire(ctx, "")
}

func (e *Engine) acquire(ctx context.Context, deviceID string) error {
	src, err := e.provider.Open(ctx, deviceID, e.opts)
	if err != nil {
		return fmt.Errorf("acquire input device: %w", err)
	}

	e.mu.Lock()
	if e.source != nil {
		e.mu.Unlock()
		_ = src.Close()
		return fmt.Errorf("capture: stream already acquired")
	}
	e.source = src
	e.deviceID = deviceID
	stop := make(chan struct{})
	e.monitorStop = stop
	e.mu.Unlock()

	go e.monitor(src, stop)
	return nil
}

func (e *Engine) Devices(ctx context.Context) ([]Device, error) {
	return e.provider.Devices(ctx)
}

// StartRecording begins buffering samples. Re-invocation while already
// recording is a no-op with a warning.
func (e *Engine) StartRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source == nil {
		return fmt.Errorf("capture: not initialized")
	}
	if e.recording {
		e.log.Warn("already recording")
		return nil
	}
	e.recording = true
	e.buf = e.buf[:0]
	e.finalized = nil
	e.recordStart = e.now()
	return nil
}

// StopRecording finalizes and returns the buffered segment, or nil if
// nothing was recorded. It also returns the retained segment after a
// max-duration force stop.
func (e *Engine) StopRecording() *Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recording {
		e.finalizeLocked()
	}
	seg := e.finalized
	e.finalized = nil
	return seg
}

// finalizeLocked turns the buffer into a segment; callers hold e.mu.
func (e *Engine) finalizeLocked() {
	e.recording = false
	if len(e.buf) == 0 {
		e.finalized = nil
		return
	}
	pcm := make([]int16, len(e.buf))
	copy(pcm, e.buf)
	e.buf = e.buf[:0]
	e.finalized = &Segment{
		PCM:        pcm,
		SampleRate: e.cfg.SampleRate,
		Channels:   1,
		MimeType:   "audio/L16",
		Duration:   time.Duration(len(pcm)) * time.Second / time.Duration(e.cfg.SampleRate),
	}
}

// SwitchDevice stops the current stream, re-initializes against the new
// device, and resumes recording if it was active. The partial buffer
// survives the switch.
func (e *Engine) SwitchDevice(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	wasRecording := e.recording
	e.recording = false
	e.closeSourceLocked()
	e.mu.Unlock()

	if err := e.acquire(ctx, deviceID); err != nil {
		return err
	}

	e.mu.Lock()
	e.recording = wasRecording
	e.mu.Unlock()
	e.log.Info("switched input device", "device", deviceID, "resumed", wasRecording)
	return nil
}

// Teardown releases the device and cancels monitoring. Idempotent and
// callable from any state.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recording = false
	e.buf = nil
	e.finalized = nil
	e.closeSourceLocked()
}

func (e *Engine) closeSourceLocked() {
	if e.monitorStop != nil {
		close(e.monitorStop)
		e.monitorStop = nil
	}
	if e.source != nil {
		if err := e.source.Close(); err != nil {
			e.log.Warn("close input source", "error", err)
		}
		e.source = nil
	}
}

func (e *Engine) monitor(src Source, stop chan struct{}) {
	frame := make([]int16, e.cfg.FrameSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := src.Read(frame)
		if err != nil {
			select {
			case <-stop:
			default:
				e.log.Warn("input stream ended", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		e.ingest(frame[:n])
	}
}

func (e *Engine) ingest(frame []int16) {
	rms := rmsLevel(frame)
	now := e.now()

	var out []Event

	e.mu.Lock()
	if e.recording {
		e.buf = append(e.buf, frame...)
		if e.cfg.MaxDuration > 0 && now.Sub(e.recordStart) >= e.cfg.MaxDuration {
			e.finalizeLocked()
			out = append(out, Event{Kind: EventMaxDuration, RMS: rms, At: now})
			e.log.Warn("recording force-stopped", "after", e.cfg.MaxDuration)
		}
	}

	if rms < e.cfg.SilenceThreshold {
		if e.silentSince.IsZero() {
			e.silentSince = now
		}
		if !e.inSilence && now.Sub(e.silentSince) >= e.cfg.SilenceWindow {
			e.inSilence = true
			out = append(out, Event{Kind: EventSilence, RMS: rms, At: now})
		}
	} else {
		if e.inSilence {
			out = append(out, Event{Kind: EventSpeech, RMS: rms, At: now})
		}
		e.inSilence = false
		e.silentSince = time.Time{}
	}
	e.mu.Unlock()

	if e.frames.Len() > 0 {
		cp := make([]int16, len(frame))
		copy(cp, frame)
		e.frames.Emit(cp)
	}
	for _, ev := range out {
		e.events.Emit(ev)
	}
}

func rmsLevel(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}
