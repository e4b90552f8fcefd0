package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

// blockSource never yields samples; tests drive Engine.ingest directly for
// deterministic monitoring behavior.
type blockSource struct {
	done chan struct{}
	once sync.Once
}

func newBlockSource() *blockSource {
	return &blockSource{done: make(chan struct{})}
}

func (s *blockSource) Read(buf []int16) (int, error) {
	<-s.done
	return 0, io.EOF
}

func (s *blockSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeProvider struct {
	openErr error

	mu     sync.Mutex
	opened []string
	last   *blockSource
}

func (p *fakeProvider) Open(ctx context.Context, deviceID string, opts OpenOptions) (Source, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, deviceID)
	p.last = newBlockSource()
	return p.last, nil
}

func (p *fakeProvider) Devices(ctx context.Context) ([]Device, error) {
	return []Device{{ID: "default", Label: "Fake Microphone"}}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *fakeProvider, *fakeClock) {
	t.Helper()
	provider := &fakeProvider{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := New(provider, Config{
		SampleRate:       16000,
		FrameSize:        4,
		SilenceThreshold: 0.015,
		SilenceWindow:    2 * time.Second,
		MaxDuration:      60 * time.Second,
	}, log.New(io.Discard))
	e.now = clock.now
	return e, provider, clock
}

func loudFrame() []int16  { return []int16{8000, -8000, 8000, -8000} }
func quietFrame() []int16 { return []int16{10, -10, 10, -10} }

func TestInitializeExclusive(t *testing.T) {
	e, provider, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	if err := e.Initialize(context.Background()); err == nil {
		t.Error("second acquisition did not fail")
	}
	if len(provider.opened) != 2 {
		// The second open succeeds at the provider and is closed on the
		// engine's refusal.
		t.Errorf("provider opened %d times, want 2", len(provider.opened))
	}
}

func TestInitializePermissionDenied(t *testing.T) {
	e, provider, _ := newTestEngine(t)
	provider.openErr = ErrPermissionDenied

	err := e.Initialize(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRecordAndStop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	if err := e.StartRecording(); err != nil {
		t.Fatal(err)
	}
	e.ingest(loudFrame())
	e.ingest(loudFrame())

	seg := e.StopRecording()
	if seg == nil {
		t.Fatal("no segment returned")
	}
	if len(seg.PCM) != 8 {
		t.Errorf("segment has %d samples, want 8", len(seg.PCM))
	}
	if seg.SampleRate != 16000 || seg.Channels != 1 {
		t.Errorf("segment format = %d Hz %d ch", seg.SampleRate, seg.Channels)
	}
	if len(seg.Bytes()) != 16 {
		t.Errorf("encoded %d bytes, want 16", len(seg.Bytes()))
	}
}

func TestStartRecordingTwice(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	if err := e.StartRecording(); err != nil {
		t.Fatal(err)
	}
	e.ingest(loudFrame())
	if err := e.StartRecording(); err != nil {
		t.Errorf("restart returned %v, want nil no-op", err)
	}

	// The buffer survives the redundant start.
	if seg := e.StopRecording(); seg == nil || len(seg.PCM) != 4 {
		t.Errorf("segment = %+v, want the 4 buffered samples", seg)
	}
}

func TestStopWithoutSamples(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	if err := e.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if seg := e.StopRecording(); seg != nil {
		t.Errorf("segment = %+v, want nil for an empty buffer", seg)
	}
}

func TestRecordingRequiresInitialize(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.StartRecording(); err == nil {
		t.Error("recording started without a stream")
	}
}

func TestSilenceEventAfterWindow(t *testing.T) {
	e, _, clock := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	var events []Event
	defer e.Events(func(ev Event) { events = append(events, ev) })()

	e.ingest(quietFrame())
	clock.advance(time.Second)
	e.ingest(quietFrame())
	if len(events) != 0 {
		t.Fatalf("events before the window elapsed: %v", events)
	}

	clock.advance(1500 * time.Millisecond)
	e.ingest(quietFrame())
	if len(events) != 1 || events[0].Kind != EventSilence {
		t.Fatalf("events = %v, want one silence event", events)
	}

	// Staying silent raises no further events.
	clock.advance(time.Second)
	e.ingest(quietFrame())
	if len(events) != 1 {
		t.Errorf("repeated silence raised %d events", len(events))
	}

	// Speech resumption is announced once.
	e.ingest(loudFrame())
	if len(events) != 2 || events[1].Kind != EventSpeech {
		t.Fatalf("events = %v, want a speech event", events)
	}
}

func TestFramesTap(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	var frames [][]int16
	unsub := e.Frames(func(f []int16) { frames = append(frames, f) })

	// Frames flow while idle and while recording alike.
	e.ingest(loudFrame())
	if err := e.StartRecording(); err != nil {
		t.Fatal(err)
	}
	e.ingest(loudFrame())
	if len(frames) != 2 {
		t.Fatalf("tapped %d frames, want 2", len(frames))
	}

	// The tap gets its own copy, detached from the monitor's buffer.
	src := loudFrame()
	e.ingest(src)
	src[0] = 0
	if frames[2][0] != 8000 {
		t.Error("tapped frame aliases the monitor buffer")
	}

	unsub()
	e.ingest(loudFrame())
	if len(frames) != 3 {
		t.Errorf("tapped %d frames after unsubscribe, want 3", len(frames))
	}
}

func TestMaxDurationForceStop(t *testing.T) {
	e, _, clock := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	var events []Event
	defer e.Events(func(ev Event) { events = append(events, ev) })()

	if err := e.StartRecording(); err != nil {
		t.Fatal(err)
	}
	e.ingest(loudFrame())
	clock.advance(61 * time.Second)
	e.ingest(loudFrame())

	if len(events) != 1 || events[0].Kind != EventMaxDuration {
		t.Fatalf("events = %v, want one max-duration event", events)
	}

	// Samples after the force stop are discarded.
	e.ingest(loudFrame())

	seg := e.StopRecording()
	if seg == nil {
		t.Fatal("retained segment lost after force stop")
	}
	if len(seg.PCM) != 8 {
		t.Errorf("segment has %d samples, want the 8 recorded before the stop", len(seg.PCM))
	}
}

func TestSwitchDevicePreservesBuffer(t *testing.T) {
	e, provider, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	if err := e.StartRecording(); err != nil {
		t.Fatal(err)
	}
	e.ingest(loudFrame())

	if err := e.SwitchDevice(context.Background(), "usb-mic"); err != nil {
		t.Fatal(err)
	}
	if got := provider.opened[len(provider.opened)-1]; got != "usb-mic" {
		t.Errorf("opened %q, want usb-mic", got)
	}

	e.ingest(loudFrame())
	seg := e.StopRecording()
	if seg == nil || len(seg.PCM) != 8 {
		t.Fatalf("segment = %+v, want samples from both devices", seg)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.Teardown()
	e.Teardown()

	if seg := e.StopRecording(); seg != nil {
		t.Errorf("segment = %+v after teardown, want nil", seg)
	}

	// A fresh stream can be acquired after teardown.
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.Teardown()
}

func TestRMSLevel(t *testing.T) {
	if got := rmsLevel(nil); got != 0 {
		t.Errorf("rms of empty frame = %v", got)
	}
	quiet := rmsLevel(quietFrame())
	loud := rmsLevel(loudFrame())
	if quiet >= 0.015 {
		t.Errorf("quiet rms = %v, want below threshold", quiet)
	}
	if loud <= 0.015 {
		t.Errorf("loud rms = %v, want above threshold", loud)
	}
}
