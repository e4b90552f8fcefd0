package capture

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by a DeviceProvider when the user (or the
// OS) declines microphone access. Fatal to the current action, recoverable by
// retrying it.
var ErrPermissionDenied = errors.New("capture: microphone permission denied")

// Source is an exclusively-owned stream of signed 16-bit mono PCM samples
// from one input device. Read blocks until samples are available and returns
// io.EOF when the device goes away.
type Source interface {
	Read(buf []int16) (int, error)
	Close() error
}

type Device struct {
	ID    string
	Label string
}

// OpenOptions mirror the processing constraints requested from the device
// layer when acquiring the stream.
type OpenOptions struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

// DeviceProvider abstracts the platform device layer so the engine can be
// driven by a real capture process or a test double.
type DeviceProvider interface {
	Open(ctx context.Context, deviceID string, opts OpenOptions) (Source, error)
	Devices(ctx context.Context) ([]Device, error)
}

type EventKind string

const (
	// EventSilence and EventSpeech are advisory signals for auto-stop
	// policy, not hard cutoffs.
	EventSilence EventKind = "silence"
	EventSpeech  EventKind = "speech"
	// EventMaxDuration reports the unconditional force-stop.
	EventMaxDuration EventKind = "max-duration"
)

type Event struct {
	Kind EventKind
	RMS  float64
	At   time.Time
}

// Segment is a finalized recording, handed to the transcription pipeline as
// an opaque audio object.
type Segment struct {
	PCM        []int16
	SampleRate int
	Channels   int
	MimeType   string
	Duration   time.Duration
}

// Bytes renders the PCM as little-endian s16le, the form the transcription
// service accepts.
func (s *Segment) Bytes() []byte {
	out := make([]byte, len(s.PCM)*2)
	for i, v := range s.PCM {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
