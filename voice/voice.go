// Package voice moves live audio across the peer mesh: microphone frames
// are opus-encoded into 20 ms samples for the outbound track, and remote
// opus tracks are decoded back to PCM and streamed to the local player.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	opus "gopkg.in/hraban/opus.v2"

	"parley.chat/peer"
)

// Opus wants exactly 20 ms of samples per packet at voice bitrates, and RTP
// carries opus on a 48 kHz clock no matter the capture rate.
const (
	packetDuration = 20 * time.Millisecond
	decodeRate     = 48000
	maxPacketBytes = 4000
)

// Sink receives encoded outbound samples. *peer.Manager satisfies it.
type Sink interface {
	WriteAudio(sample media.Sample) error
}

// PCMStreamer opens a live PCM playback stream. *playback.FFplayPlayer
// satisfies it.
type PCMStreamer interface {
	StreamPCM(ctx context.Context, sampleRate, channels int) (io.WriteCloser, error)
}

// Bridge accumulates capture frames into packet-sized chunks, opus-encodes
// them, and hands them to the sink. Wire it to the capture engine's frame
// tap; frames may arrive in any size.
type Bridge struct {
	log  *log.Logger
	sink Sink

	mu      sync.Mutex
	enc     *opus.Encoder
	frame   int
	pending []int16
	buf     []byte
	muted   bool
}

func NewBridge(sink Sink, sampleRate int, logger *log.Logger) (*Bridge, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("voice: create encoder: %w", err)
	}
	return &Bridge{
		log:   logger,
		sink:  sink,
		enc:   enc,
		frame: sampleRate / 50,
		buf:   make([]byte, maxPacketBytes),
	}, nil
}

// SetMuted stops outbound encoding without tearing the bridge down. Buffered
// samples are dropped so unmuting does not replay stale audio.
func (b *Bridge) SetMuted(muted bool) {
	b.mu.Lock()
	b.muted = muted
	if muted {
		b.pending = b.pending[:0]
	}
	b.mu.Unlock()
}

// HandleFrame consumes one capture frame. Whole packets are encoded and sent
// immediately; a trailing partial packet waits for the next frame.
func (b *Bridge) HandleFrame(pcm []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.muted {
		return
	}
	b.pending = append(b.pending, pcm...)
	for len(b.pending) >= b.frame {
		n, err := b.enc.Encode(b.pending[:b.frame], b.buf)
		b.pending = b.pending[b.frame:]
		if err != nil {
			b.log.Warn("opus encode failed", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, b.buf[:n])
		if err := b.sink.WriteAudio(media.Sample{Data: data, Duration: packetDuration}); err != nil {
			b.log.Warn("outbound audio dropped", "error", err)
		}
	}
}

// PlayRemote decodes one remote opus track to PCM and streams it to the
// player until the track ends or the context is cancelled. Blocks; run it in
// its own goroutine per track.
func PlayRemote(ctx context.Context, track *webrtc.TrackRemote, out PCMStreamer, logger *log.Logger) error {
	dec, err := opus.NewDecoder(decodeRate, 1)
	if err != nil {
		return fmt.Errorf("voice: create decoder: %w", err)
	}
	w, err := out.StreamPCM(ctx, decodeRate, 1)
	if err != nil {
		return fmt.Errorf("voice: open playback stream: %w", err)
	}
	defer w.Close()

	// 120 ms at 48 kHz, the largest packet opus allows.
	pcm := make([]int16, 5760)
	err = peer.DrainTrack(track, func(pkt *rtp.Packet) {
		if len(pkt.Payload) == 0 {
			// DTX keepalive, nothing to play.
			return
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			logger.Warn("opus decode failed", "error", err)
			return
		}
		if _, err := w.Write(pcmBytes(pcm[:n])); err != nil {
			logger.Warn("playback write failed", "error", err)
		}
	})
	if errors.Is(err, io.EOF) {
		// Track ended normally.
		return nil
	}
	return err
}

// pcmBytes renders samples as little-endian s16le, the layout the player
// stream expects.
func pcmBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
