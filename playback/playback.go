// Package playback plays synthesized speech locally. The default player
// pipes the audio into ffplay; a Discard player covers headless runs and
// tests.
package playback

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/charmbracelet/log"
)

type Player interface {
	Play(ctx context.Context, audio []byte) error
}

type FFplayPlayer struct {
	Path string // ffplay binary, default "ffplay"
	Log  *log.Logger
}

func (p *FFplayPlayer) Play(ctx context.Context, audio []byte) error {
	bin := p.Path
	if bin == "" {
		bin = "ffplay"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-autoexit",
		"-nodisp",
		"-loglevel", "error",
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}
	if _, err := stdin.Write(audio); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("write audio: %w", err)
	}
	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if p.Log != nil {
		p.Log.Debug("played audio", "bytes", len(audio))
	}
	return nil
}

// StreamPCM starts a long-lived ffplay reading raw s16le PCM from the
// returned writer until it is closed or the context ends. Used for live peer
// audio, where samples trickle in for the life of the connection.
func (p *FFplayPlayer) StreamPCM(ctx context.Context, sampleRate, channels int) (io.WriteCloser, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffplay"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-nodisp",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", fmt.Sprint(channels),
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	go func() {
		_ = cmd.Wait()
		if p.Log != nil {
			p.Log.Debug("pcm stream player exited")
		}
	}()
	return stdin, nil
}

// Discard drops audio on the floor.
type Discard struct{}

func (Discard) Play(context.Context, []byte) error { return nil }
