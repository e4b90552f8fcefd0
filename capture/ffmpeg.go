package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
)

// FFmpegProvider acquires microphone audio by exec'ing ffmpeg and reading
// s16le PCM from its stdout. Echo cancellation and friends are handled by the
// OS capture stack; the options are accepted for interface parity.
type FFmpegProvider struct {
	Path       string // ffmpeg binary, default "ffmpeg"
	SampleRate int
}

func (p *FFmpegProvider) binary() string {
	if p.Path != "" {
		return p.Path
	}
	return "ffmpeg"
}

func (p *FFmpegProvider) inputArgs(deviceID string) []string {
	if deviceID == "" {
		deviceID = "default"
	}
	switch runtime.GOOS {
	case "darwin":
		if deviceID == "default" {
			deviceID = ":0"
		}
		return []string{"-f", "avfoundation", "-i", deviceID}
	default:
		return []string{"-f", "pulse", "-i", deviceID}
	}
}

func (p *FFmpegProvider) Open(ctx context.Context, deviceID string, _ OpenOptions) (Source, error) {
	rate := p.SampleRate
	if rate == 0 {
		rate = 16000
	}
	args := append(p.inputArgs(deviceID),
		"-ac", "1",
		"-ar", fmt.Sprint(rate),
		"-f", "s16le",
		"-loglevel", "error",
		"-",
	)
	cmd := exec.CommandContext(ctx, p.binary(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.binary(), err)
	}
	return &ffmpegSource{cmd: cmd, out: stdout, stderr: stderr}, nil
}

// defaultDevices is the fallback when enumeration fails; the empty ID maps to
// the platform capture default in Open.
func defaultDevices() []Device {
	return []Device{{ID: "", Label: "system default"}}
}

func (p *FFmpegProvider) Devices(ctx context.Context) ([]Device, error) {
	switch runtime.GOOS {
	case "darwin":
		// -list_devices makes ffmpeg print the device table to stderr and
		// exit non-zero, so the error from Run is expected.
		cmd := exec.CommandContext(ctx, p.binary(),
			"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "")
		stderr := &strings.Builder{}
		cmd.Stderr = stderr
		_ = cmd.Run()
		if devices := parseAVFoundationDevices(stderr.String()); len(devices) > 0 {
			return devices, nil
		}
	default:
		out, err := exec.CommandContext(ctx, p.binary(),
			"-hide_banner", "-sources", "pulse").Output()
		if err == nil {
			if devices := parsePulseSources(string(out)); len(devices) > 0 {
				return devices, nil
			}
		}
	}
	return defaultDevices(), nil
}

// parsePulseSources reads the table printed by `ffmpeg -sources pulse`:
// one indented line per source, "name [description]", with the session
// default marked by a leading asterisk.
func parsePulseSources(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		open := strings.Index(line, " [")
		if open < 0 || !strings.HasSuffix(line, "]") {
			continue
		}
		id := line[:open]
		label := line[open+2 : len(line)-1]
		if id == "" {
			continue
		}
		devices = append(devices, Device{ID: id, Label: label})
	}
	return devices
}

// parseAVFoundationDevices reads the stderr listing from
// `ffmpeg -f avfoundation -list_devices true -i ""`. The log is split into a
// video section and an audio section, each entry "[N] Name"; only audio
// entries become devices, with the avfoundation ":N" input syntax as the ID.
func parseAVFoundationDevices(out string) []Device {
	var devices []Device
	inAudio := false
	for _, line := range strings.Split(out, "\n") {
		if i := strings.Index(line, "] "); i >= 0 && strings.HasPrefix(line, "[AVFoundation") {
			line = line[i+2:]
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasSuffix(line, "audio devices:"):
			inAudio = true
			continue
		case strings.HasSuffix(line, "video devices:"):
			inAudio = false
			continue
		}
		if !inAudio || !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		index := line[1:end]
		label := strings.TrimSpace(line[end+1:])
		if index == "" || label == "" {
			continue
		}
		devices = append(devices, Device{ID: ":" + index, Label: label})
	}
	return devices
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr *strings.Builder
}

func (s *ffmpegSource) Read(buf []int16) (int, error) {
	raw := make([]byte, len(buf)*2)
	n, err := io.ReadFull(s.out, raw)
	if n < 2 {
		if err == nil {
			err = io.EOF
		}
		if msg := strings.TrimSpace(s.stderr.String()); strings.Contains(msg, "Permission denied") {
			return 0, ErrPermissionDenied
		}
		return 0, err
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		buf[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

func (s *ffmpegSource) Close() error {
	_ = s.out.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
