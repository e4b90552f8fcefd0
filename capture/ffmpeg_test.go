package capture

import "testing"

func TestParsePulseSources(t *testing.T) {
	out := `Auto-detected sources for pulse:
  alsa_output.pci-0000_00_1f.3.analog-stereo.monitor [Monitor of Built-in Audio Analog Stereo]
* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
  alsa_input.usb-Blue_Microphones_Yeti-00.analog-stereo [Yeti Stereo Microphone]
`
	devices := parsePulseSources(out)
	want := []Device{
		{ID: "alsa_output.pci-0000_00_1f.3.analog-stereo.monitor", Label: "Monitor of Built-in Audio Analog Stereo"},
		{ID: "alsa_input.pci-0000_00_1f.3.analog-stereo", Label: "Built-in Audio Analog Stereo"},
		{ID: "alsa_input.usb-Blue_Microphones_Yeti-00.analog-stereo", Label: "Yeti Stereo Microphone"},
	}
	if len(devices) != len(want) {
		t.Fatalf("parsed %d devices, want %d: %v", len(devices), len(want), devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, devices[i], want[i])
		}
	}
}

func TestParsePulseSourcesEmpty(t *testing.T) {
	if devices := parsePulseSources("Auto-detected sources for pulse:\n"); len(devices) != 0 {
		t.Errorf("parsed %v from a headerless listing", devices)
	}
}

func TestParseAVFoundationDevices(t *testing.T) {
	out := `[AVFoundation indev @ 0x7f8] AVFoundation video devices:
[AVFoundation indev @ 0x7f8] [0] FaceTime HD Camera
[AVFoundation indev @ 0x7f8] [1] Capture screen 0
[AVFoundation indev @ 0x7f8] AVFoundation audio devices:
[AVFoundation indev @ 0x7f8] [0] MacBook Pro Microphone
[AVFoundation indev @ 0x7f8] [1] Yeti Stereo Microphone
: Input/output error
`
	devices := parseAVFoundationDevices(out)
	want := []Device{
		{ID: ":0", Label: "MacBook Pro Microphone"},
		{ID: ":1", Label: "Yeti Stereo Microphone"},
	}
	if len(devices) != len(want) {
		t.Fatalf("parsed %d devices, want %d: %v", len(devices), len(want), devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, devices[i], want[i])
		}
	}
}

func TestParseAVFoundationIgnoresVideo(t *testing.T) {
	out := `[AVFoundation indev @ 0x7f8] AVFoundation video devices:
[AVFoundation indev @ 0x7f8] [0] FaceTime HD Camera
`
	if devices := parseAVFoundationDevices(out); len(devices) != 0 {
		t.Errorf("video-only listing produced %v", devices)
	}
}
