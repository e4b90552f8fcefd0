// Package tts synthesizes speech from translated text.
package tts

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/haguro/elevenlabs-go"
)

// Voice selects the synthesis voice and its stability/similarity/style
// parameters.
type Voice struct {
	ID         string
	Stability  float64
	Similarity float64
	Style      float64
}

// DefaultVoice is used when no voice profile is configured. The stability
// and similarity values are the provider's recommended conversational
// settings.
var DefaultVoice = Voice{
	ID:         "pKLLpypGseGMUjkb5fEZ",
	Stability:  0.5,
	Similarity: 0.75,
	Style:      0,
}

type SpeechGenerator interface {
	// Synthesize returns the full audio clip.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
	// SynthesizeStream writes audio chunks as they arrive, for
	// earliest-possible playback.
	SynthesizeStream(ctx context.Context, text string, voice Voice, w io.Writer) error
}

type ElevenLabsSpeechGenerator struct {
	apiKey string
}

func NewElevenLabsSpeechGenerator(apiKey string) *ElevenLabsSpeechGenerator {
	return &ElevenLabsSpeechGenerator{apiKey: apiKey}
}

func (e *ElevenLabsSpeechGenerator) request(text string, voice Voice) elevenlabs.TextToSpeechRequest {
	return elevenlabs.TextToSpeechRequest{
		Text:    text,
		ModelID: "eleven_turbo_v2_5",
		VoiceSettings: &elevenlabs.VoiceSettings{
			Stability:       float32(voice.Stability),
			SimilarityBoost: float32(voice.Similarity),
			Style:           float32(voice.Style),
		},
	}
}

func (e *ElevenLabsSpeechGenerator) Synthesize(
	ctx context.Context,
	text string,
	voice Voice,
) ([]byte, error) {
	client := elevenlabs.NewClient(ctx, e.apiKey, 30*time.Second)
	audio, err := client.TextToSpeech(voice.ID, e.request(text, voice))
	if err != nil {
		return nil, fmt.Errorf("failed to generate speech: %w", err)
	}
	return audio, nil
}

func (e *ElevenLabsSpeechGenerator) SynthesizeStream(
	ctx context.Context,
	text string,
	voice Voice,
	w io.Writer,
) error {
	client := elevenlabs.NewClient(ctx, e.apiKey, 30*time.Second)
	if err := client.TextToSpeechStream(w, voice.ID, e.request(text, voice)); err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}
	return nil
}
