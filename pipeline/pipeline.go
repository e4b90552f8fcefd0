// Package pipeline sequences the stateless transcribe → translate → enhance
// → synthesize chain. The orchestration machine is the only caller; this
// package decides nothing about session state, only about per-step fallback:
// transcription failure is fatal to the exchange, enhancement failure silently
// falls back to the unenhanced draft, synthesis failure is fatal to playback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"parley.chat/capture"
	"parley.chat/llm"
	"parley.chat/stt"
	"parley.chat/translate"
	"parley.chat/tts"
)

// ErrEmptyTranscript marks a transcription whose trimmed text is empty.
// Empty speech is not a valid exchange.
var ErrEmptyTranscript = errors.New("pipeline: empty transcript")

// DefaultConfidence stands in when the transcription provider omits a
// confidence score; providers that return plain text give no score at all.
const DefaultConfidence = 0.9

type Transcript struct {
	Text       string
	Confidence float64
	Language   string
	Duration   float64
}

type Translation struct {
	Text           string
	DetectedSource string
	Enhanced       bool
}

type Runner struct {
	log         *log.Logger
	transcriber stt.Transcriber
	translator  translate.Translator
	enhancer    llm.Enhancer // nil disables the quality pass
	speech      tts.SpeechGenerator
	voice       tts.Voice
}

func NewRunner(
	transcriber stt.Transcriber,
	translator translate.Translator,
	enhancer llm.Enhancer,
	speech tts.SpeechGenerator,
	voice tts.Voice,
	logger *log.Logger,
) *Runner {
	if voice.ID == "" {
		voice = tts.DefaultVoice
	}
	return &Runner{
		log:         logger,
		transcriber: transcriber,
		translator:  translator,
		enhancer:    enhancer,
		speech:      speech,
		voice:       voice,
	}
}

// Transcribe turns a finalized audio segment into text. A single attempt; no
// engine available or an unusable/empty result fails the exchange.
func (r *Runner) Transcribe(ctx context.Context, seg *capture.Segment, langHint string) (Transcript, error) {
	if r.transcriber == nil {
		return Transcript{}, fmt.Errorf("pipeline: no transcription engine available")
	}
	if seg == nil {
		return Transcript{}, fmt.Errorf("pipeline: no audio captured")
	}

	res, err := r.transcriber.Transcribe(ctx, stt.Request{
		Audio:      seg.Bytes(),
		MimeType:   seg.MimeType,
		Language:   langHint,
		Punctuate:  true,
		Timestamps: false,
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return Transcript{}, ErrEmptyTranscript
	}

	confidence := res.Confidence
	if confidence == 0 {
		confidence = DefaultConfidence
	}
	language := res.Language
	if language == "" {
		language = langHint
	}

	return Transcript{
		Text:       text,
		Confidence: confidence,
		Language:   language,
		Duration:   res.Duration,
	}, nil
}

// Translate runs translate then enhance, in that order. Enhancement is a
// nonessential quality pass: on any failure the unenhanced translation is
// returned unchanged and the failure is only logged.
func (r *Runner) Translate(ctx context.Context, text, sourceLang, targetLang string) (Translation, error) {
	res, err := r.translator.Translate(ctx, translate.Request{
		Text:       text,
		TargetLang: targetLang,
		SourceLang: sourceLang,
	})
	if err != nil {
		return Translation{}, fmt.Errorf("translation failed: %w", err)
	}

	out := Translation{
		Text:           res.Text,
		DetectedSource: res.DetectedSourceLang,
	}
	if out.DetectedSource == "" {
		out.DetectedSource = sourceLang
	}

	if r.enhancer == nil {
		return out, nil
	}

	improved, err := r.enhancer.Enhance(ctx, llm.Request{
		Original:   text,
		Draft:      res.Text,
		SourceLang: out.DetectedSource,
		TargetLang: targetLang,
	})
	if err != nil {
		r.log.Warn("enhancement failed, using draft translation", "error", err)
		return out, nil
	}

	out.Text = improved
	out.Enhanced = true
	return out, nil
}

func (r *Runner) Synthesize(ctx context.Context, text string) ([]byte, error) {
	audio, err := r.speech.Synthesize(ctx, text, r.voice)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	return audio, nil
}

// SynthesizeStream delivers incremental audio chunks for earliest-possible
// playback.
func (r *Runner) SynthesizeStream(ctx context.Context, text string, w io.Writer) error {
	if err := r.speech.SynthesizeStream(ctx, text, r.voice, w); err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}
	return nil
}
