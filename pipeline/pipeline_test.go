package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"parley.chat/capture"
	"parley.chat/llm"
	"parley.chat/stt"
	"parley.chat/translate"
	"parley.chat/tts"
)

type fakeTranscriber struct {
	result stt.Result
	err    error
	gotReq stt.Request
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	f.gotReq = req
	return f.result, f.err
}

type fakeTranslator struct {
	result translate.Result
	err    error
}

func (f *fakeTranslator) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	return f.result, f.err
}

type fakeEnhancer struct {
	text string
	err  error
}

func (f *fakeEnhancer) Enhance(ctx context.Context, req llm.Request) (string, error) {
	return f.text, f.err
}

type fakeSpeech struct {
	audio []byte
	err   error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	return f.audio, f.err
}

func (f *fakeSpeech) SynthesizeStream(ctx context.Context, text string, voice tts.Voice, w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	_, err := w.Write(f.audio)
	return err
}

func testSegment() *capture.Segment {
	return &capture.Segment{
		PCM:        make([]int16, 320),
		SampleRate: 16000,
		Channels:   1,
		MimeType:   "audio/l16",
	}
}

func newTestRunner(t *fakeTranscriber, tr *fakeTranslator, e llm.Enhancer, s *fakeSpeech) *Runner {
	return NewRunner(t, tr, e, s, tts.DefaultVoice, log.New(io.Discard))
}

func TestTranscribe(t *testing.T) {
	ft := &fakeTranscriber{result: stt.Result{
		Text:       "  hello there  ",
		Confidence: 0.97,
		Language:   "en",
		Duration:   1.5,
	}}
	r := newTestRunner(ft, &fakeTranslator{}, nil, &fakeSpeech{})

	got, err := r.Transcribe(context.Background(), testSegment(), "en")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello there" {
		t.Errorf("text = %q, want trimmed", got.Text)
	}
	if got.Confidence != 0.97 || got.Language != "en" || got.Duration != 1.5 {
		t.Errorf("transcript = %+v", got)
	}
	if !ft.gotReq.Punctuate {
		t.Error("punctuation not requested")
	}
	if len(ft.gotReq.Audio) == 0 {
		t.Error("no audio bytes sent")
	}
}

func TestTranscribeDefaults(t *testing.T) {
	ft := &fakeTranscriber{result: stt.Result{Text: "hello"}}
	r := newTestRunner(ft, &fakeTranslator{}, nil, &fakeSpeech{})

	got, err := r.Transcribe(context.Background(), testSegment(), "fr")
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != DefaultConfidence {
		t.Errorf("confidence = %v, want default %v", got.Confidence, DefaultConfidence)
	}
	if got.Language != "fr" {
		t.Errorf("language = %q, want the hint", got.Language)
	}
}

func TestTranscribeEmpty(t *testing.T) {
	ft := &fakeTranscriber{result: stt.Result{Text: "   \n "}}
	r := newTestRunner(ft, &fakeTranslator{}, nil, &fakeSpeech{})

	_, err := r.Transcribe(context.Background(), testSegment(), "en")
	if !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestTranscribeNilSegment(t *testing.T) {
	r := newTestRunner(&fakeTranscriber{}, &fakeTranslator{}, nil, &fakeSpeech{})
	if _, err := r.Transcribe(context.Background(), nil, "en"); err == nil {
		t.Error("expected error for nil segment")
	}
}

func TestTranslateWithEnhancement(t *testing.T) {
	r := newTestRunner(
		&fakeTranscriber{},
		&fakeTranslator{result: translate.Result{Text: "hola", DetectedSourceLang: "en"}},
		&fakeEnhancer{text: "¡hola!"},
		&fakeSpeech{},
	)

	got, err := r.Translate(context.Background(), "hello", "en", "es")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "¡hola!" || !got.Enhanced {
		t.Errorf("translation = %+v, want enhanced text", got)
	}
	if got.DetectedSource != "en" {
		t.Errorf("detected source = %q", got.DetectedSource)
	}
}

func TestTranslateEnhancementFailureFallsBack(t *testing.T) {
	r := newTestRunner(
		&fakeTranscriber{},
		&fakeTranslator{result: translate.Result{Text: "hola"}},
		&fakeEnhancer{err: errors.New("rate limited")},
		&fakeSpeech{},
	)

	got, err := r.Translate(context.Background(), "hello", "en", "es")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hola" || got.Enhanced {
		t.Errorf("translation = %+v, want unenhanced draft", got)
	}
}

func TestTranslateNoEnhancer(t *testing.T) {
	r := newTestRunner(
		&fakeTranscriber{},
		&fakeTranslator{result: translate.Result{Text: "hola"}},
		nil,
		&fakeSpeech{},
	)

	got, err := r.Translate(context.Background(), "hello", "en", "es")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hola" || got.Enhanced {
		t.Errorf("translation = %+v", got)
	}
	if got.DetectedSource != "en" {
		t.Errorf("detected source = %q, want request fallback", got.DetectedSource)
	}
}

func TestTranslateFailure(t *testing.T) {
	r := newTestRunner(
		&fakeTranscriber{},
		&fakeTranslator{err: errors.New("quota exceeded")},
		&fakeEnhancer{text: "never"},
		&fakeSpeech{},
	)

	if _, err := r.Translate(context.Background(), "hello", "en", "es"); err == nil {
		t.Error("expected translation error to propagate")
	}
}

func TestSynthesize(t *testing.T) {
	r := newTestRunner(&fakeTranscriber{}, &fakeTranslator{}, nil,
		&fakeSpeech{audio: []byte("mp3")})

	audio, err := r.Synthesize(context.Background(), "hola")
	if err != nil {
		t.Fatal(err)
	}
	if string(audio) != "mp3" {
		t.Errorf("audio = %q", audio)
	}
}

func TestSynthesizeFailure(t *testing.T) {
	r := newTestRunner(&fakeTranscriber{}, &fakeTranslator{}, nil,
		&fakeSpeech{err: errors.New("voice not found")})

	if _, err := r.Synthesize(context.Background(), "hola"); err == nil {
		t.Error("expected synthesis error to propagate")
	}
}
