package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Result
		err  bool
	}{
		{
			name: "json",
			raw:  `{"text":"hello","confidence":0.98,"language":"en","duration":1.2}`,
			want: Result{Text: "hello", Confidence: 0.98, Language: "en", Duration: 1.2},
		},
		{
			name: "json with segments",
			raw:  `{"text":"a b","segments":[{"text":"a","start":0,"end":0.5},{"text":"b","start":0.5,"end":1}]}`,
			want: Result{Text: "a b", Segments: []Segment{
				{Text: "a", Start: 0, End: 0.5},
				{Text: "b", Start: 0.5, End: 1},
			}},
		},
		{
			name: "plain text fallback",
			raw:  "  hello there\n",
			want: Result{Text: "hello there"},
		},
		{
			name: "empty",
			raw:  "   ",
			err:  true,
		},
		{
			name: "malformed json",
			raw:  `{"text": unterminated`,
			err:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResult([]byte(tt.raw))
			if tt.err {
				if !errors.Is(err, ErrUnusableResult) {
					t.Fatalf("err = %v, want ErrUnusableResult", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Text != tt.want.Text || got.Confidence != tt.want.Confidence ||
				got.Language != tt.want.Language || got.Duration != tt.want.Duration {
				t.Errorf("result = %+v, want %+v", got, tt.want)
			}
			if len(got.Segments) != len(tt.want.Segments) {
				t.Errorf("segments = %+v, want %+v", got.Segments, tt.want.Segments)
			}
		})
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient("", log.New(io.Discard)); err == nil {
		t.Error("expected error for missing endpoint")
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		audio, _ := io.ReadAll(file)
		if string(audio) != "pcm-bytes" {
			t.Errorf("audio = %q", audio)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language = %q", got)
		}
		if got := r.FormValue("punctuate"); got != "true" {
			t.Errorf("punctuate = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"hello world","confidence":0.91,"language":"en"}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Transcribe(context.Background(), Request{
		Audio:     []byte("pcm-bytes"),
		MimeType:  "audio/L16",
		Language:  "en",
		Punctuate: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello world" || got.Confidence != 0.91 {
		t.Errorf("result = %+v", got)
	}
}

func TestTranscribePlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "just some words")
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Transcribe(context.Background(), Request{Audio: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "just some words" {
		t.Errorf("text = %q", got.Text)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0 for plain text", got.Confidence)
	}
}

func TestTranscribeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Transcribe(context.Background(), Request{Audio: []byte("x")}); err == nil {
		t.Error("expected error for non-2xx response")
	}
}
