// Package stt is the client for the transcription service: audio bytes in,
// text with confidence and detected language out.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var ErrUnusableResult = errors.New("stt: transcription result unusable")

type Request struct {
	Audio      []byte
	MimeType   string
	Language   string // optional hint
	Punctuate  bool
	Timestamps bool
}

type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Result struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Language   string    `json:"language"`
	Duration   float64   `json:"duration"`
	Segments   []Segment `json:"segments,omitempty"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Client posts audio segments to a Whisper-style HTTP endpoint. Responses are
// usually JSON but the service may fall back to plain text; both are
// accepted.
type Client struct {
	url  string
	http *http.Client
	log  *log.Logger
}

func NewClient(url string, logger *log.Logger) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("stt: no transcription endpoint configured")
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 60 * time.Second},
		log:  logger,
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, req Request) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "segment")
	if err != nil {
		return Result{}, err
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return Result{}, err
	}
	_ = mw.WriteField("mime_type", req.MimeType)
	if req.Language != "" {
		_ = mw.WriteField("language", req.Language)
	}
	if req.Punctuate {
		_ = mw.WriteField("punctuate", "true")
	}
	if req.Timestamps {
		_ = mw.WriteField("timestamps", "true")
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Result{}, fmt.Errorf("transcription service: %s: %s", resp.Status, raw)
	}

	res, err := parseResult(raw)
	if err != nil {
		return Result{}, err
	}
	c.log.Info("hear", "txt", res.Text, "lang", res.Language, "confidence", res.Confidence)
	return res, nil
}

// parseResult accepts the JSON result shape or, as a fallback, a bare
// plain-text transcript.
func parseResult(raw []byte) (Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Result{}, ErrUnusableResult
	}

	if trimmed[0] == '{' {
		var res Result
		if err := json.Unmarshal(trimmed, &res); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnusableResult, err)
		}
		return res, nil
	}

	return Result{Text: strings.TrimSpace(string(trimmed))}, nil
}
