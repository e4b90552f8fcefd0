// Package translate is the client for the text translation service. The
// provider expects region-qualified uppercase language codes, so the
// two-letter codes used everywhere else in the system are normalized here
// before the call.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type Request struct {
	Text               string
	TargetLang         string // 2-letter code
	SourceLang         string // optional 2-letter code
	Formality          string // "more" | "less" | ""
	PreserveFormatting bool
}

type Result struct {
	Text               string
	DetectedSourceLang string
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// regionQualified maps bare 2-letter codes to the provider's preferred
// region-qualified target form. Codes not listed are uppercased as is.
var regionQualified = map[string]string{
	"en": "EN-US",
	"pt": "PT-BR",
}

// NormalizeLang converts a UI language code to the provider form.
func NormalizeLang(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if q, ok := regionQualified[code]; ok {
		return q
	}
	return strings.ToUpper(code)
}

// BareLang strips a region qualifier back down to the 2-letter form used by
// the rest of the system.
func BareLang(code string) string {
	code = strings.ToLower(code)
	if i := strings.IndexByte(code, '-'); i > 0 {
		code = code[:i]
	}
	return code
}

// Client speaks the DeepL-shaped REST API.
type Client struct {
	apiURL string
	apiKey string
	http   *http.Client
	log    *log.Logger
}

const DefaultAPIURL = "https://api-free.deepl.com/v2/translate"

func NewClient(apiURL, apiKey string, logger *log.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translate: missing API key")
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    logger,
	}, nil
}

type apiResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

func (c *Client) Translate(ctx context.Context, req Request) (Result, error) {
	form := url.Values{}
	form.Set("text", req.Text)
	form.Set("target_lang", NormalizeLang(req.TargetLang))
	if req.SourceLang != "" {
		// Source codes never carry a region qualifier.
		form.Set("source_lang", strings.ToUpper(BareLang(req.SourceLang)))
	}
	if req.Formality != "" {
		form.Set("formality", req.Formality)
	}
	if req.PreserveFormatting {
		form.Set("preserve_formatting", "1")
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.apiURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "DeepL-Auth-Key "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("translation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("translation service: %s", resp.Status)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("decode translation response: %w", err)
	}
	if len(body.Translations) == 0 {
		return Result{}, fmt.Errorf("translation service returned no translations")
	}

	tr := body.Translations[0]
	c.log.Info("translated",
		"target", req.TargetLang,
		"detected", tr.DetectedSourceLanguage,
	)
	return Result{
		Text:               tr.Text,
		DetectedSourceLang: BareLang(tr.DetectedSourceLanguage),
	}, nil
}
