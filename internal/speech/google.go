package speech

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"mvpbot/internal/errs"
)

const (
	DefaultTranslateEndpoint = "https://translate.google.com/translate_tts"
	// MaxTranslateChars is the per-request text limit of the translate_tts endpoint.
	MaxTranslateChars = 200

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

type GoogleTranslateConfig struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerMinute int
}

// GoogleTranslate synthesizes speech through the public translate_tts
// endpoint. Requests are rate limited client side.
type GoogleTranslate struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewGoogleTranslate(cfg GoogleTranslateConfig, client *http.Client) *GoogleTranslate {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultTranslateEndpoint
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &GoogleTranslate{
		endpoint: endpoint,
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 3),
	}
}

func (g *GoogleTranslate) Synthesize(ctx context.Context, text, lang string, speed float64) (io.ReadCloser, error) {
	if n := utf8.RuneCountInString(text); n > MaxTranslateChars {
		return nil, errs.Validation("announcement text has %d characters, the limit is %d", n, MaxTranslateChars)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tts rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("tl", strings.ToLower(strings.TrimSpace(lang)))
	q.Set("client", "tw-ob")
	q.Set("q", text)
	q.Set("ttsspeed", strconv.FormatFloat(speed, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errs.External("tts", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, errs.External("tts", fmt.Errorf("unexpected status %s", resp.Status))
	}
	return resp.Body, nil
}
