// Package bilibili is a small client for the public Bilibili web APIs used by
// the subscription poller.
package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "bilisub/pkg/logx"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxBodyBytes     = 4 << 20
	maxImageBytes    = 16 << 20
)

// Config configures Client.
type Config struct {
	Cookie     string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int

	// Base URLs; empty means the public hosts.
	APIBase     string
	LiveBase    string
	DynamicBase string
}

// Client performs rate-limited requests against the platform.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	cookie    string
	userAgent string

	apiBase     string
	liveBase    string
	dynamicBase string
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(limit, burst),
		log:         log,
		cookie:      strings.TrimSpace(cfg.Cookie),
		userAgent:   ua,
		apiBase:     baseOr(cfg.APIBase, "https://api.bilibili.com"),
		liveBase:    baseOr(cfg.LiveBase, "https://api.live.bilibili.com"),
		dynamicBase: baseOr(cfg.DynamicBase, "https://api.vc.bilibili.com"),
	}
}

func baseOr(v, def string) string {
	v = strings.TrimRight(strings.TrimSpace(v), "/")
	if v == "" {
		return def
	}
	return v
}

// envelope is the common response wrapper. Some endpoints (pgc) put the
// payload under "result" instead of "data".
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
	Result  *T     `json:"result"`
}

func (c *Client) get(ctx context.Context, endpoint, rawURL string, q url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &transportError{endpoint: endpoint, err: err}
	}
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &transportError{endpoint: endpoint, err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", "https://www.bilibili.com/")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{endpoint: endpoint, err: err}
	}
	return resp, nil
}

func getJSON[T any](ctx context.Context, c *Client, endpoint, rawURL string, q url.Values) (*T, error) {
	start := time.Now()
	resp, err := c.get(ctx, endpoint, rawURL, q)
	if err != nil {
		c.log.Debug("bilibili request failed", logx.String("endpoint", endpoint), logx.Err(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		// Risk control at the gateway, before any envelope is produced.
		return nil, &APIError{Endpoint: endpoint, Code: CodeRiskControl, Message: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &transportError{endpoint: endpoint, err: fmt.Errorf("http status %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &transportError{endpoint: endpoint, err: err}
	}
	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &transportError{endpoint: endpoint, err: fmt.Errorf("decode: %w", err)}
	}
	c.log.Trace("bilibili request", logx.String("endpoint", endpoint), logx.Int("code", env.Code), logx.Duration("dur", time.Since(start)))
	if env.Code != 0 {
		return nil, &APIError{Endpoint: endpoint, Code: env.Code, Message: env.Message}
	}
	out := env.Data
	if out == nil {
		out = env.Result
	}
	if out == nil {
		return nil, &APIError{Endpoint: endpoint, Code: -404, Message: "empty payload"}
	}
	return out, nil
}

// Image downloads an image. The caller decides how to treat failures.
func (c *Client) Image(ctx context.Context, rawURL string) ([]byte, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, &transportError{endpoint: "image", err: errors.New("empty url")}
	}
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}
	resp, err := c.get(ctx, "image", rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &transportError{endpoint: "image", err: fmt.Errorf("http status %s", resp.Status)}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, &transportError{endpoint: "image", err: err}
	}
	if len(b) == 0 {
		return nil, &transportError{endpoint: "image", err: errors.New("empty body")}
	}
	return b, nil
}
