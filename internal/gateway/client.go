// Package gateway is the HTTP client for the messaging gateway.
//
// Endpoints (JSON):
//
//	POST {base}/send-message      {"to","message"}
//	POST {base}/send-media-multi  {"toList","base64","filename","caption"} -> {"results":[{"groupId","success","error"}]}
//
// Calls are never retried.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "groupcast/pkg/logx"
)

const (
	DefaultTimeout      = 30 * time.Second
	defaultMaxErrorBody = 512
	// media responses carry one entry per recipient
	maxResponseSize = 4 << 20
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSec paces outgoing calls; 0 disables pacing.
	RatePerSec   float64
	Burst        int
	MaxErrorBody int
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string // truncated
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// MediaRequest is the body of send-media-multi.
type MediaRequest struct {
	ToList   []string `json:"toList"`
	Base64   string   `json:"base64"` // data URI
	Filename string   `json:"filename"`
	Caption  string   `json:"caption"`
}

// RecipientResult is one entry of a send-media-multi response, in toList order.
type RecipientResult struct {
	GroupID string `json:"groupId,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type MediaResponse struct {
	Success bool              `json:"success"`
	Results []RecipientResult `json:"results"`
}

type textRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Client is safe for concurrent use. Apply swaps its settings at runtime.
type Client struct {
	log logx.Logger

	mu      sync.RWMutex
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{log: log}
	if err := c.Apply(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Apply validates cfg and makes it effective for subsequent calls.
func (c *Client) Apply(cfg Config) error {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return errors.New("gateway base url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxErrorBody <= 0 {
		cfg.MaxErrorBody = defaultMaxErrorBody
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil || c.cfg.Timeout != cfg.Timeout {
		c.http = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	c.cfg = cfg
	c.limiter = lim
	return nil
}

func (c *Client) snapshot() (Config, *http.Client, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.http, c.limiter
}

// SendText delivers message to one recipient.
func (c *Client) SendText(ctx context.Context, to, message string) error {
	_, err := c.post(ctx, "send-message", textRequest{To: to, Message: message})
	return err
}

// SendMediaMulti delivers one attachment to every recipient in req.ToList.
func (c *Client) SendMediaMulti(ctx context.Context, req MediaRequest) (MediaResponse, error) {
	if req.ToList == nil {
		req.ToList = []string{}
	}
	body, err := c.post(ctx, "send-media-multi", req)
	if err != nil {
		return MediaResponse{}, err
	}
	var out MediaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return MediaResponse{}, fmt.Errorf("send-media-multi: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op string, payload any) ([]byte, error) {
	cfg, hc, lim := c.snapshot()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/"+op, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.log.Debug("gateway call failed", logx.String("op", op), logx.Duration("took", time.Since(start)), logx.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	c.log.Debug("gateway call",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Int("req_bytes", len(buf)),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), cfg.MaxErrorBody)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	// avoid cutting a multi-byte rune
	for n > 0 && n < len(s) && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n] + "…"
}
