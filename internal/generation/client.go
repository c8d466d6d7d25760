package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.wavespeed.ai/api/v3"
	DefaultSize    = "3072*4096"
	editPath       = "/bytedance/seedream-v4/edit"

	defaultTimeout         = 60 * time.Second
	defaultDownloadTimeout = 5 * time.Minute
	defaultDownloadLimit   = 64 << 20
	submitSubject          = "submit"
)

const (
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateError     = "error"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrMissingPollURL   = errors.New("response has no poll url")
	ErrTooLarge         = errors.New("download exceeds size limit")
)

// Waiter paces outgoing submissions.
type Waiter interface {
	Wait(ctx context.Context, subject string) error
}

type Config struct {
	BaseURL         string
	APIKey          string
	Size            string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	DownloadLimit   int64
}

type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	baseURL        string
	apiKey         string
	size           string
	downloadLimit  int64
	limiter        Waiter
	logger         *zap.Logger
}

type Option func(*Client)

func WithLimiter(w Waiter) Option {
	return func(c *Client) { c.limiter = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.downloadClient = h
		}
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	size := strings.TrimSpace(cfg.Size)
	if size == "" {
		size = DefaultSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownloadTimeout
	}
	limit := cfg.DownloadLimit
	if limit <= 0 {
		limit = defaultDownloadLimit
	}

	c := &Client{
		httpClient:     &http.Client{Timeout: timeout},
		downloadClient: &http.Client{Timeout: downloadTimeout},
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		size:           size,
		downloadLimit:  limit,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one edit submission. The target image comes first so the
// service keeps its pose and scene; the anchor supplies the face.
type Request struct {
	TargetURL string
	AnchorURL string
	Prompt    string
	Size      string
}

type Submission struct {
	ID      string
	PollURL string
}

type Status struct {
	ID      string
	State   string
	Outputs []string
	Error   string
}

func (s Status) Completed() bool {
	return strings.EqualFold(s.State, StateCompleted)
}

func (s Status) Failed() bool {
	return strings.EqualFold(s.State, StateFailed) || strings.EqualFold(s.State, StateError)
}

type editPayload struct {
	EnableBase64Output bool     `json:"enable_base64_output"`
	EnableSyncMode     bool     `json:"enable_sync_mode"`
	Images             []string `json:"images"`
	Prompt             string   `json:"prompt"`
	Size               string   `json:"size"`
}

func (c *Client) Submit(ctx context.Context, req Request) (Submission, error) {
	if strings.TrimSpace(req.TargetURL) == "" || strings.TrimSpace(req.AnchorURL) == "" {
		return Submission{}, fmt.Errorf("submit edit: target and anchor urls are required")
	}
	size := req.Size
	if size == "" {
		size = c.size
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, submitSubject); err != nil {
			return Submission{}, fmt.Errorf("wait for submit slot: %w", err)
		}
	}

	body, err := json.Marshal(editPayload{
		Images: []string{req.TargetURL, req.AnchorURL},
		Prompt: req.Prompt,
		Size:   size,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("marshal edit payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+editPath, bytes.NewReader(body))
	if err != nil {
		return Submission{}, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	raw, err := c.do(c.httpClient, httpReq, 1<<20)
	if err != nil {
		return Submission{}, fmt.Errorf("submit edit: %w", err)
	}

	result := gjson.GetBytes(raw, "data")
	pollURL := result.Get("urls.get").String()
	if pollURL == "" {
		return Submission{}, fmt.Errorf("submit edit: %w", ErrMissingPollURL)
	}

	sub := Submission{ID: result.Get("id").String(), PollURL: pollURL}
	c.logger.Debug("edit submitted", zap.String("request_id", sub.ID), zap.String("poll_url", sub.PollURL))
	return sub, nil
}

func (c *Client) Status(ctx context.Context, pollURL string) (Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build status request: %w", err)
	}
	c.authorize(httpReq)

	raw, err := c.do(c.httpClient, httpReq, 1<<20)
	if err != nil {
		return Status{}, fmt.Errorf("query status: %w", err)
	}

	data := gjson.GetBytes(raw, "data")
	status := Status{
		ID:    data.Get("id").String(),
		State: data.Get("status").String(),
		Error: data.Get("error").String(),
	}
	for _, out := range data.Get("outputs").Array() {
		if u := strings.TrimSpace(out.String()); u != "" {
			status.Outputs = append(status.Outputs, u)
		}
	}
	return status, nil
}

// Download fetches an output artifact. Output URLs are pre-signed by the
// service, so no credentials are attached.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	data, err := c.do(c.downloadClient, httpReq, c.downloadLimit)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	return data, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(client *http.Client, req *http.Request, limit int64) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrUnexpectedStatus, resp.StatusCode, truncate(body, 256))
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
