package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/docflow/retry"
)

// HTTPConfig configures the remote extraction service.
type HTTPConfig struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// HTTPClient calls a remote page-extraction service over JSON/HTTP.
type HTTPClient struct {
	cfg       HTTPConfig
	client    *http.Client
	validator *Validator
	log       *slog.Logger
}

// NewHTTPClient builds a client validating responses against PageSchema.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, errors.New("extractor url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	v, err := NewValidator(PageSchema())
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		validator: v,
		log:       logger,
	}, nil
}

type extractRequest struct {
	DocumentID  string  `json:"document_id"`
	PageNumber  int     `json:"page_number"`
	Text        string  `json:"text,omitempty"`
	ImageBase64 string  `json:"image_base64,omitempty"`
	MIMEType    string  `json:"mime_type,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature"`
}

type extractResponse struct {
	Content json.RawMessage `json:"content"`
}

// Extract implements Extractor.
func (c *HTTPClient) Extract(ctx context.Context, page PageInput) (json.RawMessage, error) {
	if page.Text == "" && len(page.Image) == 0 {
		return nil, retry.Permanentf("page %d has no content", page.PageNum)
	}

	body := extractRequest{
		DocumentID:  page.DocumentID,
		PageNumber:  page.PageNum,
		Text:        page.Text,
		MIMEType:    page.MIMEType,
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
	}
	if len(page.Image) > 0 {
		body.ImageBase64 = base64.StdEncoding.EncodeToString(page.Image)
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encode request: %w", err))
	}

	reqID := uuid.New().String()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(bs))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("extract.http.send_error", "req_id", reqID, "page", page.PageNum, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, retry.Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read response: %w", err))
	}

	c.log.Debug("extract.http.response",
		"req_id", reqID,
		"page", page.PageNum,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if err := classifyStatus(resp, raw); err != nil {
		return nil, err
	}

	var out extractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	content := bytes.TrimSpace(out.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil, retry.Permanentf("empty content for page %d", page.PageNum)
	}
	if err := c.validator.Validate(content); err != nil {
		return nil, retry.Permanent(err)
	}
	return json.RawMessage(content), nil
}

// classifyStatus maps an HTTP status to nil, a transient or a permanent error.
func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code/100 == 2 {
		return nil
	}
	err := fmt.Errorf("extractor returned %d: %s", code, snippet(body))
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return retry.TransientAfter(err, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code == http.StatusRequestTimeout || code >= 500:
		return retry.Transient(err)
	}
	return retry.Permanent(err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
