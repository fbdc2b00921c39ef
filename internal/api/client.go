package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBodySize bounds how much of a response body is read (4MB).
const maxResponseBodySize = 4 << 20

// maxErrorTextRunes bounds the response body quoted in a StatusError.
const maxErrorTextRunes = 200

var (
	errEmptyBaseURL   = errors.New("api base url is empty")
	errEmptySessionID = errors.New("session id is empty")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client talks to the engagement backend over JSON/HTTP.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errEmptyBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Engage starts a session with the first scammer message.
func (c *Client) Engage(ctx context.Context, message, persona string) (*EngageResponse, error) {
	var out EngageResponse
	req := EngageRequest{ScammerMessage: message, Persona: strings.TrimSpace(persona)}
	if err := c.do(ctx, http.MethodPost, "/api/v1/engage", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Continue submits the next scammer message of an existing session.
func (c *Client) Continue(ctx context.Context, sessionID, message string) (*EngageResponse, error) {
	var out EngageResponse
	path, err := sessionPath(sessionID, "/continue")
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodPost, path, ContinueRequest{ScammerMessage: message}, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return &out, nil
}

// FetchTranscript returns the authoritative message list of a session.
func (c *Client) FetchTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	var out TranscriptResponse
	path, err := sessionPath(sessionID, "/messages")
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// FetchSessionDetail returns the backend's view of a session.
func (c *Client) FetchSessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var out SessionDetail
	path, err := sessionPath(sessionID, "")
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = sessionID
	}
	return &out, nil
}

func sessionPath(sessionID, suffix string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errEmptySessionID
	}
	return "/api/v1/sessions/" + url.PathEscape(sessionID) + suffix, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: errorText(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorText(raw []byte) string {
	var e ErrorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	text := strings.TrimSpace(string(raw))
	if runes := []rune(text); len(runes) > maxErrorTextRunes {
		text = string(runes[:maxErrorTextRunes])
	}
	return text
}
