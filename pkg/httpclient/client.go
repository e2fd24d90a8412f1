package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserAgent is sent on every request unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 16 << 20

type HttpClient struct {
	client    *http.Client
	userAgent string
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", method, e.URL, e.StatusCode)
}

func NewHttpClient(timeout time.Duration) *HttpClient {
	return &HttpClient{
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent: DefaultUserAgent,
	}
}

// WithUserAgent returns a copy that identifies itself as ua.
func (h *HttpClient) WithUserAgent(ua string) *HttpClient {
	c := *h
	c.userAgent = ua
	return &c
}

func (h *HttpClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	return h.client.Do(req)
}

func (h *HttpClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return h.Do(req)
}

// GetBody fetches url and returns the body of a 2xx response.
func (h *HttpClient) GetBody(ctx context.Context, url string) ([]byte, error) {
	resp, err := h.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: http.MethodGet, URL: url, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

// PostJSON encodes payload as the request body.
func (h *HttpClient) PostJSON(ctx context.Context, url string, headers map[string]string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.Do(req)
}

// ReadJSON decodes a 2xx response body into out and closes it.
func ReadJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		if resp.Request != nil {
			se.Method = resp.Request.Method
			se.URL = resp.Request.URL.String()
		}
		return se
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
