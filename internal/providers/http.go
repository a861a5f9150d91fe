package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	MaxBodyBytes      = 4 << 20
	MaxImageBodyBytes = 16 << 20
)

// Request is one outbound call made by an adapter.
type Request struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string
	Limit   int64
}

// Do sends r and returns the raw body of a 2xx response. Every failure is an
// *UpstreamError.
func Do(ctx context.Context, client *http.Client, provider Code, r Request) ([]byte, int, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal %s payload: %w", provider, err)
		}
		body = bytes.NewReader(b)
	}
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, NetworkError(provider, err)
	}
	defer resp.Body.Close()

	limit := r.Limit
	if limit <= 0 {
		limit = MaxBodyBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, resp.StatusCode, NetworkError(provider, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, StatusError(provider, resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

// JoinURL appends path to base, keeping any path base already has.
func JoinURL(base, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base url %q must use http or https", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String(), nil
}
