package tsa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

const (
	queryContentType = "application/timestamp-query"
	replyContentType = "application/timestamp-reply"

	maxReplySize = 1 << 20
)

// HTTPAuthority talks to a timestamp authority over HTTP (RFC 3161
// section 3.4).
type HTTPAuthority struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPAuthority returns an authority for url. A non-positive timeout
// leaves the round trip bounded by the caller's context only.
func NewHTTPAuthority(url string, timeout time.Duration) *HTTPAuthority {
	return &HTTPAuthority{URL: url, Timeout: timeout, Client: http.DefaultClient}
}

// Timestamp posts req and returns the raw reply.
func (a *HTTPAuthority) Timestamp(ctx context.Context, req []byte) ([]byte, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", queryContentType)
	httpReq.Header.Set("Accept", replyContentType)

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned %d", resp.StatusCode)
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != replyContentType {
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize+1))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if len(body) > maxReplySize {
		return nil, fmt.Errorf("reply exceeds %d bytes", maxReplySize)
	}
	return body, nil
}
