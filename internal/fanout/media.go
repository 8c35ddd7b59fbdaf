package fanout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// Media is an attachment loaded into memory.
type Media struct {
	Name        string
	ContentType string
	Data        []byte
	URL         string
}

type MediaLoader interface {
	Load(ctx context.Context, ref string) (*Media, error)
}

const DefaultMaxMediaBytes = 10 << 20

// HTTPMediaLoader downloads images with a size cap.
type HTTPMediaLoader struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
}

func NewHTTPMediaLoader(userAgent string, timeout time.Duration) *HTTPMediaLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPMediaLoader{Client: &http.Client{Timeout: timeout}, UserAgent: userAgent, MaxBytes: DefaultMaxMediaBytes}
}

func (l *HTTPMediaLoader) Load(ctx context.Context, ref string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("media request: %w", err)
	}
	if l.UserAgent != "" {
		req.Header.Set("User-Agent", l.UserAgent)
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("media fetch: HTTP %d", resp.StatusCode)
	}

	limit := l.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxMediaBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("media read: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("media too large: over %d bytes", limit)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("media is %q, not an image", ct)
	}
	name := path.Base(resp.Request.URL.Path)
	if name == "." || name == "/" {
		name = "image"
	}
	return &Media{Name: name, ContentType: ct, Data: data, URL: ref}, nil
}
