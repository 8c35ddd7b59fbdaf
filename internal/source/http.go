package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	logx "patchwatch/pkg/logx"
)

const (
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultFetchTimeout = 30 * time.Second
	defaultWaitPoll     = 500 * time.Millisecond
	maxPageBytes        = 8 << 20
)

type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
	// WaitPoll is the reload interval used by WaitFor.
	WaitPoll time.Duration
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// HTTPFetcher fetches pages with net/http and parses them with goquery.
// Every session gets its own cookie jar so logins never leak between polls.
type HTTPFetcher struct {
	cfg HTTPConfig
	log logx.Logger
}

func NewHTTPFetcher(cfg HTTPConfig, log logx.Logger) *HTTPFetcher {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.WaitPoll <= 0 {
		cfg.WaitPoll = defaultWaitPoll
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPFetcher{cfg: cfg, log: log}
}

func (f *HTTPFetcher) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &httpSession{
		cfg:    f.cfg,
		log:    f.log,
		client: &http.Client{Jar: jar, Timeout: f.cfg.Timeout, Transport: f.cfg.Transport},
	}, nil
}

type httpSession struct {
	cfg    HTTPConfig
	log    logx.Logger
	client *http.Client

	mu       sync.Mutex
	current  *Document
	released bool
}

func (s *httpSession) Current() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *httpSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.current = nil
	s.client.CloseIdleConnections()
}

func (s *httpSession) Load(ctx context.Context, rawURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolve(rawURL), nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *httpSession) Submit(ctx context.Context, form Form) (*Document, error) {
	method := strings.ToUpper(strings.TrimSpace(form.Method))
	if method == "" {
		method = http.MethodPost
	}
	action := s.resolve(form.Action)
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		u, perr := url.Parse(action)
		if perr != nil {
			return nil, perr
		}
		u.RawQuery = form.Values.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, action, strings.NewReader(form.Values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *httpSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (*goquery.Selection, error) {
	deadline := time.Now().Add(timeout)
	for {
		cur := s.Current()
		if cur == nil {
			return nil, errors.New("source: no page loaded")
		}
		if sel := cur.Find(selector); sel.Length() > 0 {
			return sel, nil
		}
		if time.Now().Add(s.cfg.WaitPoll).After(deadline) {
			return nil, fmt.Errorf("%w: %q", ErrTimeout, selector)
		}
		t := time.NewTimer(s.cfg.WaitPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if _, err := s.Load(ctx, cur.URL.String()); err != nil {
			return nil, err
		}
	}
}

func (s *httpSession) resolve(raw string) string {
	cur := s.Current()
	if cur == nil {
		return raw
	}
	return cur.Resolve(raw)
}

func (s *httpSession) do(req *http.Request) (*Document, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return nil, ErrReleased
	}

	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: http %d", req.URL, resp.StatusCode)
	}

	doc, err := NewDocument(resp.Request.URL, resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	s.log.Debug("page loaded",
		logx.String("method", req.Method),
		logx.String("url", resp.Request.URL.String()),
		logx.Int("status", resp.StatusCode),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)

	s.mu.Lock()
	s.current = doc
	s.mu.Unlock()
	return doc, nil
}
