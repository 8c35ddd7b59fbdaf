package source

import (
	"context"
	"fmt"
	"strings"

	"patchwatch/internal/post"
	"patchwatch/internal/retry"
	logx "patchwatch/pkg/logx"
)

type PollerConfig struct {
	// TargetURL is the monitored page (or feed).
	TargetURL  string
	Strategies []Strategy
	Retry      retry.Policy
}

// Poller implements detectLatest: one fresh session per attempt, optional
// login, then strategies in order.
type Poller struct {
	cfg     PollerConfig
	fetcher Fetcher
	login   *Login
	log     logx.Logger
}

func NewPoller(cfg PollerConfig, fetcher Fetcher, login *Login, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retry.Log.IsZero() {
		cfg.Retry.Log = log
	}
	return &Poller{cfg: cfg, fetcher: fetcher, login: login, log: log}
}

// DetectLatest returns the newest post id, or "" when no strategy matched.
// Transport and login failures are retried per the retry policy and the
// final error is returned unchanged.
func (p *Poller) DetectLatest(ctx context.Context) (post.ID, error) {
	return retry.Do(ctx, p.cfg.Retry, p.detectOnce)
}

func (p *Poller) detectOnce(ctx context.Context) (id post.ID, err error) {
	sess, err := p.fetcher.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Release()

	var doc *Document
	if p.login.Enabled() {
		if err := p.login.Run(ctx, sess, p.cfg.TargetURL); err != nil {
			return "", err
		}
		doc = sess.Current()
	}
	if doc == nil || doc.URL == nil || !sameURL(doc.URL.String(), p.cfg.TargetURL) {
		if doc, err = sess.Load(ctx, p.cfg.TargetURL); err != nil {
			return "", err
		}
	}

	for _, st := range p.cfg.Strategies {
		if id, ok := st.Find(doc); ok {
			p.log.Debug("latest post found", logx.String("strategy", st.Name()), logx.String("id", id.String()))
			return id, nil
		}
	}
	p.log.Info("no post found on monitored page", logx.String("url", p.cfg.TargetURL), logx.Int("strategies", len(p.cfg.Strategies)))
	return "", nil
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
