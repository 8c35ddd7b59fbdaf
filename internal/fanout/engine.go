// Package fanout delivers one artifact to every registered recipient in
// paced batches and reports a per-recipient outcome.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"patchwatch/internal/post"
	"patchwatch/internal/registry"
	"patchwatch/internal/retry"
	logx "patchwatch/pkg/logx"
)

const (
	DefaultBatchSize    = 10
	DefaultMessageDelay = 500 * time.Millisecond
	DefaultBatchDelay   = 2 * time.Second
	DefaultHeaderTitle  = "New patch notes available!"
)

// Destination is a resolved place to send to.
type Destination struct {
	ChatID   int64
	ThreadID int
	Title    string
}

// Outgoing is one message. Mention is rendered by the transport in front
// of Text. Markdown marks formatter output that the transport may render.
type Outgoing struct {
	Text     string
	Mention  string
	Media    *Media
	Markdown bool
	Silent   bool
}

// Transport is the messaging side. Resolve returns ok=false, err=nil for
// destinations that no longer exist; that is a skip, not a failure.
type Transport interface {
	ResolveGroup(ctx context.Context, t registry.GroupTarget) (Destination, bool, error)
	ResolveUser(ctx context.Context, t registry.DirectTarget) (Destination, bool, error)
	Send(ctx context.Context, to Destination, msg Outgoing) error
}

type Config struct {
	BatchSize    int
	ChunkSize    int
	MessageDelay time.Duration
	BatchDelay   time.Duration
	// RatePerSec caps sends across all recipients; 0 disables the cap.
	RatePerSec  float64
	HeaderTitle string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	// zero means default; negative disables the pause
	switch {
	case c.MessageDelay == 0:
		c.MessageDelay = DefaultMessageDelay
	case c.MessageDelay < 0:
		c.MessageDelay = 0
	}
	switch {
	case c.BatchDelay == 0:
		c.BatchDelay = DefaultBatchDelay
	case c.BatchDelay < 0:
		c.BatchDelay = 0
	}
	if strings.TrimSpace(c.HeaderTitle) == "" {
		c.HeaderTitle = DefaultHeaderTitle
	}
	return c
}

type Option func(*Engine)

// WithSleep replaces the pacing sleep, mostly for tests.
func WithSleep(s retry.Sleep) Option { return func(e *Engine) { e.sleep = s } }

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	transport Transport
	media     MediaLoader
	sleep     retry.Sleep
	log       logx.Logger
}

func New(cfg Config, transport Transport, media MediaLoader, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{transport: transport, media: media, sleep: retry.ContextSleep, log: log}
	for _, o := range opts {
		o(e)
	}
	e.Apply(cfg)
	return e
}

// Apply swaps pacing settings. A distribution in flight keeps the config it
// started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

type job struct {
	target  Target
	mention string
	resolve func(ctx context.Context) (Destination, bool, error)
}

// Distribute sends art to every group and then every direct recipient.
// Members of a batch are delivered concurrently and joined before the next
// batch starts. A recipient failure never stops the run.
func (e *Engine) Distribute(ctx context.Context, art *post.Artifact, groups []registry.GroupTarget, directs []registry.DirectTarget) Report {
	cfg, lim := e.snapshot()
	rep := Report{Started: time.Now()}
	if art == nil || (len(groups) == 0 && len(directs) == 0) {
		rep.Finished = time.Now()
		return rep
	}

	chunks := Chunk(art.DisplayText, cfg.ChunkSize)
	media := e.loadMedia(ctx, art.MediaRef)

	jobs := make([]job, 0, len(groups)+len(directs))
	for _, g := range groups {
		g := g
		jobs = append(jobs, job{
			target:  Target{Kind: GroupTargetKind, ID: g.GroupID},
			mention: g.MentionID,
			resolve: func(ctx context.Context) (Destination, bool, error) { return e.transport.ResolveGroup(ctx, g) },
		})
	}
	nGroups := len(jobs)
	for _, d := range directs {
		d := d
		jobs = append(jobs, job{
			target:  Target{Kind: DirectTargetKind, ID: d.RecipientID},
			resolve: func(ctx context.Context) (Destination, bool, error) { return e.transport.ResolveUser(ctx, d) },
		})
	}

	d := &delivery{e: e, cfg: cfg, lim: lim, art: art, chunks: chunks, media: media}
	batches := append(partition(jobs[:nGroups], cfg.BatchSize), partition(jobs[nGroups:], cfg.BatchSize)...)
	for i, batch := range batches {
		if i > 0 && cfg.BatchDelay > 0 {
			_ = e.sleep(ctx, cfg.BatchDelay)
		}
		rep.Outcomes = append(rep.Outcomes, d.runBatch(ctx, batch)...)
		rep.Batches++
	}
	rep.Finished = time.Now()

	e.log.Info("distribution finished",
		logx.String("id", art.SourceURL.String()),
		logx.Int("delivered", rep.Delivered()),
		logx.Int("skipped", rep.Skipped()),
		logx.Int("failed", rep.Failed()),
		logx.Int("batches", rep.Batches),
		logx.Int("chunks", len(chunks)),
		logx.Duration("took", rep.Took()))
	return rep
}

func partition(jobs []job, size int) [][]job {
	var out [][]job
	for start := 0; start < len(jobs); start += size {
		end := start + size
		if end > len(jobs) {
			end = len(jobs)
		}
		out = append(out, jobs[start:end])
	}
	return out
}

func (e *Engine) loadMedia(ctx context.Context, ref string) *Media {
	if strings.TrimSpace(ref) == "" || e.media == nil {
		return nil
	}
	m, err := e.media.Load(ctx, ref)
	if err != nil {
		e.log.Warn("media load failed; headers go out as text", logx.String("ref", ref), logx.Err(err))
		return nil
	}
	return m
}

// delivery holds the per-run state shared by all recipients.
type delivery struct {
	e      *Engine
	cfg    Config
	lim    *rate.Limiter
	art    *post.Artifact
	chunks []string
	media  *Media
}

func (d *delivery) runBatch(ctx context.Context, batch []job) []Outcome {
	out := make([]Outcome, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = d.deliver(ctx, batch[i])
		}(i)
	}
	wg.Wait()
	return out
}

func (d *delivery) deliver(ctx context.Context, j job) (out Outcome) {
	out = Outcome{Target: j.target}
	defer func() {
		if r := recover(); r != nil {
			out.Kind = Failed
			out.Reason = "panic"
			out.Err = fmt.Errorf("panic: %v", r)
			d.e.log.Error("recipient panic", logx.String("target", j.target.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	log := d.e.log.With(logx.String("target", j.target.String()))

	dest, ok, err := j.resolve(ctx)
	if err != nil {
		log.Warn("resolve failed", logx.Err(err))
		return fail(out, "resolve", err)
	}
	if !ok {
		log.Info("recipient unresolvable; skipped")
		out.Kind = Skipped
		out.Reason = "unresolvable"
		return out
	}

	header := Outgoing{Text: d.headerText(), Mention: j.mention, Media: d.media}
	if d.art.MediaRef != "" && d.media == nil {
		out.MediaFallback = true
	}
	if err := d.send(ctx, dest, header); err != nil {
		if header.Media == nil {
			log.Warn("header send failed", logx.Err(err))
			return fail(out, "header", err)
		}
		log.Warn("header with media failed; retrying as text", logx.Err(err))
		header.Media = nil
		out.MediaFallback = true
		if err := d.send(ctx, dest, header); err != nil {
			log.Warn("header send failed", logx.Err(err))
			return fail(out, "header", err)
		}
	}
	out.Sent++

	for i, c := range d.chunks {
		msg := Outgoing{Text: c, Markdown: true, Silent: i > 0}
		if err := d.send(ctx, dest, msg); err != nil {
			log.Warn("chunk send failed", logx.Int("chunk", i), logx.Int("chunks", len(d.chunks)), logx.Err(err))
			return fail(out, fmt.Sprintf("chunk %d/%d", i+1, len(d.chunks)), err)
		}
		out.Sent++
		if d.cfg.MessageDelay > 0 {
			_ = d.e.sleep(ctx, d.cfg.MessageDelay)
		}
	}
	out.Kind = Delivered
	log.Debug("recipient delivered", logx.Int("sent", out.Sent))
	return out
}

func (d *delivery) send(ctx context.Context, to Destination, msg Outgoing) error {
	if d.lim != nil {
		if err := d.lim.Wait(ctx); err != nil {
			return err
		}
	}
	return d.e.transport.Send(ctx, to, msg)
}

func (d *delivery) headerText() string {
	return d.cfg.HeaderTitle + "\n" + d.art.SourceURL.String()
}

func fail(o Outcome, reason string, err error) Outcome {
	o.Kind = Failed
	o.Reason = reason
	if err == nil {
		err = errors.New(reason)
	}
	o.Err = err
	return o
}
