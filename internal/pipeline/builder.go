// Package pipeline turns a detected post id into a distribution-ready
// artifact: fetch the page, extract the body, run the formatter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"patchwatch/internal/formatter"
	"patchwatch/internal/post"
	"patchwatch/internal/retry"
	"patchwatch/internal/source"
	logx "patchwatch/pkg/logx"
)

var (
	// ErrExtraction means no extractor produced text from the post page.
	ErrExtraction = errors.New("pipeline: no content extracted")
	// ErrFormatting means the formatter failed or returned nothing.
	ErrFormatting = errors.New("pipeline: formatting failed")
)

type Config struct {
	Instructions string
	Extractors   []Extractor
	// Retry covers fetching the post page only; formatting is not retried.
	Retry retry.Policy
}

type Builder struct {
	cfg       Config
	fetcher   source.Fetcher
	formatter formatter.Formatter
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, fetcher source.Fetcher, f formatter.Formatter, log logx.Logger) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(cfg.Extractors) == 0 {
		cfg.Extractors = DefaultExtractors("", false)
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = formatter.DefaultInstructions
	}
	if cfg.Retry.Log.IsZero() {
		cfg.Retry.Log = log
	}
	return &Builder{cfg: cfg, fetcher: fetcher, formatter: f, log: log, now: time.Now}
}

// Build fetches id and returns its artifact. Any error leaves the caller's
// cache untouched; the artifact is only returned when fully built.
func (b *Builder) Build(ctx context.Context, id post.ID) (*post.Artifact, error) {
	start := time.Now()
	ex, err := retry.Do(ctx, b.cfg.Retry, func(ctx context.Context) (Extraction, error) {
		return b.extract(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	text, err := b.formatter.Format(ctx, ex.Text, b.cfg.Instructions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormatting, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty output", ErrFormatting)
	}

	art := &post.Artifact{SourceURL: id, DisplayText: text, MediaRef: ex.MediaRef, BuiltAt: b.now()}
	b.log.Info("artifact built",
		logx.String("id", id.String()),
		logx.Int("raw_len", len(ex.Text)),
		logx.Int("text_len", len(text)),
		logx.Bool("media", ex.MediaRef != ""),
		logx.Duration("took", time.Since(start)))
	return art, nil
}

// Extract fetches id and runs the extractors without formatting.
func (b *Builder) Extract(ctx context.Context, id post.ID) (Extraction, error) {
	return b.extract(ctx, id)
}

func (b *Builder) extract(ctx context.Context, id post.ID) (Extraction, error) {
	if id.IsZero() {
		return Extraction{}, fmt.Errorf("%w: empty post id", ErrExtraction)
	}
	sess, err := b.fetcher.Open(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Release()

	doc, err := sess.Load(ctx, id.String())
	if err != nil {
		return Extraction{}, fmt.Errorf("load post: %w", err)
	}
	for _, e := range b.cfg.Extractors {
		if ex, ok := e.Extract(doc); ok {
			b.log.Debug("content extracted", logx.String("extractor", e.Name()), logx.Int("len", len(ex.Text)))
			return ex, nil
		}
	}
	return Extraction{}, fmt.Errorf("%w: %s", ErrExtraction, id)
}
