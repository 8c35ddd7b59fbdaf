package app

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"patchwatch/internal/config"
	"patchwatch/internal/formatter"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/post"
	"patchwatch/internal/retry"
	"patchwatch/internal/schedule"
	"patchwatch/internal/source"
	logx "patchwatch/pkg/logx"
)

// Pipeline is the detect and build half of the bot. It needs no Telegram
// token, so one-shot CLI commands use it directly.
type Pipeline struct {
	Detector *source.Poller
	Builder  *pipeline.Builder
	Fetcher  *source.HTTPFetcher
}

func NewPipeline(cfg *config.Config, log logx.Logger) (*Pipeline, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	sc, err := mapSourceConfig(cfg, log.With(logx.String("comp", "retry")))
	if err != nil {
		return nil, err
	}
	fetcher := source.NewHTTPFetcher(sc.HTTP, log.With(logx.String("comp", "fetch")))
	login := source.NewLogin(sc.Login, retry.ContextSleep, log.With(logx.String("comp", "login")))
	poller := source.NewPoller(sc.Poller, fetcher, login, log.With(logx.String("comp", "poller")))

	fc, err := mapFormatterConfig(cfg)
	if err != nil {
		return nil, err
	}
	fmtr, err := formatter.New(fc, log.With(logx.String("comp", "formatter")))
	if err != nil {
		return nil, err
	}
	pc, err := mapPipelineConfig(cfg, log.With(logx.String("comp", "retry")))
	if err != nil {
		return nil, err
	}
	builder := pipeline.New(pc, fetcher, fmtr, log.With(logx.String("comp", "pipeline")))

	return &Pipeline{Detector: poller, Builder: builder, Fetcher: fetcher}, nil
}

// PollPlan resolves the poller section into the adaptive schedule and the
// zone it is evaluated in.
func PollPlan(cfg *config.Config) (schedule.Adaptive, *time.Location, error) {
	ps, err := mapPollSchedule(cfg)
	if err != nil {
		return schedule.Adaptive{}, nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(ps.Service.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return schedule.Adaptive{}, nil, err
		}
		loc = l
	}
	return ps.Adaptive, loc, nil
}

// livePipeline lets a config reload swap the detector and builder while the
// monitor keeps one reference.
type livePipeline struct {
	p atomic.Pointer[Pipeline]
}

func (l *livePipeline) swap(p *Pipeline) { l.p.Store(p) }

func (l *livePipeline) DetectLatest(ctx context.Context) (post.ID, error) {
	return l.p.Load().Detector.DetectLatest(ctx)
}

func (l *livePipeline) Build(ctx context.Context, id post.ID) (*post.Artifact, error) {
	return l.p.Load().Builder.Build(ctx, id)
}
