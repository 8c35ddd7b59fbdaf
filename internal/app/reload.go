package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"patchwatch/internal/config"
	logx "patchwatch/pkg/logx"
)

// validateMapped runs every config mapper so a reload that would fail to
// apply is rejected before commit.
func validateMapped(cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSourceConfig(cfg, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapFormatterConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapFanoutConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapPollSchedule(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyConfig pushes a committed config into the running components.
// Storage and the bot token need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	changed := func(s string) bool { return slices.Contains(sections, s) }

	for _, s := range []string{"storage", "telegram.token"} {
		if changed(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	// update log target first (so Apply() doesn't warn when chat mirroring is enabled)
	if chatID, threadID, ok := logTarget(newCfg); ok {
		a.logs.SetChatTarget(chatID, threadID)
	} else {
		a.logs.SetChatTarget(0, 0)
	}
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if changed("source") || changed("formatter") {
		p, err := NewPipeline(newCfg, a.log.With(logx.String("comp", "app")))
		if err != nil {
			a.log.Warn("invalid source/formatter config; keeping previous", logx.Err(err))
		} else {
			a.pipe.swap(p)
			a.log.Info("detector and builder replaced")
		}
	}

	if fc, err := mapFanoutConfig(newCfg); err != nil {
		a.log.Warn("invalid distribution config; keeping previous", logx.Err(err))
	} else {
		a.fanout.Apply(fc)
		a.handlers.Apply(handlerSettings(newCfg, fc))
	}

	if changed("poller") {
		a.applyPoller(ctx, newCfg)
	}

	if changed("http") {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.stopHTTP(stopCtx); err != nil {
			a.log.Warn("http api stop failed", logx.Err(err))
		}
		cancel()
		if err := a.startHTTP(ctx, newCfg); err != nil {
			a.log.Warn("http api restart failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) applyPoller(ctx context.Context, cfg *config.Config) {
	ps, err := mapPollSchedule(cfg)
	if err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
		return
	}
	prevEnabled := a.sched.Enabled()
	a.sched.Apply(ps.Service)
	if err := a.schedulePoll(ps); err != nil {
		a.log.Warn("poll reschedule failed", logx.Err(err))
	}

	switch {
	case prevEnabled && !ps.Service.Enabled:
		a.log.Info("poller disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && ps.Service.Enabled:
		a.log.Info("poller enabled via config")
		a.sched.Start(ctx)
	}
}
