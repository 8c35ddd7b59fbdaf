package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"patchwatch/internal/cache"
	"patchwatch/internal/config"
	"patchwatch/internal/eventbus"
	"patchwatch/internal/fanout"
	"patchwatch/internal/httpapi"
	"patchwatch/internal/monitor"
	"patchwatch/internal/registry"
	rtsup "patchwatch/internal/runtime/supervisor"
	"patchwatch/internal/schedule"
	"patchwatch/internal/storage"
	kit "patchwatch/internal/transport"
	telegram "patchwatch/internal/transport/telegram/adapter"
	"patchwatch/internal/transport/telegram/router"
	logx "patchwatch/pkg/logx"
)

const pollJob = "poll"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	pipe     *livePipeline
	registry *registry.Registry
	fanout   *fanout.Engine
	monitor  *monitor.Monitor
	sched    *schedule.Service
	handlers *router.Handlers
	cmdm     *router.CommandManager

	httpMu sync.Mutex
	http   *httpapi.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enabling chat mirroring before the target
	// is set would warn, so start with it off and re-apply below.
	finalLogCfg := mapLoggingConfig(cfg)
	baseLogCfg := finalLogCfg
	baseLogCfg.Telegram.Enabled = false
	logSvc, root := logx.New(baseLogCfg, ad)
	log := root.With(logx.String("comp", "app"))

	if chatID, threadID, ok := logTarget(cfg); ok {
		logSvc.SetChatTarget(chatID, threadID)
	}
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	reg := registry.New(store, bus, root.With(logx.String("comp", "registry")))
	dedup := cache.New(store, root.With(logx.String("comp", "cache")))

	p, err := NewPipeline(cfg, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pipe := &livePipeline{}
	pipe.swap(p)

	fc, err := mapFanoutConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	media := fanout.NewHTTPMediaLoader(cfg.Source.UserAgent, 0)
	engine := fanout.New(fc, telegram.NewFanout(ad), media, root.With(logx.String("comp", "fanout")))

	mon := monitor.New(monitor.Config{InitialRun: cfg.Poller.InitialRun}, monitor.Deps{
		Detector:    pipe,
		Builder:     pipe,
		Cache:       dedup,
		Distributor: engine,
		Recipients:  reg,
		Audit:       store,
		Bus:         bus,
	}, root.With(logx.String("comp", "monitor")))

	ps, err := mapPollSchedule(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := schedule.New(ps.Service, root.With(logx.String("comp", "scheduler")), bus)

	cmdm := router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfgm, cfg.Telegram.OwnerUserIDs)
	handlers := router.NewHandlers(reg, mon, store, ad, handlerSettings(cfg, fc), root.With(logx.String("comp", "handlers")))
	cmdm.SetRegistry(handlers.Commands())
	cmdm.OnMemberAdded(handlers.OnMemberAdded)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		pipe:     pipe,
		registry: reg,
		fanout:   engine,
		monitor:  mon,
		sched:    sched,
		handlers: handlers,
		cmdm:     cmdm,
		updates:  make(chan kit.Update, 256),
	}
	if err := a.schedulePoll(ps); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func handlerSettings(cfg *config.Config, fc fanout.Config) router.Settings {
	return router.Settings{
		Welcome:     cfg.Telegram.Welcome,
		HeaderTitle: fc.HeaderTitle,
		ChunkSize:   fc.ChunkSize,
	}
}

// schedulePoll registers (or replaces) the adaptive poll job.
func (a *App) schedulePoll(ps pollSchedule) error {
	mon := a.monitor
	log := a.log
	return a.sched.Schedule(pollJob, ps.Adaptive, ps.RunTimeout, func(ctx context.Context) error {
		c, err := mon.PollOnce(ctx)
		if err != nil {
			return err
		}
		if c.Status == monitor.StatusDistributed {
			log.Info("new post distributed", logx.String("id", string(c.ID)), logx.Duration("took", c.Took()))
		}
		return nil
	})
}

// Monitor exposes the cycle runner for operational commands.
func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: everything below must map cleanly before commit
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if err := a.monitor.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if err := a.startHTTP(a.sup.Context(), a.cfgm.Get()); err != nil {
		return err
	}

	// Events are debug-level; dense polling windows fire every minute.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("poller", a.sched.Enabled()),
		logx.Bool("http", a.httpServer() != nil))
	return nil
}

func (a *App) httpServer() *httpapi.Server {
	a.httpMu.Lock()
	defer a.httpMu.Unlock()
	return a.http
}

// startHTTP starts the operator API when enabled. The previous server, if
// any, must already be stopped.
func (a *App) startHTTP(ctx context.Context, cfg *config.Config) error {
	if !cfg.HTTP.Enabled {
		return nil
	}
	srv := httpapi.New(mapHTTPConfig(cfg), a.monitor, a.registry, a.sched, a.log.With(logx.String("comp", "http")))
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	a.httpMu.Lock()
	a.http = srv
	a.httpMu.Unlock()
	return nil
}

func (a *App) stopHTTP(ctx context.Context) error {
	a.httpMu.Lock()
	srv := a.http
	a.http = nil
	a.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Stop(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, report when it eventually returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop triggers first, then let an in-flight cycle finish, then the transport.
	step("http", 2*time.Second, a.stopHTTP)
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("monitor", 5*time.Second, a.monitor.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
