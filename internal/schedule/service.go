package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"patchwatch/internal/eventbus"
	logx "patchwatch/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

type Job func(ctx context.Context) error

// Fired is the payload of schedule.fired and schedule.skipped events.
type Fired struct {
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
	Regime string    `json:"regime,omitempty"`
}

// JobInfo is a diagnostic view of one registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took_ns"`
	LastErr  string        `json:"last_err,omitempty"`
}

type runState struct {
	mu       sync.Mutex
	inflight bool
	runs     uint64
	skipped  uint64
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// tryAcquire gates overlapping runs: a tick that finds the previous run
// still in flight is dropped.
func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		s.skipped++
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) finish(started time.Time, err error) {
	s.mu.Lock()
	s.inflight = false
	s.runs++
	s.lastRun = started
	s.lastTook = time.Since(started)
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
}

type jobDef struct {
	name    string
	sched   cron.Schedule
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	state   *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	c    *cron.Cron
	defs []*jobDef

	runCtx     context.Context
	cancelRuns context.CancelFunc
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Location is the zone fire times are computed in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Schedule registers job under name, replacing any job with the same name.
// Before Start the definition is kept and registered when cron starts.
func (s *Service) Schedule(name string, sched cron.Schedule, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if sched == nil || job == nil {
		return fmt.Errorf("schedule %q: schedule and job required", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	d := &jobDef{name: name, sched: sched, timeout: timeout, job: job, state: &runState{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addLocked(d)
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.Duration("timeout", timeout),
			logx.String("next", s.previewLocked(sched, 4)))
	}
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start begins triggering. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.runCtx, s.cancelRuns = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
}

// Stop stops triggering and waits for in-flight runs until ctx expires,
// then cancels whatever is still running.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancelRuns
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("stop timed out waiting for running jobs")
		}
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) addLocked(d *jobDef) {
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() { s.run(d) }))
}

func (s *Service) run(d *jobDef) {
	s.mu.Lock()
	base := s.runCtx
	loc := s.loc
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if loc == nil {
		loc = time.Local
	}

	now := time.Now().In(loc)
	ev := Fired{Name: d.name, At: now}
	if r, ok := d.sched.(interface{ RegimeAt(time.Time) Regime }); ok {
		ev.Regime = r.RegimeAt(now).String()
	}

	if !d.state.tryAcquire() {
		s.log.Debug("schedule skipped; previous run in flight", logx.String("name", d.name))
		eventbus.PublishTo(s.bus, eventbus.ScheduleSkipped, ev)
		return
	}
	eventbus.PublishTo(s.bus, eventbus.ScheduleFired, ev)

	ctx := base
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
	}
	started := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panic", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = d.job(ctx)
	}()
	if cancel != nil {
		cancel()
	}
	d.state.finish(started, err)

	if err != nil {
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", time.Since(started)), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("name", d.name), logx.String("regime", ev.Regime), logx.Duration("took", time.Since(started)))
}

// Snapshot returns the registered jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defs := make([]*jobDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(defs))
	for _, d := range defs {
		it := JobInfo{Name: d.name}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.state.mu.Lock()
		it.Runs = d.state.runs
		it.Skipped = d.state.skipped
		it.LastRun = d.state.lastRun
		it.LastTook = d.state.lastTook
		it.LastErr = d.state.lastErr
		d.state.mu.Unlock()
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists upcoming fire times for debug logs.
func (s *Service) previewLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
