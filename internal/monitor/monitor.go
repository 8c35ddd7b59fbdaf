// Package monitor runs the detect, compare, build, store and distribute
// cycle and the manual entry points around it.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"patchwatch/internal/cache"
	"patchwatch/internal/eventbus"
	"patchwatch/internal/fanout"
	"patchwatch/internal/post"
	"patchwatch/internal/registry"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

type Detector interface {
	DetectLatest(ctx context.Context) (post.ID, error)
}

type Builder interface {
	Build(ctx context.Context, id post.ID) (*post.Artifact, error)
}

type Distributor interface {
	Distribute(ctx context.Context, art *post.Artifact, groups []registry.GroupTarget, directs []registry.DirectTarget) fanout.Report
}

type Recipients interface {
	ListGroupTargets(ctx context.Context) ([]registry.GroupTarget, error)
	ListDirectTargets(ctx context.Context) ([]registry.DirectTarget, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerInitial  Trigger = "initial"
	TriggerForce    Trigger = "force"
	TriggerTest     Trigger = "test"
)

type Status string

const (
	StatusNoPost      Status = "no_post"
	StatusUnchanged   Status = "unchanged"
	StatusUpdated     Status = "updated"
	StatusDistributed Status = "distributed"
	StatusFailed      Status = "failed"
)

// Cycle is the result of one run. Stage names the step that failed.
type Cycle struct {
	Trigger  Trigger        `json:"trigger"`
	ID       post.ID        `json:"id,omitempty"`
	Status   Status         `json:"status"`
	Stage    string         `json:"stage,omitempty"`
	Error    string         `json:"error,omitempty"`
	Report   *fanout.Report `json:"report,omitempty"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

func (c Cycle) Took() time.Duration { return c.Finished.Sub(c.Started) }

// Snapshot is the monitor state shown by status surfaces.
type Snapshot struct {
	LastID     post.ID `json:"last_id,omitempty"`
	Cached     bool    `json:"cached"`
	Runs       uint64  `json:"runs"`
	Failures   uint64  `json:"failures"`
	LastCycle  *Cycle  `json:"last_cycle,omitempty"`
	LastChange *Cycle  `json:"last_change,omitempty"`
}

type Config struct {
	InitialRun bool
}

type Deps struct {
	Detector    Detector
	Builder     Builder
	Cache       *cache.Dedup
	Distributor Distributor
	Recipients  Recipients
	Audit       Auditor
	Bus         eventbus.Bus
}

// Monitor serializes every cycle behind one mutex: a run that arrives while
// another is in flight waits for it, so compare and store never interleave.
type Monitor struct {
	run sync.Mutex

	mu         sync.RWMutex
	runs       uint64
	failures   uint64
	last       *Cycle
	lastChange *Cycle

	cfg Config
	d   Deps
	log logx.Logger

	wg sync.WaitGroup
}

func New(cfg Config, d Deps, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Cache == nil {
		d.Cache = cache.New(nil, log)
	}
	return &Monitor{cfg: cfg, d: d, log: log}
}

// Start restores the cached post and, when configured, runs one cycle in
// the background so the first check does not wait for the timer.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.d.Cache.Restore(ctx); err != nil {
		m.log.Warn("restore cached post failed; starting empty", logx.Err(err))
	}
	if !m.cfg.InitialRun {
		return nil
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.poll(ctx, TriggerInitial); err != nil {
			m.log.Warn("initial poll failed", logx.Err(err))
		}
	}()
	return nil
}

// Stop waits for the initial run, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollOnce is the scheduled cycle. Detection or build failures come back
// as the error and as a failed Cycle; the cached id is left alone so the
// same change is retried next time.
func (m *Monitor) PollOnce(ctx context.Context) (Cycle, error) {
	return m.poll(ctx, TriggerSchedule)
}

func (m *Monitor) poll(ctx context.Context, trig Trigger) (c Cycle, err error) {
	m.run.Lock()
	defer m.run.Unlock()
	c = m.begin(trig)
	defer func() { c, err = m.finish(c, err, recover()) }()

	id, err := m.d.Detector.DetectLatest(ctx)
	if err != nil {
		return fail(c, "detect", err)
	}
	c.ID = id
	if id.IsZero() {
		c.Status = StatusNoPost
		return c, nil
	}
	if m.d.Cache.CompareAndSwap(id) == cache.Unchanged {
		c.Status = StatusUnchanged
		m.log.Debug("no new post", logx.String("id", id.String()))
		return c, nil
	}
	m.log.Info("new post detected", logx.String("id", id.String()), logx.String("previous", m.d.Cache.LastID().String()))
	eventbus.PublishTo(m.d.Bus, eventbus.PostDetected, id)

	art, err := m.d.Builder.Build(ctx, id)
	if err != nil {
		return fail(c, "build", err)
	}
	m.d.Cache.Store(ctx, id, art)
	eventbus.PublishTo(m.d.Bus, eventbus.ArtifactBuilt, art)

	rep, err := m.distribute(ctx, art, trig)
	if err != nil {
		return fail(c, "recipients", err)
	}
	c.Report = &rep
	c.Status = StatusDistributed
	return c, nil
}

// ForceUpdate refreshes the cache from the source without distributing.
// It reports StatusUnchanged when the newest id is already cached.
func (m *Monitor) ForceUpdate(ctx context.Context) (c Cycle, err error) {
	m.run.Lock()
	defer m.run.Unlock()
	c = m.begin(TriggerForce)
	defer func() { c, err = m.finish(c, err, recover()) }()

	id, err := m.d.Detector.DetectLatest(ctx)
	if err != nil {
		return fail(c, "detect", err)
	}
	c.ID = id
	if id.IsZero() {
		c.Status = StatusNoPost
		return c, nil
	}
	if m.d.Cache.CompareAndSwap(id) == cache.Unchanged {
		c.Status = StatusUnchanged
		return c, nil
	}
	eventbus.PublishTo(m.d.Bus, eventbus.PostDetected, id)
	art, err := m.d.Builder.Build(ctx, id)
	if err != nil {
		return fail(c, "build", err)
	}
	m.d.Cache.Store(ctx, id, art)
	eventbus.PublishTo(m.d.Bus, eventbus.ArtifactBuilt, art)
	c.Status = StatusUpdated
	return c, nil
}

// TestDistribution builds the newest post and sends it to every recipient
// regardless of the cached id. The built artifact then becomes the cached
// post, so a scheduled cycle does not deliver it a second time.
func (m *Monitor) TestDistribution(ctx context.Context) (c Cycle, err error) {
	m.run.Lock()
	defer m.run.Unlock()
	c = m.begin(TriggerTest)
	defer func() { c, err = m.finish(c, err, recover()) }()

	id, err := m.d.Detector.DetectLatest(ctx)
	if err != nil {
		return fail(c, "detect", err)
	}
	c.ID = id
	if id.IsZero() {
		c.Status = StatusNoPost
		return c, nil
	}
	art, err := m.d.Builder.Build(ctx, id)
	if err != nil {
		return fail(c, "build", err)
	}
	m.d.Cache.Store(ctx, id, art)
	eventbus.PublishTo(m.d.Bus, eventbus.ArtifactBuilt, art)

	rep, err := m.distribute(ctx, art, TriggerTest)
	if err != nil {
		return fail(c, "recipients", err)
	}
	c.Report = &rep
	c.Status = StatusDistributed
	return c, nil
}

// Latest returns the cached artifact, if any.
func (m *Monitor) Latest() (*post.Artifact, bool) {
	return m.d.Cache.Peek()
}

func (m *Monitor) Snapshot() Snapshot {
	_, cached := m.d.Cache.Peek()
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{LastID: m.d.Cache.LastID(), Cached: cached, Runs: m.runs, Failures: m.failures}
	if m.last != nil {
		cp := *m.last
		s.LastCycle = &cp
	}
	if m.lastChange != nil {
		cp := *m.lastChange
		s.LastChange = &cp
	}
	return s
}

// distribute runs to completion once started: the caller's deadline bounds
// detection and building only, since the cache already holds the post.
func (m *Monitor) distribute(ctx context.Context, art *post.Artifact, trig Trigger) (fanout.Report, error) {
	ctx = context.WithoutCancel(ctx)
	if m.d.Distributor == nil || m.d.Recipients == nil {
		return fanout.Report{}, errors.New("distribution is not configured")
	}
	groups, err := m.d.Recipients.ListGroupTargets(ctx)
	if err != nil {
		return fanout.Report{}, fmt.Errorf("list groups: %w", err)
	}
	directs, err := m.d.Recipients.ListDirectTargets(ctx)
	if err != nil {
		return fanout.Report{}, fmt.Errorf("list direct recipients: %w", err)
	}

	rep := m.d.Distributor.Distribute(ctx, art, groups, directs)
	eventbus.PublishTo(m.d.Bus, eventbus.DistributionFinished, rep)
	m.audit(ctx, art, trig, rep)
	return rep, nil
}

func (m *Monitor) audit(ctx context.Context, art *post.Artifact, trig Trigger, rep fanout.Report) {
	if m.d.Audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]int{
		"skipped": rep.Skipped(),
		"batches": rep.Batches,
	})
	e := storage.AuditEntry{
		At:       rep.Finished,
		Action:   "distribute:" + string(trig),
		Target:   art.SourceURL.String(),
		OK:       rep.Delivered(),
		Fail:     rep.Failed(),
		TookMS:   rep.Took().Milliseconds(),
		MetaJSON: string(meta),
	}
	if err := m.d.Audit.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (m *Monitor) begin(trig Trigger) Cycle {
	return Cycle{Trigger: trig, Started: time.Now()}
}

// finish records the cycle and turns a panic in any step into a failure.
func (m *Monitor) finish(c Cycle, err error, r any) (Cycle, error) {
	if r != nil {
		m.log.Error("cycle panic", logx.String("trigger", string(c.Trigger)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		c, err = fail(c, "panic", fmt.Errorf("panic: %v", r))
	}
	c.Finished = time.Now()

	m.mu.Lock()
	m.runs++
	if c.Status == StatusFailed {
		m.failures++
	}
	cp := c
	m.last = &cp
	if c.Status == StatusUpdated || c.Status == StatusDistributed {
		m.lastChange = &cp
	}
	m.mu.Unlock()

	log := m.log.With(logx.String("trigger", string(c.Trigger)), logx.String("status", string(c.Status)), logx.Duration("took", c.Took()))
	if c.ID != "" {
		log = log.With(logx.String("id", c.ID.String()))
	}
	if err != nil {
		log.Warn("cycle failed", logx.String("stage", c.Stage), logx.Err(err))
		eventbus.PublishTo(m.d.Bus, eventbus.CycleFailed, c)
	} else {
		log.Debug("cycle finished")
	}
	return c, err
}

func fail(c Cycle, stage string, err error) (Cycle, error) {
	c.Status = StatusFailed
	c.Stage = stage
	c.Error = err.Error()
	return c, err
}
