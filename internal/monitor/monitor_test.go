package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"patchwatch/internal/cache"
	"patchwatch/internal/eventbus"
	"patchwatch/internal/fanout"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/post"
	"patchwatch/internal/registry"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

type seqDetector struct {
	mu  sync.Mutex
	ids []post.ID
	err error
}

func (d *seqDetector) DetectLatest(context.Context) (post.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	if len(d.ids) == 0 {
		return "", nil
	}
	id := d.ids[0]
	if len(d.ids) > 1 {
		d.ids = d.ids[1:]
	}
	return id, nil
}

type countingBuilder struct {
	builds atomic.Int32
	failOn map[post.ID]error
	block  chan struct{}
}

func (b *countingBuilder) Build(ctx context.Context, id post.ID) (*post.Artifact, error) {
	b.builds.Add(1)
	if b.block != nil {
		<-b.block
	}
	if err := b.failOn[id]; err != nil {
		return nil, err
	}
	return &post.Artifact{SourceURL: id, DisplayText: "notes for " + string(id), BuiltAt: time.Now()}, nil
}

type recordingDist struct {
	mu    sync.Mutex
	calls []post.ID
}

func (d *recordingDist) Distribute(_ context.Context, art *post.Artifact, groups []registry.GroupTarget, directs []registry.DirectTarget) fanout.Report {
	d.mu.Lock()
	d.calls = append(d.calls, art.SourceURL)
	d.mu.Unlock()
	rep := fanout.Report{Started: time.Now(), Batches: 1}
	for _, g := range groups {
		rep.Outcomes = append(rep.Outcomes, fanout.Outcome{Kind: fanout.Delivered, Target: fanout.Target{Kind: fanout.GroupTargetKind, ID: g.GroupID}})
	}
	for _, u := range directs {
		rep.Outcomes = append(rep.Outcomes, fanout.Outcome{Kind: fanout.Delivered, Target: fanout.Target{Kind: fanout.DirectTargetKind, ID: u.RecipientID}})
	}
	rep.Finished = time.Now()
	return rep
}

func (d *recordingDist) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type staticRecipients struct{ err error }

func (r staticRecipients) ListGroupTargets(context.Context) ([]registry.GroupTarget, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []registry.GroupTarget{{GroupID: -100, ChannelID: -100}}, nil
}

func (r staticRecipients) ListDirectTargets(context.Context) ([]registry.DirectTarget, error) {
	return []registry.DirectTarget{{RecipientID: 7, Enabled: true}}, nil
}

type auditLog struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditLog) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

type fixture struct {
	det   *seqDetector
	build *countingBuilder
	dist  *recordingDist
	audit *auditLog
	cache *cache.Dedup
	m     *Monitor
}

func newFixture(ids ...post.ID) *fixture {
	f := &fixture{
		det:   &seqDetector{ids: ids},
		build: &countingBuilder{failOn: map[post.ID]error{}},
		dist:  &recordingDist{},
		audit: &auditLog{},
		cache: cache.New(nil, logx.Nop()),
	}
	f.m = New(Config{}, Deps{
		Detector:    f.det,
		Builder:     f.build,
		Cache:       f.cache,
		Distributor: f.dist,
		Recipients:  staticRecipients{},
		Audit:       f.audit,
	}, logx.Nop())
	return f
}

func TestPollOnceBuildsOnlyOnChange(t *testing.T) {
	t.Parallel()
	f := newFixture("A", "A", "B")
	ctx := context.Background()

	want := []Status{StatusDistributed, StatusUnchanged, StatusDistributed}
	for i, st := range want {
		c, err := f.m.PollOnce(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if c.Status != st {
			t.Fatalf("poll %d status = %s, want %s", i, c.Status, st)
		}
	}
	if n := f.build.builds.Load(); n != 2 {
		t.Fatalf("builds = %d, want 2", n)
	}
	if f.dist.count() != 2 {
		t.Fatalf("distributions = %d, want 2", f.dist.count())
	}
	if f.cache.LastID() != "B" {
		t.Fatalf("cached id = %q", f.cache.LastID())
	}
	if len(f.audit.entries) != 2 || f.audit.entries[1].Target != "B" || f.audit.entries[1].OK != 2 {
		t.Fatalf("audit = %+v", f.audit.entries)
	}
	snap := f.m.Snapshot()
	if snap.Runs != 3 || snap.LastChange == nil || snap.LastChange.ID != "B" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPollOnceBuildFailureRetriesNextCycle(t *testing.T) {
	t.Parallel()
	f := newFixture("A", "B", "B")
	f.build.failOn["B"] = pipeline.ErrExtraction
	ctx := context.Background()

	if _, err := f.m.PollOnce(ctx); err != nil {
		t.Fatalf("poll A: %v", err)
	}
	c, err := f.m.PollOnce(ctx)
	if !errors.Is(err, pipeline.ErrExtraction) || c.Status != StatusFailed || c.Stage != "build" {
		t.Fatalf("poll B = %+v, %v", c, err)
	}
	if f.cache.LastID() != "A" {
		t.Fatalf("failed build advanced the cache to %q", f.cache.LastID())
	}

	delete(f.build.failOn, "B")
	c, err = f.m.PollOnce(ctx)
	if err != nil || c.Status != StatusDistributed {
		t.Fatalf("retry B = %+v, %v", c, err)
	}
	if n := f.build.builds.Load(); n != 3 {
		t.Fatalf("builds = %d, want 3", n)
	}
	if f.m.Snapshot().Failures != 1 {
		t.Fatal("failure not counted")
	}
}

func TestPollOnceDetectFailureAndNoPost(t *testing.T) {
	t.Parallel()
	f := newFixture()
	bus := eventbus.New()
	f.m.d.Bus = bus
	events, unsub := bus.Subscribe(4)
	defer unsub()

	c, err := f.m.PollOnce(context.Background())
	if err != nil || c.Status != StatusNoPost {
		t.Fatalf("no post = %+v, %v", c, err)
	}

	boom := errors.New("forum down")
	f.det.err = boom
	c, err = f.m.PollOnce(context.Background())
	if !errors.Is(err, boom) || c.Stage != "detect" {
		t.Fatalf("detect failure = %+v, %v", c, err)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.CycleFailed {
			t.Fatalf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no cycle.failed event")
	}
}

func TestPollOnceRecipientListFailureKeepsCache(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	f.m.d.Recipients = staticRecipients{err: errors.New("store closed")}

	c, err := f.m.PollOnce(context.Background())
	if err == nil || c.Stage != "recipients" {
		t.Fatalf("cycle = %+v, %v", c, err)
	}
	if f.cache.LastID() != "A" {
		t.Fatal("a fully built artifact should stay cached")
	}
}

func TestForceUpdateDoesNotDistribute(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	ctx := context.Background()

	c, err := f.m.ForceUpdate(ctx)
	if err != nil || c.Status != StatusUpdated {
		t.Fatalf("force = %+v, %v", c, err)
	}
	if f.dist.count() != 0 {
		t.Fatal("force update must not distribute")
	}
	if art, ok := f.m.Latest(); !ok || art.SourceURL != "A" {
		t.Fatalf("latest = %+v, %v", art, ok)
	}

	c, err = f.m.ForceUpdate(ctx)
	if err != nil || c.Status != StatusUnchanged {
		t.Fatalf("second force = %+v, %v", c, err)
	}
	c, _ = f.m.PollOnce(ctx)
	if c.Status != StatusUnchanged {
		t.Fatalf("poll after force = %s", c.Status)
	}
}

func TestTestDistributionIgnoresCache(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	ctx := context.Background()
	if _, err := f.m.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	c, err := f.m.TestDistribution(ctx)
	if err != nil || c.Status != StatusDistributed || c.Report == nil || c.Report.Delivered() != 2 {
		t.Fatalf("test = %+v, %v", c, err)
	}
	if f.dist.count() != 2 {
		t.Fatalf("distributions = %d, want 2", f.dist.count())
	}
	if got := f.audit.entries[len(f.audit.entries)-1].Action; got != "distribute:test" {
		t.Fatalf("audit action = %q", got)
	}
}

func TestTestDistributionFillsCache(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	ctx := context.Background()
	if _, err := f.m.TestDistribution(ctx); err != nil {
		t.Fatal(err)
	}
	art, ok := f.m.Latest()
	if !ok || art.SourceURL != "A" {
		t.Fatalf("latest = %+v, %v", art, ok)
	}
	if f.cache.LastID() != "A" {
		t.Fatalf("cached id = %q", f.cache.LastID())
	}

	c, err := f.m.PollOnce(ctx)
	if err != nil || c.Status != StatusUnchanged {
		t.Fatalf("poll after test = %+v, %v", c, err)
	}
	if f.dist.count() != 1 {
		t.Fatalf("distributions = %d, want 1", f.dist.count())
	}
}

// ctxTransport fails sends once their context is done, like the Telegram
// adapter does.
type ctxTransport struct {
	sent     atomic.Int32
	canceled atomic.Int32
}

func (t *ctxTransport) ResolveGroup(_ context.Context, g registry.GroupTarget) (fanout.Destination, bool, error) {
	return fanout.Destination{ChatID: g.ChannelID}, true, nil
}

func (t *ctxTransport) ResolveUser(_ context.Context, d registry.DirectTarget) (fanout.Destination, bool, error) {
	return fanout.Destination{ChatID: d.RecipientID}, true, nil
}

func (t *ctxTransport) Send(ctx context.Context, _ fanout.Destination, _ fanout.Outgoing) error {
	if err := ctx.Err(); err != nil {
		t.canceled.Add(1)
		return err
	}
	t.sent.Add(1)
	return nil
}

type manyGroups struct{ n int }

func (r manyGroups) ListGroupTargets(context.Context) ([]registry.GroupTarget, error) {
	out := make([]registry.GroupTarget, 0, r.n)
	for i := 1; i <= r.n; i++ {
		out = append(out, registry.GroupTarget{GroupID: int64(-i), ChannelID: int64(-i)})
	}
	return out, nil
}

func (r manyGroups) ListDirectTargets(context.Context) ([]registry.DirectTarget, error) {
	return []registry.DirectTarget{{RecipientID: 7, Enabled: true}}, nil
}

// cancelAfterBuild ends the cycle's context as soon as the artifact exists,
// the way a run timeout firing mid-distribution would.
type cancelAfterBuild struct {
	countingBuilder
	cancel context.CancelFunc
}

func (b *cancelAfterBuild) Build(ctx context.Context, id post.ID) (*post.Artifact, error) {
	art, err := b.countingBuilder.Build(ctx, id)
	b.cancel()
	return art, err
}

func TestDistributionOutlivesCycleContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &ctxTransport{}
	engine := fanout.New(fanout.Config{
		BatchSize:    10,
		MessageDelay: -1,
		BatchDelay:   5 * time.Millisecond,
	}, tr, nil, logx.Nop())
	m := New(Config{}, Deps{
		Detector:    &seqDetector{ids: []post.ID{"A"}},
		Builder:     &cancelAfterBuild{cancel: cancel},
		Cache:       cache.New(nil, logx.Nop()),
		Distributor: engine,
		Recipients:  manyGroups{n: 40},
	}, logx.Nop())

	c, err := m.PollOnce(ctx)
	if err != nil || c.Status != StatusDistributed || c.Report == nil {
		t.Fatalf("poll = %+v, %v", c, err)
	}
	if ctx.Err() == nil {
		t.Fatal("cycle context should have been canceled by the builder")
	}
	if got := c.Report.Delivered(); got != 41 {
		t.Fatalf("delivered = %d, want 41 (failed %d)", got, c.Report.Failed())
	}
	if c.Report.Batches != 5 {
		t.Fatalf("batches = %d, want 5", c.Report.Batches)
	}
	if tr.canceled.Load() != 0 {
		t.Fatalf("sends on a canceled context = %d", tr.canceled.Load())
	}
	// header plus one chunk per recipient
	if tr.sent.Load() != 82 {
		t.Fatalf("sent = %d, want 82", tr.sent.Load())
	}
}

func TestCyclesAreSerialized(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	f.build.block = make(chan struct{})
	ctx := context.Background()

	results := make(chan Cycle, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, _ := f.m.PollOnce(ctx)
			results <- c
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.build.block)

	got := map[Status]int{}
	for i := 0; i < 2; i++ {
		got[(<-results).Status]++
	}
	if got[StatusDistributed] != 1 || got[StatusUnchanged] != 1 {
		t.Fatalf("statuses = %v", got)
	}
	if n := f.build.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
}

type panicBuilder struct{}

func (panicBuilder) Build(context.Context, post.ID) (*post.Artifact, error) { panic("boom") }

func TestPanicBecomesFailedCycle(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	f.m.d.Builder = panicBuilder{}

	c, err := f.m.PollOnce(context.Background())
	if err == nil || c.Status != StatusFailed || c.Stage != "panic" {
		t.Fatalf("cycle = %+v, %v", c, err)
	}
	if c, _ := f.m.PollOnce(context.Background()); c.Stage != "panic" {
		t.Fatal("monitor should stay usable after a panic")
	}
}

func TestInitialRun(t *testing.T) {
	t.Parallel()
	f := newFixture("A")
	f.m.cfg.InitialRun = true
	ctx := context.Background()
	if err := f.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := f.m.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	snap := f.m.Snapshot()
	if snap.LastCycle == nil || snap.LastCycle.Trigger != TriggerInitial || !snap.Cached {
		t.Fatalf("snapshot = %+v", snap)
	}
}
