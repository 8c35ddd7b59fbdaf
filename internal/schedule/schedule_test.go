package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"patchwatch/internal/eventbus"
	logx "patchwatch/pkg/logx"
)

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 3, 14, hh, mm, ss, 0, time.UTC)
}

func TestRegimeAt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a    Adaptive
		t    time.Time
		want Regime
	}{
		{name: "minute 58 is dense", t: at(12, 58, 0), want: Dense},
		{name: "minute 30 is sparse", t: at(12, 30, 0), want: Sparse},
		{name: "top of hour", t: at(12, 0, 0), want: Dense},
		{name: "window edge after", t: at(12, 5, 59), want: Dense},
		{name: "just past window", t: at(12, 6, 0), want: Sparse},
		{name: "window edge before", t: at(12, 55, 0), want: Dense},
		{name: "just before window", t: at(12, 54, 59), want: Sparse},
		{name: "custom anchor", a: Adaptive{AnchorMinute: 30, Window: 2 * time.Minute}, t: at(12, 31, 0), want: Dense},
		{name: "custom anchor far", a: Adaptive{AnchorMinute: 30, Window: 2 * time.Minute}, t: at(12, 58, 0), want: Sparse},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.a.RegimeAt(tt.t); got != tt.want {
				t.Fatalf("RegimeAt(%s) = %s, want %s", tt.t.Format("15:04:05"), got, tt.want)
			}
		})
	}
}

func TestAdaptiveNext(t *testing.T) {
	t.Parallel()
	var a Adaptive
	tests := []struct {
		from time.Time
		want time.Time
	}{
		{from: at(12, 30, 10), want: at(12, 40, 0)},
		{from: at(12, 49, 30), want: at(12, 50, 0)},
		{from: at(12, 50, 0), want: at(12, 55, 0)},
		{from: at(12, 57, 0), want: at(12, 58, 0)},
		{from: at(12, 59, 59), want: at(13, 0, 0)},
		{from: at(13, 4, 59), want: at(13, 5, 0)},
		{from: at(13, 5, 0), want: at(13, 10, 0)},
		{from: at(23, 59, 0), want: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := a.Next(tt.from); !got.Equal(tt.want) {
			t.Fatalf("Next(%s) = %s, want %s", tt.from.Format("15:04:05"), got.Format("15:04:05"), tt.want.Format("15:04:05"))
		}
	}
}

func TestAdaptiveUpcomingAcrossRegimes(t *testing.T) {
	t.Parallel()
	got := Adaptive{}.Upcoming(at(12, 40, 0), 8)
	want := []time.Time{
		at(12, 50, 0), at(12, 55, 0), at(12, 56, 0), at(12, 57, 0),
		at(12, 58, 0), at(12, 59, 0), at(13, 0, 0), at(13, 1, 0),
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("[%d] = %s, want %s", i, got[i].Format("15:04"), want[i].Format("15:04"))
		}
	}
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestServiceSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), bus)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	if err := s.Schedule("poll", every(15*time.Millisecond), 0, func(ctx context.Context) error {
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	ev := waitEvent(t, events, eventbus.ScheduleSkipped)
	if f, ok := ev.Data.(Fired); !ok || f.Name != "poll" {
		t.Fatalf("skipped payload = %#v", ev.Data)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs while blocked = %d, want 1", n)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Skipped == 0 {
		t.Fatalf("snapshot = %+v, want skipped > 0", snap)
	}
}

func TestServiceRunTimeout(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := New(Config{Enabled: true}, logx.Nop(), bus)
	done := make(chan error, 1)
	_ = s.Schedule("slow", every(10*time.Millisecond), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		select {
		case done <- ctx.Err():
		default:
		}
		return ctx.Err()
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	waitEvent(t, events, eventbus.ScheduleFired)
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job never saw its timeout")
	}
}

func TestServiceRecoversPanics(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	var calls atomic.Int32
	_ = s.Schedule("boom", every(10*time.Millisecond), 0, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("job did not run again after panicking")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduleReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(ctx context.Context) error { return nil }
	_ = s.Schedule("poll", Adaptive{}, time.Minute, job)
	_ = s.Schedule("poll", Adaptive{}, time.Minute, job)
	if n := len(s.Snapshot()); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
	if err := s.Schedule(" ", Adaptive{}, 0, job); err == nil {
		t.Fatal("expected error for empty name")
	}
	if !s.Remove("poll") || s.Remove("poll") {
		t.Fatal("Remove should succeed once")
	}
}

func TestDisabledServiceDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	var calls atomic.Int32
	_ = s.Schedule("poll", every(5*time.Millisecond), 0, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop(context.Background())
	if calls.Load() != 0 {
		t.Fatal("disabled scheduler ran a job")
	}
}
