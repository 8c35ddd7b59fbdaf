package schedule

import (
	"time"
)

// Regime is the polling density selected from the wall clock.
type Regime int

const (
	Sparse Regime = iota
	Dense
)

func (r Regime) String() string {
	if r == Dense {
		return "dense"
	}
	return "sparse"
}

const (
	DefaultWindow      = 5 * time.Minute
	DefaultDenseEvery  = time.Minute
	DefaultSparseEvery = 10 * time.Minute
)

// Adaptive fires every DenseEvery while the clock is within Window of
// AnchorMinute (either side, wrapping across the hour) and every SparseEvery
// otherwise. Fire times sit on whole minutes aligned to the cadence, and the
// regime is recomputed for every candidate minute, so a regime change
// applies at the first minute it covers.
//
// The zero value is usable: anchor at minute 0, 5m window, 1m/10m cadence.
type Adaptive struct {
	AnchorMinute int
	Window       time.Duration
	DenseEvery   time.Duration
	SparseEvery  time.Duration
}

func (a Adaptive) normalized() Adaptive {
	a.AnchorMinute = ((a.AnchorMinute % 60) + 60) % 60
	if a.Window <= 0 {
		a.Window = DefaultWindow
	}
	if a.DenseEvery <= 0 {
		a.DenseEvery = DefaultDenseEvery
	}
	if a.SparseEvery <= 0 {
		a.SparseEvery = DefaultSparseEvery
	}
	return a
}

// RegimeAt reports the regime for the minute containing t.
func (a Adaptive) RegimeAt(t time.Time) Regime {
	a = a.normalized()
	d := t.Minute() - a.AnchorMinute
	if d < 0 {
		d = -d
	}
	if d > 30 {
		d = 60 - d
	}
	if time.Duration(d)*time.Minute <= a.Window {
		return Dense
	}
	return Sparse
}

// Next implements cron.Schedule. It returns the first aligned minute
// strictly after t.
func (a Adaptive) Next(t time.Time) time.Time {
	a = a.normalized()
	c := t.Truncate(time.Minute).Add(time.Minute)
	// one day of candidates always contains a sparse boundary
	for i := 0; i < 24*60; i++ {
		every := a.SparseEvery
		if a.RegimeAt(c) == Dense {
			every = a.DenseEvery
		}
		if (c.Hour()*60+c.Minute())%wholeMinutes(every) == 0 {
			return c
		}
		c = c.Add(time.Minute)
	}
	return time.Time{}
}

// Upcoming lists the next n fire times after t.
func (a Adaptive) Upcoming(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = a.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func wholeMinutes(d time.Duration) int {
	m := int(d / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}
