package fanout

import (
	"fmt"
	"time"
)

type Kind int

const (
	Delivered Kind = iota
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

type TargetKind string

const (
	GroupTargetKind  TargetKind = "group"
	DirectTargetKind TargetKind = "direct"
)

type Target struct {
	Kind TargetKind `json:"kind"`
	ID   int64      `json:"id"`
}

func (t Target) String() string { return fmt.Sprintf("%s:%d", t.Kind, t.ID) }

// Outcome is the result for one recipient. Err is set for Failed only.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Target Target `json:"target"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
	// Sent counts messages that went out, header included.
	Sent int `json:"sent"`
	// MediaFallback is set when the header was resent without media.
	MediaFallback bool `json:"media_fallback,omitempty"`
}

type Report struct {
	Outcomes []Outcome `json:"outcomes"`
	Batches  int       `json:"batches"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

func (r Report) count(k Kind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}

func (r Report) Delivered() int { return r.count(Delivered) }
func (r Report) Skipped() int   { return r.count(Skipped) }
func (r Report) Failed() int    { return r.count(Failed) }

func (r Report) Took() time.Duration { return r.Finished.Sub(r.Started) }

// Summary is a one-line human readable total.
func (r Report) Summary() string {
	return fmt.Sprintf("delivered %d, skipped %d, failed %d in %d batches (%s)",
		r.Delivered(), r.Skipped(), r.Failed(), r.Batches, r.Took().Round(time.Millisecond))
}
