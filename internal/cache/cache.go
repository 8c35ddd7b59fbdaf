// Package cache remembers the last post the pipeline fully completed.
package cache

import (
	"context"
	"sync"

	"patchwatch/internal/post"
	logx "patchwatch/pkg/logx"
)

type Verdict int

const (
	Unchanged Verdict = iota
	Changed
)

func (v Verdict) String() string {
	if v == Changed {
		return "changed"
	}
	return "unchanged"
}

// Persister keeps the cached slot across restarts.
type Persister interface {
	LoadPost(ctx context.Context) (*post.Artifact, error)
	SavePost(ctx context.Context, art *post.Artifact) error
}

// Dedup holds at most one (id, artifact) pair.
//
// The id only moves forward through Store, which callers invoke after a
// fully successful build. A failed build therefore leaves the old id in
// place and the next poll reports Changed again.
type Dedup struct {
	mu  sync.Mutex
	id  post.ID
	art *post.Artifact

	persist Persister
	log     logx.Logger
}

func New(persist Persister, log logx.Logger) *Dedup {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dedup{persist: persist, log: log}
}

// CompareAndSwap compares id with the cached one. Despite the name it
// never writes; Store does.
func (d *Dedup) CompareAndSwap(id post.ID) Verdict {
	if id.IsZero() {
		return Unchanged
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == d.id {
		return Unchanged
	}
	return Changed
}

// Store overwrites the slot and writes it through to the persister.
// Persistence errors are logged; the in-memory slot is authoritative.
func (d *Dedup) Store(ctx context.Context, id post.ID, art *post.Artifact) {
	d.mu.Lock()
	d.id = id
	d.art = art
	d.mu.Unlock()

	if d.persist == nil || art == nil {
		return
	}
	if err := d.persist.SavePost(ctx, art); err != nil {
		d.log.Warn("persist cached post failed", logx.String("id", id.String()), logx.Err(err))
	}
}

// Peek returns the cached artifact without triggering any work.
func (d *Dedup) Peek() (*post.Artifact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.art, d.art != nil
}

func (d *Dedup) LastID() post.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Restore loads the persisted slot, if any. An empty store is not an error.
func (d *Dedup) Restore(ctx context.Context) error {
	if d.persist == nil {
		return nil
	}
	art, err := d.persist.LoadPost(ctx)
	if err != nil {
		return err
	}
	if !art.Valid() {
		return nil
	}
	d.mu.Lock()
	d.id = art.SourceURL
	d.art = art
	d.mu.Unlock()
	d.log.Info("restored cached post", logx.String("id", art.SourceURL.String()), logx.Time("built_at", art.BuiltAt))
	return nil
}
