// Package registry is the recipient registry: which groups and users get
// new posts. Snapshots are copies; mutating them changes nothing.
package registry

import (
	"context"
	"errors"
	"sort"

	"patchwatch/internal/eventbus"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

var ErrNotFound = errors.New("registry: not found")

// GroupTarget is a group chat registration. ChannelID is the chat posts
// are sent to and ThreadID an optional forum topic. MentionID is rendered
// in the header: "@name" as-is, a numeric id as a user link.
type GroupTarget struct {
	GroupID   int64  `json:"group_id"`
	ChannelID int64  `json:"channel_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MentionID string `json:"mention_id,omitempty"`
}

type DirectTarget struct {
	RecipientID int64 `json:"recipient_id"`
	Enabled     bool  `json:"enabled"`
}

// Change is the payload of recipients.changed events.
type Change struct {
	Kind    string `json:"kind"` // group | direct
	ID      int64  `json:"id"`
	Removed bool   `json:"removed"`
}

type Registry struct {
	store storage.RecipientStore
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store storage.RecipientStore, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, bus: bus, log: log}
}

// ListGroupTargets returns every group sorted by id.
func (r *Registry) ListGroupTargets(ctx context.Context) ([]GroupTarget, error) {
	rc, err := r.store.LoadRecipients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GroupTarget, 0, len(rc.Groups))
	for _, g := range rc.Groups {
		out = append(out, GroupTarget{GroupID: g.GroupID, ChannelID: g.ChannelID, ThreadID: g.ThreadID, MentionID: g.MentionID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// ListDirectTargets returns enabled direct recipients sorted by id.
func (r *Registry) ListDirectTargets(ctx context.Context) ([]DirectTarget, error) {
	all, err := r.AllDirectTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

// AllDirectTargets includes disabled recipients.
func (r *Registry) AllDirectTargets(ctx context.Context) ([]DirectTarget, error) {
	rc, err := r.store.LoadRecipients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DirectTarget, 0, len(rc.Direct))
	for _, d := range rc.Direct {
		out = append(out, DirectTarget{RecipientID: d.UserID, Enabled: d.Enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (r *Registry) Group(ctx context.Context, groupID int64) (GroupTarget, error) {
	rc, err := r.store.LoadRecipients(ctx)
	if err != nil {
		return GroupTarget{}, err
	}
	g, ok := rc.Groups[groupID]
	if !ok {
		return GroupTarget{}, ErrNotFound
	}
	return GroupTarget{GroupID: g.GroupID, ChannelID: g.ChannelID, ThreadID: g.ThreadID, MentionID: g.MentionID}, nil
}

func (r *Registry) Direct(ctx context.Context, userID int64) (DirectTarget, error) {
	rc, err := r.store.LoadRecipients(ctx)
	if err != nil {
		return DirectTarget{}, err
	}
	d, ok := rc.Direct[userID]
	if !ok {
		return DirectTarget{}, ErrNotFound
	}
	return DirectTarget{RecipientID: d.UserID, Enabled: d.Enabled}, nil
}

// SetGroup registers or replaces a group. A zero ChannelID means the
// group itself.
func (r *Registry) SetGroup(ctx context.Context, g GroupTarget) error {
	if g.GroupID == 0 {
		return errors.New("registry: group id required")
	}
	if g.ChannelID == 0 {
		g.ChannelID = g.GroupID
	}
	err := r.store.PutGroup(ctx, storage.GroupRecord{GroupID: g.GroupID, ChannelID: g.ChannelID, ThreadID: g.ThreadID, MentionID: g.MentionID})
	if err != nil {
		return err
	}
	r.changed(Change{Kind: "group", ID: g.GroupID})
	return nil
}

// RemoveGroup reports ErrNotFound when the group was not registered.
func (r *Registry) RemoveGroup(ctx context.Context, groupID int64) error {
	ok, err := r.store.DeleteGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	r.changed(Change{Kind: "group", ID: groupID, Removed: true})
	return nil
}

func (r *Registry) SetDirect(ctx context.Context, userID int64, enabled bool) error {
	if userID == 0 {
		return errors.New("registry: user id required")
	}
	if err := r.store.PutDirect(ctx, storage.DirectRecord{UserID: userID, Enabled: enabled}); err != nil {
		return err
	}
	r.changed(Change{Kind: "direct", ID: userID})
	return nil
}

func (r *Registry) RemoveDirect(ctx context.Context, userID int64) error {
	ok, err := r.store.DeleteDirect(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	r.changed(Change{Kind: "direct", ID: userID, Removed: true})
	return nil
}

// Counts returns the number of groups and enabled direct recipients.
func (r *Registry) Counts(ctx context.Context) (groups, direct int, err error) {
	rc, err := r.store.LoadRecipients(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, d := range rc.Direct {
		if d.Enabled {
			direct++
		}
	}
	return len(rc.Groups), direct, nil
}

func (r *Registry) changed(c Change) {
	r.log.Info("recipients changed", logx.String("kind", c.Kind), logx.Int64("id", c.ID), logx.Bool("removed", c.Removed))
	eventbus.PublishTo(r.bus, eventbus.RecipientsChanged, c)
}
