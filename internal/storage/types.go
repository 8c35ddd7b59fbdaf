package storage

import (
	"context"
	"errors"
	"time"

	"patchwatch/internal/post"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Path is a prefix for the file driver ("./data/patchwatch" gives
// ./data/patchwatch.recipients.json and friends) and the database file for
// sqlite.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// GroupRecord is one registered group chat. ChannelID is where posts go,
// usually the group itself; ThreadID selects a forum topic.
type GroupRecord struct {
	GroupID   int64
	ChannelID int64
	ThreadID  int
	MentionID string
}

type DirectRecord struct {
	UserID  int64
	Enabled bool
}

// Recipients is a point-in-time copy of every registered destination.
type Recipients struct {
	Groups map[int64]GroupRecord
	Direct map[int64]DirectRecord
}

func emptyRecipients() Recipients {
	return Recipients{Groups: map[int64]GroupRecord{}, Direct: map[int64]DirectRecord{}}
}

// AuditEntry records an operator action or a distribution run.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            int       `json:"ok,omitempty"`
	Fail          int       `json:"fail,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}

type RecipientStore interface {
	LoadRecipients(ctx context.Context) (Recipients, error)
	PutGroup(ctx context.Context, g GroupRecord) error
	DeleteGroup(ctx context.Context, groupID int64) (bool, error)
	PutDirect(ctx context.Context, d DirectRecord) error
	DeleteDirect(ctx context.Context, userID int64) (bool, error)
}

// PostStore keeps the single last fully built artifact. LoadPost returns
// (nil, nil) when nothing was saved yet.
type PostStore interface {
	LoadPost(ctx context.Context) (*post.Artifact, error)
	SavePost(ctx context.Context, art *post.Artifact) error
}

type Store interface {
	RecipientStore
	PostStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
