// Package transport defines the messaging surface the rest of the bot
// talks to. The Telegram adapter is the only implementation.
package transport

import (
	"context"
	"errors"
)

// ErrUnresolvable means the chat or user no longer exists or the bot can
// no longer reach it.
var ErrUnresolvable = errors.New("destination unresolvable")

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateMemberAdded UpdateKind = "member_added"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Member  *MemberEvent
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
	IsGroup      bool
}

// MemberEvent reports that the bot itself was added to a chat.
type MemberEvent struct {
	ChatID     int64
	ChatTitle  string
	ByID       int64
	ByUsername string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent delivers without a notification sound.
	Silent bool
}

// Photo is an in-memory image upload.
type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}

type ChatInfo struct {
	ID    int64
	Title string
	Type  string
}

type UserInfo struct {
	ID       int64
	Username string
	Name     string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photo Photo, caption string, opt *SendOptions) (MessageRef, error)

	// ResolveChat and FetchUser return ErrUnresolvable (wrapped) when the
	// destination is gone.
	ResolveChat(ctx context.Context, chatID int64) (ChatInfo, error)
	FetchUser(ctx context.Context, userID int64) (UserInfo, error)
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
