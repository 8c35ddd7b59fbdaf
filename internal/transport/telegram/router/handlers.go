package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"patchwatch/internal/fanout"
	"patchwatch/internal/formatter"
	"patchwatch/internal/monitor"
	"patchwatch/internal/post"
	"patchwatch/internal/registry"
	"patchwatch/internal/storage"
	kit "patchwatch/internal/transport"
	logx "patchwatch/pkg/logx"
)

const DefaultWelcome = "👋 Hi! I post new patch notes as soon as they appear on the forum.\n\n" +
	"In a group, an admin can run /setup to start receiving them here (optionally /setup @mention).\n" +
	"In a private chat, /setup subscribes you directly.\n\n" +
	"/patchnotes shows the latest notes, /help lists everything else."

type MonitorPort interface {
	ForceUpdate(ctx context.Context) (monitor.Cycle, error)
	TestDistribution(ctx context.Context) (monitor.Cycle, error)
	Latest() (*post.Artifact, bool)
	Snapshot() monitor.Snapshot
}

type Settings struct {
	Welcome     string
	HeaderTitle string
	ChunkSize   int
}

// Handlers implements the bot's commands on top of the registry and the
// monitor.
type Handlers struct {
	registry *registry.Registry
	monitor  MonitorPort
	audit    monitor.Auditor
	adapter  kit.Adapter
	log      logx.Logger

	mu  sync.RWMutex
	set Settings
}

func NewHandlers(reg *registry.Registry, mon MonitorPort, audit monitor.Auditor, adapter kit.Adapter, set Settings, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handlers{registry: reg, monitor: mon, audit: audit, adapter: adapter, log: log}
	h.Apply(set)
	return h
}

// Apply swaps the hot-reloadable settings.
func (h *Handlers) Apply(s Settings) {
	if strings.TrimSpace(s.Welcome) == "" {
		s.Welcome = DefaultWelcome
	}
	if strings.TrimSpace(s.HeaderTitle) == "" {
		s.HeaderTitle = fanout.DefaultHeaderTitle
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = fanout.DefaultChunkSize
	}
	h.mu.Lock()
	h.set = s
	h.mu.Unlock()
}

func (h *Handlers) settings() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.set
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "welcome message", Handle: h.start},
		{
			Name: "setup", Description: "receive patch notes in this chat", Usage: "/setup [@mention|user id]",
			Access: AccessChatAdmin, SelfService: true, Handle: h.setup,
		},
		{
			Name: "reset", Description: "stop receiving patch notes in this chat", Usage: "/reset",
			Access: AccessChatAdmin, SelfService: true, Handle: h.reset,
		},
		{Name: "check", Description: "show this chat's setup and the monitor status", Handle: h.check},
		{Name: "patchnotes", Aliases: []string{"latest"}, Description: "show the latest patch notes", Handle: h.patchnotes},
		{
			Name: "test", Description: "send the newest post to every recipient now",
			Access: AccessChatAdmin, Timeout: 10 * time.Minute, Handle: h.test,
		},
		{
			Name: "forceupdate", Description: "refresh the cached post without sending it",
			Access: AccessOwner, Timeout: 5 * time.Minute, Handle: h.forceUpdate,
		},
	}
}

// OnMemberAdded greets a chat the bot was just added to.
func (h *Handlers) OnMemberAdded(ctx context.Context, ev kit.MemberEvent) error {
	_, err := h.adapter.SendText(ctx, kit.ChatTarget{ChatID: ev.ChatID}, html.EscapeString(h.settings().Welcome), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	return req.Reply(ctx, html.EscapeString(h.settings().Welcome))
}

func (h *Handlers) setup(ctx context.Context, req *Request) error {
	if req.IsPrivate {
		err := h.registry.SetDirect(ctx, req.FromID, true)
		h.record(ctx, req, "direct.enable", strconv.FormatInt(req.FromID, 10), err)
		if err != nil {
			_ = req.Reply(ctx, "❌ Could not save your subscription, try again later.")
			return err
		}
		return req.Reply(ctx, "✅ You will receive new patch notes in this chat. Use /reset to stop.")
	}

	mention, err := parseMention(req.Args)
	if err != nil {
		return req.Reply(ctx, "❌ "+html.EscapeString(err.Error())+"\nUsage: <code>/setup [@mention|user id]</code>")
	}
	g := registry.GroupTarget{GroupID: req.Chat.ChatID, ChannelID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MentionID: mention}
	err = h.registry.SetGroup(ctx, g)
	h.record(ctx, req, "group.setup", strconv.FormatInt(g.GroupID, 10), err)
	if err != nil {
		_ = req.Reply(ctx, "❌ Could not save this chat, try again later.")
		return err
	}

	lines := []string{"✅ New patch notes will be posted here."}
	if g.ThreadID != 0 {
		lines = append(lines, "Topic: <code>"+strconv.Itoa(g.ThreadID)+"</code>")
	}
	if mention != "" {
		lines = append(lines, "Mention: "+html.EscapeString(mention))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func parseMention(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	if len(args) > 1 {
		return "", errors.New("only one mention is supported")
	}
	m := strings.TrimSpace(args[0])
	if id, err := strconv.ParseInt(m, 10, 64); err == nil {
		if id <= 0 {
			return "", errors.New("user id must be positive")
		}
		return m, nil
	}
	if !strings.HasPrefix(m, "@") || len(m) < 2 {
		return "", fmt.Errorf("%q is not a @mention or a user id", m)
	}
	return m, nil
}

func (h *Handlers) reset(ctx context.Context, req *Request) error {
	var (
		err    error
		action string
		target int64
	)
	if req.IsPrivate {
		action, target = "direct.remove", req.FromID
		err = h.registry.RemoveDirect(ctx, req.FromID)
	} else {
		action, target = "group.remove", req.Chat.ChatID
		err = h.registry.RemoveGroup(ctx, req.Chat.ChatID)
	}
	if errors.Is(err, registry.ErrNotFound) {
		return req.Reply(ctx, "ℹ️ Nothing to reset: this chat was not set up.")
	}
	h.record(ctx, req, action, strconv.FormatInt(target, 10), err)
	if err != nil {
		_ = req.Reply(ctx, "❌ Could not remove this chat, try again later.")
		return err
	}
	return req.Reply(ctx, "✅ This chat will no longer receive patch notes.")
}

func (h *Handlers) check(ctx context.Context, req *Request) error {
	lines := []string{"🔎 <b>Setup</b>"}
	if req.IsPrivate {
		d, err := h.registry.Direct(ctx, req.FromID)
		switch {
		case errors.Is(err, registry.ErrNotFound), err == nil && !d.Enabled:
			lines = append(lines, "Not subscribed. Use /setup to subscribe.")
		case err != nil:
			return err
		default:
			lines = append(lines, "Subscribed to direct messages.")
		}
	} else {
		g, err := h.registry.Group(ctx, req.Chat.ChatID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			lines = append(lines, "This chat is not set up. An admin can run /setup.")
		case err != nil:
			return err
		default:
			lines = append(lines, "Posting to this chat.")
			if g.ThreadID != 0 {
				lines = append(lines, "Topic: <code>"+strconv.Itoa(g.ThreadID)+"</code>")
			}
			if g.MentionID != "" {
				lines = append(lines, "Mention: "+html.EscapeString(g.MentionID))
			}
		}
	}

	lines = append(lines, "", "📡 <b>Monitor</b>")
	snap := h.monitor.Snapshot()
	if snap.LastID != "" {
		lines = append(lines, "Latest post: "+html.EscapeString(snap.LastID.String()))
	} else {
		lines = append(lines, "Latest post: none yet")
	}
	if c := snap.LastCycle; c != nil {
		line := fmt.Sprintf("Last check: %s (%s, %s ago)", c.Status, c.Trigger, time.Since(c.Finished).Round(time.Second))
		if c.Error != "" {
			line += "\nError: " + c.Error
		}
		lines = append(lines, html.EscapeString(line))
	}
	if groups, direct, err := h.registry.Counts(ctx); err == nil {
		lines = append(lines, fmt.Sprintf("Recipients: %d groups, %d direct", groups, direct))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) patchnotes(ctx context.Context, req *Request) error {
	art, ok := h.monitor.Latest()
	if !ok || art == nil {
		return req.Reply(ctx, "Nothing cached yet.")
	}
	set := h.settings()
	header := "<b>" + html.EscapeString(set.HeaderTitle) + "</b>\n" + html.EscapeString(art.SourceURL.String())
	if err := req.Reply(ctx, header); err != nil {
		return err
	}
	for _, c := range fanout.Chunk(art.DisplayText, set.ChunkSize) {
		_, err := req.Adapter.SendText(ctx, req.Chat, formatter.RenderTelegramHTML(c), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Silent: true})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) test(ctx context.Context, req *Request) error {
	_ = req.Reply(ctx, "⏳ Running a test distribution…")
	c, err := h.monitor.TestDistribution(ctx)
	h.recordCycle(ctx, req, "test", c, err)
	if err != nil {
		return req.Reply(ctx, "❌ Test failed at "+html.EscapeString(c.Stage)+": "+html.EscapeString(err.Error()))
	}
	if c.Status == monitor.StatusNoPost || c.Report == nil {
		return req.Reply(ctx, "ℹ️ No post found on the monitored page.")
	}
	r := c.Report
	return req.Reply(ctx, fmt.Sprintf("✅ Test distribution finished\nDelivered: %d\nSkipped: %d\nFailed: %d\nBatches: %d, took %s",
		r.Delivered(), r.Skipped(), r.Failed(), r.Batches, r.Took().Round(time.Millisecond)))
}

func (h *Handlers) forceUpdate(ctx context.Context, req *Request) error {
	c, err := h.monitor.ForceUpdate(ctx)
	h.recordCycle(ctx, req, "forceupdate", c, err)
	if err != nil {
		return req.Reply(ctx, "❌ Update failed at "+html.EscapeString(c.Stage)+": "+html.EscapeString(err.Error()))
	}
	id := html.EscapeString(c.ID.String())
	switch c.Status {
	case monitor.StatusUpdated:
		return req.Reply(ctx, "✅ Cache updated: "+id)
	case monitor.StatusUnchanged:
		return req.Reply(ctx, "ℹ️ Already up to date: "+id)
	default:
		return req.Reply(ctx, "ℹ️ No post found on the monitored page.")
	}
}

func (h *Handlers) record(ctx context.Context, req *Request, action, target string, err error) {
	e := storage.AuditEntry{Action: action, Target: target}
	if err != nil {
		e.Fail, e.Error = 1, err.Error()
	} else {
		e.OK = 1
	}
	h.appendAudit(ctx, req, e)
}

func (h *Handlers) recordCycle(ctx context.Context, req *Request, action string, c monitor.Cycle, err error) {
	e := storage.AuditEntry{Action: action, Target: c.ID.String(), TookMS: c.Took().Milliseconds(), MetaJSON: `{"status":"` + string(c.Status) + `"}`}
	if err != nil {
		e.Fail, e.Error = 1, err.Error()
	} else {
		e.OK = 1
	}
	h.appendAudit(ctx, req, e)
}

func (h *Handlers) appendAudit(ctx context.Context, req *Request, e storage.AuditEntry) {
	if h.audit == nil {
		return
	}
	e.At = time.Now()
	e.ActorID, e.ActorUsername = req.FromID, req.FromUsername
	e.ChatID, e.ThreadID = req.Chat.ChatID, req.Chat.ThreadID
	if err := h.audit.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
