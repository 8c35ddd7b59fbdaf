package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"patchwatch/internal/fanout"
	"patchwatch/internal/formatter"
	"patchwatch/internal/registry"
	kit "patchwatch/internal/transport"
)

// Fanout lets the distribution engine talk to a kit.Adapter. Every message
// goes out as Telegram HTML.
type Fanout struct {
	a kit.Adapter
}

func NewFanout(a kit.Adapter) *Fanout { return &Fanout{a: a} }

func (f *Fanout) ResolveGroup(ctx context.Context, g registry.GroupTarget) (fanout.Destination, bool, error) {
	info, err := f.a.ResolveChat(ctx, g.ChannelID)
	if errors.Is(err, kit.ErrUnresolvable) {
		return fanout.Destination{}, false, nil
	}
	if err != nil {
		return fanout.Destination{}, false, err
	}
	return fanout.Destination{ChatID: info.ID, ThreadID: g.ThreadID, Title: info.Title}, true, nil
}

func (f *Fanout) ResolveUser(ctx context.Context, d registry.DirectTarget) (fanout.Destination, bool, error) {
	u, err := f.a.FetchUser(ctx, d.RecipientID)
	if errors.Is(err, kit.ErrUnresolvable) {
		return fanout.Destination{}, false, nil
	}
	if err != nil {
		return fanout.Destination{}, false, err
	}
	return fanout.Destination{ChatID: u.ID, Title: u.Username}, true, nil
}

func (f *Fanout) Send(ctx context.Context, to fanout.Destination, msg fanout.Outgoing) error {
	var body string
	if msg.Markdown {
		body = formatter.RenderTelegramHTML(msg.Text)
	} else {
		body = formatter.EscapeHTML(msg.Text)
	}
	if m := RenderMention(msg.Mention); m != "" {
		body = m + "\n" + body
	}

	target := kit.ChatTarget{ChatID: to.ChatID, ThreadID: to.ThreadID}
	opt := &kit.SendOptions{ParseMode: "HTML", Silent: msg.Silent, DisablePreview: msg.Markdown}
	if msg.Media != nil {
		photo := kit.Photo{Name: msg.Media.Name, ContentType: msg.Media.ContentType, Data: msg.Media.Data}
		_, err := f.a.SendPhoto(ctx, target, photo, body, opt)
		return err
	}
	_, err := f.a.SendText(ctx, target, body, opt)
	return err
}

// RenderMention turns a stored mention into HTML. "@name" is kept as
// typed; a numeric user id becomes a tg://user link.
func RenderMention(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return ""
	}
	if id, err := strconv.ParseInt(m, 10, 64); err == nil && id > 0 {
		return `<a href="tg://user?id=` + strconv.FormatInt(id, 10) + `">` + strconv.FormatInt(id, 10) + `</a>`
	}
	if !strings.HasPrefix(m, "@") {
		m = "@" + m
	}
	return formatter.EscapeHTML(m)
}
