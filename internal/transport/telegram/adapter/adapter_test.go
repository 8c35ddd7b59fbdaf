package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"patchwatch/internal/fanout"
	"patchwatch/internal/registry"
	kit "patchwatch/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		check     func(t *testing.T, out []string)
	}{
		{
			name: "short stays whole", in: "hello", limit: 10,
			check: func(t *testing.T, out []string) {
				if len(out) != 1 || out[0] != "hello" {
					t.Fatalf("out = %q", out)
				}
			},
		},
		{
			name: "prefers newline", in: "aaaaaaa\nbbbbbbbbb", limit: 10,
			check: func(t *testing.T, out []string) {
				if len(out) != 2 || out[0] != "aaaaaaa" || out[1] != "bbbbbbbbb" {
					t.Fatalf("out = %q", out)
				}
			},
		},
		{
			name: "no split inside tag", in: "abcdef<b>x</b>", limit: 8, parseMode: "HTML",
			check: func(t *testing.T, out []string) {
				if out[0] != "abcdef" || !strings.HasPrefix(out[1], "<b>") {
					t.Fatalf("out = %q", out)
				}
			},
		},
		{
			name: "open tags closed and reopened", in: "<b>" + strings.Repeat("x", 30) + "</b>", limit: 12, parseMode: "HTML",
			check: func(t *testing.T, out []string) {
				var text strings.Builder
				for _, p := range out {
					if utf8.RuneCountInString(p) > 12 {
						t.Fatalf("piece %q over limit", p)
					}
					if !strings.HasPrefix(p, "<b>") || !strings.HasSuffix(p, "</b>") {
						t.Fatalf("unbalanced piece %q in %q", p, out)
					}
					text.WriteString(strings.TrimSuffix(strings.TrimPrefix(p, "<b>"), "</b>"))
				}
				if text.String() != strings.Repeat("x", 30) {
					t.Fatalf("text lost: %q", out)
				}
			},
		},
		{
			name: "nested link survives", in: `<i><a href="https://f.example.com/t/1">` + strings.Repeat("y", 40) + `</a></i> tail`, limit: 60, parseMode: "HTML",
			check: func(t *testing.T, out []string) {
				if len(out) < 2 {
					t.Fatalf("out = %q", out)
				}
				for _, p := range out {
					if utf8.RuneCountInString(p) > 60 {
						t.Fatalf("piece %q over limit", p)
					}
					if strings.Count(p, "<a ") != strings.Count(p, "</a>") || strings.Count(p, "<i>") != strings.Count(p, "</i>") {
						t.Fatalf("unbalanced piece %q", p)
					}
				}
				if !strings.HasPrefix(out[1], `<i><a href="https://f.example.com/t/1">`) {
					t.Fatalf("second piece must reopen both tags: %q", out[1])
				}
			},
		},
		{
			name: "no split inside entity", in: "aaaa&amp;bbbb", limit: 6, parseMode: "HTML",
			check: func(t *testing.T, out []string) {
				if out[0] != "aaaa" || !strings.HasPrefix(out[1], "&amp;") {
					t.Fatalf("out = %q", out)
				}
			},
		},
		{
			name: "runes not bytes", in: strings.Repeat("é", 12), limit: 5,
			check: func(t *testing.T, out []string) {
				if len(out) != 3 || strings.Join(out, "") != strings.Repeat("é", 12) {
					t.Fatalf("out = %q", out)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, splitTelegramText(tt.in, tt.limit, tt.parseMode))
		})
	}
}

func TestRenderMention(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"", ""},
		{"@patch_team", "@patch_team"},
		{"patch_team", "@patch_team"},
		{"12345", `<a href="tg://user?id=12345">12345</a>`},
		{"@a<b", "@a&lt;b"},
	}
	for _, tt := range tests {
		if got := RenderMention(tt.in); got != tt.want {
			t.Fatalf("RenderMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type sentMsg struct {
	to    kit.ChatTarget
	text  string
	photo bool
	opt   kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentMsg
	gone map[int64]bool
	down map[int64]bool
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) record(m sentMsg) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return kit.MessageRef{ChatID: m.to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.record(sentMsg{to: to, text: text, opt: *opt})
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, _ kit.Photo, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.record(sentMsg{to: to, text: caption, photo: true, opt: *opt})
}

func (f *fakeAdapter) ResolveChat(_ context.Context, id int64) (kit.ChatInfo, error) {
	if f.gone[id] {
		return kit.ChatInfo{}, kit.ErrUnresolvable
	}
	if f.down[id] {
		return kit.ChatInfo{}, errors.New("telegram: 502")
	}
	return kit.ChatInfo{ID: id, Title: "Mayors"}, nil
}

func (f *fakeAdapter) FetchUser(_ context.Context, id int64) (kit.UserInfo, error) {
	if f.gone[id] {
		return kit.UserInfo{}, kit.ErrUnresolvable
	}
	return kit.UserInfo{ID: id, Username: "mayor"}, nil
}

func (f *fakeAdapter) IsAdmin(context.Context, int64, int64) (bool, error) { return true, nil }

func TestFanoutResolve(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{gone: map[int64]bool{-2: true, 9: true}, down: map[int64]bool{-3: true}}
	f := NewFanout(fa)
	ctx := context.Background()

	d, ok, err := f.ResolveGroup(ctx, registry.GroupTarget{GroupID: -1, ChannelID: -1, ThreadID: 7})
	if err != nil || !ok || d.ChatID != -1 || d.ThreadID != 7 {
		t.Fatalf("group = %+v %v %v", d, ok, err)
	}
	if _, ok, err := f.ResolveGroup(ctx, registry.GroupTarget{GroupID: -2, ChannelID: -2}); ok || err != nil {
		t.Fatalf("gone group = %v %v", ok, err)
	}
	if _, _, err := f.ResolveGroup(ctx, registry.GroupTarget{GroupID: -3, ChannelID: -3}); err == nil {
		t.Fatal("transient errors must surface")
	}
	if _, ok, err := f.ResolveUser(ctx, registry.DirectTarget{RecipientID: 9, Enabled: true}); ok || err != nil {
		t.Fatalf("gone user = %v %v", ok, err)
	}
}

func TestFanoutSend(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	f := NewFanout(fa)
	ctx := context.Background()
	to := fanout.Destination{ChatID: -1, ThreadID: 3}

	if err := f.Send(ctx, to, fanout.Outgoing{Text: "New <notes>\nhttps://x", Mention: "@team", Media: &fanout.Media{Data: []byte{1}}}); err != nil {
		t.Fatal(err)
	}
	if err := f.Send(ctx, to, fanout.Outgoing{Text: "**Fixed** traffic", Markdown: true, Silent: true}); err != nil {
		t.Fatal(err)
	}

	head, body := fa.sent[0], fa.sent[1]
	if !head.photo || head.text != "@team\nNew &lt;notes&gt;\nhttps://x" || head.opt.Silent {
		t.Fatalf("header = %+v", head)
	}
	if body.photo || body.text != "<b>Fixed</b> traffic" || !body.opt.Silent || body.opt.ParseMode != "HTML" {
		t.Fatalf("chunk = %+v", body)
	}
	if body.to.ThreadID != 3 {
		t.Fatal("thread id lost")
	}
}
