package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"patchwatch/internal/post"
	"patchwatch/internal/retry"
	logx "patchwatch/pkg/logx"
)

const postsPage = `<html><body>
%s
<div class="contentRow-title"><a href="/threads/patch-1-2.77/post-9">Patch 1.2</a></div>
<div class="contentRow-title"><a href="/threads/patch-1-1.70/">Patch 1.1</a></div>
</body></html>`

func newForum(t *testing.T, password string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/whats-new/posts/", func(w http.ResponseWriter, r *http.Request) {
		login := `<a class="button button--icon button--icon--login rippleButton" href="/login/">Log in</a>`
		if c, err := r.Cookie("xf_user"); err == nil && c.Value == "1" {
			login = ""
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(fmt.Sprintf(postsPage, login)))
	})
	mux.HandleFunc("/login/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><form action="/login/login" method="post">
<input type="hidden" name="_xfToken" value="tok">
<input type="text" name="login" id="email--js">
<input type="password" name="password" id="password--js">
<input type="checkbox" name="remember" value="1">
<input type="submit" id="submit--js" value="Log in">
</form></body></html>`))
	})
	mux.HandleFunc("/login/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("_xfToken") != "tok" || r.PostForm.Get("login") != "bot" || r.PostForm.Get("password") != password {
			_, _ = w.Write([]byte(`<html><body>Incorrect password.</body></html>`))
			return
		}
		if r.PostForm.Has("remember") {
			http.Error(w, "unchecked box submitted", http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "xf_user", Value: "1", Path: "/"})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>home</body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type sleepRecorder struct{ total time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.total += d
	return nil
}

func TestPollerDetectsLatestAfterLogin(t *testing.T) {
	t.Parallel()
	srv := newForum(t, "hunter2")
	rec := &sleepRecorder{}
	login := NewLogin(LoginConfig{Username: "bot", Password: "hunter2", WaitTimeout: time.Second}, rec.sleep, logx.Nop())
	p := NewPoller(PollerConfig{
		TargetURL:  srv.URL + "/whats-new/posts/",
		Strategies: SelectorStrategies(nil),
		Retry:      retry.Policy{Attempts: 1},
	}, NewHTTPFetcher(HTTPConfig{WaitPoll: 10 * time.Millisecond}, logx.Nop()), login, logx.Nop())

	id, err := p.DetectLatest(context.Background())
	if err != nil {
		t.Fatalf("DetectLatest: %v", err)
	}
	want := post.ID(srv.URL + "/threads/patch-1-2.77/post-9")
	if id != want {
		t.Fatalf("id = %q, want %q", id, want)
	}
	// len("bot")+len("hunter2") keystrokes at the default 100ms
	if rec.total != 1000*time.Millisecond {
		t.Fatalf("typing delay = %v, want 1s", rec.total)
	}
}

func TestLoginRejectedIsAuthenticationFailure(t *testing.T) {
	t.Parallel()
	srv := newForum(t, "correct")
	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	login := NewLogin(LoginConfig{Username: "bot", Password: "wrong", WaitTimeout: time.Second}, noSleep, logx.Nop())
	fetcher := &countingFetcher{inner: NewHTTPFetcher(HTTPConfig{}, logx.Nop())}
	p := NewPoller(PollerConfig{
		TargetURL:  srv.URL + "/whats-new/posts/",
		Strategies: SelectorStrategies(nil),
		Retry:      retry.Policy{Attempts: 2, Sleep: noSleep},
	}, fetcher, login, logx.Nop())

	_, err := p.DetectLatest(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if got := fetcher.opened.Load(); got != 2 {
		t.Fatalf("sessions opened = %d, want 2 (one per attempt)", got)
	}
	if got := fetcher.released.Load(); got != 2 {
		t.Fatalf("sessions released = %d, want 2", got)
	}
}

func TestPollerNoMatchIsNotAnError(t *testing.T) {
	t.Parallel()
	srv := newForum(t, "x")
	p := NewPoller(PollerConfig{
		TargetURL:  srv.URL + "/",
		Strategies: SelectorStrategies([]string{".nothing-here a"}),
	}, NewHTTPFetcher(HTTPConfig{}, logx.Nop()), nil, logx.Nop())

	id, err := p.DetectLatest(context.Background())
	if err != nil || id != "" {
		t.Fatalf("got (%q, %v), want empty id and nil error", id, err)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	t.Parallel()
	srv := newForum(t, "x")
	f := NewHTTPFetcher(HTTPConfig{WaitPoll: 5 * time.Millisecond}, logx.Nop())
	sess, err := f.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Release()
	if _, err := sess.Load(context.Background(), srv.URL+"/"); err != nil {
		t.Fatal(err)
	}
	_, err = sess.WaitFor(context.Background(), "#never", 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	sess.Release()
	if _, err := sess.Load(context.Background(), srv.URL+"/"); !errors.Is(err, ErrReleased) {
		t.Fatalf("load after release err = %v, want ErrReleased", err)
	}
}

func TestStrategiesFirstMatchWins(t *testing.T) {
	t.Parallel()
	u, _ := url.Parse("https://forum.example.com/whats-new/")
	doc, err := NewDocument(u, "text/html", []byte(`<div class="structItem-title"><a href="/threads/b.2/">B</a></div>
<div class="contentRow-title"><a href="/threads/a.1/">A</a></div>`))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name      string
		selectors []string
		want      post.ID
		ok        bool
	}{
		{name: "defaults prefer contentRow", selectors: nil, want: "https://forum.example.com/threads/a.1/", ok: true},
		{name: "custom order", selectors: []string{".structItem-title a", ".contentRow-title a"}, want: "https://forum.example.com/threads/b.2/", ok: true},
		{name: "skip missing", selectors: []string{".missing a", ".contentRow-title a"}, want: "https://forum.example.com/threads/a.1/", ok: true},
		{name: "none", selectors: []string{".missing a"}, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got post.ID
			found := false
			for _, st := range SelectorStrategies(tt.selectors) {
				if id, ok := st.Find(doc); ok {
					got, found = id, true
					break
				}
			}
			if found != tt.ok || got != tt.want {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, found, tt.want, tt.ok)
			}
		})
	}
}

func TestFeedStrategy(t *testing.T) {
	t.Parallel()
	u, _ := url.Parse("https://forum.example.com/forums/patch-notes/index.rss")
	rss := `<?xml version="1.0"?><rss version="2.0"><channel><title>Patch notes</title>
<item><title>1.3</title><link>https://forum.example.com/threads/1-3.90/</link></item>
<item><title>1.2</title><link>https://forum.example.com/threads/1-2.77/</link></item>
</channel></rss>`
	doc, err := NewDocument(u, "application/rss+xml", []byte(rss))
	if err != nil {
		t.Fatal(err)
	}
	id, ok := FeedStrategy{}.Find(doc)
	if !ok || id != "https://forum.example.com/threads/1-3.90/" {
		t.Fatalf("got (%q, %v)", id, ok)
	}
}

func TestDocumentHelpers(t *testing.T) {
	t.Parallel()
	u, _ := url.Parse("https://forum.example.com/threads/x/")
	doc, err := NewDocument(u, "text/html", []byte(`<article class="message-body"> Hello <b>world</b> </article>`))
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.ExtractText("article.message-body"); got != "Hello world" {
		t.Fatalf("ExtractText = %q", got)
	}
	n := doc.Evaluate(func(d *goquery.Document) any { return d.Find("b").Length() })
	if n != 1 {
		t.Fatalf("Evaluate = %v, want 1", n)
	}
	if got := doc.Resolve("../y/"); got != "https://forum.example.com/threads/y/" {
		t.Fatalf("Resolve = %q", got)
	}
}

type countingFetcher struct {
	inner    Fetcher
	opened   atomic.Int32
	released atomic.Int32
}

func (f *countingFetcher) Open(ctx context.Context) (Session, error) {
	s, err := f.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	f.opened.Add(1)
	return &countingSession{Session: s, f: f}, nil
}

type countingSession struct {
	Session
	f *countingFetcher
}

func (s *countingSession) Release() {
	s.f.released.Add(1)
	s.Session.Release()
}
