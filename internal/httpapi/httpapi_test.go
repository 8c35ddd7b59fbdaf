package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"patchwatch/internal/monitor"
	"patchwatch/internal/post"
	"patchwatch/internal/registry"
	"patchwatch/internal/schedule"
	logx "patchwatch/pkg/logx"
)

type fakeMonitor struct {
	latest *post.Artifact
	cycle  monitor.Cycle
	err    error
	forced int
}

func (f *fakeMonitor) ForceUpdate(context.Context) (monitor.Cycle, error) {
	f.forced++
	return f.cycle, f.err
}

func (f *fakeMonitor) Latest() (*post.Artifact, bool) { return f.latest, f.latest != nil }

func (f *fakeMonitor) Snapshot() monitor.Snapshot { return monitor.Snapshot{LastID: "a", Runs: 4} }

type fakeRecipients struct{}

func (fakeRecipients) ListGroupTargets(context.Context) ([]registry.GroupTarget, error) {
	return []registry.GroupTarget{{GroupID: -1, ChannelID: -1, MentionID: "@team"}}, nil
}

func (fakeRecipients) AllDirectTargets(context.Context) ([]registry.DirectTarget, error) {
	return []registry.DirectTarget{{RecipientID: 5, Enabled: false}}, nil
}

type fakeSchedule struct{}

func (fakeSchedule) Snapshot() []schedule.JobInfo { return []schedule.JobInfo{{Name: "poll", Runs: 2}} }

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestReadEndpoints(t *testing.T) {
	t.Parallel()
	mon := &fakeMonitor{}
	h := New(Config{}, mon, fakeRecipients{}, fakeSchedule{}, logx.Nop()).Handler()

	tests := []struct {
		name     string
		path     string
		setup    func()
		wantCode int
		wantKey  string
	}{
		{name: "health", path: "/healthz", wantCode: http.StatusOK, wantKey: "uptime"},
		{name: "latest empty", path: "/api/latest", wantCode: http.StatusNotFound, wantKey: "error"},
		{
			name: "latest cached", path: "/api/latest", wantCode: http.StatusOK, wantKey: "display_text",
			setup: func() { mon.latest = &post.Artifact{SourceURL: "https://f/1", DisplayText: "notes"} },
		},
		{name: "recipients", path: "/api/recipients", wantCode: http.StatusOK, wantKey: "groups"},
		{name: "status", path: "/api/status", wantCode: http.StatusOK, wantKey: "schedule"},
		{name: "unknown", path: "/api/nope", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		if tt.setup != nil {
			tt.setup()
		}
		rec, body := do(t, h, http.MethodGet, tt.path, "")
		if rec.Code != tt.wantCode {
			t.Fatalf("%s: code = %d, want %d", tt.name, rec.Code, tt.wantCode)
		}
		if tt.wantKey != "" {
			if _, ok := body[tt.wantKey]; !ok {
				t.Fatalf("%s: body %s lacks %q", tt.name, rec.Body.String(), tt.wantKey)
			}
		}
	}
}

func TestForceUpdateAuth(t *testing.T) {
	t.Parallel()
	mon := &fakeMonitor{cycle: monitor.Cycle{ID: "b", Status: monitor.StatusUpdated}}
	h := New(Config{Token: "s3cret"}, mon, fakeRecipients{}, nil, logx.Nop()).Handler()

	if rec, _ := do(t, h, http.MethodPost, "/api/forceupdate", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/forceupdate", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	if mon.forced != 0 {
		t.Fatal("unauthorized request reached the monitor")
	}
	rec, body := do(t, h, http.MethodPost, "/api/forceupdate", "s3cret")
	if rec.Code != http.StatusOK || body["status"] != string(monitor.StatusUpdated) {
		t.Fatalf("authorized: %d %s", rec.Code, rec.Body.String())
	}

	mon.err = errors.New("forum down")
	if rec, _ := do(t, h, http.MethodPost, "/api/forceupdate", "s3cret"); rec.Code != http.StatusBadGateway {
		t.Fatalf("failure: %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, &fakeMonitor{}, fakeRecipients{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener kept after Stop")
	}
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()

	off := New(Config{}, &fakeMonitor{}, fakeRecipients{}, nil, logx.Nop()).Handler()
	if rec, _ := do(t, off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled: %d", rec.Code)
	}

	on := New(Config{Token: "s3cret", Pprof: true}, &fakeMonitor{}, fakeRecipients{}, nil, logx.Nop()).Handler()
	if rec, _ := do(t, on, http.MethodGet, "/debug/pprof/heap?debug=1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	for _, path := range []string{"/debug/pprof/", "/debug/pprof/heap?debug=1", "/debug/pprof/goroutine?debug=1"} {
		if rec, _ := do(t, on, http.MethodGet, path, "s3cret"); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, rec.Code)
		}
	}
}
