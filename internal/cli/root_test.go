package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"patchwatch/internal/post"
	"patchwatch/internal/schedule"
)

func TestVersionNotEmpty(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestExecuteVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "patchwatch ") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestWriteRegime(t *testing.T) {
	t.Parallel()

	ad := schedule.Adaptive{
		AnchorMinute: 0,
		Window:       5 * time.Minute,
		DenseEvery:   time.Minute,
		SparseEvery:  10 * time.Minute,
	}
	now := time.Date(2026, 3, 1, 12, 20, 30, 0, time.UTC)

	var buf bytes.Buffer
	if err := writeRegime(&buf, ad, now, 4); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := buf.String()
	for _, want := range []string{
		"regime: sparse",
		"next:   2026-03-01T12:30:00Z (sparse)",
		"next:   2026-03-01T12:40:00Z (sparse)",
		"next:   2026-03-01T12:50:00Z (sparse)",
		"next:   2026-03-01T12:55:00Z (dense)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestPollResultWrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		res    pollResult
		asJSON bool
		want   []string
	}{
		{name: "no post", res: pollResult{}, want: []string{"no post found"}},
		{
			name: "id only",
			res:  pollResult{ID: "https://forum.example.com/threads/1/"},
			want: []string{"latest: https://forum.example.com/threads/1/"},
		},
		{
			name: "artifact",
			res: pollResult{
				ID: "https://forum.example.com/threads/2/",
				Artifact: &post.Artifact{
					SourceURL:   "https://forum.example.com/threads/2/",
					DisplayText: "**Patch 1.2**\n- fixes",
					MediaRef:    "https://cdn.example.com/banner.png",
				},
			},
			want: []string{"media:  https://cdn.example.com/banner.png", "**Patch 1.2**"},
		},
		{
			name:   "json",
			res:    pollResult{ID: "https://forum.example.com/threads/3/"},
			asJSON: true,
			want:   []string{`"id": "https://forum.example.com/threads/3/"`},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			if err := tt.res.write(&buf, tt.asJSON); err != nil {
				t.Fatalf("write: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Fatalf("missing %q in %q", w, buf.String())
				}
			}
		})
	}
}
