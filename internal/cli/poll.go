package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"patchwatch/internal/app"
	"patchwatch/internal/config"
	"patchwatch/internal/post"
	logx "patchwatch/pkg/logx"
)

var (
	pollBuild   bool
	pollJSON    bool
	pollTimeout time.Duration
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Detect the newest post once and optionally build it, without sending anything",
	RunE:  pollAction,
}

func init() {
	pollCmd.Flags().BoolVar(&pollBuild, "build", false, "extract and format the post")
	pollCmd.Flags().BoolVar(&pollJSON, "json", false, "print the result as JSON")
	pollCmd.Flags().DurationVar(&pollTimeout, "timeout", 5*time.Minute, "overall deadline")
}

func pollAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfigManager(configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logx.NewConsole(cfg.Logging.Level)

	p, err := app.NewPipeline(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), pollTimeout)
	defer cancel()

	id, err := p.Detector.DetectLatest(ctx)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	res := pollResult{ID: id}
	if pollBuild && !id.IsZero() {
		art, err := p.Builder.Build(ctx, id)
		if err != nil {
			return fmt.Errorf("build: %w", err)
		}
		res.Artifact = art
	}
	return res.write(cmd.OutOrStdout(), pollJSON)
}

type pollResult struct {
	ID       post.ID        `json:"id"`
	Artifact *post.Artifact `json:"artifact,omitempty"`
}

func (r pollResult) write(w io.Writer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if r.ID.IsZero() {
		_, err := fmt.Fprintln(w, "no post found")
		return err
	}
	if _, err := fmt.Fprintf(w, "latest: %s\n", r.ID); err != nil {
		return err
	}
	if r.Artifact == nil {
		return nil
	}
	if r.Artifact.MediaRef != "" {
		if _, err := fmt.Fprintf(w, "media:  %s\n", r.Artifact.MediaRef); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%s\n", r.Artifact.DisplayText)
	return err
}
