package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"patchwatch/internal/app"
	"patchwatch/internal/config"
	"patchwatch/internal/schedule"
)

var regimeCount int

var regimeCmd = &cobra.Command{
	Use:   "regime",
	Short: "Show the current polling regime and the next poll times",
	RunE:  regimeAction,
}

func init() {
	regimeCmd.Flags().IntVarP(&regimeCount, "next", "n", 5, "number of upcoming poll times")
}

func regimeAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfigManager(configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ad, loc, err := app.PollPlan(cfg)
	if err != nil {
		return err
	}
	return writeRegime(cmd.OutOrStdout(), ad, time.Now().In(loc), regimeCount)
}

func writeRegime(w io.Writer, ad schedule.Adaptive, now time.Time, n int) error {
	if _, err := fmt.Fprintf(w, "now:    %s\nregime: %s\n", now.Format(time.RFC3339), ad.RegimeAt(now)); err != nil {
		return err
	}
	for _, t := range ad.Upcoming(now, n) {
		if _, err := fmt.Fprintf(w, "next:   %s (%s)\n", t.Format(time.RFC3339), ad.RegimeAt(t)); err != nil {
			return err
		}
	}
	return nil
}
