// Package cli provides the command-line interface for patchwatch.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "patchwatch",
	Short: "Watch a forum for new patch notes and fan them out over Telegram",
	Long: "patchwatch polls a forum page (or feed) on an adaptive schedule, rewrites new posts " +
		"into chat-ready notes and delivers them to every registered group and user.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAction,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "patchwatch %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to config (json, jsonc or yaml)")
	rootCmd.AddCommand(versionCmd, runCmd, pollCmd, regimeCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
