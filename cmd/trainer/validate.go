package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"matbtrainer/internal/app"
	"matbtrainer/internal/config"
	"matbtrainer/internal/workload"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file without starting anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := app.Validate(cfg); err != nil {
			return err
		}
		settings, _ := cfg.TaskSettings()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, fingerprint %s)\n", cfgPath, cfg.Session.Mode, config.Fingerprint(cfg))
		for _, t := range workload.Tasks() {
			s := settings[t]
			fmt.Fprintf(cmd.OutOrStdout(), "  %-10s enabled=%-5t epm=%-4g difficulty=%d\n", t, s.Enabled, s.EventsPerMinute, s.Difficulty)
		}
		return nil
	},
}
