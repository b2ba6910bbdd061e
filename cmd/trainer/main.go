package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "trainer",
	Short:         "Adaptive MATB workload trainer engine",
	Long:          `Runs the adaptive event scheduler for the four MATB tasks, exposes the control API and reads the session journal.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./trainer.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(runCmd, validateCmd, historyCmd)
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
