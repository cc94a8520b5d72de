package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kyeong6/EATceed-AI/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "eatceed",
	Short: "Diet analysis batch engine",
	Long:  "Runs weekly diet analyses over all members through a staged LLM pipeline, serves results and status over HTTP, and meters the on-demand food image path.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
