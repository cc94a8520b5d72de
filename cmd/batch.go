package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kyeong6/EATceed-AI/internal/model"
)

var batchMemberID int64

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one analysis batch over all members and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		return a.orch.RunBatch(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the analysis state for one member",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.orch.GetStatus(ctx, batchMemberID)
		if err != nil {
			return err
		}

		cmd.Printf("state: %s\n", st.State)
		if st.LastRunAt != nil {
			cmd.Printf("last run: %s\n", st.LastRunAt.Format("2006-01-02 15:04:05"))
		}
		if st.BatchActive && st.State != model.StateCompleted {
			cmd.Println("a batch is running; this member may still be queued")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int64Var(&batchMemberID, "member", 0, "member id to query")
	_ = statusCmd.MarkFlagRequired("member")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
}
