package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/pdfzip/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress of the current or last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonFlag, _ := cmd.Flags().GetBool("json")

		a, err := openLocal()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.session.Status(cmd.Context())
		if err != nil {
			return err
		}
		if jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Print(ui.FormatStatus(st))
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the activity log",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		follow, _ := cmd.Flags().GetBool("follow")

		a, err := openLocal()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			entries, err := a.session.Log(ctx, after)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Print(ui.FormatLogEntry(e))
				after = e.Seq
			}
			if !follow {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Ask a running search or download to stop and keep its results",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.Cancel(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(ui.Success("Cancellation requested"))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear progress, recorded attachments and the activity log",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(ui.Success("State reset"))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	logCmd.Flags().Int64("after", 0, "only show entries after this sequence number")
	logCmd.Flags().BoolP("follow", "F", false, "keep printing new entries")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resetCmd)
}
