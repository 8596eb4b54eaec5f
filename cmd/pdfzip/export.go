package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/pdfzip/internal/pipeline"
	"github.com/shineum/pdfzip/internal/ui"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Authenticate and show the connected account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOnline(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		email, err := a.session.Connect(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(ui.Success("Connected as " + email))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find PDF attachments in messages matching a Gmail query",
	Long: `Search the mailbox with a Gmail query and record every PDF attachment of the
matching messages. Use --filter to keep only attachments whose file name
matches a case-insensitive regular expression.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOnline(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return withInterrupt(a.session, func(ctx context.Context) error {
			res, err := a.session.Search(ctx, searchRequest(cmd))
			if err != nil {
				return err
			}
			fmt.Print(ui.FormatSearch(res))
			return nil
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Fetch the recorded attachments and save them as a ZIP archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOnline(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return withInterrupt(a.session, func(ctx context.Context) error {
			res, err := a.session.Download(ctx)
			if err != nil {
				return err
			}
			fmt.Print(ui.FormatDownload(res))
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Search and download in one go",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOnline(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return withInterrupt(a.session, func(ctx context.Context) error {
			sr, dr, err := a.session.Run(ctx, searchRequest(cmd))
			if sr != nil {
				fmt.Print(ui.FormatSearch(sr))
			}
			if err != nil {
				return err
			}
			if dr != nil {
				fmt.Print(ui.FormatDownload(dr))
			}
			return nil
		})
	},
}

// searchRequest builds a request from flags, falling back to configuration.
func searchRequest(cmd *cobra.Command) pipeline.Request {
	query, _ := cmd.Flags().GetString("query")
	filter, _ := cmd.Flags().GetString("filter")

	if !cmd.Flags().Changed("query") {
		query = cfg.Gmail.Query
	}
	if !cmd.Flags().Changed("filter") {
		filter = cfg.Gmail.NameFilter
	}
	return pipeline.Request{Query: query, NameFilter: filter}
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, runCmd} {
		c.Flags().StringP("query", "q", "", "Gmail search query (default from config, else \"filename:pdf\")")
		c.Flags().StringP("filter", "f", "", "keep attachments whose name matches this regular expression")
	}

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(runCmd)
}
