// Package ui formats exporter output for the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/shineum/pdfzip/internal/pipeline"
	"github.com/shineum/pdfzip/internal/state"
)

var (
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// Separator is a faint horizontal rule ending in a newline.
func Separator() string {
	return faint(strings.Repeat("─", 50)) + "\n"
}

func Success(msg string) string {
	return green("✓ ") + msg
}

func Warning(msg string) string {
	return yellow("! ") + msg
}

func Error(msg string) string {
	return red("✗ ") + msg
}

// FormatLogEntry renders one activity log line.
func FormatLogEntry(e state.LogEntry) string {
	var tag string
	switch e.Level {
	case state.LevelOK:
		tag = green("ok   ")
	case state.LevelWarn:
		tag = yellow("warn ")
	case state.LevelError:
		tag = red("error")
	default:
		tag = faint("info ")
	}
	return fmt.Sprintf("%s %s %s %s\n",
		faint(fmt.Sprintf("%4d", e.Seq)),
		faint(e.Time.Format("15:04:05")),
		tag,
		e.Text)
}

// FormatStatus renders a progress snapshot.
func FormatStatus(st *pipeline.Status) string {
	var sb strings.Builder

	email := st.Email
	if email == "" {
		email = "(not connected)"
	}

	sb.WriteString(fmt.Sprintf("%s %s\n", faint("Account:"), email))
	sb.WriteString(fmt.Sprintf("%s %s\n", faint("Phase:"), bold(cyan(string(st.Phase)))))
	if st.Canceled {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Cancel:"), yellow("requested")))
	}
	if st.Query != "" {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Query:"), st.Query))
	}
	if st.NameFilter != "" {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Filter:"), st.NameFilter))
	}
	sb.WriteString(Separator())
	sb.WriteString(fmt.Sprintf("%s %d/%d\n", faint("Messages:"), st.MessagesProcessed, st.TotalMessages))
	sb.WriteString(fmt.Sprintf("%s %d found, %d downloaded\n", faint("PDFs:"), st.PDFFound, st.PDFDownloaded))
	if st.RunID != "" {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Run:"), faint(st.RunID)))
	}
	if st.UpdatedAt > 0 {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Updated:"), faint(humanize.Time(time.UnixMilli(st.UpdatedAt)))))
	}

	return sb.String()
}

// FormatSearch renders a search summary.
func FormatSearch(res *pipeline.SearchResult) string {
	msg := fmt.Sprintf("Found %s PDF attachments in %s messages",
		bold(humanize.Comma(int64(res.Found))), humanize.Comma(int64(res.Messages)))
	if res.Canceled {
		return Warning(fmt.Sprintf("Canceled after %d/%d messages. %s", res.Processed, res.Messages, msg)) + "\n"
	}
	return Success(msg) + "\n"
}

// FormatDownload renders a download summary.
func FormatDownload(res *pipeline.DownloadResult) string {
	if res.Artifact == nil {
		return Warning("Canceled before any attachment was fetched") + "\n"
	}

	var sb strings.Builder
	line := fmt.Sprintf("Saved %s %s", bold(res.Artifact.Name),
		faint(fmt.Sprintf("(%d PDFs, %s)", res.Artifact.Entries, humanize.Bytes(uint64(len(res.Artifact.Data))))))
	if res.Canceled {
		sb.WriteString(Warning(fmt.Sprintf("Canceled after %d/%d attachments", res.Downloaded, res.Total)) + "\n")
	}
	sb.WriteString(Success(line) + "\n")
	if res.Location != "" && res.Location != "stdout" {
		sb.WriteString(fmt.Sprintf("  %s %s\n", faint("→"), res.Location))
	}
	return sb.String()
}
