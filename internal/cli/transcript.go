package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/mcpilot/internal/config"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/classifier"
	"github.com/harun/mcpilot/pkg/session"
)

var transcriptPruneDays int

var transcriptCmd = &cobra.Command{
	Use:   "transcript [session-id]",
	Short: "Print a recorded session transcript",
	Long: `Print the transcript of a session. Without a session id, list recorded sessions.
Transcripts are written when transcript_dir is set in the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTranscript,
}

func init() {
	transcriptCmd.Flags().IntVar(&transcriptPruneDays, "prune", 0, "delete transcripts older than this many days")
	rootCmd.AddCommand(transcriptCmd)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.TranscriptDir == "" {
		return fmt.Errorf("transcripts are disabled: set transcript_dir in the configuration")
	}
	store, err := session.NewTranscript(cfg.TranscriptDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if transcriptPruneDays > 0 {
		removed, err := store.Prune(time.Duration(transcriptPruneDays) * 24 * time.Hour)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d transcripts.\n", removed)
		if len(args) == 0 {
			return nil
		}
	}

	if len(args) == 0 {
		ids, err := store.List()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "No transcripts recorded.")
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := store.Load(ctx, args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no transcript for session %s", args[0])
	}
	printTranscript(out, entries)
	return nil
}

func printTranscript(w io.Writer, entries []session.Entry) {
	for _, entry := range entries {
		msg := entry.Message
		stamp := mutedStyle.Render(msg.CreatedAt.Local().Format("15:04:05"))
		switch msg.Role {
		case agent.RoleUser:
			fmt.Fprintf(w, "%s %s %s\n", stamp, titleStyle.Render("user:"), msg.Content)
		case agent.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(w, "%s %s %s\n", stamp, titleStyle.Render("assistant:"), msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(w, "%s %s %s\n", stamp, warnStyle.Render("call:"), call.String())
			}
		case agent.RoleTool:
			label := successStyle.Render("result:")
			if msg.Status == classifier.StatusFailure {
				label = errorStyle.Render("failed:")
			}
			fmt.Fprintf(w, "%s %s %s\n", stamp, label, msg.Content)
		default:
			fmt.Fprintf(w, "%s %s: %s\n", stamp, msg.Role, msg.Content)
		}
	}
}
