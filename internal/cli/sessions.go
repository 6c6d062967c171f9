package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/session"
	"github.com/spf13/cobra"
)

var (
	sessionsShowJSON  bool
	sessionsOlderThan time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain stored sessions",
	Long:  `List, show, delete, prune and repair the step logs stored under <data_dir>/sessions.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the steps of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>...",
	Short: "Delete sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions not modified within --older-than",
	Args:  cobra.NoArgs,
	RunE:  runSessionsPrune,
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <session-id>",
	Short: "Drop unreadable lines from a session log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRepair,
}

func init() {
	sessionsShowCmd.Flags().BoolVar(&sessionsShowJSON, "json", false, "print raw step records as JSON")
	sessionsPruneCmd.Flags().DurationVar(&sessionsOlderThan, "older-than", 30*24*time.Hour, "minimum age of sessions to delete")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsPruneCmd, sessionsRepairCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionStore() (*session.JSONLStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	ids, err := store.ListSessions()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTEPS\tSIZE\tAGE")
	for _, id := range ids {
		info, err := store.SessionInfo(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t?\t?\t%v\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", id, info.StepCount, info.Size, formatDuration(time.Since(info.LastModified)))
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	if _, err := store.SessionInfo(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	steps, err := store.LoadSteps(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if sessionsShowJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(steps)
	}

	for _, step := range steps {
		fmt.Fprintf(out, "== step %d (%s)\n", step.StepIndex, step.CompletedAt.Sub(step.StartedAt).Round(time.Millisecond))
		if step.Thinking != "" {
			fmt.Fprintf(out, "thinking: %s\n", step.Thinking)
		}
		for _, res := range step.ToolResults {
			line := fmt.Sprintf("tool %s [%s] %s", res.Name, res.CallID, res.Status)
			if res.Message != "" {
				line += ": " + res.Message
			}
			fmt.Fprintln(out, line)
		}
		if step.Error != "" {
			fmt.Fprintf(out, "error: %s\n", step.Error)
		}
		if step.FinalAnswer != "" {
			fmt.Fprintf(out, "final answer: %s\n", step.FinalAnswer)
		}
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	for _, id := range args {
		if err := store.DeleteSession(id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	deleted, err := store.Prune(sessionsOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d session(s)\n", len(deleted))
	return nil
}

func runSessionsRepair(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	kept, err := store.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Repaired %s: %d step(s) kept\n", args[0], kept)
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
