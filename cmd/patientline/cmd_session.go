package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/patientline/internal/archive"
	"github.com/user/patientline/internal/state"
	"github.com/user/patientline/internal/transcript"
	"github.com/user/patientline/internal/types"
)

var (
	sessionListLimit int
	sessionShowAll   bool
	pruneOlderThan   time.Duration
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionPruneCmd)
	sessionListCmd.Flags().IntVar(&sessionListLimit, "limit", 20, "maximum sessions to list")
	sessionShowCmd.Flags().BoolVar(&sessionShowAll, "all", false, "include hidden transcript items")
	sessionPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "remove sessions that ended before now minus this (default: configured retention)")
}

func openArchive() (*archive.Store, error) {
	cfg := loadConfig()
	return archive.Open(cfg.ArchivePath())
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect archived sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openArchive()
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List(context.Background(), sessionListLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLIENT\tAGENT\tOUTCOME\tEVENTS\tENDED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.ID,
				s.ClientID,
				s.RootAgent,
				s.Outcome,
				s.EventCount,
				s.EndedAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the transcript of an archived session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openArchive()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		rec, err := store.Get(ctx, types.SessionID(args[0]))
		if errors.Is(err, archive.ErrNotFound) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Printf("Session %s (%s)\n", rec.ID, rec.Outcome)
		fmt.Printf("Client %s, agent set %s, codec %s\n", rec.ClientID, rec.AgentSet, rec.Codec)
		fmt.Printf("%s to %s\n", rec.StartedAt.Local().Format(time.DateTime), rec.EndedAt.Local().Format(time.DateTime))
		if rec.LastError != "" {
			fmt.Printf("Last error: %s\n", rec.LastError)
		}
		fmt.Println()

		for _, item := range rec.Items {
			if item.Hidden && !sessionShowAll {
				continue
			}
			printItem(transcript.Render(item))
		}

		// The diagnostic log lives outside the archive and may have been
		// removed; its count is informational.
		cfg := loadConfig()
		if n, err := state.NewEventLog(cfg.DataDir).Count(ctx, rec.ID); err == nil && n > 0 {
			fmt.Printf("\n%d diagnostic events logged.\n", n)
		}
		return nil
	},
}

var sessionPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove archived sessions past retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		retention := pruneOlderThan
		if retention == 0 {
			retention = cfg.Retention()
		}
		if retention <= 0 {
			return fmt.Errorf("no retention configured; pass --older-than")
		}

		store, err := archive.Open(cfg.ArchivePath())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Prune(context.Background(), time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Removed %d session(s).\n", n)
		return nil
	},
}

func printItem(v transcript.View) {
	speaker := string(v.Role)
	if v.Kind == types.KindBreadcrumb {
		speaker = "*"
	}
	text := v.Text
	if v.Muted {
		text = "(" + text + ")"
	}
	if v.Chip != transcript.ChipNone {
		text += " [" + string(v.Chip)
		if v.Chip == transcript.ChipFail {
			text += ": " + v.Category
		}
		text += "]"
	}
	fmt.Printf("%s  %-9s %s\n", v.Time, speaker, text)
}
