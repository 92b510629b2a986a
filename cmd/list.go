package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/watchlist/internal/archive"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/spf13/cobra"
)

var listEvents int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled faces, or recent detections with --events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listEvents > 0 {
			return runListEvents(cmd.Context(), listEvents)
		}
		return runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().IntVar(&listEvents, "events", 0, "Show the last N archived detections instead of enrollments")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		utils.ShowError("Failed to open database", err, nil)
		return err
	}
	rows, err := db.ListEnrollments(ctx)
	if err != nil {
		utils.ShowError("Failed to list enrollments", err, nil)
		return err
	}

	if len(rows) == 0 {
		fmt.Println("No enrollments found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tLABEL\tSOURCE\tCREATED")
	fmt.Fprintln(w, "--\t--------\t-----\t------\t-------")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Category, r.Label, r.SourcePath, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runListEvents(ctx context.Context, n int) error {
	events, err := recentEvents(ctx, n)
	if err != nil {
		utils.ShowError("Failed to read event archive", err, nil)
		return err
	}
	if len(events) == 0 {
		fmt.Println("No archived detections.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SEEN\tCATEGORY\tLABEL\tRUN")
	fmt.Fprintln(w, "----\t--------\t-----\t---")
	for _, ev := range events {
		run := ev.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.SeenAt.Local().Format("2006-01-02 15:04:05"), ev.Category, ev.Label, run)
	}
	return w.Flush()
}

// recentEvents reads the newest n events from the configured archive.
func recentEvents(ctx context.Context, n int) ([]types.Event, error) {
	switch Cfg.Archive.Backend {
	case "sqlite":
		db, err := archive.OpenSQLite(Cfg.Archive.Path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return db.Recent(ctx, n)
	case "postgres":
		db, err := openStore(ctx)
		if err != nil {
			return nil, err
		}
		return db.RecentEvents(ctx, n)
	default:
		return nil, errors.New("no event archive configured (set archive.backend to sqlite or postgres)")
	}
}
