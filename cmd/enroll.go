package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/watchlist/internal/enroll"
	"github.com/andresmejia3/watchlist/internal/store"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [known_faces_dir]",
	Short: "Detect the known faces and store them in the database",
	Long: `Walks <dir>/whitelist/<person>/* and <dir>/blacklist/<person>/*, detects the
first face of every image and upserts it into PostgreSQL. Re-running on
unchanged images updates the existing rows.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		dir := Cfg.Enroll.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		return runEnroll(cmd.Context(), dir)
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		utils.ShowError("Known faces directory does not exist", err, nil)
		return err
	}
	if !info.IsDir() {
		err := fmt.Errorf("%s is not a directory", dir)
		utils.ShowError("Invalid known faces directory", err, nil)
		return err
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}

	w, err := startWorker(ctx, Cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	records, report, err := enroll.Load(ctx, dir, w, enroll.Options{Progress: os.Stderr, Log: os.Stderr})
	if err != nil {
		utils.ShowError("Enrollment failed", err, w.Cmd)
		return err
	}

	n, err := saveEnrollments(ctx, db, records)
	if err != nil {
		utils.ShowError("Failed to save enrollments", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n✅ Stored %d enrollments from %d images (%d without a face, %d failed)\n",
		n, report.Images, report.NoFace, report.Failed)
	return nil
}

func saveEnrollments(ctx context.Context, db *store.Store, records []enroll.Record) (int, error) {
	for i, r := range records {
		if _, err := db.UpsertEnrollment(ctx, store.Enrollment{
			Category:   r.Category,
			Label:      r.Label,
			SourceID:   r.SourceID,
			SourcePath: r.SourcePath,
			Embedding:  r.Embedding,
		}); err != nil {
			return i, fmt.Errorf("%s: %w", r.SourcePath, err)
		}
	}
	return len(records), nil
}
