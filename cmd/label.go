package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/andresmejia3/watchlist/internal/store"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <enrollment_id> <name>",
	Short: "Rename an enrolled face",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.ShowError("Invalid enrollment ID", err, nil)
			return err
		}
		return runLabel(cmd.Context(), id, args[1])
	},
}

var unenrollCmd = &cobra.Command{
	Use:   "unenroll <enrollment_id>",
	Short: "Remove an enrolled face from the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.ShowError("Invalid enrollment ID", err, nil)
			return err
		}
		return runUnenroll(cmd.Context(), id)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(unenrollCmd)
}

func runLabel(ctx context.Context, id int, name string) error {
	db, err := openStore(ctx)
	if err != nil {
		utils.ShowError("Failed to open database", err, nil)
		return err
	}
	if err := db.RenameEnrollment(ctx, id, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("enrollment %d does not exist", id)
		}
		utils.ShowError("Failed to label enrollment", err, nil)
		return err
	}
	fmt.Printf("✅ Enrollment %d labeled as '%s'\n", id, name)
	return nil
}

func runUnenroll(ctx context.Context, id int) error {
	db, err := openStore(ctx)
	if err != nil {
		utils.ShowError("Failed to open database", err, nil)
		return err
	}
	if err := db.DeleteEnrollment(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("enrollment %d does not exist", id)
		}
		utils.ShowError("Failed to remove enrollment", err, nil)
		return err
	}
	fmt.Printf("🗑️  Enrollment %d removed\n", id)
	return nil
}
