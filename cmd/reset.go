package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/watchlist/internal/archive"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetTables  bool
	resetArchive bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored state (enrollments, event archive)",
	Long:  "Clears stored data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetTables && !resetArchive {
			resetTables = true
			resetArchive = true
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool { return resetYes || confirm(reader, os.Stdout, prompt) }

		if resetTables && ask("⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Println("🗑️  Clearing Database...")
			db, err := openStore(cmd.Context())
			if err != nil {
				utils.ShowError("Failed to open database", err, nil)
				return err
			}
			if err := db.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		// The postgres archive lives in the tables dropped above.
		if resetArchive && Cfg.Archive.Backend == "sqlite" && ask("⚠️  Are you sure you want to delete the event archive?") {
			fmt.Println("🗑️  Clearing Event Archive...")
			if err := purgeSQLite(cmd, Cfg.Archive.Path); err != nil {
				utils.ShowError("Failed to clear event archive", err, nil)
				return err
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetTables, "tables", false, "Drop the PostgreSQL tables (enrollments and events)")
	resetCmd.Flags().BoolVar(&resetArchive, "archive", false, "Clear the SQLite event archive")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func purgeSQLite(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := archive.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()
	n, err := db.Purge(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("   %d events deleted from %s\n", n, path)
	return nil
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
