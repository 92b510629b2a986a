package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/enroll"
	"github.com/andresmejia3/watchlist/internal/match"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/andresmejia3/watchlist/internal/worker"
)

// startWorker launches the detector process described by cfg.
func startWorker(ctx context.Context, cfg *config.Config) (*worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Command:     cfg.Worker.Command,
		Args:        cfg.Worker.Args,
		Dim:         cfg.Worker.Dim,
		ReadTimeout: cfg.Worker.Timeout,
		Model:       cfg.Worker.Model,
	})
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return nil, err
	}
	return w, nil
}

// loadGallery builds the allow and deny lists from the configured source:
// the known-faces directory (detected now) or the enrollments table.
func loadGallery(ctx context.Context, cfg *config.Config, w *worker.PythonWorker) (*match.Gallery, error) {
	if cfg.Enroll.Source == "db" {
		db, err := openStore(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := db.ListEnrollments(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list enrollments: %w", err)
		}
		g := match.NewGallery(cfg.Worker.Dim)
		for _, r := range rows {
			if err := g.Add(match.Entry{Embedding: r.Embedding, Label: r.Label, Category: r.Category}); err != nil {
				return nil, fmt.Errorf("enrollment %d: %w", r.ID, err)
			}
		}
		fmt.Fprintf(os.Stderr, "🗄️  Loaded %d enrollments from the database\n", g.Len())
		return g, nil
	}

	fmt.Fprintf(os.Stderr, "📂 Loading known faces from %s...\n", cfg.Enroll.Dir)
	records, report, err := enroll.Load(ctx, cfg.Enroll.Dir, w, enroll.Options{Progress: os.Stderr, Log: os.Stderr})
	if err != nil {
		utils.ShowError("Failed to load known faces", err, w.Cmd)
		return nil, err
	}
	g, err := enroll.Gallery(cfg.Worker.Dim, records)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "\n✅ Enrolled %d faces (%d whitelist, %d blacklist) from %d images, %d without a face\n",
		g.Len(), len(g.List(types.Allow)), len(g.List(types.Deny)), report.Images, report.NoFace)
	return g, nil
}

func newEngine(g *match.Gallery, cfg *config.Config) (*match.Engine, error) {
	return match.NewEngine(g, match.Options{
		Threshold:    cfg.Match.Threshold,
		CacheTimeout: cfg.Match.CacheTimeout,
		Policy:       cfg.Match.Policy,
	})
}
