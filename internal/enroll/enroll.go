// Package enroll builds the allow and deny lists from a known-faces directory.
//
// The layout is <root>/whitelist/<person>/<image> and <root>/blacklist/<person>/<image>.
// Each image contributes the embedding of its first detected face, labelled
// with the person's directory name.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/watchlist/internal/match"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/andresmejia3/watchlist/internal/worker"
	"github.com/schollz/progressbar/v3"
)

// Categories lists the enrollment directories in load order.
var Categories = []types.Category{types.Allow, types.Deny}

// Detector turns an image into face embeddings.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]types.Detection, error)
}

// Record is one enrolled image.
type Record struct {
	match.Entry
	SourceID   string
	SourcePath string
}

// Report summarizes a load.
type Report struct {
	Images  int
	NoFace  int
	Failed  int
	Missing []string // category directories that do not exist
}

// Options control progress output.
type Options struct {
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
	// Log receives per-image warnings. Nil discards them.
	Log io.Writer
}

type imageFile struct {
	category types.Category
	person   string
	path     string
}

// scan lists every candidate image under root in a stable order.
func scan(root string) ([]imageFile, []string, error) {
	var files []imageFile
	var missing []string

	for _, cat := range Categories {
		base := filepath.Join(root, cat.Slug())
		people, err := os.ReadDir(base)
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, base)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", base, err)
		}
		sortEntries(people)

		for _, person := range people {
			if !person.IsDir() {
				continue
			}
			dir := filepath.Join(base, person.Name())
			images, err := os.ReadDir(dir)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read %s: %w", dir, err)
			}
			sortEntries(images)
			for _, img := range images {
				if img.IsDir() {
					continue
				}
				files = append(files, imageFile{
					category: cat,
					person:   person.Name(),
					path:     filepath.Join(dir, img.Name()),
				})
			}
		}
	}
	return files, missing, nil
}

func sortEntries(entries []os.DirEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
}

// Load detects every image under root and returns one record per image that
// contains a face. A detector error on a single image is reported and skipped;
// context cancellation aborts the load.
func Load(ctx context.Context, root string, det Detector, opts Options) ([]Record, Report, error) {
	var report Report
	logw := opts.Log
	if logw == nil {
		logw = io.Discard
	}

	files, missing, err := scan(root)
	if err != nil {
		return nil, report, err
	}
	report.Missing = missing
	for _, m := range missing {
		fmt.Fprintf(logw, "⚠️  Folder %s not found, skipping\n", m)
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil && len(files) > 0 {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("🧬 Enrolling faces"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
		)
	}

	records := make([]Record, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		if bar != nil {
			bar.Add(1)
		}
		report.Images++

		rec, ok, err := loadOne(ctx, f, det)
		if err != nil {
			if ctx.Err() != nil {
				return nil, report, ctx.Err()
			}
			if errors.Is(err, worker.ErrWorkerExited) {
				return nil, report, err
			}
			report.Failed++
			fmt.Fprintf(logw, "\n⚠️  %s: %v\n", f.path, err)
			continue
		}
		if !ok {
			report.NoFace++
			continue
		}
		records = append(records, rec)
	}
	if bar != nil {
		bar.Finish()
	}
	return records, report, nil
}

func loadOne(ctx context.Context, f imageFile, det Detector) (Record, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Record{}, false, err
	}
	detections, err := det.Detect(ctx, data)
	if err != nil {
		return Record{}, false, err
	}
	if len(detections) == 0 {
		return Record{}, false, nil
	}
	id, err := utils.GenerateFileID(f.path)
	if err != nil {
		return Record{}, false, err
	}
	return Record{
		Entry: match.Entry{
			Embedding: detections[0].Embedding,
			Label:     f.person,
			Category:  f.category,
		},
		SourceID:   id,
		SourcePath: f.path,
	}, true, nil
}

// Gallery adds every record to a new gallery of the given dimension.
// Records with the wrong dimension are returned as an error.
func Gallery(dim int, records []Record) (*match.Gallery, error) {
	g := match.NewGallery(dim)
	for _, r := range records {
		if err := g.Add(r.Entry); err != nil {
			return nil, fmt.Errorf("%s: %w", r.SourcePath, err)
		}
	}
	return g, nil
}
