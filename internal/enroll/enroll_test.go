package enroll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/watchlist/internal/match"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/worker"
)

// contentDetector derives its answer from the file content:
// "face:<x>" yields one face at x, "none" yields no faces, "err" fails.
type contentDetector struct {
	calls int
}

func (d *contentDetector) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	d.calls++
	s := string(image)
	switch {
	case s == "none":
		return nil, nil
	case s == "err":
		return nil, fmt.Errorf("python worker error: cannot decode image")
	case s == "exit":
		return nil, worker.ErrWorkerExited
	case strings.HasPrefix(s, "face:"):
		var x float64
		fmt.Sscanf(s, "face:%g", &x)
		return []types.Detection{
			{Embedding: []float64{x, 0}},
			{Embedding: []float64{99, 99}},
		}, nil
	}
	return nil, fmt.Errorf("unexpected content %q", s)
}

func writeFile(t *testing.T, root string, parts ...string) {
	t.Helper()
	path := filepath.Join(append([]string{root}, parts[:len(parts)-1]...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(parts[len(parts)-1]), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "whitelist", "bob", "1.jpg", "face:2")
	writeFile(t, root, "whitelist", "alice", "2.jpg", "face:1.5")
	writeFile(t, root, "whitelist", "alice", "1.jpg", "face:1")
	writeFile(t, root, "whitelist", "alice", "blurry.jpg", "none")
	writeFile(t, root, "whitelist", "notes.txt", "ignored")
	writeFile(t, root, "blacklist", "mallory", "a.jpg", "face:9")
	writeFile(t, root, "blacklist", "mallory", "broken.jpg", "err")

	var logs bytes.Buffer
	det := &contentDetector{}
	records, report, err := Load(context.Background(), root, det, Options{Log: &logs})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []struct {
		label string
		cat   types.Category
		x     float64
	}{
		{"alice", types.Allow, 1},
		{"alice", types.Allow, 1.5},
		{"bob", types.Allow, 2},
		{"mallory", types.Deny, 9},
	}
	if len(records) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(records))
	}
	for i, w := range want {
		r := records[i]
		if r.Label != w.label || r.Category != w.cat || r.Embedding[0] != w.x {
			t.Errorf("Record %d: got %s/%v/%v, want %s/%v/%v", i, r.Label, r.Category, r.Embedding[0], w.label, w.cat, w.x)
		}
		if r.SourceID == "" || r.SourcePath == "" {
			t.Errorf("Record %d is missing its source", i)
		}
	}

	if report.Images != 6 || report.NoFace != 1 || report.Failed != 1 || len(report.Missing) != 0 {
		t.Errorf("Unexpected report %+v", report)
	}
	if !strings.Contains(logs.String(), "broken.jpg") {
		t.Errorf("Expected the failing image to be logged, got %q", logs.String())
	}
}

func TestLoadMissingCategory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "whitelist", "alice", "1.jpg", "face:1")

	var logs bytes.Buffer
	records, report, err := Load(context.Background(), root, &contentDetector{}, Options{Log: &logs})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}
	if len(report.Missing) != 1 || filepath.Base(report.Missing[0]) != "blacklist" {
		t.Errorf("Expected blacklist to be reported missing, got %v", report.Missing)
	}
	if !strings.Contains(logs.String(), "not found") {
		t.Errorf("Expected a missing-folder warning, got %q", logs.String())
	}
}

func TestLoadWorkerExit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "whitelist", "alice", "1.jpg", "exit")
	writeFile(t, root, "whitelist", "alice", "2.jpg", "face:1")

	det := &contentDetector{}
	_, _, err := Load(context.Background(), root, det, Options{})
	if !errors.Is(err, worker.ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited, got %v", err)
	}
	if det.calls != 1 {
		t.Errorf("Expected the load to stop after the worker exited, got %d calls", det.calls)
	}
}

func TestLoadCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "whitelist", "alice", "1.jpg", "face:1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := Load(ctx, root, &contentDetector{}, Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestGallery(t *testing.T) {
	records := []Record{
		{Entry: entry("alice", types.Allow, 1, 0), SourcePath: "a"},
		{Entry: entry("mallory", types.Deny, 9, 0), SourcePath: "b"},
	}
	g, err := Gallery(2, records)
	if err != nil {
		t.Fatalf("Gallery failed: %v", err)
	}
	if g.Len() != 2 || len(g.List(types.Allow)) != 1 || len(g.List(types.Deny)) != 1 {
		t.Errorf("Unexpected gallery contents")
	}

	records = append(records, Record{Entry: entry("odd", types.Allow, 1, 2, 3), SourcePath: "c.jpg"})
	if _, err := Gallery(2, records); err == nil || !strings.Contains(err.Error(), "c.jpg") {
		t.Errorf("Expected a dimension error naming c.jpg, got %v", err)
	}
}

func entry(label string, cat types.Category, v ...float64) match.Entry {
	return match.Entry{Embedding: v, Label: label, Category: cat}
}
