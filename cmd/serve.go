package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/andresmejia3/watchlist/internal/archive"
	"github.com/andresmejia3/watchlist/internal/capture"
	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/pipeline"
	"github.com/andresmejia3/watchlist/internal/tally"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/andresmejia3/watchlist/internal/web"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	device       string
	format       string
	host         string
	port         int
	threshold    float64
	cacheTimeout time.Duration
	policy       string
	knownFaces   string
	source       string
	archive      string
	archivePath  string
	noMirror     bool
	realtime     bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the camera and serve the live view",
	Long: `Starts the detector, enrolls the known faces, opens the camera and serves
the annotated stream on / with counters on /current_data and /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyServeFlags(cmd, Cfg)
		return runServe(cmd.Context(), Cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.device, "device", "i", "", "Camera device, stream URL or video file")
	f.StringVar(&serveFlags.format, "format", "", "FFmpeg input format (v4l2, avfoundation, dshow); empty for files and URLs")
	f.StringVar(&serveFlags.host, "host", "", "Listen host")
	f.IntVarP(&serveFlags.port, "port", "p", 0, "Listen port")
	f.Float64VarP(&serveFlags.threshold, "threshold", "t", 0, "Face matching threshold (Euclidean distance)")
	f.DurationVar(&serveFlags.cacheTimeout, "cache-timeout", 0, "How long a recognized face stays cached")
	f.StringVar(&serveFlags.policy, "policy", "", "Match policy: first or nearest")
	f.StringVarP(&serveFlags.knownFaces, "known-faces", "k", "", "Known faces directory (whitelist/ and blacklist/)")
	f.StringVar(&serveFlags.source, "source", "", "Enrollment source: dir or db")
	f.StringVar(&serveFlags.archive, "archive", "", "Event archive: none, sqlite or postgres")
	f.StringVar(&serveFlags.archivePath, "archive-path", "", "SQLite archive file")
	f.BoolVar(&serveFlags.noMirror, "no-mirror", false, "Do not flip the camera image horizontally")
	f.BoolVar(&serveFlags.realtime, "realtime", false, "Read file inputs at their native frame rate")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("device") {
		cfg.Camera.Device = serveFlags.device
		if !f.Changed("format") {
			// A file or URL cannot be opened as a v4l2 device.
			if _, err := os.Stat(serveFlags.device); err == nil && !isDeviceNode(serveFlags.device) {
				cfg.Camera.Format = ""
			}
		}
	}
	if f.Changed("format") {
		cfg.Camera.Format = serveFlags.format
	}
	if f.Changed("host") {
		cfg.Server.Host = serveFlags.host
	}
	if f.Changed("port") {
		cfg.Server.Port = serveFlags.port
	}
	if f.Changed("threshold") {
		cfg.Match.Threshold = serveFlags.threshold
	}
	if f.Changed("cache-timeout") {
		cfg.Match.CacheTimeout = serveFlags.cacheTimeout
	}
	if f.Changed("policy") {
		cfg.Match.Policy = serveFlags.policy
	}
	if f.Changed("known-faces") {
		cfg.Enroll.Dir = serveFlags.knownFaces
	}
	if f.Changed("source") {
		cfg.Enroll.Source = serveFlags.source
	}
	if f.Changed("archive") {
		cfg.Archive.Backend = serveFlags.archive
	}
	if f.Changed("archive-path") {
		cfg.Archive.Path = serveFlags.archivePath
	}
	if serveFlags.noMirror {
		cfg.Camera.Mirror = false
	}
	if serveFlags.realtime {
		cfg.Camera.Realtime = true
	}
}

func isDeviceNode(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeDevice != 0
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}

	// Child processes outlive ctx until the frame loop has stopped, so a cycle
	// that is already running can finish.
	procCtx, stopProcs := context.WithCancel(context.WithoutCancel(ctx))
	defer stopProcs()

	w, err := startWorker(procCtx, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	gallery, err := loadGallery(ctx, cfg, w)
	if err != nil {
		return err
	}
	if gallery.Len() == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  No faces enrolled, every detection will be Unknown")
	}
	engine, err := newEngine(gallery, cfg)
	if err != nil {
		return err
	}
	agg := tally.New(cfg.Log.Retention)

	fmt.Fprintf(os.Stderr, "📷 Opening camera %s...\n", cfg.Camera.Device)
	cam, err := capture.Open(procCtx, capture.Config{
		Device:   cfg.Camera.Device,
		Format:   cfg.Camera.Format,
		Width:    cfg.Camera.Width,
		Height:   cfg.Camera.Height,
		FPS:      cfg.Camera.FPS,
		Mirror:   cfg.Camera.Mirror,
		Realtime: cfg.Camera.Realtime,
	})
	if err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	defer func() {
		// Kill the child processes first so nothing is left blocked on them.
		stopProcs()
		cam.Close()
	}()

	hub := web.NewFrameHub()
	opts := pipeline.Options{
		Scale:         cfg.Pipeline.Scale,
		DegradedAfter: cfg.Pipeline.DegradedAfter,
		Quality:       cfg.Pipeline.Quality,
		StallTimeout:  cfg.Pipeline.StallTimeout,
		Frames:        hub,
	}

	writer, closeArchive, err := openArchive(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to open event archive", err, nil)
		return err
	}
	if writer != nil {
		opts.Events = writer
		defer closeArchive()
	}

	pipe := pipeline.New(cam, w, engine, agg, opts)
	srv := web.NewServer(web.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		PushInterval: cfg.Server.PushInterval,
		Recent:       cfg.Log.Recent,
	}, hub, agg, pipe)

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- pipe.Run(ctx) }()
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	fmt.Fprintf(os.Stderr, "👁️  Watching. Open http://%s in a browser\n", cfg.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		// Wait for the in-flight cycle, but not for a camera that stopped sending.
		select {
		case runErr = <-pipeErr:
		case <-time.After(5 * time.Second):
			log.Println("pipeline did not stop in time")
		}
	case runErr = <-pipeErr:
	case runErr = <-srvErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("web server shutdown: %v", err)
	}

	st := pipe.Status()
	fmt.Fprintf(os.Stderr, "\n🏁 Stopped. %d frames read, %d processed, %d detections logged.\n", st.Frames, st.Processed, agg.Len())

	if runErr != nil {
		utils.ShowError("Watch loop failed", runErr, w.Cmd)
		return runErr
	}
	return nil
}

// openArchive returns the configured event writer and its close function,
// or a nil writer when archiving is disabled.
func openArchive(ctx context.Context, cfg *config.Config) (*archive.Writer, func(), error) {
	var backend archive.Backend
	var closeBackend func()

	switch cfg.Archive.Backend {
	case "none", "":
		return nil, func() {}, nil
	case "sqlite":
		db, err := archive.OpenSQLite(cfg.Archive.Path)
		if err != nil {
			return nil, nil, err
		}
		backend = db
		closeBackend = func() { db.Close() }
	case "postgres":
		db, err := openStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		backend = db
		closeBackend = func() {}
	default:
		return nil, nil, errors.New("unknown archive backend " + cfg.Archive.Backend)
	}

	writer := archive.NewWriter(backend, archive.Options{})
	fmt.Fprintf(os.Stderr, "🗄️  Archiving events to %s (run %s)\n", cfg.Archive.Backend, writer.RunID()[:8])

	return writer, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := writer.Close(ctx); err != nil {
			log.Printf("archive: %v", err)
		}
		if n := writer.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  %d events were dropped because the archive fell behind\n", n)
		}
		closeBackend()
	}, nil
}
