// Package capture reads JPEG frames from a camera or stream through ffmpeg.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/andresmejia3/watchlist/internal/utils"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// ErrStreamEnded is returned by Next once ffmpeg stops producing frames.
var ErrStreamEnded = errors.New("capture stream ended")

// Config describes the video input.
type Config struct {
	// Device is a device node (/dev/video0), a stream URL or a file path.
	Device string
	// Format is the ffmpeg input format (v4l2, avfoundation, dshow). Empty lets ffmpeg probe.
	Format string
	Width  int
	Height int
	FPS    int
	// Mirror flips frames horizontally, like a webcam preview.
	Mirror bool
	// Realtime reads file inputs at their native frame rate.
	Realtime bool
	// Quality is the MJPEG qscale (2 best .. 31 worst).
	Quality int
}

// FFmpegArgs builds the decoder command line.
// The output is raw MJPEG frames on stdout, which SplitJpeg can cut apart.
func FFmpegArgs(cfg Config) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if cfg.Realtime {
		args = append(args, "-re")
	}
	if cfg.Format != "" {
		args = append(args, "-f", cfg.Format)
		if cfg.Width > 0 && cfg.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
		if cfg.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(cfg.FPS))
		}
	}
	args = append(args, "-i", cfg.Device)

	var filters []string
	if cfg.Format == "" && cfg.Width > 0 && cfg.Height > 0 {
		// Non-device inputs cannot be asked for a size, so scale instead.
		filters = append(filters, fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height))
	}
	if cfg.Mirror {
		filters = append(filters, "hflip")
	}
	if len(filters) > 0 {
		vf := filters[0]
		for _, f := range filters[1:] {
			vf += "," + f
		}
		args = append(args, "-vf", vf)
	}

	quality := cfg.Quality
	if quality <= 0 {
		quality = 5
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", strconv.Itoa(quality), "-")
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// Camera is a running ffmpeg decoder.
//
// mu guards the process fields and is never held across a read, so Close and
// Restart can kill a decoder that stopped sending while Next is blocked on it.
type Camera struct {
	cfg Config
	// ctx bounds every decoder process, including restarted ones.
	ctx context.Context

	readMu sync.Mutex

	mu      sync.Mutex
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
}

// Open starts ffmpeg for cfg. The decoder, and any decoder started by Restart,
// lives until ctx is cancelled or Close is called.
func Open(ctx context.Context, cfg Config) (*Camera, error) {
	c := &Camera{cfg: cfg, ctx: ctx}
	if err := c.launch("ffmpeg", FFmpegArgs(cfg)...); err != nil {
		return nil, err
	}
	return c, nil
}

// launch starts the decoder process. Callers hold mu or own c exclusively.
func (c *Camera) launch(name string, args ...string) error {
	proc := utils.NewSafeCommand(c.ctx, name, args...)
	out, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create %s stdout pipe: %w", name, err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	c.cmd = proc
	c.out = out
	c.scanner = scanner
	return nil
}

// Next blocks until the next frame is decoded and returns a copy of it.
// Cancelling ctx kills the decoder, since a silent camera never unblocks the read.
func (c *Camera) Next(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	proc, scanner := c.cmd, c.scanner
	c.mu.Unlock()
	if scanner == nil {
		return nil, ErrStreamEnded
	}

	stop := context.AfterFunc(ctx, func() { kill(proc) })
	ok := scanner.Scan()
	if !stop() {
		return nil, ctx.Err()
	}
	if !ok {
		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			return nil, fmt.Errorf("frame scanner failed: %w", err)
		}
		if proc != nil && proc.Stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", ErrStreamEnded, bytes.TrimSpace(proc.Stderr.Bytes()))
		}
		return nil, ErrStreamEnded
	}
	frame := make([]byte, len(scanner.Bytes()))
	copy(frame, scanner.Bytes())
	return frame, nil
}

// Restart kills the current decoder and starts a new one bound to the context
// given to Open. ctx only aborts the restart itself.
func (c *Camera) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return c.launch("ffmpeg", FFmpegArgs(c.cfg)...)
}

// Close stops ffmpeg. It does not wait for a blocked Next, which returns
// ErrStreamEnded once the process is gone.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
	return nil
}

func (c *Camera) stop() {
	if c.cmd == nil {
		return
	}
	kill(c.cmd)
	c.out.Close() // Ensure pipe is closed to prevent leaks/zombies
	c.cmd.Wait()
	c.cmd = nil
	c.out = nil
	c.scanner = nil
}

func kill(proc *utils.SafeCommand) {
	if proc != nil && proc.Process != nil {
		proc.Process.Kill()
	}
}
