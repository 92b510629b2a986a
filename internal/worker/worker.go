package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorkerExited is returned once the Python process has closed its pipes.
var ErrWorkerExited = errors.New("detector worker exited")

// Response status bytes written by the Python side.
const (
	statusOK    = 0
	statusError = 1
)

// maxFaces bounds a single response so a corrupt length header cannot
// trigger a huge allocation.
const maxFaces = 1024


// Config controls how the detector process is started.
type Config struct {
	// Command and Args start the detector, e.g. python3 -u python/worker.py
	Command string
	Args    []string
	// Dim is the embedding length the detector emits per face.
	Dim int
	// ReadTimeout bounds a single frame round trip. Zero disables it.
	ReadTimeout time.Duration
	// Model is passed to the detector as --model (hog or cnn).
	Model string
}

// PythonWorker talks to a face detection/embedding process over a length-prefixed
// binary protocol: frames go in on stdin, results come back on FD 3.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	dim         int
	readTimeout time.Duration
	mu          sync.Mutex
	// broken is set once the pipe framing can no longer be trusted.
	broken error
}

// NewPythonWorker starts the detector process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	args := append([]string{}, cfg.Args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	py := utils.NewSafeCommand(ctx, cfg.Command, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		dim:         cfg.Dim,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request and returns the raw response body.
// Any failure after the request is sent leaves the pipe out of step, so it
// kills the worker and every later call fails with ErrWorkerExited.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, w.broken
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerExited, err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerExited, err)
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.readTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.readTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.fail(err) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if limit := w.maxResponse(); int64(respLen) > limit {
		return nil, w.fail(fmt.Errorf("response of %d bytes exceeds the %d byte limit", respLen, limit))
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.fail(err)
	}
	return respBody, nil
}

func (w *PythonWorker) maxResponse() int64 {
	return 1 + 4 + maxFaces*int64(16+4*w.dim)
}

// fail marks the worker unusable and stops the process.
func (w *PythonWorker) fail(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = fmt.Errorf("no response within %v: %w", w.readTimeout, err)
	}
	w.broken = fmt.Errorf("%w: %v", ErrWorkerExited, err)
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	return w.broken
}

// Detect sends a JPEG frame and returns every face the worker found in it.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	return decodeDetections(resp, w.dim)
}

// Close shuts the pipes and waits for the process to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// decodeDetections parses a response body:
// [Status:0] [NumFaces] ([Top Right Bottom Left] [Vec dim x float32])...
// [Status:1] [MsgLen] [Msg]
func decodeDetections(resp []byte, dim int) ([]types.Detection, error) {
	buf := bytes.NewReader(resp)
	status, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(buf, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(buf, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status byte %d", status)
	}

	var numFaces uint32
	if err := binary.Read(buf, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("reading face count: %w", err)
	}

	// Guard against a garbage count before allocating.
	faceSize := 16 + 4*dim
	if int64(numFaces)*int64(faceSize) > int64(buf.Len()) {
		return nil, fmt.Errorf("worker reported %d faces but sent %d bytes", numFaces, buf.Len())
	}

	faces := make([]types.Detection, 0, numFaces)
	vec32 := make([]float32, dim)
	for i := uint32(0); i < numFaces; i++ {
		var loc [4]int32
		if err := binary.Read(buf, binary.BigEndian, &loc); err != nil {
			return nil, fmt.Errorf("reading box %d: %w", i, err)
		}
		if err := binary.Read(buf, binary.BigEndian, vec32); err != nil {
			return nil, fmt.Errorf("reading embedding %d: %w", i, err)
		}
		vec := make([]float64, dim)
		for j, v := range vec32 {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("embedding %d contains NaN", i)
			}
			vec[j] = float64(v)
		}
		faces = append(faces, types.Detection{
			Box:       types.Box{Top: int(loc[0]), Right: int(loc[1]), Bottom: int(loc[2]), Left: int(loc[3])},
			Embedding: vec,
		})
	}
	return faces, nil
}
