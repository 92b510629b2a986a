// Package pipeline drives the capture, detect, match and publish loop.
//
// Frames alternate between two phases. A Process frame is downscaled, sent to
// the detector, and every embedding is matched and recorded into one tally
// cycle. A Skip frame reuses the previous results for annotation and leaves
// the tally, the log and the cache untouched.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/andresmejia3/watchlist/internal/imaging"
	"github.com/andresmejia3/watchlist/internal/match"
	"github.com/andresmejia3/watchlist/internal/tally"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/worker"
)

const (
	DefaultScale         = 0.25
	DefaultDegradedAfter = 30
	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultMaxRetryDelay = 5 * time.Second
	DefaultStallTimeout  = 5 * time.Second
)

// Detector finds faces in a JPEG frame and returns one embedding per face.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]types.Detection, error)
}

// Source yields JPEG frames. Next blocks until a frame is available.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Restarter is implemented by sources that can recover from a broken stream.
// The restarted source keeps its own lifetime; ctx only bounds the restart.
type Restarter interface {
	Restart(ctx context.Context) error
}

// FrameSink receives every annotated frame.
type FrameSink interface {
	Publish(jpeg []byte)
}

// EventSink receives the log entries of every committed cycle.
type EventSink interface {
	Submit(entries []tally.Entry)
}

// Phase is the role of the next frame.
type Phase int

const (
	PhaseProcess Phase = iota
	PhaseSkip
)

func (p Phase) String() string {
	if p == PhaseSkip {
		return "skip"
	}
	return "process"
}

// Options tune the loop. Zero values pick the defaults.
type Options struct {
	Scale         float64
	DegradedAfter int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Quality       int

	// StallTimeout bounds the wait for one frame. A source that stays silent
	// longer counts as an acquisition failure and is reported degraded.
	// Negative disables it.
	StallTimeout time.Duration

	Frames FrameSink
	Events EventSink
	Logger *log.Logger
}

// Status is a point-in-time view of the loop's health.
type Status struct {
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFrameAt         time.Time `json:"last_frame_at"`
	Frames              uint64    `json:"frames"`
	Processed           uint64    `json:"processed"`
	Dropped             uint64    `json:"dropped"`
}

type failKind int

const (
	failNone failKind = iota
	failAcquire
	failDetect
)

// Pipeline owns the per-frame state. Run must be called from a single goroutine;
// Status and Results are safe to call concurrently.
type Pipeline struct {
	source   Source
	detector Detector
	engine   *match.Engine
	agg      *tally.Aggregator
	opts     Options
	logger   *log.Logger

	// Now is the clock used to timestamp log entries.
	Now func() time.Time

	phase Phase
	delay time.Duration

	mu       sync.RWMutex
	status   Status
	lastFail failKind
	last     []types.FaceMatch
}

// New wires a pipeline. engine and agg must not be nil.
func New(src Source, det Detector, engine *match.Engine, agg *tally.Aggregator, opts Options) *Pipeline {
	if opts.Scale <= 0 || opts.Scale > 1 {
		opts.Scale = DefaultScale
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = DefaultDegradedAfter
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = max(DefaultMaxRetryDelay, opts.RetryDelay)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		source:   src,
		detector: det,
		engine:   engine,
		agg:      agg,
		opts:     opts,
		logger:   logger,
		Now:      time.Now,
		delay:    opts.RetryDelay,
	}
}

// Phase reports which phase the next acquired frame will run.
func (p *Pipeline) Phase() Phase { return p.phase }

// Status returns a copy of the health counters. A source that has not
// delivered a frame within the stall timeout is reported degraded even before
// enough failures have been counted.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	st := p.status
	p.mu.RUnlock()
	if p.opts.StallTimeout > 0 && !st.LastFrameAt.IsZero() && p.Now().Sub(st.LastFrameAt) > p.opts.StallTimeout {
		st.Degraded = true
	}
	return st
}

// Results returns the face matches drawn on the most recent frame.
func (p *Pipeline) Results() []types.FaceMatch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.FaceMatch, len(p.last))
	copy(out, p.last)
	return out
}

// Run loops until ctx is cancelled or the detector worker exits.
// Cancellation interrupts a wait for a frame but never a started cycle.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Printf("pipeline: started (scale %.2f, threshold %.2f)", p.opts.Scale, p.engine.Threshold())
	for {
		if ctx.Err() != nil {
			p.logger.Printf("pipeline: stopped after %d frames", p.Status().Frames)
			return nil
		}
		if err := p.Step(ctx); err != nil {
			return err
		}
	}
}

// Step acquires one frame and runs one cycle. Only fatal errors are returned.
func (p *Pipeline) Step(ctx context.Context) error {
	nextCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.opts.StallTimeout > 0 {
		nextCtx, cancel = context.WithTimeout(ctx, p.opts.StallTimeout)
	}
	frame, err := p.source.Next(nextCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.acquireFailed(ctx, err)
		return nil
	}
	p.frameAcquired()

	// A started cycle finishes even if shutdown begins meanwhile.
	cycleCtx := context.WithoutCancel(ctx)

	var results []types.FaceMatch
	if p.phase == PhaseProcess {
		matches, err := p.process(cycleCtx, frame)
		switch {
		case errors.Is(err, worker.ErrWorkerExited):
			return err
		case err != nil:
			p.detectFailed(err)
			results = p.Results()
		default:
			results = matches
			p.mu.Lock()
			p.last = matches
			p.status.Processed++
			p.lastFail = failNone
			p.status.ConsecutiveFailures = 0
			p.status.Degraded = false
			p.mu.Unlock()
		}
	} else {
		results = p.Results()
	}

	p.publish(frame, results)

	if p.phase == PhaseProcess {
		p.phase = PhaseSkip
	} else {
		p.phase = PhaseProcess
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, frame []byte) ([]types.FaceMatch, error) {
	small, err := imaging.DownscaleJPEG(frame, p.opts.Scale)
	if err != nil {
		return nil, err
	}
	detections, err := p.detector.Detect(ctx, small)
	if err != nil {
		return nil, err
	}

	now := p.Now()
	cycle := p.agg.BeginCycle()
	matches := make([]types.FaceMatch, 0, len(detections))
	for _, d := range detections {
		res, err := p.engine.Match(d.Embedding)
		if err != nil {
			p.logger.Printf("pipeline: dropping detection: %v", err)
			p.mu.Lock()
			p.status.Dropped++
			p.mu.Unlock()
			continue
		}
		cycle.Record(res.Category, res.Label, now)
		matches = append(matches, types.FaceMatch{
			Label:    res.Label,
			Category: res.Category,
			Box:      d.Box.Scale(1 / p.opts.Scale),
		})
	}
	cycle.Commit()

	if p.opts.Events != nil {
		if entries := cycle.Entries(); len(entries) > 0 {
			p.opts.Events.Submit(entries)
		}
	}
	return matches, nil
}

func (p *Pipeline) publish(frame []byte, results []types.FaceMatch) {
	if p.opts.Frames == nil {
		return
	}
	out, err := imaging.AnnotateJPEG(frame, results, p.opts.Quality)
	if err != nil {
		p.logger.Printf("pipeline: annotate failed, publishing raw frame: %v", err)
		out = frame
	}
	p.opts.Frames.Publish(out)
}

func (p *Pipeline) frameAcquired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Frames++
	p.status.LastFrameAt = p.Now()
	if p.lastFail == failAcquire {
		if p.status.Degraded {
			p.logger.Printf("pipeline: capture recovered after %d failures", p.status.ConsecutiveFailures)
		}
		p.lastFail = failNone
		p.status.ConsecutiveFailures = 0
		p.status.Degraded = false
	}
	p.delay = p.opts.RetryDelay
}

func (p *Pipeline) detectFailed(err error) {
	p.logger.Printf("pipeline: detection failed: %v", err)
	p.fail(failDetect)
}

func (p *Pipeline) acquireFailed(ctx context.Context, err error) {
	n := p.fail(failAcquire)
	if n == 1 || n%p.opts.DegradedAfter == 0 {
		p.logger.Printf("pipeline: frame acquisition failed (%d in a row): %v", n, err)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.delay):
	}
	p.delay = min(p.delay*2, p.opts.MaxRetryDelay)

	if r, ok := p.source.(Restarter); ok {
		if err := r.Restart(ctx); err != nil && ctx.Err() == nil {
			p.logger.Printf("pipeline: restarting capture failed: %v", err)
		}
	}
}

func (p *Pipeline) fail(kind failKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFail = kind
	p.status.ConsecutiveFailures++
	if p.status.ConsecutiveFailures >= p.opts.DegradedAfter && !p.status.Degraded {
		p.status.Degraded = true
		p.logger.Printf("pipeline: degraded after %d consecutive failures", p.status.ConsecutiveFailures)
	}
	return p.status.ConsecutiveFailures
}
