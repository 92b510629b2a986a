package web

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrHubClosed is returned by Subscription.Next after the hub shuts down.
var ErrHubClosed = errors.New("frame hub closed")

// FrameHub fans the latest annotated frame out to every viewer.
// Each subscriber has a single-slot mailbox: a new frame overwrites one the
// viewer has not picked up yet, so a slow browser never backs up the loop.
type FrameHub struct {
	mu     sync.Mutex
	latest []byte
	subs   map[*Subscription]struct{}
	done   chan struct{}
	closed bool

	published atomic.Uint64
}

func NewFrameHub() *FrameHub {
	return &FrameHub{
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
}

// Publish stores jpeg as the latest frame and hands it to every subscriber.
// The slice must not be modified afterwards.
func (h *FrameHub) Publish(jpeg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = jpeg
	h.published.Add(1)
	for s := range h.subs {
		s.put(jpeg)
	}
}

// Latest returns the most recent frame, or nil before the first Publish.
func (h *FrameHub) Latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Published counts frames received since start.
func (h *FrameHub) Published() uint64 { return h.published.Load() }

// Subscribers returns the number of connected viewers.
func (h *FrameHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscribe registers a viewer. The mailbox starts with the latest frame, if any.
func (h *FrameHub) Subscribe() *Subscription {
	s := &Subscription{hub: h, ready: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil {
		s.put(h.latest)
	}
	if !h.closed {
		h.subs[s] = struct{}{}
	}
	return s
}

// Unsubscribe removes a viewer. It is safe to call more than once.
func (h *FrameHub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Close wakes every subscriber with ErrHubClosed. Later publishes are ignored.
func (h *FrameHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	clear(h.subs)
}

// Subscription is one viewer's mailbox.
type Subscription struct {
	hub   *FrameHub
	mu    sync.Mutex
	frame []byte
	ready chan struct{}

	dropped atomic.Uint64
}

func (s *Subscription) put(jpeg []byte) {
	s.mu.Lock()
	if s.frame != nil {
		s.dropped.Add(1)
	}
	s.frame = jpeg
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a frame newer than the last one returned is available.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.hub.done:
			return nil, ErrHubClosed
		case <-s.ready:
			s.mu.Lock()
			frame := s.frame
			s.frame = nil
			s.mu.Unlock()
			if frame != nil {
				return frame, nil
			}
		}
	}
}

// Dropped counts frames overwritten before this viewer read them.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
