package web

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFrameHubLatestWins(t *testing.T) {
	hub := NewFrameHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	hub.Publish([]byte("a"))
	hub.Publish([]byte("b"))
	hub.Publish([]byte("c"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(frame) != "c" {
		t.Errorf("Expected the latest frame, got %q", frame)
	}
	if sub.Dropped() != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", sub.Dropped())
	}

	// Nothing new: Next blocks until the context expires.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := sub.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestFrameHubSubscribePrimedWithLatest(t *testing.T) {
	hub := NewFrameHub()
	if hub.Latest() != nil {
		t.Error("Expected no frame before the first publish")
	}
	hub.Publish([]byte("first"))

	sub := hub.Subscribe()
	frame, err := sub.Next(context.Background())
	if err != nil || string(frame) != "first" {
		t.Errorf("Expected primed frame, got %q (%v)", frame, err)
	}
	if hub.Subscribers() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", hub.Subscribers())
	}
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	if hub.Subscribers() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", hub.Subscribers())
	}
}

func TestFrameHubClose(t *testing.T) {
	hub := NewFrameHub()
	sub := hub.Subscribe()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	hub.Close()
	hub.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrHubClosed) {
			t.Errorf("Expected ErrHubClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}

	hub.Publish([]byte("late"))
	if hub.Published() != 0 {
		t.Error("Publish after Close should be ignored")
	}
}
