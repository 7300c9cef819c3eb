package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryPresenceTransitions(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()
	user := uuid.New()

	online, err := p.IsOnline(ctx, user)
	if err != nil || online {
		t.Fatalf("IsOnline before connect = %v, %v", online, err)
	}

	first, err := p.Connected(ctx, user)
	if err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if !first {
		t.Error("first socket should report the online transition")
	}

	// A second device for the same user is not a transition.
	second, err := p.Connected(ctx, user)
	if err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if second {
		t.Error("second socket should not report a transition")
	}

	if online, _ = p.IsOnline(ctx, user); !online {
		t.Error("user with two sockets reported offline")
	}

	// Closing one of two sockets keeps the user online.
	last, err := p.Disconnected(ctx, user)
	if err != nil {
		t.Fatalf("Disconnected: %v", err)
	}
	if last {
		t.Error("one socket remains, offline transition reported")
	}

	last, err = p.Disconnected(ctx, user)
	if err != nil {
		t.Fatalf("Disconnected: %v", err)
	}
	if !last {
		t.Error("last socket closed, no offline transition reported")
	}

	if online, _ = p.IsOnline(ctx, user); online {
		t.Error("user reported online after last disconnect")
	}
}

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()

	var mu sync.Mutex
	var got []busFrame
	go b.Subscribe(ctx, func(f busFrame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	// Wait for the subscription to register before publishing.
	for {
		b.mu.Lock()
		n := len(b.handlers)
		b.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	frame := busFrame{
		Room:   "conv:" + uuid.New().String(),
		Event:  EvMessageNew,
		Data:   json.RawMessage(`{"body":"hi"}`),
		Origin: "node-a",
	}
	if err := b.Publish(ctx, frame); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered %d frames, want 1", len(got))
	}
	if got[0].Room != frame.Room || got[0].Event != frame.Event || got[0].Origin != "node-a" {
		t.Errorf("frame = %+v, want %+v", got[0], frame)
	}
}
