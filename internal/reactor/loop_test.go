package reactor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPostRunsInSubmissionOrder(t *testing.T) {
	l := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	defer cancel()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		if err := l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted tasks")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..4 in sequence", order)
		}
	}
}

func TestPostDelayedFiresInDeadlineOrder(t *testing.T) {
	l := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	defer cancel()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	l.PostDelayed(30*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "late")
		mu.Unlock()
		close(done)
	})
	l.PostDelayed(5*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "early")
		mu.Unlock()
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("order = %v, want [early late]", order)
	}
}

func TestPostAfterStopReturnsErrClosed(t *testing.T) {
	l := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	l.Stop()
	cancel()
	time.Sleep(10 * time.Millisecond)

	if err := l.Post(func() {}); err != ErrClosed {
		t.Fatalf("Post after Stop = %v, want ErrClosed", err)
	}
	if err := l.PostDelayed(time.Millisecond, func() {}); err != ErrClosed {
		t.Fatalf("PostDelayed after Stop = %v, want ErrClosed", err)
	}
}
