package mainloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		if err := l.Post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	l.Stop()
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("ran %d functions", len(got))
	}
}

func TestPostFromInsideLoop(t *testing.T) {
	l := New()
	var got []string
	_ = l.Post(func() {
		got = append(got, "outer")
		_ = l.Post(func() {
			got = append(got, "inner")
			l.Stop()
		})
	})
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[0] != "outer" || got[1] != "inner" {
		t.Fatalf("got %v", got)
	}
}

func TestCallFromOtherGoroutines(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Call(ctx, func() { counter++ }); err != nil {
				t.Errorf("call: %v", err)
			}
		}()
	}
	wg.Wait()

	var final int
	_ = l.Call(ctx, func() { final = counter })
	if final != 20 {
		t.Fatalf("counter = %d", final)
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New()
	l.Stop()
	if err := l.Post(func() {}); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
