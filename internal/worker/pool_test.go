package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSameKeyRunsInOrderAndCoalesces(t *testing.T) {
	p := New(4, zerolog.Nop())
	defer p.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var ran []int

	record := func(n int) Job {
		return func(ctx context.Context) error {
			if n == 0 {
				<-release
			}
			mu.Lock()
			ran = append(ran, n)
			mu.Unlock()
			return nil
		}
	}

	p.Submit("history", record(0))
	p.Submit("history", record(1)) // superseded by 2
	p.Submit("history", record(2))
	close(release)
	p.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 || ran[0] != 0 || ran[1] != 2 {
		t.Fatalf("expected [0 2], got %v", ran)
	}
}

func TestPoolBound(t *testing.T) {
	p := New(2, zerolog.Nop())
	defer p.Close()

	var active, peak int32
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		p.Submit(key, func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}
	p.Flush()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, got %d", peak)
	}
}

func TestFailedJobDoesNotBlockKey(t *testing.T) {
	p := New(1, zerolog.Nop())
	defer p.Close()

	var ok atomic.Bool
	p.Submit("k", func(ctx context.Context) error { return errors.New("boom") })
	p.Flush()
	p.Submit("k", func(ctx context.Context) error { ok.Store(true); return nil })
	p.Flush()

	if !ok.Load() {
		t.Fatal("second job should run after a failure")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1, zerolog.Nop())
	p.Close()
	if err := p.Submit("k", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
