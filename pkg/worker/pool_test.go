package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/metrics/memory"
)

func TestNew_Defaults(t *testing.T) {
	p := New("bus", func(context.Context, messagebus.Delivery) error { return nil }, Config{}, nil)
	defer p.Close()

	if cap(p.queue) != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", cap(p.queue))
	}
	if p.workers != 2 {
		t.Errorf("Expected default workers 2, got %d", p.workers)
	}
	if p.config.MaxWaitTime != 10*time.Millisecond {
		t.Errorf("Expected default MaxWaitTime 10ms, got %v", p.config.MaxWaitTime)
	}
	if p.config.HandlerTimeout != 2*time.Minute {
		t.Errorf("Expected default HandlerTimeout 2m, got %v", p.config.HandlerTimeout)
	}
}

func TestPool_Submit(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)

	collector := memory.NewMemoryCollector()
	p := New("bus", func(_ context.Context, d messagebus.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		seen[d.ID] = d.Message
		if d.ID == "bad" {
			return errors.New("unknown action")
		}
		return nil
	}, Config{QueueSize: 10, Workers: 1}, collector)
	defer p.Close()

	for _, id := range []string{"1-0", "2-0", "bad"} {
		if err := p.Handle(context.Background(), messagebus.Delivery{ID: id, Message: "m" + id}); err != nil {
			t.Fatalf("Handle %s failed: %v", id, err)
		}
	}
	if err := p.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	if seen["2-0"] != "m2-0" {
		t.Errorf("Expected m2-0, got %q", seen["2-0"])
	}
	mu.Unlock()

	stats := p.Stats()
	if stats.Submitted != 3 {
		t.Errorf("Expected 3 submitted, got %d", stats.Submitted)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}

	q := collector.Snapshot().Queues["bus"]
	if q.Processed != 3 || q.Errors != 1 {
		t.Errorf("Expected 3 processed and 1 error, got %+v", q)
	}
}

func TestPool_ConcurrentSubmits(t *testing.T) {
	var mu sync.Mutex
	count := 0

	p := New("bus", func(context.Context, messagebus.Delivery) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, Config{QueueSize: 100, Workers: 4}, nil)
	defer p.Close()

	var wg sync.WaitGroup
	n := 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := p.Submit(context.Background(), messagebus.Delivery{ID: fmt.Sprintf("%d-0", i)}); err != nil {
				t.Errorf("Submit %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if err := p.Flush(2 * time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != n {
		t.Errorf("Expected %d handled, got %d", n, count)
	}
}

func TestPool_Backpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	collector := memory.NewMemoryCollector()
	p := New("bus", func(context.Context, messagebus.Delivery) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Config{QueueSize: 2, Workers: 1, MaxWaitTime: 10 * time.Millisecond}, collector)
	defer func() {
		close(release)
		p.Close()
	}()

	// The first delivery occupies the worker, the next two fill the queue.
	if err := p.Submit(context.Background(), messagebus.Delivery{ID: "0"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	for i := 1; i <= 2; i++ {
		if err := p.Submit(context.Background(), messagebus.Delivery{ID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	if err := p.Submit(context.Background(), messagebus.Delivery{ID: "extra"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if p.Stats().Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", p.Stats().Dropped)
	}
	if collector.Snapshot().Queues["bus"].Dropped != 1 {
		t.Error("Expected dropped delivery to be recorded")
	}
}

func TestPool_Close(t *testing.T) {
	var mu sync.Mutex
	handled := 0

	p := New("bus", func(context.Context, messagebus.Delivery) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}, Config{QueueSize: 10, Workers: 1}, nil)

	for i := 0; i < 5; i++ {
		if err := p.Submit(context.Background(), messagebus.Delivery{ID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	p.Close()

	mu.Lock()
	if handled != 5 {
		t.Errorf("Expected queued deliveries to drain on close, handled %d", handled)
	}
	mu.Unlock()

	if err := p.Submit(context.Background(), messagebus.Delivery{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	// Close is idempotent.
	p.Close()
}

func TestPool_CancelledContext(t *testing.T) {
	p := New("bus", func(context.Context, messagebus.Delivery) error { return nil }, Config{}, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Submit(ctx, messagebus.Delivery{ID: "1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPool_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	p := New("bus", func(context.Context, messagebus.Delivery) error {
		<-release
		return nil
	}, Config{Workers: 1}, nil)
	defer func() {
		close(release)
		p.Close()
	}()

	_ = p.Submit(context.Background(), messagebus.Delivery{ID: "1"})
	if err := p.Flush(30 * time.Millisecond); !errors.Is(err, ErrFlushTimeout) {
		t.Errorf("Expected ErrFlushTimeout, got %v", err)
	}
}
