package queue_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apkfoundry/af/queue"
)

func TestPutGetFIFOOrder(t *testing.T) {
	q := queue.New[int]()

	for i := range 5 {
		if err := q.Put(i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	for i := range 5 {
		v, err := q.Get()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != i {
			t.Fatalf("got %d, want %d", v, i)
		}
	}
}

func TestPutAfterShutdownErrors(t *testing.T) {
	q := queue.New[int]()
	q.Shutdown()

	if err := q.Put(1); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestGetDrainsThenCloses(t *testing.T) {
	q := queue.New[int]()
	if err := q.Put(1); err != nil {
		t.Fatalf("put: %v", err)
	}
	q.Shutdown()

	v, err := q.Get()
	if err != nil {
		t.Fatalf("expected to drain remaining item, got %v", err)
	}
	if v != 1 {
		t.Fatalf("got %d, want 1", v)
	}

	if _, err := q.Get(); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestGetUnblocksOnShutdown(t *testing.T) {
	q := queue.New[int]()

	done := make(chan error, 1)
	go func() {
		_, err := q.Get()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, queue.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Shutdown")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := queue.New[int]()
	const n = 200

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_ = q.Put(v)
		}(i)
	}
	wg.Wait()
	q.Shutdown()

	seen := map[int]bool{}
	for {
		v, err := q.Get()
		if errors.Is(err, queue.ErrClosed) {
			break
		}
		seen[v] = true
	}

	if len(seen) != n {
		t.Fatalf("expected %d distinct items, got %d", n, len(seen))
	}
}
