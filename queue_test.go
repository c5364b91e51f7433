package docremedy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestProcessingQueue_SingleResult(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue()

	future := q.Submit("file-1", func(ctx context.Context) (*CaptureResult, error) {
		return &CaptureResult{FilePath: "/tmp/out.pdf", MimeType: "application/pdf", Size: 42}, nil
	})

	res, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.FilePath != "/tmp/out.pdf" || res.Size != 42 {
		t.Errorf("Wait() = %+v, want path /tmp/out.pdf size 42", res)
	}
}

func TestProcessingQueue_PropagatesError(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue()
	want := errors.New("capture blew up")

	future := q.Submit("file-1", func(ctx context.Context) (*CaptureResult, error) {
		return nil, want
	})

	if _, err := future.Wait(context.Background()); !errors.Is(err, want) {
		t.Errorf("Wait() error = %v, want %v", err, want)
	}
}

// Submitting N tasks in rapid succession yields exactly N sequential
// executions: the busy flag is never observed true-while-already-true.
func TestProcessingQueue_NeverConcurrent(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue()

	const n = 20
	var running int32
	var executions int32

	futures := make([]*Future, 0, n)
	for i := 0; i < n; i++ {
		f := q.Submit("file", func(ctx context.Context) (*CaptureResult, error) {
			if atomic.AddInt32(&running, 1) != 1 {
				t.Error("two capture tasks observed running concurrently")
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&executions, 1)
			atomic.AddInt32(&running, -1)
			return &CaptureResult{}, nil
		})
		futures = append(futures, f)
	}

	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if got := atomic.LoadInt32(&executions); got != n {
		t.Errorf("executions = %d, want %d", got, n)
	}
}

// Queue order is FIFO: tasks run in submission order.
func TestProcessingQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue()

	const n = 10
	var mu sync.Mutex
	var order []int

	// A blocker task holds the queue so the rest can be enqueued before
	// anything runs.
	release := make(chan struct{})
	blocker := q.Submit("blocker", func(ctx context.Context) (*CaptureResult, error) {
		<-release
		return &CaptureResult{}, nil
	})

	futures := make([]*Future, 0, n)
	for i := 0; i < n; i++ {
		i := i
		f := q.Submit("file", func(ctx context.Context) (*CaptureResult, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return &CaptureResult{}, nil
		})
		futures = append(futures, f)
	}

	close(release)
	if _, err := blocker.Wait(context.Background()); err != nil {
		t.Fatalf("blocker Wait() error = %v", err)
	}
	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want ascending submission order", order)
		}
	}
}

func TestProcessingQueue_RecoverFromPanic(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue()

	f1 := q.Submit("boom", func(ctx context.Context) (*CaptureResult, error) {
		panic("viewer went away")
	})
	if _, err := f1.Wait(context.Background()); err == nil {
		t.Fatal("Wait() after panic should return an error")
	}

	// The queue must still drain subsequent tasks.
	f2 := q.Submit("after", func(ctx context.Context) (*CaptureResult, error) {
		return &CaptureResult{Size: 1}, nil
	})
	res, err := f2.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Size != 1 {
		t.Errorf("queue did not recover after a panicking task")
	}
}

func TestFuture_WaitContextCancel(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue()
	release := make(chan struct{})
	defer close(release)

	f := q.Submit("slow", func(ctx context.Context) (*CaptureResult, error) {
		<-release
		return &CaptureResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}
