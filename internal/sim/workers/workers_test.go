package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(context.Background(), 3)
	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Go(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	p.Stop()
	if n.Load() != 100 {
		t.Fatalf("ran %d jobs want 100", n.Load())
	}
	st := p.Stats()
	if st.Workers != 3 || st.Submitted != 100 || st.Completed != 100 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPoolDefaultSize(t *testing.T) {
	p := New(context.Background(), 0)
	defer p.Stop()
	if p.Stats().Workers <= 0 {
		t.Fatalf("default size must be positive")
	}
}
