package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/procfs"
)

func TestSampleKeepsNewestUsageWithinCapacity(t *testing.T) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	const capacity = 3
	sup, _ := newTestSupervisor(t, Options{SampleCapacity: capacity})
	if _, err := sup.Deploy(context.Background(), helperSpec("web", "d1", "serve", "ok")); err != nil {
		t.Fatalf("Deploy error: %v", err)
	}
	for i := 0; i < capacity+2; i++ {
		sup.sample(fs)
		time.Sleep(5 * time.Millisecond)
	}

	snap, _ := sup.Application("web", 0)
	if len(snap.Usage) != capacity {
		t.Fatalf("expected %d samples, got %d", capacity, len(snap.Usage))
	}
	for i, u := range snap.Usage {
		if u.Memory == 0 {
			t.Fatalf("sample %d has no resident memory", i)
		}
		if u.CPU < 0 {
			t.Fatalf("sample %d has negative cpu %v", i, u.CPU)
		}
		if i > 0 && u.Timestamp.Before(snap.Usage[i-1].Timestamp) {
			t.Fatalf("samples out of order at %d", i)
		}
	}
}

func TestRunSamplerStopsWithContext(t *testing.T) {
	if _, err := procfs.NewDefaultFS(); err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	sup, _ := newTestSupervisor(t, Options{})
	if _, err := sup.Deploy(context.Background(), helperSpec("web", "d1", "serve", "ok")); err != nil {
		t.Fatalf("Deploy error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.RunSampler(ctx, 20*time.Millisecond)
		close(done)
	}()
	waitFor(t, 2*time.Second, func() bool {
		snap, _ := sup.Application("web", 0)
		return len(snap.Usage) >= 2
	}, "usage samples")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sampler did not stop")
	}
}

func TestUsageRingEvictsOldest(t *testing.T) {
	r := newRing[int](4)
	for i := 1; i <= 7; i++ {
		r.push(i)
	}
	got := r.last(0)
	want := []int{4, 5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if tail := r.last(2); len(tail) != 2 || tail[0] != 6 || tail[1] != 7 {
		t.Fatalf("unexpected limited read %v", tail)
	}
}
