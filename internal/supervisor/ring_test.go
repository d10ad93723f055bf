package supervisor

import (
	"fmt"
	"testing"
	"time"
)

func TestLogRingKeepsLastCapacityLines(t *testing.T) {
	const capacity = 5
	ring := NewLogRing(capacity)
	for i := 1; i <= 12; i++ {
		ring.Append("stdout", fmt.Sprintf("line %d", i))
	}
	lines := ring.Lines(0)
	if len(lines) != capacity {
		t.Fatalf("expected %d lines, got %d", capacity, len(lines))
	}
	for i, line := range lines {
		want := fmt.Sprintf("line %d", 12-capacity+1+i)
		if line.Text != want {
			t.Fatalf("expected %q at %d, got %q", want, i, line.Text)
		}
	}
	if lines[len(lines)-1].ID != 12 {
		t.Fatalf("expected ids to keep increasing, got %d", lines[len(lines)-1].ID)
	}
	if got := ring.Lines(2); len(got) != 2 || got[1].Text != "line 12" {
		t.Fatalf("unexpected limited read %+v", got)
	}
}

func TestLogRingBelowCapacity(t *testing.T) {
	ring := NewLogRing(10)
	ring.Append("stderr", "a\nb\n")
	lines := ring.Lines(0)
	if len(lines) != 2 || lines[0].Text != "a" || lines[1].Stream != "stderr" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestLogRingSubscribe(t *testing.T) {
	ring := NewLogRing(10)
	ring.Append("stdout", "before")
	ch, cancel := ring.Subscribe()
	ring.Append("stdout", "after")
	select {
	case line := <-ch:
		if line.Text != "after" {
			t.Fatalf("expected only new lines, got %q", line.Text)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber received nothing")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestLineWriterSplitsPartialWrites(t *testing.T) {
	ring := NewLogRing(10)
	w := &lineWriter{ring: ring, stream: "stdout"}
	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\nwor"))
	_, _ = w.Write([]byte("ld"))
	if got := ring.Lines(0); len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("unexpected lines before flush %+v", got)
	}
	w.Flush()
	if got := ring.Lines(0); len(got) != 2 || got[1].Text != "world" {
		t.Fatalf("unexpected lines after flush %+v", got)
	}
}
