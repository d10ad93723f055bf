package pipeline

import (
	"fmt"
	"sync"
	"time"
)

const (
	outputRepeatFlushInterval = 5 * time.Second
	outputTailSize            = 100
)

// outputTail collapses consecutive duplicate build lines and keeps a bounded tail.
type outputTail struct {
	mu       sync.Mutex
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	size     int
}

func newOutputTail(emit func(string)) *outputTail {
	return &outputTail{
		emit:     emit,
		maxDelay: outputRepeatFlushInterval,
		size:     outputTailSize,
	}
}

func (a *outputTail) Add(line string) {
	if line == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if a.last == "" {
		a.last = line
		a.emitLine(line, now)
		return
	}
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

func (a *outputTail) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsAt(time.Now())
}

func (a *outputTail) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *outputTail) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	if len(a.buffer) < a.size {
		a.buffer = append(a.buffer, line)
	} else {
		a.buffer = append(a.buffer[1:], line)
	}
	a.lastEmit = now
}

// Snapshot returns up to limit of the most recent lines.
func (a *outputTail) Snapshot(limit int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}
