package supervisor

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// ring is a fixed-capacity buffer keeping the newest entries.
type ring[T any] struct {
	buf []T
	n   int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.n%len(r.buf)] = v
	r.n++
}

// last returns up to limit newest entries, oldest first. limit <= 0 means all.
func (r *ring[T]) last(limit int) []T {
	size := r.n
	if size > len(r.buf) {
		size = len(r.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]T, 0, limit)
	for i := r.n - limit; i < r.n; i++ {
		out = append(out, r.buf[i%len(r.buf)])
	}
	return out
}

const subscriberBuffer = 256

// LogRing keeps the most recent lines of application output and fans new
// lines out to live subscribers. Slow subscribers miss lines rather than
// block the writer.
type LogRing struct {
	mu    sync.Mutex
	lines *ring[domain.LogLine]
	id    uint64
	subs  map[chan domain.LogLine]struct{}
}

// NewLogRing keeps up to capacity lines.
func NewLogRing(capacity int) *LogRing {
	return &LogRing{lines: newRing[domain.LogLine](capacity), subs: make(map[chan domain.LogLine]struct{})}
}

// Append records text, one entry per line.
func (l *LogRing) Append(stream, text string) {
	text = strings.TrimRight(text, "\n")
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range strings.Split(text, "\n") {
		l.id++
		entry := domain.LogLine{ID: l.id, Time: now, Stream: stream, Text: strings.TrimRight(line, "\r")}
		l.lines.push(entry)
		for ch := range l.subs {
			select {
			case ch <- entry:
			default:
			}
		}
	}
}

// Lines returns up to limit newest lines, oldest first.
func (l *LogRing) Lines(limit int) []domain.LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines.last(limit)
}

// Subscribe streams lines appended from now on. cancel closes the channel.
func (l *LogRing) Subscribe() (<-chan domain.LogLine, func()) {
	ch := make(chan domain.LogLine, subscriberBuffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// lineWriter adapts a LogRing to io.Writer for exec.Cmd output, splitting on newlines.
type lineWriter struct {
	mu     sync.Mutex
	ring   *LogRing
	stream string
	buf    []byte
}

const maxPartialLine = 64 * 1024

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.ring.Append(w.stream, string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxPartialLine {
		w.ring.Append(w.stream, string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.ring.Append(w.stream, string(w.buf))
		w.buf = nil
	}
}
