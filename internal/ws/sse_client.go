package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// SSEClient follows an application's log over Server-Sent Events. Each line
// becomes a "log" event whose id is the line id, so a reconnecting browser
// reports where it left off in Last-Event-ID.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	done    chan struct{}
}

// NewSSEClient wraps a response whose event-stream headers are already written.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, log: logger, done: make(chan struct{})}
}

// Send writes one encoded log line as an event.
func (c *SSEClient) Send(payload []byte) error {
	var frame bytes.Buffer
	frame.WriteString("event: log\n")
	var line struct {
		ID uint64 `json:"id"`
	}
	if json.Unmarshal(payload, &line) == nil && line.ID > 0 {
		frame.WriteString("id: " + strconv.FormatUint(line.ID, 10) + "\n")
	}
	for _, part := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(part)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.write(frame.Bytes())
}

// Heartbeat writes a comment so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	return c.write([]byte(": ping\n\n"))
}

// Stream sends heartbeats every interval until ctx ends or a write fails.
func (c *SSEClient) Stream(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if c.Heartbeat() != nil {
				return
			}
		}
	}
}

func (c *SSEClient) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := c.w.Write(frame); err != nil {
		c.closeLocked()
		c.log.Debug("log stream closed by peer", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close ends the stream; later writes return io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Done is closed once the stream can no longer be written.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

func (c *SSEClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
