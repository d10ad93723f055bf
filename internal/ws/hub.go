package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/splax/shipyard/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// LogSource follows the log of one application.
type LogSource interface {
	Subscribe(application string) (<-chan domain.LogLine, func(), error)
}

// Hub fans application log lines out to streaming clients. One feed per
// application is opened while at least one client is registered.
type Hub struct {
	source    LogSource
	log       *slog.Logger
	clients   map[string]map[Subscriber]struct{}
	feeds     map[string]func()
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
}

// message couples payload with application name.
type message struct {
	application string
	payload     []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	application string
	client      Subscriber
	result      chan error
}

// NewHub creates an initialized Hub.
func NewHub(source LogSource, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		source:    source,
		log:       logger.With("component", "log-hub"),
		clients:   make(map[string]map[Subscriber]struct{}),
		feeds:     make(map[string]func()),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			sub.result <- h.add(sub)
		case sub := <-h.unreg:
			h.remove(sub.application, sub.client)
		case msg := <-h.broadcast:
			for c := range h.clients[msg.application] {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.remove(msg.application, c)
				}
			}
		case <-h.stop:
			for app, clients := range h.clients {
				for c := range clients {
					c.Close()
					h.remove(app, c)
				}
			}
			return
		}
	}
}

func (h *Hub) add(sub subscription) error {
	clients, ok := h.clients[sub.application]
	if !ok {
		if h.source != nil {
			lines, cancel, err := h.source.Subscribe(sub.application)
			if err != nil {
				return err
			}
			h.feeds[sub.application] = cancel
			go h.pump(sub.application, lines)
		}
		clients = make(map[Subscriber]struct{})
		h.clients[sub.application] = clients
	}
	clients[sub.client] = struct{}{}
	return nil
}

func (h *Hub) remove(application string, client Subscriber) {
	clients, ok := h.clients[application]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	delete(h.clients, application)
	if cancel, ok := h.feeds[application]; ok {
		cancel()
		delete(h.feeds, application)
	}
}

func (h *Hub) pump(application string, lines <-chan domain.LogLine) {
	for line := range lines {
		payload, err := json.Marshal(line)
		if err != nil {
			h.log.Warn("encode log line failed", "application", application, "error", err)
			continue
		}
		select {
		case h.broadcast <- message{application: application, payload: payload}:
		case <-h.stop:
			return
		}
	}
}

// Register adds a client to an application stream.
func (h *Hub) Register(application string, client Subscriber) error {
	result := make(chan error, 1)
	select {
	case h.register <- subscription{application: application, client: client, result: result}:
		return <-result
	case <-h.stop:
		return errHubClosed
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(application string, client Subscriber) {
	select {
	case h.unreg <- subscription{application: application, client: client}:
	case <-h.stop:
	}
}

// Broadcast sends payload to all clients of application.
func (h *Hub) Broadcast(application string, payload []byte) {
	select {
	case h.broadcast <- message{application: application, payload: payload}:
	case <-h.stop:
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}
