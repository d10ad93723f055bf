package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
)

// ErrRouteNotFound indicates no running application serves the subdomain.
var ErrRouteNotFound = errors.New("routing: route does not exist")

type routeMap map[string]domain.RoutingEntry

// Table maps subdomains to upstream ports. Readers load an immutable map
// without locking; writers copy, modify and swap it under mu.
type Table struct {
	mu         sync.Mutex
	current    atomic.Pointer[routeMap]
	defaultApp atomic.Pointer[string]
	log        *slog.Logger
}

// NewTable constructs an empty Table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{log: logger.With("component", "routing")}
	empty := routeMap{}
	t.current.Store(&empty)
	return t
}

// SetDefault names the application served for DefaultBucket. An empty name
// leaves the bucket unbound.
func (t *Table) SetDefault(application string) {
	t.defaultApp.Store(&application)
}

// Lookup returns the entry for subdomain. DefaultBucket resolves to an entry
// installed under that key, else to the default application's entry.
func (t *Table) Lookup(subdomain string) (domain.RoutingEntry, error) {
	m := *t.current.Load()
	entry, ok := m[subdomain]
	if !ok && subdomain == DefaultBucket {
		if app := t.defaultApp.Load(); app != nil && *app != "" {
			entry, ok = m[*app]
		}
	}
	if !ok {
		return domain.RoutingEntry{}, fmt.Errorf("%w: %s", ErrRouteNotFound, subdomain)
	}
	return entry, nil
}

// Set installs or replaces the entry for its subdomain.
func (t *Table) Set(entry domain.RoutingEntry) {
	t.update(func(m routeMap) bool {
		m[entry.Subdomain] = entry
		return true
	})
}

// Remove deletes the entry for subdomain if it still points at port. A zero
// port removes unconditionally. It reports whether an entry was removed.
func (t *Table) Remove(subdomain string, port int) bool {
	return t.update(func(m routeMap) bool {
		existing, ok := m[subdomain]
		if !ok || (port != 0 && existing.Port != port) {
			return false
		}
		delete(m, subdomain)
		return true
	})
}

// Entries lists routes sorted by subdomain.
func (t *Table) Entries() []domain.RoutingEntry {
	m := *t.current.Load()
	out := make([]domain.RoutingEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	return out
}

func (t *Table) update(fn func(routeMap) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.current.Load()
	next := make(routeMap, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if !fn(next) {
		return false
	}
	t.current.Store(&next)
	return true
}

// Apply is the event bus handler keeping the table in sync with the supervisor.
func (t *Table) Apply(_ context.Context, ev events.Event) {
	switch ev.Type {
	case events.ApplicationReady:
		t.Set(domain.RoutingEntry{Subdomain: ev.Application, Port: ev.Port, DeploymentID: ev.DeploymentID})
		t.log.Info("route installed", "application", ev.Application, "port", ev.Port, "deployment_id", ev.DeploymentID)
	case events.ApplicationDown:
		if t.Remove(ev.Application, ev.Port) {
			t.log.Info("route removed", "application", ev.Application, "port", ev.Port, "reason", ev.Status)
		}
	}
}
