// Package registry maps ECP method-name prefixes to the service
// adapters that own them. The transport core treats adapters as black
// boxes: given a method and opaque params they return a result or a
// structured error.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/codedeck/ecpd/pkg/ecp"
)

// Adapter answers requests for the methods under its prefix.
type Adapter interface {
	// HandleRequest serves one request. Exactly one of the returns is
	// non-nil. The *ecp.Error is forwarded to the client verbatim.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *ecp.Error)
}

// NotificationSink is the callback adapters use to publish
// server-initiated notifications through the broker.
type NotificationSink func(method string, params any)

// NotificationPublisher is implemented by adapters that publish
// notifications. The sink is injected once at registration.
type NotificationPublisher interface {
	SetNotificationHandler(sink NotificationSink)
}

type entry struct {
	prefix  string
	adapter Adapter
}

// Registry is the prefix → adapter routing table. Registration happens
// at start-up; Resolve runs on the hot path under a read lock.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	sink    NotificationSink
}

// New creates an empty registry. The sink is handed to every registered
// adapter that publishes notifications; nil is allowed for tests.
func New(sink NotificationSink) *Registry {
	return &Registry{sink: sink}
}

// Register binds a method prefix (e.g. "file/") to an adapter. A prefix
// can be bound at most once; registration order pins priority when
// prefixes nest, though Resolve always prefers the longest match.
func (r *Registry) Register(prefix string, adapter Adapter) error {
	if prefix == "" {
		return fmt.Errorf("adapter prefix must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.prefix == prefix {
			return fmt.Errorf("adapter prefix %q already registered", prefix)
		}
	}
	r.entries = append(r.entries, entry{prefix: prefix, adapter: adapter})

	if pub, ok := adapter.(NotificationPublisher); ok && r.sink != nil {
		pub.SetNotificationHandler(r.sink)
	}
	return nil
}

// Resolve returns the adapter owning method by longest-prefix match.
func (r *Registry) Resolve(method string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for i := range r.entries {
		e := &r.entries[i]
		if !strings.HasPrefix(method, e.prefix) {
			continue
		}
		if best == nil || len(e.prefix) > len(best.prefix) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best.adapter, true
}

// Prefixes returns the registered prefixes in registration order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.prefix
	}
	return out
}
