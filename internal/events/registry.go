package events

import (
	"fmt"
	"sync"

	"github.com/ternarybob/perago/internal/interfaces"
)

// subscriber is one local dispatch target: a projection or an ad-hoc
// handler. Dispatch order is registration order.
type subscriber struct {
	name       string
	types      map[string]bool // empty means all event types
	handle     interfaces.EventHandler
	projection interfaces.Projection // non-nil for projection subscribers
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// registry holds the ordered subscriber list. Registration happens at
// startup; dispatch reads far outnumber writes.
type registry struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	projections map[string]*subscriber
	handlerSeq  int
}

func newRegistry() *registry {
	return &registry{
		projections: make(map[string]*subscriber),
	}
}

func (r *registry) addProjection(p interfaces.Projection) {
	types := make(map[string]bool, len(p.EventTypes()))
	for _, t := range p.EventTypes() {
		types[t] = true
	}

	sub := &subscriber{
		name:       p.Name(),
		types:      types,
		handle:     p.Handle,
		projection: p,
	}

	r.mu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.projections[p.Name()] = sub
	r.mu.Unlock()
}

func (r *registry) addHandler(eventType string, handler interfaces.EventHandler) {
	r.mu.Lock()
	r.handlerSeq++
	sub := &subscriber{
		name:   fmt.Sprintf("handler-%s-%d", eventType, r.handlerSeq),
		types:  map[string]bool{eventType: true},
		handle: handler,
	}
	r.subscribers = append(r.subscribers, sub)
	r.mu.Unlock()
}

// matching returns the subscribers for an event type in registration order
func (r *registry) matching(eventType string) []*subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		if sub.wants(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (r *registry) projection(name string) (interfaces.Projection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.projections[name]
	if !ok {
		return nil, false
	}
	return sub.projection, true
}
