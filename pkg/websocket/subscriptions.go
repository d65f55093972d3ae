package websocket

import (
	"sort"
	"sync"
)

// subscriptions tracks desired and active topics.
// Desired survives reconnects; active is cleared on every new connection.
type subscriptions struct {
	mu      sync.Mutex
	desired map[string]struct{}
	active  map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		desired: make(map[string]struct{}),
		active:  make(map[string]struct{}),
	}
}

// Add registers desired topics and returns the ones that were new.
func (s *subscriptions) Add(topics ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if _, ok := s.desired[topic]; ok {
			continue
		}
		s.desired[topic] = struct{}{}
		added = append(added, topic)
	}
	return added
}

// Remove deletes desired topics and returns the ones that existed.
func (s *subscriptions) Remove(topics ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := s.desired[topic]; !ok {
			continue
		}
		delete(s.desired, topic)
		delete(s.active, topic)
		removed = append(removed, topic)
	}
	return removed
}

// MarkActive marks topics as active on the current connection.
func (s *subscriptions) MarkActive(topics ...string) {
	s.mu.Lock()
	for _, topic := range topics {
		s.active[topic] = struct{}{}
	}
	s.mu.Unlock()
}

// ClearActive clears all active topics.
func (s *subscriptions) ClearActive() {
	s.mu.Lock()
	clear(s.active)
	s.mu.Unlock()
}

// Desired returns the desired topics sorted.
func (s *subscriptions) Desired() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.desired))
	for topic := range s.desired {
		out = append(out, topic)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Active returns the active topics sorted.
func (s *subscriptions) Active() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.active))
	for topic := range s.active {
		out = append(out, topic)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
