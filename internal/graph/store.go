// Package graph provides the in-memory, versioned store of organization
// graphs. The store hands out immutable snapshots and applies pure producer
// functions; it holds no authorization logic.
package graph

import (
	"sync"
	"time"

	"github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// Producer derives a new graph value from the previous one. It must not
// mutate its input; node updates replace node values on a cloned graph.
type Producer func(g graphDomain.Graph, now time.Time) (graphDomain.Graph, error)

// snapshot pairs a graph value with its version marker.
type snapshot struct {
	graph     graphDomain.Graph
	updatedAt time.Time
}

// Store holds the current graph snapshot per organization. Swaps happen under
// a per-store lock; readers that captured a snapshot before a concurrent
// writer's swap keep observing the full pre-state graph.
type Store struct {
	mu   sync.RWMutex
	orgs map[string]snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{orgs: make(map[string]snapshot)}
}

// Snapshot returns the organization's current graph and version marker.
func (s *Store) Snapshot(orgID string) (graphDomain.Graph, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.orgs[orgID]
	if !ok {
		return nil, time.Time{}, errors.Wrap(errors.ErrNotFound, "org graph not loaded")
	}
	return snap.graph, snap.updatedAt, nil
}

// Load installs a freshly hydrated graph for an organization, replacing any
// existing snapshot. Used at bootstrap and on full resync.
func (s *Store) Load(orgID string, g graphDomain.Graph, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[orgID] = snapshot{graph: g, updatedAt: updatedAt}
}

// Apply runs the producer against the organization's current graph and swaps
// in the result with now as the new version marker. The producer runs under
// the store lock so a producer always sees the graph it will replace; the
// action pipeline keeps producers pure and fast, and does I/O outside.
func (s *Store) Apply(orgID string, now time.Time, produce Producer) (graphDomain.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.orgs[orgID]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "org graph not loaded")
	}

	next, err := produce(snap.graph, now)
	if err != nil {
		return nil, err
	}

	s.orgs[orgID] = snapshot{graph: next, updatedAt: now}
	return next, nil
}

// OrgIDs returns the ids of every loaded organization.
func (s *Store) OrgIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		out = append(out, id)
	}
	return out
}
