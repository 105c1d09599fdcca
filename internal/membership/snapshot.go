package membership

import (
	"sort"
	"sync"

	"fleetwatch/pkg/model"
)

// Snapshot is the shared view of the cluster: uuid -> member. The
// tracker is its only writer; readers get copies.
type Snapshot struct {
	mu      sync.RWMutex
	members map[string]model.ClusterMember
	version int64
}

func NewSnapshot() *Snapshot {
	return &Snapshot{members: map[string]model.ClusterMember{}}
}

// Members returns the members sorted by uuid.
func (s *Snapshot) Members() []model.ClusterMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ClusterMember, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Map returns a copy of the uuid -> member map.
func (s *Snapshot) Map() map[string]model.ClusterMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.ClusterMember, len(s.members))
	for id, m := range s.members {
		out[id] = m.Clone()
	}
	return out
}

func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Version is the subscription version of the last reconciled event.
func (s *Snapshot) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Reconcile applies one event under a single lock acquisition.
func (s *Snapshot) Reconcile(version int64, uuids []string, fetched map[string]model.ClusterMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reconcile(s.members, uuids, fetched)
	s.version = version
}

// Clear empties the snapshot. Used when the subscription is known broken.
func (s *Snapshot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = map[string]model.ClusterMember{}
	s.version = 0
}

// reconcile drops every key not in uuids, then upserts every fetched
// descriptor that belongs to uuids. A uuid without a fetched descriptor
// ends up absent.
func reconcile(members map[string]model.ClusterMember, uuids []string, fetched map[string]model.ClusterMember) {
	present := make(map[string]struct{}, len(uuids))
	for _, id := range uuids {
		present[id] = struct{}{}
	}
	for id := range members {
		if _, ok := present[id]; !ok {
			delete(members, id)
		}
	}
	for _, id := range uuids {
		m, ok := fetched[id]
		if !ok {
			delete(members, id)
			continue
		}
		m.UUID = id
		members[id] = m
	}
}
