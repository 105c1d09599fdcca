package membership

import "fleetwatch/pkg/model"

func (s *Snapshot) Get(uuid string) (model.ClusterMember, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[uuid]
	return m.Clone(), ok
}
