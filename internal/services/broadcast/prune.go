package broadcast

import (
	"sort"
	"time"
)

const (
	// Scheduled broadcasts create a status entry per run; keep memory bounded.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > ttl {
			delete(s.status, id)
		}
	}

	over := len(s.status) - max
	if over <= 0 {
		return
	}

	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.status))
	for id, st := range s.status {
		if st.Running {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		cands = append(cands, cand{id: id, t: t})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })

	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.status, cands[i].id)
		over--
	}
}
