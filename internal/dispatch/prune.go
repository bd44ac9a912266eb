package dispatch

import (
	"sort"
	"time"
)

const (
	defaultHistorySize = 100
	defaultHistoryTTL  = 24 * time.Hour
)

// pruneStatus keeps the status registry bounded: finished runs older than the TTL go first,
// then the oldest finished runs beyond the size limit. Queued and running runs are kept.
func (s *Service) pruneStatus(now time.Time) {
	s.mu.Lock()
	max, ttl := s.cfg.HistorySize, s.cfg.HistoryTTL
	s.mu.Unlock()
	if max <= 0 {
		max = defaultHistorySize
	}
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		if st.Finished() && now.Sub(st.DoneAt) > ttl {
			delete(s.status, id)
		}
	}
	if len(s.status) <= max {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	finished := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		if st.Finished() {
			finished = append(finished, kv{id: id, t: st.DoneAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].t.Before(finished[j].t) })

	excess := len(s.status) - max
	for i := 0; i < excess && i < len(finished); i++ {
		delete(s.status, finished[i].id)
	}
}

func sortNewestFirst(out []RunStatus) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
}
