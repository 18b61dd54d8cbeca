package outreach

import "sync"

// defaultConversion is assumed for templates with no recorded sends.
const defaultConversion = 0.5

type counters struct {
	sent      int64
	responded int64
}

// StatsBook tracks per-template response statistics. Counters are
// updated under a per-book lock; conversion reads are consistent.
type StatsBook struct {
	mu   sync.Mutex
	byID map[string]*counters
}

// NewStatsBook creates an empty book.
func NewStatsBook() *StatsBook {
	return &StatsBook{byID: make(map[string]*counters)}
}

// RecordResponse increments the sent counter and, when responded, the
// responded counter for one template.
func (s *StatsBook) RecordResponse(templateID string, responded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.byID[templateID]
	if c == nil {
		c = &counters{}
		s.byID[templateID] = c
	}
	c.sent++
	if responded {
		c.responded++
	}
}

// Conversion is responded/sent, defaulting to 0.5 with no sends.
func (s *StatsBook) Conversion(templateID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.byID[templateID]
	if c == nil || c.sent == 0 {
		return defaultConversion
	}
	return float64(c.responded) / float64(c.sent)
}

// Snapshot returns (sent, responded) per template for persistence and
// the metrics surface.
func (s *StatsBook) Snapshot() map[string][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][2]int64, len(s.byID))
	for id, c := range s.byID {
		out[id] = [2]int64{c.sent, c.responded}
	}
	return out
}

// Restore loads previously persisted counters, replacing any existing
// entry for the same template.
func (s *StatsBook) Restore(stats map[string][2]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pair := range stats {
		s.byID[id] = &counters{sent: pair[0], responded: pair[1]}
	}
}
