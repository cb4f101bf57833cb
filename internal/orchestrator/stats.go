package orchestrator

import (
	"sync"

	"github.com/JakeFAU/country-content-importer/internal/importer"
)

// Stats summarizes a run.
type Stats struct {
	RunID             string                        `json:"run_id"`
	EntitiesProcessed int                           `json:"entities_processed"`
	EntitiesCompleted int                           `json:"entities_completed"`
	EntitiesSkipped   int                           `json:"entities_skipped"`
	Units             map[importer.UnitOutcome]int  `json:"units"`
	Sections          map[importer.WriteOutcome]int `json:"sections"`
	Facts             int                           `json:"facts"`
	MediaInserted     int                           `json:"media_inserted"`
	MediaDuplicate    int                           `json:"media_duplicate"`
	Archived          int                           `json:"archived"`
	Published         int                           `json:"published"`
	Errors            int                           `json:"errors"`
}

// ContentsImported counts section rows that were inserted or changed.
func (s Stats) ContentsImported() int {
	return s.Sections[importer.WriteInsert] + s.Sections[importer.WriteUpdate]
}

// UnitsProcessed counts units that reached any outcome.
func (s Stats) UnitsProcessed() int {
	n := 0
	for _, c := range s.Units {
		n += c
	}
	return n
}

// unitCounts accumulates one unit's writes before they are folded into Stats.
type unitCounts struct {
	sections       map[importer.WriteOutcome]int
	facts          int
	mediaInserted  int
	mediaDuplicate int
	errors         int
}

func newUnitCounts() unitCounts {
	return unitCounts{sections: map[importer.WriteOutcome]int{}}
}

type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	r := &statsRecorder{}
	r.reset("")
	return r
}

func (r *statsRecorder) reset(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{
		RunID:    runID,
		Units:    map[importer.UnitOutcome]int{},
		Sections: map[importer.WriteOutcome]int{},
	}
}

func (r *statsRecorder) update(fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
}

func (r *statsRecorder) addUnit(c unitCounts) {
	r.update(func(s *Stats) {
		for outcome, n := range c.sections {
			s.Sections[outcome] += n
		}
		s.Facts += c.facts
		s.MediaInserted += c.mediaInserted
		s.MediaDuplicate += c.mediaDuplicate
		s.Errors += c.errors
	})
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Units = make(map[importer.UnitOutcome]int, len(r.stats.Units))
	for k, v := range r.stats.Units {
		out.Units[k] = v
	}
	out.Sections = make(map[importer.WriteOutcome]int, len(r.stats.Sections))
	for k, v := range r.stats.Sections {
		out.Sections[k] = v
	}
	return out
}
