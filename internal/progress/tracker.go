// Package progress records which entities and (entity, language) units have
// completed so an interrupted run resumes where it stopped.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSaveEvery = 10

// Config locates the state file.
type Config struct {
	Path string
	// SaveEvery batches unit completions between saves.
	SaveEvery int
	Logger    *zap.Logger
	Now       func() time.Time
}

type state struct {
	CompletedEntities []string  `json:"completedEntities"`
	CompletedUnits    []string  `json:"completedUnits"`
	StartTime         time.Time `json:"startTime"`
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	CompletedEntities []string  `json:"completed_entities"`
	CompletedUnits    []string  `json:"completed_units"`
	StartTime         time.Time `json:"start_time"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	path      string
	saveEvery int
	logger    *zap.Logger
	now       func() time.Time

	entities map[string]struct{}
	units    map[string]struct{}
	start    time.Time
	pending  int
}

// New returns an empty tracker. Call Load to restore saved state.
func New(cfg Config) *Tracker {
	t := &Tracker{
		path:      cfg.Path,
		saveEvery: cfg.SaveEvery,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if t.saveEvery <= 0 {
		t.saveEvery = defaultSaveEvery
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	t.clear()
	return t
}

func (t *Tracker) clear() {
	t.entities = map[string]struct{}{}
	t.units = map[string]struct{}{}
	t.start = t.now()
	t.pending = 0
}

func unitKey(code, lang string) string {
	return code + ":" + lang
}

// Load replaces the in-memory state with the saved file. A missing or corrupt
// file leaves the tracker empty.
func (t *Tracker) Load() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()

	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.logger.Info("no progress file, starting fresh", zap.String("path", t.path))
		return
	}
	if err != nil {
		t.logger.Warn("read progress file, starting fresh", zap.String("path", t.path), zap.Error(err))
		return
	}
	var saved state
	if err := json.Unmarshal(data, &saved); err != nil {
		t.logger.Warn("corrupt progress file, starting fresh", zap.String("path", t.path), zap.Error(err))
		return
	}
	for _, code := range saved.CompletedEntities {
		t.entities[code] = struct{}{}
	}
	for _, key := range saved.CompletedUnits {
		t.units[key] = struct{}{}
	}
	if !saved.StartTime.IsZero() {
		t.start = saved.StartTime
	}
	t.logger.Info("progress loaded",
		zap.Int("entities", len(t.entities)),
		zap.Int("units", len(t.units)),
	)
}

// IsUnitDone reports whether the unit completed in this or an earlier run.
func (t *Tracker) IsUnitDone(code, lang string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.units[unitKey(code, lang)]
	return ok
}

// MarkUnitDone records the unit and saves on every SaveEvery-th call.
func (t *Tracker) MarkUnitDone(code, lang string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.units[unitKey(code, lang)] = struct{}{}
	t.pending++
	if t.pending < t.saveEvery {
		return nil
	}
	return t.saveLocked()
}

// IsEntityDone reports whether every language of the entity completed.
func (t *Tracker) IsEntityDone(code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entities[code]
	return ok
}

// MarkEntityDone records the entity and saves immediately.
func (t *Tracker) MarkEntityDone(code string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entities[code] = struct{}{}
	return t.saveLocked()
}

// Save writes the state file atomically.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	snap := t.snapshotLocked()
	data, err := json.MarshalIndent(state{
		CompletedEntities: snap.CompletedEntities,
		CompletedUnits:    snap.CompletedUnits,
		StartTime:         snap.StartTime,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progress-*.json")
	if err != nil {
		return fmt.Errorf("create progress temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close progress temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace progress file: %w", err)
	}
	t.pending = 0
	return nil
}

// Snapshot returns sorted copies of the completed sets.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		CompletedEntities: sortedKeys(t.entities),
		CompletedUnits:    sortedKeys(t.units),
		StartTime:         t.start,
	}
}

// Reset clears the state and removes the file.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove progress file: %w", err)
	}
	return nil
}

// Path returns the state file location.
func (t *Tracker) Path() string {
	return t.path
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
