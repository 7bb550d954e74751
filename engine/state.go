package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dimflow/dimflow/core"
)

// State is the mutable process state shared across one Process call's
// goroutines. Its lock discipline is deliberately fine-grained: the
// section list and the slice of per-section result maps are replaced
// together (rare — only at construction, after BeforeProcessStart, and
// by TransformManager) behind
// sectionsMu; each section's result map is written frequently by
// concurrent dimension tasks and is guarded by its own per-index mutex
// so that writes to disjoint sections never contend; globalResults is
// guarded by its own single mutex. No lock is ever held across a
// provider call or a hook invocation — callers copy out what they need,
// release the lock, do the I/O, then re-acquire to write the result.
type State struct {
	ID        string
	StartedAt time.Time

	sectionsMu     sync.RWMutex
	sections       []core.Section
	sectionResults []map[string]core.DimensionResult
	sectionLocks   []*sync.Mutex

	globalMu      sync.Mutex
	globalResults map[string]core.DimensionResult

	metaMu   sync.Mutex
	Metadata map[string]any
}

// NewState builds a fresh State for sections, assigning a random run id.
func NewState(sections []core.Section) *State {
	s := &State{
		ID:            uuid.NewString(),
		StartedAt:     time.Now(),
		sections:      sections,
		globalResults: make(map[string]core.DimensionResult),
		Metadata:      make(map[string]any),
	}
	s.resetSectionResultsLocked(sections)
	return s
}

// resetSectionResultsLocked allocates fresh per-section result maps and
// locks sized to len(sections). Callers must hold sectionsMu for write.
func (s *State) resetSectionResultsLocked(sections []core.Section) {
	results := make([]map[string]core.DimensionResult, len(sections))
	locks := make([]*sync.Mutex, len(sections))
	for i := range sections {
		results[i] = make(map[string]core.DimensionResult)
		locks[i] = &sync.Mutex{}
	}
	s.sectionResults = results
	s.sectionLocks = locks
}

// Sections returns a snapshot of the current section list.
func (s *State) Sections() []core.Section {
	s.sectionsMu.RLock()
	defer s.sectionsMu.RUnlock()
	out := make([]core.Section, len(s.sections))
	copy(out, s.sections)
	return out
}

// SectionCount returns the number of sections under sectionsMu, cheaper
// than Sections() when only the count is needed.
func (s *State) SectionCount() int {
	s.sectionsMu.RLock()
	defer s.sectionsMu.RUnlock()
	return len(s.sections)
}

// ReplaceSections swaps in a new section list, discarding any previously
// recorded section-scoped results, as required when a transform hook
// rewrites the section list mid-run.
func (s *State) ReplaceSections(sections []core.Section) {
	s.sectionsMu.Lock()
	defer s.sectionsMu.Unlock()
	s.sections = sections
	s.resetSectionResultsLocked(sections)
}

// SectionResult reads one section's one dimension's result.
func (s *State) SectionResult(index int, dimension string) (core.DimensionResult, bool) {
	lock, results := s.sectionLockAndMap(index)
	if lock == nil {
		return core.DimensionResult{}, false
	}
	lock.Lock()
	defer lock.Unlock()
	r, ok := results[dimension]
	return r, ok
}

// AllSectionResults returns a copy of one section's full result map.
func (s *State) AllSectionResults(index int) map[string]core.DimensionResult {
	lock, results := s.sectionLockAndMap(index)
	if lock == nil {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()
	out := make(map[string]core.DimensionResult, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

// SetSectionResult records dimension's result for the section at index.
func (s *State) SetSectionResult(index int, dimension string, result core.DimensionResult) {
	lock, results := s.sectionLockAndMap(index)
	if lock == nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()
	results[dimension] = result
}

// sectionLockAndMap resolves the per-section lock and result map for
// index, holding sectionsMu only long enough to read the two slices.
func (s *State) sectionLockAndMap(index int) (*sync.Mutex, map[string]core.DimensionResult) {
	s.sectionsMu.RLock()
	defer s.sectionsMu.RUnlock()
	if index < 0 || index >= len(s.sectionResults) {
		return nil, nil
	}
	return s.sectionLocks[index], s.sectionResults[index]
}

// GlobalResult reads one global dimension's result.
func (s *State) GlobalResult(dimension string) (core.DimensionResult, bool) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	r, ok := s.globalResults[dimension]
	return r, ok
}

// AllGlobalResults returns a copy of the global results map.
func (s *State) AllGlobalResults() map[string]core.DimensionResult {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	out := make(map[string]core.DimensionResult, len(s.globalResults))
	for k, v := range s.globalResults {
		out[k] = v
	}
	return out
}

// SetGlobalResult records dimension's global-scoped result.
func (s *State) SetGlobalResult(dimension string, result core.DimensionResult) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	s.globalResults[dimension] = result
}

// SetMetadata records a key in the run's metadata map.
func (s *State) SetMetadata(key string, value any) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.Metadata[key] = value
}

// MetadataSnapshot copies the metadata map out for reading without
// holding metaMu for the duration of a caller's work.
func (s *State) MetadataSnapshot() map[string]any {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	out := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out[k] = v
	}
	return out
}
