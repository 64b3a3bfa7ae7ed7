package dag

import "sync"

// entry is one recorded artifact write, kept in insertion order so
// FindByName can return most-recently-written first per spec.md §4.4's
// Auto-Wirer contract ("scan the flattened ArtifactStore, most recent
// first").
type entry struct {
	stepID string
	name   string
	value  any
}

// ArtifactStore holds every value a workflow node has produced, keyed first
// by the producing node's id and then by artifact name. It backs both
// explicit input_mapping references ("step_a.result") and the auto-wirer's
// flat scan for untyped lookups by artifact name alone.
type ArtifactStore struct {
	mu      sync.RWMutex
	byStep  map[string]map[string]any
	ordered []entry
}

// NewArtifactStore returns an empty store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{byStep: make(map[string]map[string]any)}
}

// Put records one node's artifact output. Per spec.md §5, concurrent
// siblings writing the same step_id x artifact_name key is last-writer-wins;
// siblings conventionally write to distinct keys.
func (s *ArtifactStore) Put(stepID, artifactName string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byStep[stepID] == nil {
		s.byStep[stepID] = make(map[string]any)
	}
	s.byStep[stepID][artifactName] = value
	s.ordered = append(s.ordered, entry{stepID: stepID, name: artifactName, value: value})
}

// Get resolves "step_id.artifact_name" style references used in
// input_mapping.
func (s *ArtifactStore) Get(stepID, artifactName string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byStep[stepID]
	if !ok {
		return nil, false
	}
	v, ok := m[artifactName]
	return v, ok
}

// FindByName performs the auto-wirer's flat scan: every artifact named
// artifactName across every producing node, most recently written first.
func (s *ArtifactStore) FindByName(artifactName string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []any
	for i := len(s.ordered) - 1; i >= 0; i-- {
		if s.ordered[i].name == artifactName {
			out = append(out, s.ordered[i].value)
		}
	}
	return out
}

// Names lists every artifact name currently in the store, for envelope
// metadata (spec.md's WorkPackage.artifacts).
func (s *ArtifactStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, m := range s.byStep {
		for name := range m {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}
