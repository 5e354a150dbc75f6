package api

import (
	"sync"

	"github.com/google/uuid"
)

// GenerationStore keeps finished generations in memory.
type GenerationStore struct {
	mu          sync.Mutex
	generations map[string]Generation
}

func NewGenerationStore() *GenerationStore {
	return &GenerationStore{
		generations: make(map[string]Generation),
	}
}

func (s *GenerationStore) Save(g Generation) {
	s.mu.Lock()
	s.generations[g.ID] = g
	s.mu.Unlock()
}

func (s *GenerationStore) Get(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	return g, ok
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[id]; !ok {
		return false
	}
	delete(s.generations, id)
	return true
}

func (s *GenerationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.generations)
}

func newGenerationID() string {
	return "gen-" + uuid.NewString()
}
