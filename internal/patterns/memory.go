// internal/patterns/memory.go
package patterns

import (
	"context"
	"sync"

	"github.com/xkilldash9x/mender/internal/models"
)

// MemoryStore keeps pattern weights for the lifetime of the process.
type MemoryStore struct {
	mu      sync.Mutex
	weights map[string]models.PatternWeight
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{weights: make(map[string]models.PatternWeight)}
}

func (s *MemoryStore) LoadPatternWeights(context.Context) ([]models.PatternWeight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PatternWeight, 0, len(s.weights))
	for _, w := range s.weights {
		out = append(out, w)
	}
	return out, nil
}

// SavePatternWeight never lowers a stored weight.
func (s *MemoryStore) SavePatternWeight(_ context.Context, w models.PatternWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.weights[w.Signature]; ok && cur.Weight > w.Weight {
		w.Weight = cur.Weight
	}
	s.weights[w.Signature] = w
	return nil
}
