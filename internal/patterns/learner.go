// internal/patterns/learner.go
package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/models"
)

// Step is the weight added each time a pattern is learned.
const Step = 0.1

// Pattern is the logical shape the learner remembers. Attributes refine the
// code; two patterns with the same code and attributes share a signature
// regardless of attribute order.
type Pattern struct {
	Code       string
	Attributes map[string]string
}

// Signature is a stable digest over the canonical form of the pattern.
func (p Pattern) Signature() string {
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(p.Code)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Attributes[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// FromAnomaly derives the pattern an anomaly teaches.
func FromAnomaly(a models.Anomaly) Pattern {
	return Pattern{
		Code:       a.PatternCode(),
		Attributes: map[string]string{"metric": a.Metric},
	}
}

// Store persists pattern weights.
type Store interface {
	LoadPatternWeights(ctx context.Context) ([]models.PatternWeight, error)
	SavePatternWeight(ctx context.Context, w models.PatternWeight) error
}

// Learner accumulates confidence weights per pattern signature. Weights only
// ever grow.
type Learner struct {
	logger *zap.Logger
	store  Store
	now    func() time.Time

	mu      sync.RWMutex
	weights map[string]models.PatternWeight
}

// NewLearner creates a learner backed by store. A nil store keeps weights in memory.
func NewLearner(logger *zap.Logger, store Store) *Learner {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Learner{
		logger:  logger.Named("pattern_learner"),
		store:   store,
		now:     time.Now,
		weights: make(map[string]models.PatternWeight),
	}
}

// Load replaces the in-memory view with the persisted weights.
func (l *Learner) Load(ctx context.Context) error {
	stored, err := l.store.LoadPatternWeights(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pattern weights: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range stored {
		if cur, ok := l.weights[w.Signature]; ok && cur.Weight >= w.Weight {
			continue
		}
		w.Weight = models.ClampConfidence(w.Weight)
		l.weights[w.Signature] = w
	}
	l.logger.Debug("Loaded pattern weights.", zap.Int("count", len(stored)))
	return nil
}

// LearnPattern raises the weight of the pattern's signature by Step, capped
// at 1.0, and persists it. The new weight is returned.
func (l *Learner) LearnPattern(ctx context.Context, p Pattern) (float64, error) {
	if p.Code == "" {
		return 0, fmt.Errorf("pattern code must not be empty")
	}
	sig := p.Signature()

	l.mu.Lock()
	w := l.weights[sig]
	w.Signature = sig
	w.Code = p.Code
	// Rounded so ten steps land exactly on 1.0.
	w.Weight = models.ClampConfidence(math.Round((w.Weight+Step)*1e9) / 1e9)
	w.UpdatedAt = l.now()
	l.weights[sig] = w
	l.mu.Unlock()

	if err := l.store.SavePatternWeight(ctx, w); err != nil {
		// The in-memory weight stays raised; the next save carries it.
		return w.Weight, fmt.Errorf("failed to persist pattern %s: %w", p.Code, err)
	}
	l.logger.Debug("Learned pattern", zap.String("code", p.Code), zap.Float64("weight", w.Weight))
	return w.Weight, nil
}

// Weight returns the highest weight remembered for any signature of code,
// or 0 when the code is unknown.
func (l *Learner) Weight(code string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best float64
	for _, w := range l.weights {
		if w.Code == code && w.Weight > best {
			best = w.Weight
		}
	}
	return best
}

// Weights returns every remembered weight ordered by signature.
func (l *Learner) Weights() []models.PatternWeight {
	l.mu.RLock()
	out := make([]models.PatternWeight, 0, len(l.weights))
	for _, w := range l.weights {
		out = append(out, w)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}
