// internal/remediation/history.go
package remediation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/mender/internal/models"
)

// HistoryStore persists verified fixes.
type HistoryStore interface {
	AppendFix(ctx context.Context, fix models.Fix) error
	LoadFixes(ctx context.Context) ([]models.Fix, error)
}

// History maps each file to the ordered list of fixes verified for it. It is
// append-only.
type History struct {
	store HistoryStore

	mu     sync.RWMutex
	byFile map[string][]models.Fix
	total  int
}

// NewHistory creates a history. A nil store keeps it in memory only.
func NewHistory(store HistoryStore) *History {
	return &History{store: store, byFile: make(map[string][]models.Fix)}
}

// Load appends previously persisted fixes.
func (h *History) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	fixes, err := h.store.LoadFixes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load fix history: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range fixes {
		h.byFile[f.File] = append(h.byFile[f.File], f)
		h.total++
	}
	return nil
}

// Append records a verified fix. The in-memory record is kept even when
// persisting fails.
func (h *History) Append(ctx context.Context, fix models.Fix) error {
	h.mu.Lock()
	h.byFile[fix.File] = append(h.byFile[fix.File], fix)
	h.total++
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.AppendFix(ctx, fix); err != nil {
			return fmt.Errorf("failed to persist fix %s: %w", fix.ID, err)
		}
	}
	return nil
}

// ForFile returns the fixes verified for a file, oldest first.
func (h *History) ForFile(file string) []models.Fix {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Fix(nil), h.byFile[file]...)
}

// Contains reports whether a fix with this ID has been recorded.
func (h *History) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fixes := range h.byFile {
		for _, f := range fixes {
			if f.ID == id {
				return true
			}
		}
	}
	return false
}

// Files returns the fixed file paths in lexical order.
func (h *History) Files() []string {
	h.mu.RLock()
	files := make([]string, 0, len(h.byFile))
	for f := range h.byFile {
		files = append(files, f)
	}
	h.mu.RUnlock()
	sort.Strings(files)
	return files
}

// Total is the number of recorded fixes across all files.
func (h *History) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
