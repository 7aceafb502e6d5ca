// internal/analyzer/walker.go
package analyzer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// walker enumerates source files under a root in lexical order.
type walker struct {
	skipDirs   map[string]bool
	extensions map[string]bool
	gitignore  *ignore.GitIgnore
}

func newWalker(root string, skipDirs, extensions []string, respectGitignore bool) (*walker, error) {
	w := &walker{
		skipDirs:   make(map[string]bool, len(skipDirs)),
		extensions: make(map[string]bool, len(extensions)),
	}
	for _, d := range skipDirs {
		w.skipDirs[d] = true
	}
	for _, e := range extensions {
		w.extensions[strings.ToLower(e)] = true
	}
	if respectGitignore {
		gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
		switch {
		case err == nil:
			w.gitignore = gi
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to read .gitignore: %w", err)
		}
	}
	return w, nil
}

// files returns every eligible file. WalkDir already visits entries in lexical order.
func (w *walker) files(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if w.skipDir(d.Name(), rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !w.wantFile(path, rel) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return out, nil
}

func (w *walker) skipDir(name, rel string) bool {
	if strings.HasPrefix(name, ".") || w.skipDirs[name] {
		return true
	}
	return w.gitignore != nil && (w.gitignore.MatchesPath(rel) || w.gitignore.MatchesPath(rel+"/"))
}

func (w *walker) wantFile(path, rel string) bool {
	if len(w.extensions) > 0 && !w.extensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	return w.gitignore == nil || !w.gitignore.MatchesPath(rel)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
