// internal/testexec/locate.go
package testexec

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/mender/internal/models"
)

// CandidateTestFiles lists where the tests for a source file may live, most
// specific first. Files that already are tests map to themselves.
func CandidateTestFiles(path string) []string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	switch ext {
	case ".go":
		if strings.HasSuffix(stem, "_test") {
			return []string{path}
		}
		return []string{filepath.Join(dir, stem+"_test.go")}
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		if strings.HasSuffix(stem, ".test") || strings.HasSuffix(stem, ".spec") {
			return []string{path}
		}
		return []string{
			filepath.Join(dir, stem+".test"+ext),
			filepath.Join(dir, stem+".spec"+ext),
			filepath.Join(dir, "__tests__", stem+".test"+ext),
			filepath.Join(dir, "__tests__", stem+ext),
		}
	default:
		return nil
	}
}

// LocateTestFile returns the first candidate for which exists reports true.
func LocateTestFile(path string, exists func(string) bool) (string, bool) {
	for _, c := range CandidateTestFiles(path) {
		if exists(c) {
			return c, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CoverageFor returns the coverage last recorded for the tests of a source file.
func (s *Service) CoverageFor(sourceFile string) (models.Coverage, bool) {
	testFile, ok := LocateTestFile(sourceFile, fileExists)
	if !ok {
		return models.Coverage{}, false
	}
	return s.Coverage(testFile)
}
