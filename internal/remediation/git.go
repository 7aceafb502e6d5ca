// internal/remediation/git.go
package remediation

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/models"
)

// Committer records a verified fix in version control.
type Committer interface {
	Commit(ctx context.Context, fix models.Fix) (string, error)
}

// GitCommitter commits each verified fix to the work tree containing it.
type GitCommitter struct {
	logger *zap.Logger
	repo   *git.Repository
	root   string
	author config.GitConfig
	now    func() time.Time
}

// NewGitCommitter opens the repository containing path, searching parents for .git.
func NewGitCommitter(logger *zap.Logger, path string, author config.GitConfig) (*GitCommitter, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open work tree: %w", err)
	}
	return &GitCommitter{
		logger: logger.Named("git_committer"),
		repo:   repo,
		root:   wt.Filesystem.Root(),
		author: author,
		now:    time.Now,
	}, nil
}

// Commit stages the fixed file and commits it, returning the commit hash.
func (g *GitCommitter) Commit(ctx context.Context, fix models.Fix) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open work tree: %w", err)
	}

	abs, err := filepath.Abs(fix.File)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return "", fmt.Errorf("%s is outside the repository: %w", fix.File, err)
	}
	if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", rel, err)
	}

	msg := fmt.Sprintf("mender: apply %s fix to %s\n\nFix-ID: %s\nConfidence: %.2f\n", fix.Type, rel, fix.ID, fix.Confidence)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.author.AuthorName,
			Email: g.author.AuthorEmail,
			When:  g.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", rel, err)
	}
	g.logger.Info("Committed fix", zap.String("file", rel), zap.String("commit", hash.String()))
	return hash.String(), nil
}
