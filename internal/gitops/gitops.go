package gitops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/uesteibar/autoflow/internal/shell"
)

// BranchExistsLocally checks whether a branch exists in the local repo.
func BranchExistsLocally(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// BranchExistsRemote checks for origin/<branch> among the fetched refs.
func BranchExistsRemote(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/remotes/origin/"+branch)
	return err == nil
}

// AddWorktree checks out branch at path. An existing local or remote branch
// is reused so a later attempt continues earlier work; otherwise the branch
// is created from origin/<base>, falling back to the local base.
func AddWorktree(ctx context.Context, repoPath, path, branch, base string) error {
	r := &shell.Runner{Dir: repoPath}

	// Best effort: the repo may have no remote.
	_, _ = r.Run(ctx, "git", "fetch", "origin", base)

	var err error
	if BranchExistsLocally(ctx, r, branch) || BranchExistsRemote(ctx, r, branch) {
		_, err = r.Run(ctx, "git", "worktree", "add", path, branch)
	} else {
		_, err = r.Run(ctx, "git", "worktree", "add", "-b", branch, path, "origin/"+base)
		if err != nil {
			_, err = r.Run(ctx, "git", "worktree", "add", "-b", branch, path, base)
		}
	}
	if err != nil {
		return fmt.Errorf("adding worktree for %s: %w", branch, err)
	}
	return nil
}

// RemoveWorktree removes a git worktree and prunes stale metadata.
func RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	r := &shell.Runner{Dir: repoPath}
	_, err := r.Run(ctx, "git", "worktree", "remove", "--force", worktreePath)
	_, _ = r.Run(ctx, "git", "worktree", "prune")
	if err != nil {
		return fmt.Errorf("removing worktree %s: %w", worktreePath, err)
	}
	return nil
}

// CurrentBranch returns the name of the currently checked-out branch.
func CurrentBranch(ctx context.Context, r *shell.Runner) (string, error) {
	out, err := r.Run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasUncommittedChanges reports whether the work tree differs from HEAD.
func HasUncommittedChanges(ctx context.Context, r *shell.Runner) (bool, error) {
	out, err := r.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit stages all changes and creates a commit.
func Commit(ctx context.Context, r *shell.Runner, message string) error {
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := r.Run(ctx, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// CommitsAhead counts commits on HEAD that are not on base.
func CommitsAhead(ctx context.Context, r *shell.Runner, base string) (int, error) {
	out, err := r.Run(ctx, "git", "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("counting commits ahead of %s: %w", base, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parsing commit count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles lists files changed on HEAD relative to base.
func ChangedFiles(ctx context.Context, r *shell.Runner, base string) ([]string, error) {
	out, err := r.Run(ctx, "git", "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("listing changed files: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// PushBranch pushes branch to origin and sets upstream.
func PushBranch(ctx context.Context, r *shell.Runner, branch string) error {
	if _, err := r.Run(ctx, "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// CopyDir copies repoPath/name into worktreePath/name when it exists, so
// tool settings that are gitignored reach the sandbox.
func CopyDir(repoPath, worktreePath, name string) error {
	src := filepath.Join(repoPath, name)
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return copyDir(src, filepath.Join(worktreePath, name))
}

// CopyGlobPatterns copies files matching glob patterns from srcDir to dstDir.
// Supports single-level wildcards (*.json), recursive wildcards (**/*.json),
// literal paths (scripts/setup.sh), and directory paths (copied recursively).
// Preserves relative path structure in the destination.
// Patterns that match nothing invoke the warn callback but do not error.
func CopyGlobPatterns(srcDir, dstDir string, patterns []string, warn func(string)) error {
	for _, pattern := range patterns {
		srcPath := filepath.Join(srcDir, pattern)

		info, err := os.Stat(srcPath)
		if err == nil && info.IsDir() {
			if err := copyDir(srcPath, filepath.Join(dstDir, pattern)); err != nil {
				return fmt.Errorf("copying directory %s: %w", pattern, err)
			}
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(srcDir), pattern)
		if err != nil {
			return fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}

		if len(matches) == 0 {
			warn(fmt.Sprintf("pattern %q matched no files", pattern))
			continue
		}

		for _, match := range matches {
			src := filepath.Join(srcDir, match)
			dst := filepath.Join(dstDir, match)

			info, err := os.Stat(src)
			if err != nil {
				return fmt.Errorf("stat %s: %w", src, err)
			}
			if info.IsDir() {
				continue
			}
			if err := copyFile(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

// copyDir recursively copies a directory from src to dst.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
