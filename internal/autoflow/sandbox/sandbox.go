// Package sandbox gives each execution an isolated git worktree of the
// target repository.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/uesteibar/autoflow/internal/gitops"
)

type Config struct {
	RepoPath     string
	Root         string // directory holding one worktree per ticket
	BaseBranch   string
	BranchPrefix string
	CopyPatterns []string
	Logger       *slog.Logger
}

// Sandbox is a checked-out worktree.
type Sandbox struct {
	Path   string
	Branch string
}

type Manager struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Manager {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "autoflow/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// BranchFor returns the branch a ticket's work lives on.
func (m *Manager) BranchFor(identifier string) string {
	return m.cfg.BranchPrefix + slug(identifier)
}

// PathFor returns where the ticket's worktree is checked out.
func (m *Manager) PathFor(identifier string) string {
	return filepath.Join(m.cfg.Root, slug(identifier))
}

func (m *Manager) BaseBranch() string { return m.cfg.BaseBranch }

func slug(identifier string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(identifier), "-"), "-")
}

// Create checks out the ticket's branch in a fresh worktree. A leftover
// worktree for the same ticket is removed first.
func (m *Manager) Create(ctx context.Context, identifier string) (Sandbox, error) {
	sb := Sandbox{Path: m.PathFor(identifier), Branch: m.BranchFor(identifier)}

	if _, err := os.Stat(sb.Path); err == nil {
		m.logger.Warn("removing stale sandbox", "ticket", identifier, "path", sb.Path)
		if err := m.Remove(ctx, identifier); err != nil {
			return Sandbox{}, err
		}
	}
	if err := os.MkdirAll(m.cfg.Root, 0755); err != nil {
		return Sandbox{}, fmt.Errorf("creating sandbox root: %w", err)
	}

	if err := gitops.AddWorktree(ctx, m.cfg.RepoPath, sb.Path, sb.Branch, m.cfg.BaseBranch); err != nil {
		os.RemoveAll(sb.Path)
		return Sandbox{}, fmt.Errorf("creating sandbox for %s: %w", identifier, err)
	}

	if err := gitops.CopyDir(m.cfg.RepoPath, sb.Path, ".claude"); err != nil {
		return sb, fmt.Errorf("copying .claude: %w", err)
	}
	if len(m.cfg.CopyPatterns) > 0 {
		warn := func(msg string) { m.logger.Warn(msg, "ticket", identifier) }
		if err := gitops.CopyGlobPatterns(m.cfg.RepoPath, sb.Path, m.cfg.CopyPatterns, warn); err != nil {
			return sb, fmt.Errorf("copying patterns: %w", err)
		}
	}

	m.logger.Info("sandbox created", "ticket", identifier, "path", sb.Path, "branch", sb.Branch)
	return sb, nil
}

// Remove tears the ticket's worktree down. The branch is kept so a later
// attempt or the pull request can still use it. Removing a missing sandbox
// is not an error.
func (m *Manager) Remove(ctx context.Context, identifier string) error {
	path := m.PathFor(identifier)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gitops.RemoveWorktree(ctx, m.cfg.RepoPath, path); err != nil {
		m.logger.Warn("git worktree remove failed, deleting directory", "ticket", identifier, "error", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", path, err)
	}
	return nil
}
