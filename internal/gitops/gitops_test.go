package gitops

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/uesteibar/autoflow/internal/shell"
)

// initRepo creates a bare-minimum git repo in dir with one initial commit on
// main.
func initRepo(t *testing.T, dir string) *shell.Runner {
	t.Helper()
	r := &shell.Runner{Dir: dir}
	ctx := context.Background()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, c := range cmds {
		if _, err := r.Run(ctx, c[0], c[1:]...); err != nil {
			t.Fatalf("init repo %v: %v", c, err)
		}
	}

	writeFile(t, filepath.Join(dir, "README.md"), "# test\n")
	if err := Commit(ctx, r, "initial"); err != nil {
		t.Fatal(err)
	}
	return r
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// --- Worktrees ---

func TestAddWorktree_CreatesBranchFromLocalBase(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo)
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "eng-1")

	if err := AddWorktree(ctx, repo, wt, "autoflow/eng-1", "main"); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}

	branch, err := CurrentBranch(ctx, &shell.Runner{Dir: wt})
	if err != nil {
		t.Fatal(err)
	}
	if branch != "autoflow/eng-1" {
		t.Errorf("branch = %q, want autoflow/eng-1", branch)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Errorf("expected checkout contents: %v", err)
	}
}

func TestAddWorktree_ReusesExistingBranch(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo)
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "first")

	if err := AddWorktree(ctx, repo, wt, "autoflow/eng-1", "main"); err != nil {
		t.Fatal(err)
	}
	wtRunner := &shell.Runner{Dir: wt}
	writeFile(t, filepath.Join(wt, "feature.go"), "package x\n")
	if err := Commit(ctx, wtRunner, "work in progress"); err != nil {
		t.Fatal(err)
	}
	if err := RemoveWorktree(ctx, repo, wt); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Fatalf("expected worktree directory to be gone")
	}

	again := filepath.Join(t.TempDir(), "second")
	if err := AddWorktree(ctx, repo, again, "autoflow/eng-1", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(again, "feature.go")); err != nil {
		t.Errorf("expected earlier work to be checked out: %v", err)
	}
}

func TestRemoveWorktree_MissingPathErrors(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo)
	if err := RemoveWorktree(context.Background(), repo, filepath.Join(repo, "nope")); err == nil {
		t.Fatal("expected error for unknown worktree")
	}
}

// --- Commits ---

func TestCommitsAheadAndChangedFiles(t *testing.T) {
	repo := t.TempDir()
	r := initRepo(t, repo)
	ctx := context.Background()

	if _, err := r.Run(ctx, "git", "checkout", "-b", "feature"); err != nil {
		t.Fatal(err)
	}
	dirty, err := HasUncommittedChanges(ctx, r)
	if err != nil || dirty {
		t.Fatalf("expected clean tree, got %v, %v", dirty, err)
	}

	writeFile(t, filepath.Join(repo, "a.txt"), "a")
	writeFile(t, filepath.Join(repo, "pkg", "b.txt"), "b")
	dirty, err = HasUncommittedChanges(ctx, r)
	if err != nil || !dirty {
		t.Fatalf("expected dirty tree, got %v, %v", dirty, err)
	}
	if err := Commit(ctx, r, "add files"); err != nil {
		t.Fatal(err)
	}

	n, err := CommitsAhead(ctx, r, "main")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("commits ahead = %d, want 1", n)
	}

	files, err := ChangedFiles(ctx, r, "main")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "pkg/b.txt"}
	if !slices.Equal(files, want) {
		t.Errorf("changed files = %v, want %v", files, want)
	}
}

func TestPushBranch_ErrorWithoutRemote(t *testing.T) {
	repo := t.TempDir()
	r := initRepo(t, repo)
	err := PushBranch(context.Background(), r, "main")
	if err == nil || !strings.Contains(err.Error(), "pushing main") {
		t.Fatalf("expected wrapped push error, got %v", err)
	}
}

func TestPushBranch_ToBareRemote(t *testing.T) {
	remote := t.TempDir()
	ctx := context.Background()
	if _, err := (&shell.Runner{Dir: remote}).Run(ctx, "git", "init", "--bare"); err != nil {
		t.Fatal(err)
	}
	repo := t.TempDir()
	r := initRepo(t, repo)
	if _, err := r.Run(ctx, "git", "remote", "add", "origin", remote); err != nil {
		t.Fatal(err)
	}

	if err := PushBranch(ctx, r, "main"); err != nil {
		t.Fatalf("PushBranch: %v", err)
	}
	if _, err := r.Run(ctx, "git", "fetch", "origin"); err != nil {
		t.Fatal(err)
	}
	if !BranchExistsRemote(ctx, r, "main") {
		t.Error("expected origin/main after push")
	}
}

// --- Copying ---

func TestCopyDir_CopiesAndIgnoresMissing(t *testing.T) {
	repo := t.TempDir()
	wt := t.TempDir()
	writeFile(t, filepath.Join(repo, ".claude", "settings.json"), `{"a":1}`)

	if err := CopyDir(repo, wt, ".claude"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(wt, ".claude", "settings.json"))
	if err != nil || string(data) != `{"a":1}` {
		t.Fatalf("unexpected copy result: %q, %v", data, err)
	}

	if err := CopyDir(repo, wt, ".missing"); err != nil {
		t.Fatalf("missing dir should be ignored: %v", err)
	}
}

func TestCopyGlobPatterns_RecursiveWildcard(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "fixtures", "a.txt"), "a")
	writeFile(t, filepath.Join(srcDir, "fixtures", "sub", "deep", "c.txt"), "c")
	writeFile(t, filepath.Join(srcDir, "fixtures", "ignore.md"), "ignore")

	var warnings []string
	warn := func(msg string) { warnings = append(warnings, msg) }

	if err := CopyGlobPatterns(srcDir, dstDir, []string{"fixtures/**/*.txt"}, warn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, rel := range []string{"fixtures/a.txt", "fixtures/sub/deep/c.txt"} {
		if _, err := os.Stat(filepath.Join(dstDir, rel)); err != nil {
			t.Errorf("expected %s to exist: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dstDir, "fixtures", "ignore.md")); !os.IsNotExist(err) {
		t.Error("expected ignore.md NOT to be copied")
	}
	if len(warnings) > 0 {
		t.Errorf("expected no warnings, got: %v", warnings)
	}
}

func TestCopyGlobPatterns_DirectoryPath(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "data", "one.txt"), "one")
	writeFile(t, filepath.Join(srcDir, "data", "sub", "nested.txt"), "nested")

	if err := CopyGlobPatterns(srcDir, dstDir, []string{"data"}, func(string) {}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dstDir, "data", "sub", "nested.txt"))
	if err != nil || string(data) != "nested" {
		t.Fatalf("unexpected copy: %q, %v", data, err)
	}
}

func TestCopyGlobPatterns_NoMatchesWarns(t *testing.T) {
	var warnings []string
	warn := func(msg string) { warnings = append(warnings, msg) }

	if err := CopyGlobPatterns(t.TempDir(), t.TempDir(), []string{"nonexistent/*.xyz"}, warn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "nonexistent/*.xyz") {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}
