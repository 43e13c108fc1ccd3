package agents

import (
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ContextBuilder summarizes a repository for refinement and planning: a
// file listing for the Globs and the contents of the DocFiles that exist.
type ContextBuilder struct {
	Root     string
	Globs    []string // e.g. "**/*.go"
	DocFiles []string // e.g. "README.md", "CLAUDE.md"
	MaxFiles int
	MaxBytes int
}

var skipDirs = []string{".git", "node_modules", "vendor", ".autoflow"}

// Build returns the context text. A missing root yields an empty context.
func (b ContextBuilder) Build() (string, error) {
	if b.Root == "" {
		return "", nil
	}
	if _, err := os.Stat(b.Root); err != nil {
		return "", nil
	}
	maxFiles := b.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 300
	}
	maxBytes := b.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 10
	}

	fsys := os.DirFS(b.Root)
	seen := map[string]bool{}
	var files []string
	for _, pattern := range b.Globs {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return "", fmt.Errorf("invalid context glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] || skipped(m) {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	slices.Sort(files)

	var out strings.Builder
	if len(files) > 0 {
		out.WriteString("Files:\n")
		for i, f := range files {
			if i == maxFiles {
				fmt.Fprintf(&out, "... and %d more\n", len(files)-maxFiles)
				break
			}
			out.WriteString(f + "\n")
		}
	}

	for _, doc := range b.DocFiles {
		data, err := fs.ReadFile(fsys, doc)
		if err != nil {
			continue
		}
		remaining := maxBytes - out.Len()
		if remaining <= 0 {
			break
		}
		text := string(data)
		if len(text) > remaining {
			text = text[:remaining] + "\n[truncated]"
		}
		fmt.Fprintf(&out, "\n### %s\n\n%s\n", doc, text)
	}
	return out.String(), nil
}

func skipped(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if slices.Contains(skipDirs, part) {
			return true
		}
	}
	return false
}
