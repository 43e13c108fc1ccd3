package agents

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.md
var templateFS embed.FS

// TemplateNames lists all embedded template filenames.
var TemplateNames = []string{
	"readiness.md",
	"refine.md",
	"consolidate.md",
	"generate_prompt.md",
	"plan.md",
}

// TemplateFS returns the embedded templates, e.g. for `autoflow init` to
// copy them out for editing.
func TemplateFS() embed.FS {
	return templateFS
}

func render(name string, data any, overrideDir string) (string, error) {
	content, err := readTemplate(name, overrideDir)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}
	return buf.String(), nil
}

// readTemplate prefers overrideDir/<name> and falls back to the embedded copy.
func readTemplate(name, overrideDir string) ([]byte, error) {
	if overrideDir != "" {
		if content, err := os.ReadFile(filepath.Join(overrideDir, name)); err == nil {
			return content, nil
		}
	}
	content, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return content, nil
}
