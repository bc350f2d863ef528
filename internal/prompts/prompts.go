// Package prompts renders agent prompt templates. Templates are markdown
// files with optional yaml front-matter; files under <data_dir>/prompts
// override the embedded defaults.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var defaultTemplates embed.FS

// Template names used by the daemon.
const (
	TaskTemplate   = "task"
	ReviewTemplate = "review"
)

// FrontMatter is the optional yaml header on a prompt template.
type FrontMatter struct {
	Vars []string `yaml:"vars"`
}

// Renderer loads and renders prompt templates.
type Renderer struct {
	overrideDir string
}

// NewRenderer creates a renderer with overrides read from dir (may be empty
// to use embedded templates only).
func NewRenderer(overrideDir string) *Renderer {
	return &Renderer{overrideDir: overrideDir}
}

// Render loads the named template and executes it with vars.
func (r *Renderer) Render(name string, vars map[string]string) (string, error) {
	raw, err := r.load(name)
	if err != nil {
		return "", err
	}

	body, _, err := splitFrontMatter(raw)
	if err != nil {
		return "", fmt.Errorf("prompt %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("prompt %s: parse: %w", name, err)
	}

	data := make(map[string]string, len(vars))
	for k, v := range vars {
		data[k] = v
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("prompt %s: render: %w", name, err)
	}
	return strings.TrimLeft(out.String(), "\n"), nil
}

// Vars returns the variable names declared in the template's front-matter.
func (r *Renderer) Vars(name string) ([]string, error) {
	raw, err := r.load(name)
	if err != nil {
		return nil, err
	}
	_, fm, err := splitFrontMatter(raw)
	if err != nil {
		return nil, err
	}
	return fm.Vars, nil
}

func (r *Renderer) load(name string) (string, error) {
	if r.overrideDir != "" {
		path := filepath.Join(r.overrideDir, name+".md")
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}
	data, err := defaultTemplates.ReadFile("templates/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("unknown prompt template: %s", name)
	}
	return string(data), nil
}

// splitFrontMatter strips an optional leading "---\n...\n---\n" yaml block.
func splitFrontMatter(raw string) (body string, fm FrontMatter, err error) {
	if !strings.HasPrefix(raw, "---\n") {
		return raw, fm, nil
	}
	rest := raw[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return raw, fm, nil
	}
	header := rest[:idx]
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return "", fm, fmt.Errorf("front-matter: %w", err)
	}
	return rest[idx+len("\n---\n"):], fm, nil
}

// BuildArgv assembles the agent command line: fixed args first, then
// prompt_args with the {prompt} placeholder replaced by the rendered prompt.
// A prompt_args entry that is exactly "{prompt}" is replaced wholesale so
// the prompt arrives as a single argv element.
func BuildArgv(command string, args, promptArgs []string, prompt string) []string {
	argv := make([]string, 0, 1+len(args)+len(promptArgs))
	argv = append(argv, command)
	argv = append(argv, args...)
	for _, a := range promptArgs {
		if a == "{prompt}" {
			argv = append(argv, prompt)
			continue
		}
		argv = append(argv, strings.ReplaceAll(a, "{prompt}", prompt))
	}
	return argv
}
