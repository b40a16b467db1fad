// Package agentdef loads agent definitions: markdown files with a YAML
// front-matter header under <projectPath>/.apex/agents/*.md. The body
// after the front-matter is the agent's system prompt.
package agentdef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition describes one named agent: its tool allow-list, model
// routing, and system prompt.
type Definition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	Role         string   `yaml:"role,omitempty"`
	Instructions string   `yaml:"instructions,omitempty"`

	// SystemPrompt is the markdown body following the front-matter.
	SystemPrompt string `yaml:"-"`
}

const frontMatterDelim = "---"

// Parse splits raw markdown-with-front-matter content into a Definition.
func Parse(content []byte) (*Definition, error) {
	text := string(content)
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontMatterDelim {
		return nil, fmt.Errorf("agent definition missing YAML front-matter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontMatterDelim {
			end = i
			break
		}
	}
	if end == -1 {
		return nil, fmt.Errorf("agent definition front-matter is not terminated")
	}

	header := strings.Join(lines[1:end], "\n")
	body := strings.TrimLeft(strings.Join(lines[end+1:], "\n"), "\n")

	var def Definition
	if err := yaml.Unmarshal([]byte(header), &def); err != nil {
		return nil, fmt.Errorf("failed to parse agent front-matter: %w", err)
	}
	def.SystemPrompt = body
	return &def, nil
}

// Loader reads agent definitions from a project's .apex/agents directory.
type Loader struct {
	ProjectPath string
}

// NewLoader constructs a Loader rooted at projectPath.
func NewLoader(projectPath string) *Loader {
	return &Loader{ProjectPath: projectPath}
}

// Load reads and parses the named agent definition.
func (l *Loader) Load(name string) (*Definition, error) {
	path := filepath.Join(l.ProjectPath, ".apex", "agents", name+".md")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent definition not found: %s", name)
		}
		return nil, fmt.Errorf("failed to read agent %q: %w", name, err)
	}
	def, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}

// LoadAll reads every agent definition found on disk, keyed by name.
func (l *Loader) LoadAll() (map[string]*Definition, error) {
	dir := filepath.Join(l.ProjectPath, ".apex", "agents")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Definition{}, nil
		}
		return nil, err
	}

	defs := make(map[string]*Definition, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".md")]
		def, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}
	return defs, nil
}
