// Package workflow loads and validates workflow definitions: named,
// ordered DAGs of stages read from <projectPath>/.apex/workflows/*.yaml.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Stage is one atomic agent invocation within a Workflow.
type Stage struct {
	Name        string   `yaml:"name"`
	Agent       string   `yaml:"agent"`
	DependsOn   []string `yaml:"dependsOn,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Definition is a named ordered DAG of stages mapping each stage to an
// agent.
type Definition struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Stages      []Stage `yaml:"stages"`
}

// StageByName returns the stage with the given name, or false if absent.
func (d *Definition) StageByName(name string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// TopologicalStages returns the stages in an order where every stage
// comes after all of its dependsOn entries. Workflows found in practice
// are linear, but the loader does not assume that.
func (d *Definition) TopologicalStages() ([]Stage, error) {
	index := make(map[string]Stage, len(d.Stages))
	for _, s := range d.Stages {
		index[s.Name] = s
	}

	var ordered []Stage
	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("workflow %q has a dependency cycle at stage %q", d.Name, name)
		}
		stage, ok := index[name]
		if !ok {
			return fmt.Errorf("workflow %q references unknown stage %q", d.Name, name)
		}
		visiting[name] = true
		for _, dep := range stage.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		ordered = append(ordered, stage)
		return nil
	}

	for _, s := range d.Stages {
		if err := visit(s.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// ErrWorkflowNotFound is returned by Loader.Load when the named workflow
// file does not exist. The message deliberately contains "workflow not
// found" so it matches the executor's non-retryable error classification.
type ErrWorkflowNotFound struct {
	Name string
}

func (e *ErrWorkflowNotFound) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.Name)
}

// Loader reads workflow definitions from a project's .apex/workflows
// directory.
type Loader struct {
	ProjectPath string
}

// NewLoader constructs a Loader rooted at projectPath.
func NewLoader(projectPath string) *Loader {
	return &Loader{ProjectPath: projectPath}
}

// Load reads and parses the named workflow definition.
func (l *Loader) Load(name string) (*Definition, error) {
	path := filepath.Join(l.ProjectPath, ".apex", "workflows", name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrWorkflowNotFound{Name: name}
		}
		return nil, fmt.Errorf("failed to read workflow %q: %w", name, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %q: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	if _, err := def.TopologicalStages(); err != nil {
		return nil, err
	}
	return &def, nil
}

// List returns the names of every workflow definition on disk.
func (l *Loader) List() ([]string, error) {
	dir := filepath.Join(l.ProjectPath, ".apex", "workflows")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(".yaml")])
	}
	return names, nil
}
