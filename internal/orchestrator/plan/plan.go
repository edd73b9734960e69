// Package plan parses and validates the YAML PLAN artifact a planning agent
// emits for a composite task: a flat list of tasks with sibling dependencies
// forming a DAG.
package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/delidev/core/internal/common/apierr"
)

// Task is one entry in a PLAN file.
type Task struct {
	ID         string   `yaml:"id"`
	Title      string   `yaml:"title"`
	Prompt     string   `yaml:"prompt"`
	BranchName string   `yaml:"branchName"`
	DependsOn  []string `yaml:"dependsOn"`
}

// Plan is the parsed PLAN file: `tasks: [{id, title?, prompt, branchName?, dependsOn?}]`.
type Plan struct {
	Tasks []Task `yaml:"tasks"`
}

// Parse decodes a PLAN YAML document. A malformed document is reported as
// apierr.InvalidRequest, not a raw yaml error, so callers can surface it uniformly.
func Parse(content string) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal([]byte(content), &p); err != nil {
		return nil, apierr.InvalidRequest("plan_content", fmt.Sprintf("invalid yaml: %v", err))
	}
	return &p, nil
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// Validate checks the §4.7 plan-validation rules: non-empty task list, unique
// ids, every depends_on references an existing id, no cycle (three-color
// DFS), no empty prompts. Returns an *apierr.Error carrying the offending id.
func Validate(p *Plan) error {
	if len(p.Tasks) == 0 {
		return apierr.InvalidRequest("tasks", "plan must contain at least one task")
	}

	byID := make(map[string]*Task, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == "" {
			return apierr.InvalidRequest("tasks[].id", "task id must not be empty")
		}
		if _, dup := byID[t.ID]; dup {
			return apierr.InvalidRequest("tasks[].id", fmt.Sprintf("duplicate task id %q", t.ID))
		}
		byID[t.ID] = t
	}

	for _, t := range p.Tasks {
		if t.Prompt == "" {
			return apierr.InvalidRequest("tasks[].prompt", fmt.Sprintf("task %q has an empty prompt", t.ID))
		}
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return apierr.InvalidDependency(t.ID, dep)
			}
			if dep == t.ID {
				return apierr.InvalidDependency(t.ID, dep)
			}
		}
	}

	color := make(map[string]int, len(p.Tasks))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case colorGray:
				return apierr.InvalidDependency(id, dep)
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = colorBlack
		return nil
	}

	for _, t := range p.Tasks {
		if color[t.ID] == colorWhite {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}

	return nil
}
