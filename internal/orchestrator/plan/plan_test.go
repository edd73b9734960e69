package plan

import (
	"testing"

	"github.com/delidev/core/internal/common/apierr"
)

func TestParseAndValidateValidPlan(t *testing.T) {
	doc := `
tasks:
  - id: a
    prompt: "step A"
  - id: b
    prompt: "step B"
    dependsOn: [a]
`
	p, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(p); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	if err := Validate(&Plan{}); err == nil {
		t.Fatal("expected error for empty plan")
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := &Plan{Tasks: []Task{
		{ID: "a", Prompt: "step A", DependsOn: []string{"b"}},
	}}
	err := Validate(p)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidDependency {
		t.Fatalf("expected InvalidDependency, got %v", err)
	}
	if apiErr.Fields["task_id"] != "a" || apiErr.Fields["dependency_id"] != "b" {
		t.Errorf("unexpected fields: %v", apiErr.Fields)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := &Plan{Tasks: []Task{
		{ID: "a", Prompt: "step A", DependsOn: []string{"b"}},
		{ID: "b", Prompt: "step B", DependsOn: []string{"a"}},
	}}
	if err := Validate(p); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestValidateRejectsDuplicateID(t *testing.T) {
	p := &Plan{Tasks: []Task{
		{ID: "a", Prompt: "step A"},
		{ID: "a", Prompt: "step A again"},
	}}
	if err := Validate(p); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestValidateRejectsEmptyPrompt(t *testing.T) {
	p := &Plan{Tasks: []Task{{ID: "a"}}}
	if err := Validate(p); err == nil {
		t.Fatal("expected empty prompt to be rejected")
	}
}
