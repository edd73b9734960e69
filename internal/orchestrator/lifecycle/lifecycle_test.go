package lifecycle

import (
	"context"
	"testing"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/store/memory"
	"github.com/delidev/core/internal/task/models"
)

func newController() (*Controller, *memory.Store) {
	s := memory.New()
	return New(s, nil, nil, nil), s
}

func TestCreateUnitTaskStartsInProgress(t *testing.T) {
	c, _ := newController()
	task, err := c.CreateUnitTask(context.Background(), CreateUnitTaskParams{
		RepositoryGroupID: "g1",
		Title:             "fix bug",
		Prompt:            "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateUnitTask: %v", err)
	}
	if task.Status != models.UnitTaskInProgress {
		t.Errorf("status = %s, want InProgress", task.Status)
	}
	if task.BranchName != models.DerivedBranchName(task.ID) {
		t.Errorf("branch name = %s, want derived default", task.BranchName)
	}
}

func TestCreateUnitTaskRequiresPrompt(t *testing.T) {
	c, _ := newController()
	_, err := c.CreateUnitTask(context.Background(), CreateUnitTaskParams{RepositoryGroupID: "g1", Title: "x"})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestTransitionUnitTaskHappyPath(t *testing.T) {
	c, _ := newController()
	task, _ := c.CreateUnitTask(context.Background(), CreateUnitTaskParams{
		RepositoryGroupID: "g1", Title: "t", Prompt: "p",
	})

	task, err := c.TransitionUnitTask(context.Background(), task.ID, models.UnitTaskInReview)
	if err != nil {
		t.Fatalf("InProgress->InReview: %v", err)
	}
	task, err = c.TransitionUnitTask(context.Background(), task.ID, models.UnitTaskApproved)
	if err != nil {
		t.Fatalf("InReview->Approved: %v", err)
	}
	task, err = c.TransitionUnitTask(context.Background(), task.ID, models.UnitTaskDone)
	if err != nil {
		t.Fatalf("Approved->Done: %v", err)
	}
	if task.Status != models.UnitTaskDone {
		t.Errorf("status = %s, want Done", task.Status)
	}
}

func TestTransitionUnitTaskRejectsInvalidTransition(t *testing.T) {
	c, _ := newController()
	task, _ := c.CreateUnitTask(context.Background(), CreateUnitTaskParams{
		RepositoryGroupID: "g1", Title: "t", Prompt: "p",
	})
	_, err := c.TransitionUnitTask(context.Background(), task.ID, models.UnitTaskDone)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidTransition {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestRequestChangesBumpsRetryCount(t *testing.T) {
	c, s := newController()
	task, _ := c.CreateUnitTask(context.Background(), CreateUnitTaskParams{
		RepositoryGroupID: "g1", Title: "t", Prompt: "p",
	})
	task, err := c.TransitionUnitTask(context.Background(), task.ID, models.UnitTaskInReview)
	if err != nil {
		t.Fatalf("InProgress->InReview: %v", err)
	}
	if _, err := c.TransitionUnitTask(context.Background(), task.ID, models.UnitTaskInProgress); err != nil {
		t.Fatalf("InReview->InProgress (request changes): %v", err)
	}

	agentTask, err := s.GetAgentTaskByUnitTaskID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetAgentTaskByUnitTaskID: %v", err)
	}
	if agentTask.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", agentTask.RetryCount)
	}
}

func TestSubmitPlanRejectsInvalidPlan(t *testing.T) {
	c, _ := newController()
	comp, err := c.CreateCompositeTask(context.Background(), CreateCompositeTaskParams{
		RepositoryGroupID: "g1", Title: "feature", Prompt: "build feature",
	})
	if err != nil {
		t.Fatalf("CreateCompositeTask: %v", err)
	}

	badPlan := `
tasks:
  - id: a
    prompt: "step A"
    dependsOn: [b]
`
	_, err = c.SubmitPlan(context.Background(), comp.ID, badPlan, nil)
	if err == nil {
		t.Fatal("expected invalid plan to be rejected")
	}

	got, getErr := c.store.GetCompositeTask(context.Background(), comp.ID)
	if getErr != nil {
		t.Fatalf("GetCompositeTask: %v", getErr)
	}
	if got.Status != models.CompositeRejected {
		t.Errorf("status = %s, want Rejected", got.Status)
	}
	if len(got.Nodes) != 0 {
		t.Errorf("expected zero nodes created for an invalid plan, got %d", len(got.Nodes))
	}
}

func TestSubmitPlanAcceptsValidPlan(t *testing.T) {
	c, s := newController()
	comp, _ := c.CreateCompositeTask(context.Background(), CreateCompositeTaskParams{
		RepositoryGroupID: "g1", Title: "feature", Prompt: "build feature",
	})

	goodPlan := `
tasks:
  - id: a
    prompt: "step A"
  - id: b
    prompt: "step B"
    dependsOn: [a]
`
	comp, err := c.SubmitPlan(context.Background(), comp.ID, goodPlan, nil)
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	if comp.Status != models.CompositePendingApproval {
		t.Errorf("status = %s, want PendingApproval", comp.Status)
	}
	if len(comp.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(comp.Nodes))
	}
	for _, n := range comp.Nodes {
		if _, err := s.GetUnitTask(context.Background(), n.UnitTaskID); err != nil {
			t.Errorf("node %s: unit task not created: %v", n.NodeID, err)
		}
	}
}

func TestApprovePlanMovesToInProgress(t *testing.T) {
	c, _ := newController()
	comp, _ := c.CreateCompositeTask(context.Background(), CreateCompositeTaskParams{
		RepositoryGroupID: "g1", Title: "feature", Prompt: "build feature",
	})
	comp, _ = c.SubmitPlan(context.Background(), comp.ID, "tasks:\n  - id: a\n    prompt: p\n", nil)

	comp, err := c.ApprovePlan(context.Background(), comp.ID)
	if err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	if comp.Status != models.CompositeInProgress {
		t.Errorf("status = %s, want InProgress", comp.Status)
	}
}

func TestCompositeCompletesWhenAllNodesTerminal(t *testing.T) {
	c, _ := newController()
	comp, _ := c.CreateCompositeTask(context.Background(), CreateCompositeTaskParams{
		RepositoryGroupID: "g1", Title: "feature", Prompt: "build", FailurePolicy: models.FailurePolicyLenient,
	})
	comp, _ = c.SubmitPlan(context.Background(), comp.ID, "tasks:\n  - id: a\n    prompt: p\n  - id: b\n    prompt: p\n", nil)
	comp, _ = c.ApprovePlan(context.Background(), comp.ID)

	for _, n := range comp.Nodes {
		if _, err := c.TransitionUnitTask(context.Background(), n.UnitTaskID, models.UnitTaskInReview); err != nil {
			t.Fatalf("node %s InProgress->InReview: %v", n.NodeID, err)
		}
		if _, err := c.TransitionUnitTask(context.Background(), n.UnitTaskID, models.UnitTaskApproved); err != nil {
			t.Fatalf("node %s InReview->Approved: %v", n.NodeID, err)
		}
		if _, err := c.TransitionUnitTask(context.Background(), n.UnitTaskID, models.UnitTaskDone); err != nil {
			t.Fatalf("node %s Approved->Done: %v", n.NodeID, err)
		}
	}

	final, err := c.store.GetCompositeTask(context.Background(), comp.ID)
	if err != nil {
		t.Fatalf("GetCompositeTask: %v", err)
	}
	if final.Status != models.CompositeDone {
		t.Errorf("status = %s, want Done", final.Status)
	}
}

func TestLenientPolicyCascadesRejectionToDependents(t *testing.T) {
	c, s := newController()
	comp, _ := c.CreateCompositeTask(context.Background(), CreateCompositeTaskParams{
		RepositoryGroupID: "g1", Title: "feature", Prompt: "build", FailurePolicy: models.FailurePolicyLenient,
	})
	goodPlan := "tasks:\n  - id: a\n    prompt: p\n  - id: b\n    prompt: p\n    dependsOn: [a]\n"
	comp, _ = c.SubmitPlan(context.Background(), comp.ID, goodPlan, nil)
	comp, _ = c.ApprovePlan(context.Background(), comp.ID)

	nodeA := comp.Nodes[0]
	nodeB := comp.Nodes[1]

	if _, err := c.TransitionUnitTask(context.Background(), nodeA.UnitTaskID, models.UnitTaskRejected); err != nil {
		t.Fatalf("reject node a: %v", err)
	}

	unitB, err := s.GetUnitTask(context.Background(), nodeB.UnitTaskID)
	if err != nil {
		t.Fatalf("GetUnitTask(b): %v", err)
	}
	if unitB.Status != models.UnitTaskRejected {
		t.Errorf("dependent node b status = %s, want cascade-Rejected", unitB.Status)
	}

	final, err := s.GetCompositeTask(context.Background(), comp.ID)
	if err != nil {
		t.Fatalf("GetCompositeTask: %v", err)
	}
	if final.Status != models.CompositeDone {
		t.Errorf("composite status = %s, want Done (lenient policy completes with a rejected leaf)", final.Status)
	}
}

func TestStrictPolicyAbortsCompositeOnRejection(t *testing.T) {
	c, s := newController()
	comp, _ := c.CreateCompositeTask(context.Background(), CreateCompositeTaskParams{
		RepositoryGroupID: "g1", Title: "feature", Prompt: "build", FailurePolicy: models.FailurePolicyStrict,
	})
	goodPlan := "tasks:\n  - id: a\n    prompt: p\n  - id: b\n    prompt: p\n"
	comp, _ = c.SubmitPlan(context.Background(), comp.ID, goodPlan, nil)
	comp, _ = c.ApprovePlan(context.Background(), comp.ID)

	if _, err := c.TransitionUnitTask(context.Background(), comp.Nodes[0].UnitTaskID, models.UnitTaskRejected); err != nil {
		t.Fatalf("reject node a: %v", err)
	}

	final, err := s.GetCompositeTask(context.Background(), comp.ID)
	if err != nil {
		t.Fatalf("GetCompositeTask: %v", err)
	}
	if final.Status != models.CompositeRejected {
		t.Errorf("composite status = %s, want Rejected under strict policy", final.Status)
	}
}

func TestReportSessionOutcomeIsIdempotent(t *testing.T) {
	c, s := newController()
	task, _ := c.CreateUnitTask(context.Background(), CreateUnitTaskParams{
		RepositoryGroupID: "g1", Title: "t", Prompt: "p",
	})
	agentTask, err := s.GetAgentTaskByUnitTaskID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetAgentTaskByUnitTaskID: %v", err)
	}
	sess := &models.AgentSession{AgentTaskID: agentTask.ID}
	if err := s.AppendAgentSession(context.Background(), agentTask.ID, sess); err != nil {
		t.Fatalf("AppendAgentSession: %v", err)
	}

	got, err := c.ReportSessionOutcome(context.Background(), task.ID, sess.ID, models.OutcomeSuccess, "abc123")
	if err != nil {
		t.Fatalf("ReportSessionOutcome: %v", err)
	}
	if got.Status != models.UnitTaskInReview {
		t.Errorf("status = %s, want InReview", got.Status)
	}
	if got.EndCommit != "abc123" {
		t.Errorf("end commit = %s, want abc123", got.EndCommit)
	}

	again, err := c.ReportSessionOutcome(context.Background(), task.ID, sess.ID, models.OutcomeSuccess, "abc123")
	if err != nil {
		t.Fatalf("second ReportSessionOutcome should be a no-op, got error: %v", err)
	}
	if again.Status != models.UnitTaskInReview {
		t.Errorf("duplicate report changed status to %s", again.Status)
	}
}
