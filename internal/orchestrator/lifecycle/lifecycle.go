// Package lifecycle implements the LifecycleController: the single entry
// point for externally initiated unit-task and composite-task state
// transitions. All business rules governing what transition is legal, what
// side effect it triggers, and how a composite task's DAG completes live here.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/orchestrator/plan"
	"github.com/delidev/core/internal/orchestrator/scheduler"
	"github.com/delidev/core/internal/secrets"
	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/task/models"
)

// unitTransitions enumerates every legal unit-task state change.
var unitTransitions = map[models.UnitTaskStatus]map[models.UnitTaskStatus]bool{
	models.UnitTaskInProgress: {
		models.UnitTaskInReview: true,
		models.UnitTaskRejected: true,
	},
	models.UnitTaskInReview: {
		models.UnitTaskApproved:   true,
		models.UnitTaskInProgress: true,
		models.UnitTaskRejected:   true,
	},
	models.UnitTaskApproved: {
		models.UnitTaskPrOpen: true,
		models.UnitTaskDone:   true,
	},
	models.UnitTaskPrOpen: {
		models.UnitTaskDone:     true,
		models.UnitTaskRejected: true,
	},
}

// compositeTransitions enumerates every legal composite-task state change.
var compositeTransitions = map[models.CompositeTaskStatus]map[models.CompositeTaskStatus]bool{
	models.CompositePlanning: {
		models.CompositePendingApproval: true,
		models.CompositeRejected:        true,
	},
	models.CompositePendingApproval: {
		models.CompositeInProgress: true,
		models.CompositeRejected:   true,
	},
	models.CompositeInProgress: {
		models.CompositeDone:     true,
		models.CompositeRejected: true,
	},
}

// Controller is the LifecycleController (C7).
type Controller struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	secrets   *secrets.Service
	logger    *logger.Logger
}

// New constructs a Controller. sched and secretsSvc may be nil in tests that
// only exercise pure transition logic.
func New(s store.Store, sched *scheduler.Scheduler, secretsSvc *secrets.Service, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Default()
	}
	return &Controller{
		store:     s,
		scheduler: sched,
		secrets:   secretsSvc,
		logger:    log.WithFields(zap.String("component", "lifecycle")),
	}
}

// CreateUnitTaskParams is the input to CreateUnitTask.
type CreateUnitTaskParams struct {
	RepositoryGroupID string
	Title             string
	Prompt            string
	BranchName        string
	AgentType         string
	Model             string
	CompositeTaskID   string // empty for a standalone unit task
}

// CreateUnitTask creates a UnitTask in its initial InProgress state together
// with the AgentTask that will own its AgentSessions, in one transaction.
func (c *Controller) CreateUnitTask(ctx context.Context, p CreateUnitTaskParams) (*models.UnitTask, error) {
	if p.RepositoryGroupID == "" {
		return nil, apierr.InvalidRequest("repository_group_id", "required")
	}
	if p.Title == "" {
		return nil, apierr.InvalidRequest("title", "required")
	}
	if p.Prompt == "" {
		return nil, apierr.InvalidRequest("prompt", "required")
	}

	task := &models.UnitTask{
		RepositoryGroupID: p.RepositoryGroupID,
		Title:             p.Title,
		Prompt:            p.Prompt,
		BranchName:        p.BranchName,
		Status:            models.UnitTaskInProgress,
		CompositeTaskID:   p.CompositeTaskID,
		AgentType:         p.AgentType,
		Model:             p.Model,
	}

	err := c.store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateUnitTask(ctx, task); err != nil {
			return apierr.Internal(err)
		}
		if task.BranchName == "" {
			task.BranchName = models.DerivedBranchName(task.ID)
			if err := tx.UpdateUnitTask(ctx, task); err != nil {
				return apierr.Internal(err)
			}
		}
		agentTask := &models.AgentTask{
			UnitTaskID: task.ID,
			AgentType:  p.AgentType,
			Model:      p.Model,
		}
		if err := tx.CreateAgentTask(ctx, agentTask); err != nil {
			return apierr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("unit task created", zap.String("task_id", task.ID))
	c.recompute(ctx)
	return task, nil
}

// CreateCompositeTaskParams is the input to CreateCompositeTask.
type CreateCompositeTaskParams struct {
	RepositoryGroupID  string
	Title              string
	Prompt             string
	ExecutionAgentType string
	FailurePolicy      models.CompositeFailurePolicy
}

// CreateCompositeTask starts a composite task's planning phase. It does not
// create any UnitTasks yet — those appear only once SubmitPlan validates a plan.
func (c *Controller) CreateCompositeTask(ctx context.Context, p CreateCompositeTaskParams) (*models.CompositeTask, error) {
	if p.RepositoryGroupID == "" {
		return nil, apierr.InvalidRequest("repository_group_id", "required")
	}
	if p.Title == "" {
		return nil, apierr.InvalidRequest("title", "required")
	}
	if p.Prompt == "" {
		return nil, apierr.InvalidRequest("prompt", "required")
	}
	policy := p.FailurePolicy
	if policy == "" {
		policy = models.FailurePolicyLenient
	}

	task := &models.CompositeTask{
		RepositoryGroupID:  p.RepositoryGroupID,
		Title:              p.Title,
		Prompt:             p.Prompt,
		Status:             models.CompositePlanning,
		FailurePolicy:      policy,
		ExecutionAgentType: p.ExecutionAgentType,
	}
	if err := c.store.CreateCompositeTask(ctx, task); err != nil {
		return nil, apierr.Internal(err)
	}
	return task, nil
}

// SubmitPlan validates a PLAN document produced by the planning agent and,
// if valid, creates one UnitTask per plan entry and moves the composite task
// Planning -> PendingApproval. An invalid plan moves it Planning -> Rejected
// and creates no UnitTasks (S6).
func (c *Controller) SubmitPlan(ctx context.Context, compositeTaskID, planContent string, declaredNodes []models.CompositeTaskNode) (*models.CompositeTask, error) {
	comp, err := c.store.GetCompositeTask(ctx, compositeTaskID)
	if err != nil {
		return nil, apierr.NotFound("CompositeTask", compositeTaskID)
	}
	if !compositeTransitions[comp.Status][models.CompositePendingApproval] {
		return nil, apierr.InvalidTransition("CompositeTask", string(comp.Status), string(models.CompositePendingApproval))
	}

	p, perr := plan.Parse(planContent)
	if perr == nil {
		perr = plan.Validate(p)
	}
	if perr != nil {
		comp.Status = models.CompositeRejected
		comp.UpdatedAt = time.Now().UTC()
		_ = c.store.UpdateCompositeTask(ctx, comp)
		c.logger.Warn("plan rejected", zap.String("composite_task_id", compositeTaskID), zap.Error(perr))
		return nil, perr
	}

	nodes := make([]models.CompositeTaskNode, 0, len(p.Tasks))
	err = c.store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		for _, t := range p.Tasks {
			unit := &models.UnitTask{
				RepositoryGroupID: comp.RepositoryGroupID,
				Title:             firstNonEmpty(t.Title, t.ID),
				Prompt:            t.Prompt,
				BranchName:        t.BranchName,
				Status:            models.UnitTaskInProgress,
				CompositeTaskID:   comp.ID,
				AgentType:         comp.ExecutionAgentType,
			}
			if err := tx.CreateUnitTask(ctx, unit); err != nil {
				return apierr.Internal(err)
			}
			if unit.BranchName == "" {
				unit.BranchName = models.DerivedBranchName(unit.ID)
				if err := tx.UpdateUnitTask(ctx, unit); err != nil {
					return apierr.Internal(err)
				}
			}
			if err := tx.CreateAgentTask(ctx, &models.AgentTask{
				UnitTaskID: unit.ID,
				AgentType:  comp.ExecutionAgentType,
			}); err != nil {
				return apierr.Internal(err)
			}
			nodes = append(nodes, models.CompositeTaskNode{
				NodeID:     t.ID,
				UnitTaskID: unit.ID,
				DependsOn:  t.DependsOn,
			})
		}

		comp.Nodes = nodes
		comp.PlanContent = planContent
		comp.Status = models.CompositePendingApproval
		comp.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateCompositeTask(ctx, comp); err != nil {
			return apierr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("plan accepted", zap.String("composite_task_id", compositeTaskID), zap.Int("node_count", len(nodes)))
	return comp, nil
}

// ApprovePlan moves a composite task PendingApproval -> InProgress, admitting
// its initial-ready nodes to the scheduler.
func (c *Controller) ApprovePlan(ctx context.Context, compositeTaskID string) (*models.CompositeTask, error) {
	comp, err := c.store.GetCompositeTask(ctx, compositeTaskID)
	if err != nil {
		return nil, apierr.NotFound("CompositeTask", compositeTaskID)
	}
	if !compositeTransitions[comp.Status][models.CompositeInProgress] {
		return nil, apierr.InvalidTransition("CompositeTask", string(comp.Status), string(models.CompositeInProgress))
	}
	comp.Status = models.CompositeInProgress
	comp.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateCompositeTask(ctx, comp); err != nil {
		return nil, apierr.Internal(err)
	}
	c.recompute(ctx)
	return comp, nil
}

// RejectPlan moves a composite task PendingApproval -> Rejected.
func (c *Controller) RejectPlan(ctx context.Context, compositeTaskID string) (*models.CompositeTask, error) {
	comp, err := c.store.GetCompositeTask(ctx, compositeTaskID)
	if err != nil {
		return nil, apierr.NotFound("CompositeTask", compositeTaskID)
	}
	if !compositeTransitions[comp.Status][models.CompositeRejected] {
		return nil, apierr.InvalidTransition("CompositeTask", string(comp.Status), string(models.CompositeRejected))
	}
	comp.Status = models.CompositeRejected
	comp.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateCompositeTask(ctx, comp); err != nil {
		return nil, apierr.Internal(err)
	}
	return comp, nil
}

// TransitionUnitTask applies an externally requested unit-task transition
// (reviewer approve/reject/request-changes, PR lifecycle). Transitions driven
// by an ExecutionEngine terminal report go through ReportSessionOutcome instead.
func (c *Controller) TransitionUnitTask(ctx context.Context, taskID string, to models.UnitTaskStatus) (*models.UnitTask, error) {
	task, err := c.store.GetUnitTask(ctx, taskID)
	if err != nil {
		return nil, apierr.NotFound("UnitTask", taskID)
	}
	return c.transitionUnitTask(ctx, task, to)
}

func (c *Controller) transitionUnitTask(ctx context.Context, task *models.UnitTask, to models.UnitTaskStatus) (*models.UnitTask, error) {
	from := task.Status
	if !unitTransitions[from][to] {
		return nil, apierr.InvalidTransition("UnitTask", string(from), string(to))
	}

	if from == models.UnitTaskInReview && to == models.UnitTaskInProgress {
		if err := c.requestChanges(ctx, task); err != nil {
			return nil, err
		}
	}

	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateUnitTask(ctx, task); err != nil {
		return nil, apierr.Internal(err)
	}

	c.logger.Info("unit task transitioned",
		zap.String("task_id", task.ID), zap.String("from", string(from)), zap.String("to", string(to)))

	if to == models.UnitTaskRejected && c.secrets != nil {
		c.secrets.Discard(task.ID)
	}

	if task.CompositeTaskID != "" {
		if err := c.onNodeTransition(ctx, task); err != nil {
			return nil, err
		}
	}

	if models.ReleaseEligibleStatuses[to] || to == models.UnitTaskRejected {
		c.recompute(ctx)
	}

	return task, nil
}

// requestChanges appends a new AgentSession to the unit task's AgentTask and
// bumps its retry counter, per §4.7's "reviewer requests changes" rule. The
// retry runs immediately, just before the status write, which is a separate
// store call (Open Question 3: immediate retry, no separate cooldown).
func (c *Controller) requestChanges(ctx context.Context, task *models.UnitTask) error {
	agentTask, err := c.store.GetAgentTaskByUnitTaskID(ctx, task.ID)
	if err != nil {
		return apierr.Internal(fmt.Errorf("request-changes: load agent task: %w", err))
	}
	agentTask.RetryCount++
	agentTask.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAgentTask(ctx, agentTask); err != nil {
		return apierr.Internal(err)
	}
	sess := &models.AgentSession{AgentTaskID: agentTask.ID, AgentType: agentTask.AgentType, Model: agentTask.Model}
	if err := c.store.AppendAgentSession(ctx, agentTask.ID, sess); err != nil {
		return apierr.Internal(err)
	}
	c.logger.Info("request-changes retry scheduled",
		zap.String("task_id", task.ID), zap.Int("retry_count", agentTask.RetryCount))
	return nil
}

// ReportSessionOutcome records an ExecutionEngine's terminal report for one
// AgentSession and drives the corresponding InProgress -> InReview/Rejected
// transition. It is idempotent, keyed by (agent_task_id via unit task,
// session_id): a repeated report for an already-completed session is a no-op.
func (c *Controller) ReportSessionOutcome(ctx context.Context, taskID, sessionID string, outcome models.TerminalOutcome, endCommit string) (*models.UnitTask, error) {
	task, err := c.store.GetUnitTask(ctx, taskID)
	if err != nil {
		return nil, apierr.NotFound("UnitTask", taskID)
	}
	agentTask, err := c.store.GetAgentTaskByUnitTaskID(ctx, taskID)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("load agent task: %w", err))
	}

	var session *models.AgentSession
	for i := range agentTask.Sessions {
		if agentTask.Sessions[i].ID == sessionID {
			session = &agentTask.Sessions[i]
			break
		}
	}
	if session == nil {
		return nil, apierr.NotFound("AgentSession", sessionID)
	}
	if session.CompletedAt != nil {
		c.logger.Debug("duplicate terminal report ignored",
			zap.String("task_id", taskID), zap.String("session_id", sessionID))
		return task, nil
	}

	now := time.Now().UTC()
	session.CompletedAt = &now
	session.TerminalOutcome = outcome
	if err := c.store.UpdateAgentSession(ctx, agentTask.ID, session); err != nil {
		return nil, apierr.Internal(err)
	}

	if endCommit != "" {
		task.EndCommit = endCommit
	}

	var to models.UnitTaskStatus
	if outcome == models.OutcomeSuccess {
		to = models.UnitTaskInReview
	} else {
		to = models.UnitTaskRejected
	}
	task.LastExecutionFailed = outcome != models.OutcomeSuccess
	return c.transitionUnitTask(ctx, task, to)
}

// onNodeTransition reacts to a unit task belonging to a composite task
// reaching a release-eligible or rejected status: it cascades rejection to
// permanently-blocked descendants (lenient policy) or aborts the composite
// (strict policy), and checks for composite completion.
func (c *Controller) onNodeTransition(ctx context.Context, task *models.UnitTask) error {
	comp, err := c.store.GetCompositeTask(ctx, task.CompositeTaskID)
	if err != nil {
		return apierr.Internal(fmt.Errorf("load composite task: %w", err))
	}
	if comp.Status != models.CompositeInProgress {
		return nil
	}

	if task.Status == models.UnitTaskRejected {
		if comp.FailurePolicy == models.FailurePolicyStrict {
			comp.Status = models.CompositeRejected
			comp.UpdatedAt = time.Now().UTC()
			return c.updateComposite(ctx, comp)
		}
		if err := c.cascadeBlocked(ctx, comp, task.ID); err != nil {
			return err
		}
	}

	return c.checkCompositeCompletion(ctx, comp)
}

// cascadeBlocked rejects every unit task transitively depending on a
// rejected node, since it can never satisfy its dependency under lenient policy.
func (c *Controller) cascadeBlocked(ctx context.Context, comp *models.CompositeTask, rejectedUnitTaskID string) error {
	rejectedNode := comp.NodeByUnitTaskID(rejectedUnitTaskID)
	if rejectedNode == nil {
		return nil
	}

	dependents := func(nodeID string) []models.CompositeTaskNode {
		var out []models.CompositeTaskNode
		for _, n := range comp.Nodes {
			for _, dep := range n.DependsOn {
				if dep == nodeID {
					out = append(out, n)
					break
				}
			}
		}
		return out
	}

	queue := []string{rejectedNode.NodeID}
	seen := map[string]bool{rejectedNode.NodeID: true}
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		for _, dep := range dependents(nodeID) {
			if seen[dep.NodeID] {
				continue
			}
			seen[dep.NodeID] = true
			queue = append(queue, dep.NodeID)

			unit, err := c.store.GetUnitTask(ctx, dep.UnitTaskID)
			if err != nil || unit.Status == models.UnitTaskRejected {
				continue
			}
			unit.Status = models.UnitTaskRejected
			unit.LastExecutionFailed = true
			unit.UpdatedAt = time.Now().UTC()
			if err := c.store.UpdateUnitTask(ctx, unit); err != nil {
				return apierr.Internal(err)
			}
			c.logger.Info("unit task cascade-rejected (blocked by rejected dependency)",
				zap.String("task_id", unit.ID), zap.String("blocked_by", rejectedUnitTaskID))
		}
	}
	return nil
}

// checkCompositeCompletion moves InProgress -> Done once every node's unit
// task has reached a stable final state (Done or Rejected) with no Rejected
// node under strict policy (those are aborted immediately elsewhere).
func (c *Controller) checkCompositeCompletion(ctx context.Context, comp *models.CompositeTask) error {
	for _, n := range comp.Nodes {
		unit, err := c.store.GetUnitTask(ctx, n.UnitTaskID)
		if err != nil {
			return apierr.Internal(err)
		}
		if unit.Status != models.UnitTaskDone && unit.Status != models.UnitTaskRejected {
			return nil
		}
	}
	comp.Status = models.CompositeDone
	comp.UpdatedAt = time.Now().UTC()
	return c.updateComposite(ctx, comp)
}

func (c *Controller) updateComposite(ctx context.Context, comp *models.CompositeTask) error {
	if err := c.store.UpdateCompositeTask(ctx, comp); err != nil {
		return apierr.Internal(err)
	}
	c.logger.Info("composite task transitioned",
		zap.String("composite_task_id", comp.ID), zap.String("status", string(comp.Status)))
	return nil
}

func (c *Controller) recompute(ctx context.Context) {
	if c.scheduler == nil {
		return
	}
	if err := c.scheduler.Recompute(ctx); err != nil {
		c.logger.Warn("scheduler recompute failed", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
