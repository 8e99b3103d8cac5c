// =============================
// Rollback Plans and Execution
// =============================
// A plan translates a rollback decision into an ordered, severity-selected
// strategy with executable steps and verification checks. An execution is
// the runtime record of applying one plan; it is never mutated after
// reaching a terminal status.

package governance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/axiafin/modelgov/internal/audit"
)

// StepRunner applies rollback side effects. The trigger manager never
// reaches into the splitter directly; the orchestrator provides the runner.
type StepRunner interface {
	UpdateTrafficSplit(ctx context.Context, fromVersion string, canaryPct int) error
	SwitchModelVersion(ctx context.Context, fromVersion, toVersion string) error
	EnableCircuitBreaker(ctx context.Context, version string) error
	NotifyOperators(ctx context.Context, message string, severity Severity) error
	HealthCheck(ctx context.Context, version string) error
	ValidateMetrics(ctx context.Context, version string) error
}

// CreateRollbackPlan builds a plan for a decision. Strategy selection is a
// direct function of severity.
func CreateRollbackPlan(from, to string, decision *RollbackDecision) (*RollbackPlan, error) {
	if from == "" || to == "" {
		return nil, ErrValidation("plan", "from and to versions are required")
	}
	if from == to {
		return nil, ErrStateConflict(from, "rollback target equals source version")
	}

	plan := &RollbackPlan{
		ID:          uuid.New(),
		FromVersion: from,
		ToVersion:   to,
		Severity:    decision.Severity,
		Reason:      decision.Reason,
		CreatedAt:   time.Now(),
	}

	switch decision.Severity {
	case SeverityCritical:
		plan.Strategy = StrategyImmediate
		plan.Steps = immediateSteps(from, to)
	case SeverityHigh:
		plan.Strategy = StrategyGradual
		plan.Steps = gradualSteps(from, to, []int{50, 100}, 30*time.Second)
	case SeverityMedium:
		plan.Strategy = StrategyGradual
		plan.Steps = gradualSteps(from, to, []int{25, 50, 100}, 60*time.Second)
	default:
		plan.Strategy = StrategyCanaryReverse
		plan.Steps = canaryReverseSteps(from, []int{75, 50, 25, 0})
	}

	plan.Checks = verificationChecks(decision.Severity)
	for _, step := range plan.Steps {
		plan.EstimatedDuration += step.Timeout
	}
	return plan, nil
}

func immediateSteps(from, to string) []RollbackPlanStep {
	return numberSteps([]RollbackPlanStep{
		{Action: ActionEnableCircuitBreak, Component: "circuit_breaker", Timeout: 5 * time.Second, RollbackOnFailure: false,
			Description: "shed traffic while the switch happens"},
		{Action: ActionUpdateTrafficSplit, Component: "traffic_splitter", TargetPercentage: 0, Timeout: 10 * time.Second, RollbackOnFailure: true,
			Description: "withdraw all canary traffic at once"},
		{Action: ActionSwitchModelVersion, Component: "registry", Timeout: 10 * time.Second, RollbackOnFailure: true,
			Description: fmt.Sprintf("switch serving version %s -> %s", from, to)},
		{Action: ActionHealthCheck, Component: "registry", Timeout: 30 * time.Second, RollbackOnFailure: false,
			Description: "verify stable version is healthy"},
		{Action: ActionNotifyOperators, Component: "alerting", Timeout: 5 * time.Second, RollbackOnFailure: false,
			Description: "page on-call with rollback summary"},
		{Action: ActionValidateMetrics, Component: "trigger_manager", Timeout: 60 * time.Second, RollbackOnFailure: false,
			Description: "confirm metrics recovered on stable"},
	})
}

func gradualSteps(from, to string, restorePcts []int, stepTimeout time.Duration) []RollbackPlanStep {
	steps := make([]RollbackPlanStep, 0, len(restorePcts)*2+2)
	for _, restored := range restorePcts {
		steps = append(steps, RollbackPlanStep{
			Action:            ActionUpdateTrafficSplit,
			Component:         "traffic_splitter",
			TargetPercentage:  100 - restored,
			Timeout:           stepTimeout,
			RollbackOnFailure: true,
			Description:       fmt.Sprintf("reduce canary traffic to %d%%", 100-restored),
		})
		steps = append(steps, RollbackPlanStep{
			Action:      ActionHealthCheck,
			Component:   "registry",
			Timeout:     stepTimeout,
			Description: "check health before the next reduction",
		})
	}
	steps = append(steps, RollbackPlanStep{
		Action:            ActionSwitchModelVersion,
		Component:         "registry",
		Timeout:           10 * time.Second,
		RollbackOnFailure: true,
		Description:       fmt.Sprintf("switch serving version %s -> %s", from, to),
	})
	steps = append(steps, RollbackPlanStep{
		Action:      ActionValidateMetrics,
		Component:   "trigger_manager",
		Timeout:     60 * time.Second,
		Description: "confirm metrics recovered on stable",
	})
	return numberSteps(steps)
}

func canaryReverseSteps(from string, pcts []int) []RollbackPlanStep {
	steps := make([]RollbackPlanStep, 0, len(pcts)+1)
	for _, pct := range pcts {
		steps = append(steps, RollbackPlanStep{
			Action:           ActionUpdateTrafficSplit,
			Component:        "traffic_splitter",
			TargetPercentage: pct,
			Timeout:          60 * time.Second,
			Description:      fmt.Sprintf("walk canary %s down to %d%%", from, pct),
		})
	}
	steps = append(steps, RollbackPlanStep{
		Action:      ActionValidateMetrics,
		Component:   "trigger_manager",
		Timeout:     60 * time.Second,
		Description: "confirm metrics settled after reverse ramp",
	})
	return numberSteps(steps)
}

func numberSteps(steps []RollbackPlanStep) []RollbackPlanStep {
	for i := range steps {
		steps[i].Index = i
	}
	return steps
}

func verificationChecks(severity Severity) []VerificationCheck {
	checks := []VerificationCheck{
		{Name: "stable_serving", Mandatory: true},
		{Name: "error_rate_recovered", Mandatory: true},
		{Name: "canary_drained", Mandatory: severity >= SeverityHigh},
		{Name: "latency_recovered", Mandatory: false},
	}
	return checks
}

// PlanExecutor applies rollback plans step by step.
type PlanExecutor struct {
	logger *zap.SugaredLogger
	sink   audit.Sink
	runner StepRunner

	// allowedActions is the scope allow list: a plan step whose
	// (component, action) pair is absent is downgraded to a no-op.
	allowedActions map[string]map[StepAction]bool

	mu         sync.RWMutex
	executions map[uuid.UUID]*RollbackExecution
}

// NewPlanExecutor creates an executor delegating side effects to runner.
func NewPlanExecutor(logger *zap.SugaredLogger, sink audit.Sink, runner StepRunner) *PlanExecutor {
	return &PlanExecutor{
		logger:         logger.Named("executor"),
		sink:           sink,
		runner:         runner,
		allowedActions: defaultAllowedActions(),
		executions:     make(map[uuid.UUID]*RollbackExecution),
	}
}

func defaultAllowedActions() map[string]map[StepAction]bool {
	return map[string]map[StepAction]bool{
		"traffic_splitter": {ActionUpdateTrafficSplit: true},
		"registry":         {ActionSwitchModelVersion: true, ActionHealthCheck: true},
		"circuit_breaker":  {ActionEnableCircuitBreak: true},
		"alerting":         {ActionNotifyOperators: true},
		"trigger_manager":  {ActionValidateMetrics: true},
	}
}

// ExecuteRollbackPlan runs a plan's steps in declared order, each under its
// own timeout. A failed or timed-out step marks the execution Failed when
// the step demands RollbackOnFailure (the remainder is abandoned), otherwise
// execution continues and finishes PartiallyCompleted.
func (e *PlanExecutor) ExecuteRollbackPlan(ctx context.Context, plan *RollbackPlan) *RollbackExecution {
	exec := &RollbackExecution{
		ID:            uuid.New(),
		PlanID:        plan.ID,
		FromVersion:   plan.FromVersion,
		ToVersion:     plan.ToVersion,
		Status:        ExecutionInProgress,
		Verifications: make(map[string]bool),
		StartedAt:     time.Now(),
	}

	e.record(ctx, "execution_started", plan.FromVersion, plan.Severity,
		fmt.Sprintf("applying %s rollback plan %s", plan.Strategy, plan.ID))

	var errs *multierror.Error
	aborted := false
	for _, step := range plan.Steps {
		if aborted {
			break
		}
		result := e.runStep(ctx, plan, step)
		exec.StepResults = append(exec.StepResults, result)

		if result.Success || result.Skipped {
			exec.StepsCompleted++
			continue
		}

		errs = multierror.Append(errs, fmt.Errorf("step %d (%s): %s", step.Index, step.Action, result.Error))
		if step.RollbackOnFailure {
			exec.Status = ExecutionFailed
			exec.FailedStep = step.Index
			exec.FailureReason = result.Error
			aborted = true
		}
	}

	if errs != nil {
		for _, err := range errs.Errors {
			exec.Errors = append(exec.Errors, err.Error())
		}
	}

	now := time.Now()
	exec.FinishedAt = &now
	if exec.Status == ExecutionInProgress {
		if len(exec.Errors) > 0 {
			exec.Status = ExecutionPartiallyCompleted
			exec.FailureReason = "one or more optional steps failed"
		} else {
			exec.Status = ExecutionCompleted
		}
	}

	for _, check := range plan.Checks {
		// Mandatory checks pass only on a fully completed execution.
		exec.Verifications[check.Name] = exec.Status == ExecutionCompleted || !check.Mandatory
	}

	// Published only once terminal, so readers never see a record mid-mutation.
	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()

	e.logger.Infow("rollback execution finished",
		"execution_id", exec.ID,
		"plan_id", plan.ID,
		"status", exec.Status,
		"steps_completed", exec.StepsCompleted,
		"errors", len(exec.Errors),
	)
	e.record(ctx, "execution_finished", plan.FromVersion, plan.Severity,
		fmt.Sprintf("execution %s finished with status %s", exec.ID, exec.Status))
	return exec
}

func (e *PlanExecutor) runStep(ctx context.Context, plan *RollbackPlan, step RollbackPlanStep) StepResult {
	result := StepResult{Index: step.Index, Action: step.Action}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	// Scope guard: out-of-scope actions downgrade to the safe default
	// rather than executing, and the downgrade itself is audited.
	if !e.allowedActions[step.Component][step.Action] {
		result.Skipped = true
		result.SkipReason = "scope_violation"
		e.logger.Warnw("plan step outside allowed scope, downgraded to no-op",
			"component", step.Component, "action", step.Action, "step", step.Index)
		e.record(ctx, "step_downgraded", plan.FromVersion, plan.Severity,
			fmt.Sprintf("step %d (%s/%s) outside allowed scope, reason code scope_violation", step.Index, step.Component, step.Action))
		return result
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	var err error
	switch step.Action {
	case ActionUpdateTrafficSplit:
		err = e.runner.UpdateTrafficSplit(stepCtx, plan.FromVersion, step.TargetPercentage)
	case ActionSwitchModelVersion:
		err = e.runner.SwitchModelVersion(stepCtx, plan.FromVersion, plan.ToVersion)
	case ActionEnableCircuitBreak:
		err = e.runner.EnableCircuitBreaker(stepCtx, plan.FromVersion)
	case ActionNotifyOperators:
		err = e.runner.NotifyOperators(stepCtx, plan.Reason, plan.Severity)
	case ActionHealthCheck:
		err = e.runner.HealthCheck(stepCtx, plan.ToVersion)
	case ActionValidateMetrics:
		err = e.runner.ValidateMetrics(stepCtx, plan.ToVersion)
	default:
		err = ErrScopeViolation(string(step.Action), "unknown step action")
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("step timed out after %s", step.Timeout)
		return result
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// Execution returns one retained execution record.
func (e *PlanExecutor) Execution(id uuid.UUID) (RollbackExecution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	if !ok {
		return RollbackExecution{}, false
	}
	return *exec, true
}

// RecentExecutions returns up to limit retained executions, newest first.
func (e *PlanExecutor) RecentExecutions(limit int) []RollbackExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RollbackExecution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, *exec)
	}
	// Insertion order is not tracked; sort by start time, newest first.
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *PlanExecutor) record(ctx context.Context, action, subject string, severity Severity, reason string) {
	if e.sink == nil {
		return
	}
	_ = e.sink.Record(ctx, audit.NewEvent("plan_executor", action, subject, severity.String(), reason))
}
