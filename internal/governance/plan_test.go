package governance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner captures step side effects for assertions.
type recordingRunner struct {
	mu         sync.Mutex
	calls      []string
	failSwitch bool
	failHealth bool
	slowHealth time.Duration
}

func (r *recordingRunner) call(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingRunner) UpdateTrafficSplit(_ context.Context, from string, pct int) error {
	r.call(fmt.Sprintf("split:%s:%d", from, pct))
	return nil
}

func (r *recordingRunner) SwitchModelVersion(_ context.Context, from, to string) error {
	r.call(fmt.Sprintf("switch:%s:%s", from, to))
	if r.failSwitch {
		return fmt.Errorf("registry unavailable")
	}
	return nil
}

func (r *recordingRunner) EnableCircuitBreaker(_ context.Context, version string) error {
	r.call("breaker:" + version)
	return nil
}

func (r *recordingRunner) NotifyOperators(_ context.Context, _ string, _ Severity) error {
	r.call("notify")
	return nil
}

func (r *recordingRunner) HealthCheck(ctx context.Context, version string) error {
	r.call("health:" + version)
	if r.failHealth {
		return fmt.Errorf("health endpoint unreachable")
	}
	if r.slowHealth > 0 {
		select {
		case <-time.After(r.slowHealth):
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingRunner) ValidateMetrics(_ context.Context, version string) error {
	r.call("validate:" + version)
	return nil
}

func decisionWithSeverity(sev Severity) *RollbackDecision {
	return &RollbackDecision{
		ModelVersion:   "v2",
		ShouldRollback: true,
		Severity:       sev,
		TargetVersion:  "v1",
		Reason:         "drift detected",
		DecidedAt:      time.Now(),
	}
}

func TestCreateRollbackPlanStrategySelection(t *testing.T) {
	tests := []struct {
		severity Severity
		strategy RollbackStrategy
	}{
		{SeverityCritical, StrategyImmediate},
		{SeverityHigh, StrategyGradual},
		{SeverityMedium, StrategyGradual},
		{SeverityLow, StrategyCanaryReverse},
	}
	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(tt.severity))
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, plan.Strategy)
			assert.NotEmpty(t, plan.Steps)
			assert.Greater(t, plan.EstimatedDuration, time.Duration(0))
			for i, step := range plan.Steps {
				assert.Equal(t, i, step.Index)
			}
		})
	}
}

func TestCreateRollbackPlanValidation(t *testing.T) {
	_, err := CreateRollbackPlan("", "v1", decisionWithSeverity(SeverityHigh))
	assert.True(t, IsKind(err, KindValidation))

	_, err = CreateRollbackPlan("v1", "v1", decisionWithSeverity(SeverityHigh))
	assert.True(t, IsKind(err, KindStateConflict))
}

func TestImmediatePlanNeverUsedForLowSeverity(t *testing.T) {
	plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityLow))
	require.NoError(t, err)
	assert.NotEqual(t, StrategyImmediate, plan.Strategy)
	for _, step := range plan.Steps {
		assert.NotEqual(t, ActionEnableCircuitBreak, step.Action,
			"low severity rollback never trips the circuit breaker")
	}
}

func TestGradualPlanRestoresStableIncrementally(t *testing.T) {
	plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityMedium))
	require.NoError(t, err)

	var pcts []int
	for _, step := range plan.Steps {
		if step.Action == ActionUpdateTrafficSplit {
			pcts = append(pcts, step.TargetPercentage)
		}
	}
	// Restore 25/50/100 percent to stable: canary walks 75 -> 50 -> 0.
	assert.Equal(t, []int{75, 50, 0}, pcts)
}

func TestVerificationChecksScaleWithSeverity(t *testing.T) {
	plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityCritical))
	require.NoError(t, err)
	byName := map[string]bool{}
	for _, c := range plan.Checks {
		byName[c.Name] = c.Mandatory
	}
	assert.True(t, byName["stable_serving"])
	assert.True(t, byName["error_rate_recovered"])
	assert.True(t, byName["canary_drained"])

	plan, err = CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityLow))
	require.NoError(t, err)
	for _, c := range plan.Checks {
		if c.Name == "canary_drained" {
			assert.False(t, c.Mandatory)
		}
	}
}

func TestExecuteImmediatePlanHappyPath(t *testing.T) {
	runner := &recordingRunner{}
	e := NewPlanExecutor(testLogger(), nil, runner)
	plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityCritical))
	require.NoError(t, err)

	exec := e.ExecuteRollbackPlan(context.Background(), plan)
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, len(plan.Steps), exec.StepsCompleted)
	assert.Empty(t, exec.Errors)
	require.NotNil(t, exec.FinishedAt)

	calls := runner.Calls()
	assert.Equal(t, "breaker:v2", calls[0])
	assert.Equal(t, "split:v2:0", calls[1])
	assert.Equal(t, "switch:v2:v1", calls[2])
	assert.Contains(t, calls, "validate:v1")

	for name, passed := range exec.Verifications {
		assert.True(t, passed, "check %s", name)
	}
}

func TestExecuteAbandonsAfterCriticalStepFailure(t *testing.T) {
	runner := &recordingRunner{failSwitch: true}
	e := NewPlanExecutor(testLogger(), nil, runner)
	plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityCritical))
	require.NoError(t, err)

	exec := e.ExecuteRollbackPlan(context.Background(), plan)
	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Equal(t, 2, exec.FailedStep, "switch is the third step")
	assert.Contains(t, exec.FailureReason, "registry unavailable")
	assert.NotContains(t, runner.Calls(), "validate:v1", "remainder abandoned")

	// Mandatory verifications fail on a failed execution.
	assert.False(t, exec.Verifications["stable_serving"])
	assert.False(t, exec.Verifications["error_rate_recovered"])
	assert.True(t, exec.Verifications["latency_recovered"], "optional checks pass by default")
}

func TestExecutePartialCompletionOnOptionalFailure(t *testing.T) {
	runner := &recordingRunner{failHealth: true}
	e := NewPlanExecutor(testLogger(), nil, runner)
	plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityCritical))
	require.NoError(t, err)

	exec := e.ExecuteRollbackPlan(context.Background(), plan)
	assert.Equal(t, ExecutionPartiallyCompleted, exec.Status)
	require.Len(t, exec.Errors, 1)
	assert.Contains(t, exec.Errors[0], "health endpoint unreachable")
	assert.Contains(t, runner.Calls(), "validate:v1", "optional failure does not abandon the plan")
}

func TestScopeViolationDowngradesToNoOp(t *testing.T) {
	runner := &recordingRunner{}
	e := NewPlanExecutor(testLogger(), nil, runner)

	plan := &RollbackPlan{
		FromVersion: "v2",
		ToVersion:   "v1",
		Strategy:    StrategyImmediate,
		Steps: []RollbackPlanStep{
			// The alerting component is not allowed to touch traffic.
			{Index: 0, Action: ActionUpdateTrafficSplit, Component: "alerting", TargetPercentage: 0, Timeout: time.Second},
			{Index: 1, Action: ActionNotifyOperators, Component: "alerting", Timeout: time.Second},
		},
	}

	exec := e.ExecuteRollbackPlan(context.Background(), plan)
	assert.Equal(t, ExecutionCompleted, exec.Status)
	require.Len(t, exec.StepResults, 2)
	assert.True(t, exec.StepResults[0].Skipped)
	assert.Equal(t, "scope_violation", exec.StepResults[0].SkipReason)
	assert.True(t, exec.StepResults[1].Success)
	assert.Equal(t, []string{"notify"}, runner.Calls(), "downgraded step never reaches the runner")
}

func TestStepTimeoutReported(t *testing.T) {
	runner := &recordingRunner{slowHealth: 500 * time.Millisecond}
	e := NewPlanExecutor(testLogger(), nil, runner)

	plan := &RollbackPlan{
		FromVersion: "v2",
		ToVersion:   "v1",
		Strategy:    StrategyImmediate,
		Steps: []RollbackPlanStep{
			{Index: 0, Action: ActionHealthCheck, Component: "registry", Timeout: 10 * time.Millisecond},
		},
	}

	exec := e.ExecuteRollbackPlan(context.Background(), plan)
	assert.Equal(t, ExecutionPartiallyCompleted, exec.Status)
	require.Len(t, exec.StepResults, 1)
	assert.Contains(t, exec.StepResults[0].Error, "step timed out after")
}

func TestExecutionRetention(t *testing.T) {
	runner := &recordingRunner{}
	e := NewPlanExecutor(testLogger(), nil, runner)

	var last *RollbackExecution
	for i := 0; i < 3; i++ {
		plan, err := CreateRollbackPlan("v2", "v1", decisionWithSeverity(SeverityLow))
		require.NoError(t, err)
		last = e.ExecuteRollbackPlan(context.Background(), plan)
		time.Sleep(2 * time.Millisecond)
	}

	got, ok := e.Execution(last.ID)
	require.True(t, ok)
	assert.Equal(t, last.PlanID, got.PlanID)

	recent := e.RecentExecutions(2)
	require.Len(t, recent, 2)
	assert.Equal(t, last.ID, recent[0].ID, "newest execution first")
}

func TestExecutionVisibleOnlyWhenTerminal(t *testing.T) {
	runner := &recordingRunner{slowHealth: 50 * time.Millisecond}
	e := NewPlanExecutor(testLogger(), nil, runner)

	plan := &RollbackPlan{
		FromVersion: "v2",
		ToVersion:   "v1",
		Strategy:    StrategyImmediate,
		Steps: []RollbackPlanStep{
			{Index: 0, Action: ActionHealthCheck, Component: "registry", Timeout: time.Second},
		},
	}

	// Readers polling while the plan runs must only ever observe settled
	// records, never one still being mutated.
	done := make(chan *RollbackExecution, 1)
	go func() {
		done <- e.ExecuteRollbackPlan(context.Background(), plan)
	}()

	for {
		select {
		case exec := <-done:
			got, ok := e.Execution(exec.ID)
			require.True(t, ok)
			assert.Equal(t, ExecutionCompleted, got.Status)
			require.NotNil(t, got.FinishedAt)
			return
		default:
			for _, r := range e.RecentExecutions(0) {
				assert.NotEqual(t, ExecutionInProgress, r.Status)
			}
			time.Sleep(time.Millisecond)
		}
	}
}
