package governance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestratorFixture(t *testing.T) *Orchestrator {
	t.Helper()
	ctx := context.Background()
	cfg := DefaultOrchestratorConfig()
	cfg.RollbackCooldown = time.Hour
	o := NewOrchestrator(testLogger(), nil, cfg)

	require.NoError(t, o.RegisterModel(ctx, testVersion("v1")))
	require.NoError(t, o.RegisterModel(ctx, testVersion("v2")))
	require.NoError(t, o.PromoteToStable(ctx, "v1"))
	return o
}

// criticalErrTrigger fires on the first violating sample so scenario tests do
// not have to walk the debounce window.
func criticalErrTrigger(version string) RollbackTriggerConfig {
	return RollbackTriggerConfig{
		ID:                    version + "-err-fast",
		ModelVersion:          version,
		Type:                  TriggerErrorRateSpike,
		Threshold:             1.0,
		EvaluationWindow:      5 * time.Minute,
		MinSampleCount:        1,
		ConsecutiveViolations: 1,
		Enabled:               true,
		Severity:              SeverityCritical,
	}
}

func TestRegisterModelSeedsDefaults(t *testing.T) {
	o := newOrchestratorFixture(t)

	threshold, ok := o.Registry().GetConfidenceThreshold("risk.scoring", "v2")
	require.True(t, ok)
	assert.Equal(t, 0.7, threshold.MinConfidence)
	assert.Equal(t, OwnerJoint, threshold.Owner)

	triggers := o.Triggers().TriggersForVersion("v2")
	kinds := map[TriggerType]bool{}
	for _, tr := range triggers {
		kinds[tr.Type] = true
	}
	assert.True(t, kinds[TriggerErrorRateSpike])
	assert.True(t, kinds[TriggerLatencyDrift])
	assert.True(t, kinds[TriggerAccuracyDrop])
	assert.True(t, kinds[TriggerConfidenceDrop])
}

func TestDeployCanaryStartsRollout(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	_, err := o.DeployCanary(ctx, "missing", testSteps())
	assert.True(t, IsKind(err, KindNotFound))

	_, err = o.DeployCanary(ctx, "v2", nil)
	assert.True(t, IsKind(err, KindValidation))

	rolloutID, err := o.DeployCanary(ctx, "v2", testSteps())
	require.NoError(t, err)

	r, err := o.Splitter().GetRollout(rolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStateInProgress, r.State())
	assert.Equal(t, 5, r.CurrentPct)

	v2, _ := o.Registry().GetVersion("v2")
	assert.Equal(t, StatusCanary, v2.Status)
	assert.Equal(t, 100, v2.CanaryPercentage, "registry records the ramp target")
}

func TestGetRoutingDecisionNeverErrors(t *testing.T) {
	o := newOrchestratorFixture(t)

	// Unknown path: stable fallback with conservative defaults.
	d := o.GetRoutingDecision("unknown.path", "req-1")
	assert.Equal(t, "v1", d.TargetVersion)
	assert.False(t, d.IsCanary)
	assert.Equal(t, 0.7, d.MinConfidence)
	assert.Equal(t, FallbackDeterministicRules, d.Fallback)
}

func TestGetRoutingDecisionSplitsTraffic(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	rolloutID, err := o.DeployCanary(ctx, "v2", testSteps())
	require.NoError(t, err)
	require.NoError(t, o.Splitter().SetTrafficPercentage(rolloutID, 40))

	canaryHits := 0
	for i := 0; i < 500; i++ {
		d := o.GetRoutingDecision("risk.scoring", fmt.Sprintf("req-%d", i))
		if d.IsCanary {
			assert.Equal(t, "v2", d.TargetVersion)
			canaryHits++
		} else {
			assert.Equal(t, "v1", d.TargetVersion)
		}
	}
	assert.Greater(t, canaryHits, 100)
	assert.Less(t, canaryHits, 300)

	// Stable across repeat calls for the same request id.
	first := o.GetRoutingDecision("risk.scoring", "req-0")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.IsCanary, o.GetRoutingDecision("risk.scoring", "req-0").IsCanary)
	}
}

func TestUpdateModelMetricsAutoRollback(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()
	require.NoError(t, o.Triggers().AddTrigger(ctx, criticalErrTrigger("v2")))

	rolloutID, err := o.DeployCanary(ctx, "v2", testSteps())
	require.NoError(t, err)

	// Baseline error rate is 0.01; a sustained 0.2 is a 20x spike.
	decision, err := o.UpdateModelMetrics(ctx, "v2", ModelMetrics{
		ErrorRate: []float64{0.2, 0.2, 0.2, 0.2},
	})
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.True(t, decision.ShouldRollback)
	assert.Equal(t, SeverityCritical, decision.Severity)
	assert.Equal(t, "v1", decision.TargetVersion)

	// The rollback executed: canary withdrawn, version marked rolled back.
	r, err := o.Splitter().GetRollout(rolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStateRolledBack, r.State())
	assert.Equal(t, 0, r.CurrentPct)

	v2, _ := o.Registry().GetVersion("v2")
	assert.Equal(t, StatusRollback, v2.Status)
	require.Len(t, o.Registry().RollbackHistory("v2"), 1)

	execs := o.executor.RecentExecutions(10)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionCompleted, execs[0].Status)

	// Traffic flows back to stable afterwards.
	d := o.GetRoutingDecision("risk.scoring", "req-1")
	assert.Equal(t, "v1", d.TargetVersion)
	assert.False(t, d.IsCanary)
}

func TestUpdateModelMetricsHealthy(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	decision, err := o.UpdateModelMetrics(ctx, "v2", ModelMetrics{
		ErrorRate:    []float64{0.01, 0.011, 0.009},
		LatencyP95Ms: []float64{118, 122, 120},
	})
	require.NoError(t, err)
	assert.False(t, decision.ShouldRollback)

	_, err = o.UpdateModelMetrics(ctx, "ghost", ModelMetrics{})
	assert.True(t, IsKind(err, KindNotFound))
}

func TestRollbackCooldownThrottles(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()
	require.NoError(t, o.Triggers().AddTrigger(ctx, criticalErrTrigger("v2")))

	bad := ModelMetrics{ErrorRate: []float64{0.2, 0.2, 0.2}}

	decision, err := o.UpdateModelMetrics(ctx, "v2", bad)
	require.NoError(t, err)
	require.True(t, decision.ShouldRollback)
	require.Len(t, o.executor.RecentExecutions(10), 1)

	// Second firing inside the cooldown decides but does not execute.
	decision, err = o.UpdateModelMetrics(ctx, "v2", bad)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRollback)
	assert.Len(t, o.executor.RecentExecutions(10), 1, "cooldown suppressed the second execution")
}

func TestAutoRollbackDisabledOnlyDecides(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultOrchestratorConfig()
	cfg.AutoRollbackEnabled = false
	o := NewOrchestrator(testLogger(), nil, cfg)
	require.NoError(t, o.RegisterModel(ctx, testVersion("v1")))
	require.NoError(t, o.RegisterModel(ctx, testVersion("v2")))
	require.NoError(t, o.PromoteToStable(ctx, "v1"))
	require.NoError(t, o.Triggers().AddTrigger(ctx, criticalErrTrigger("v2")))

	decision, err := o.UpdateModelMetrics(ctx, "v2", ModelMetrics{ErrorRate: []float64{0.2, 0.2}})
	require.NoError(t, err)
	assert.True(t, decision.ShouldRollback, "the decision is still produced")
	assert.Empty(t, o.executor.RecentExecutions(10), "but nothing executed")

	v2, _ := o.Registry().GetVersion("v2")
	assert.NotEqual(t, StatusRollback, v2.Status)
}

func TestManualRollback(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	_, err := o.ManualRollback(ctx, "ghost", "", "operator request")
	assert.True(t, IsKind(err, KindNotFound))

	exec, err := o.ManualRollback(ctx, "v2", "", "suspicious scoring output")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, "v1", exec.ToVersion, "defaults to the stable pointer")

	v2, _ := o.Registry().GetVersion("v2")
	assert.Equal(t, StatusRollback, v2.Status)

	history := o.Registry().RollbackHistory("v2")
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Reason, "manual rollback")
}

func TestManualRollbackWithdrawsCompletedRollout(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	steps := []RolloutStep{{TargetPercentage: 100, Criteria: []StepCriterion{{Kind: CriterionErrorRate, Target: 0.02}}}}
	rolloutID, err := o.DeployCanary(ctx, "v2", steps)
	require.NoError(t, err)
	require.NoError(t, o.Splitter().AdvanceToNextStep(ctx, rolloutID))

	r, err := o.Splitter().GetRollout(rolloutID)
	require.NoError(t, err)
	require.Equal(t, RolloutStateCompleted, r.State())
	require.Equal(t, "v2", o.GetRoutingDecision("risk.scoring", "req-1").TargetVersion)

	exec, err := o.ManualRollback(ctx, "v2", "v1", "regression surfaced after final ramp step")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, exec.Status)

	assert.Equal(t, RolloutStateRolledBack, r.State())
	assert.Equal(t, 0, r.CurrentPct)

	v2, _ := o.Registry().GetVersion("v2")
	assert.Equal(t, StatusRollback, v2.Status)
	assert.Equal(t, 0, v2.CanaryPercentage)

	for i := 0; i < 50; i++ {
		d := o.GetRoutingDecision("risk.scoring", fmt.Sprintf("req-%d", i))
		assert.Equal(t, "v1", d.TargetVersion)
		assert.False(t, d.IsCanary)
	}
}

func TestManualRollbackNoStableTarget(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	o := NewOrchestrator(testLogger(), nil, cfg)
	require.NoError(t, o.RegisterModel(context.Background(), testVersion("v2")))

	_, err := o.ManualRollback(context.Background(), "v2", "", "no target")
	assert.True(t, IsKind(err, KindStateConflict))
}

func TestSetupABTestValidatesVersions(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()
	hyp := []Hypothesis{{Metric: SignalAccuracy, ExpectedDirection: "increase", ExpectedMagnitude: 0.02}}

	err := o.SetupABTest(ctx, "exp-1", "ghost", "v2", []string{"risk.scoring"}, hyp)
	assert.True(t, IsKind(err, KindNotFound))

	require.NoError(t, o.SetupABTest(ctx, "exp-1", "v1", "v2", []string{"risk.scoring"}, hyp))
	assert.Contains(t, o.Splitter().ActiveABTests(), "exp-1")

	_, err = o.Splitter().ABTestAssignment("exp-1", "user-1")
	assert.NoError(t, err, "test is running after setup")
}

func TestGovernanceStatusSnapshot(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	_, err := o.DeployCanary(ctx, "v2", testSteps())
	require.NoError(t, err)

	status := o.GetGovernanceStatus()
	assert.Equal(t, "v1", status.StableVersion)
	assert.Len(t, status.ActiveRollouts, 1)
	assert.True(t, status.AutoRollbackEnabled)
	assert.Nil(t, status.LastRollbackAt)
	assert.Equal(t, StatusStable, status.Versions["v1"])
	assert.Equal(t, StatusCanary, status.Versions["v2"])

	_, err = o.ManualRollback(ctx, "v2", "", "drill")
	require.NoError(t, err)

	status = o.GetGovernanceStatus()
	require.NotNil(t, status.LastRollbackAt)
	assert.Len(t, status.RecentExecutions, 1)
}
