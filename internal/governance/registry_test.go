package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testVersion(version string, paths ...string) ModelVersion {
	if len(paths) == 0 {
		paths = []string{"risk.scoring"}
	}
	return ModelVersion{
		Version: version,
		Paths:   paths,
		Baseline: PerformanceBaseline{
			LatencyP95Ms: 120,
			LatencyP99Ms: 250,
			Accuracy:     0.94,
			ErrorRate:    0.01,
			Confidence:   0.88,
			Throughput:   500,
			MemoryMB:     1024,
			CPUPercent:   40,
			CapturedAt:   time.Now(),
		},
		Metadata: ModelMetadata{Owner: "risk-platform", ApprovedBy: "model-review-board"},
	}
}

func TestRegisterVersionValidation(t *testing.T) {
	tests := []struct {
		name    string
		version ModelVersion
		wantErr ErrorKind
	}{
		{
			name:    "empty version string",
			version: ModelVersion{Paths: []string{"risk.scoring"}},
			wantErr: KindValidation,
		},
		{
			name:    "no paths",
			version: ModelVersion{Version: "v1"},
			wantErr: KindValidation,
		},
		{
			name:    "canary percentage out of range",
			version: ModelVersion{Version: "v1", Paths: []string{"risk.scoring"}, CanaryPercentage: 120},
			wantErr: KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModelGovernanceManager(testLogger(), nil)
			err := m.RegisterVersion(context.Background(), tt.version)
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.wantErr))
		})
	}
}

func TestRegisterVersionDefaultsToCanary(t *testing.T) {
	m := NewModelGovernanceManager(testLogger(), nil)
	require.NoError(t, m.RegisterVersion(context.Background(), testVersion("v1")))

	v, ok := m.GetVersion("v1")
	require.True(t, ok)
	assert.Equal(t, StatusCanary, v.Status)
	assert.Empty(t, m.RollbackHistory("v1"))
}

func TestPromoteToStableDemotesPrevious(t *testing.T) {
	ctx := context.Background()
	m := NewModelGovernanceManager(testLogger(), nil)
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v1")))
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v2")))

	require.NoError(t, m.PromoteToStable(ctx, "v1"))
	assert.Equal(t, "v1", m.StableVersion())

	require.NoError(t, m.PromoteToStable(ctx, "v2"))
	assert.Equal(t, "v2", m.StableVersion())

	v1, _ := m.GetVersion("v1")
	assert.Equal(t, 0, v1.CanaryPercentage)
	v2, _ := m.GetVersion("v2")
	assert.Equal(t, StatusStable, v2.Status)
	assert.Equal(t, 100, v2.CanaryPercentage)
}

func TestDeprecateGuards(t *testing.T) {
	ctx := context.Background()
	m := NewModelGovernanceManager(testLogger(), nil)
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v1")))
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v2")))
	require.NoError(t, m.PromoteToStable(ctx, "v1"))

	err := m.Deprecate(ctx, "v1", "v2")
	assert.True(t, IsKind(err, KindStateConflict), "stable version must not be deprecated")

	require.NoError(t, m.Deprecate(ctx, "v2", "v1"))
	err = m.Deprecate(ctx, "v2", "v1")
	assert.True(t, IsKind(err, KindStateConflict), "deprecation is terminal")

	err = m.SetMaintenance(ctx, "v2", "tuning")
	assert.True(t, IsKind(err, KindStateConflict), "deprecated version cannot enter maintenance")

	err = m.Deprecate(ctx, "missing", "")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestExecuteRollbackRequiresStableAlternative(t *testing.T) {
	ctx := context.Background()
	m := NewModelGovernanceManager(testLogger(), nil)
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v2")))

	err := m.ExecuteRollback(ctx, "v2", nil, "drift")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStateConflict))
	assert.Contains(t, err.Error(), "no stable version to roll back to")

	require.NoError(t, m.PromoteToStable(ctx, "v2"))
	err = m.ExecuteRollback(ctx, "v2", nil, "drift")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot rollback stable version without an alternative")
}

func TestExecuteRollbackRecordsHistory(t *testing.T) {
	ctx := context.Background()
	m := NewModelGovernanceManager(testLogger(), nil)
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v1")))
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v2")))
	require.NoError(t, m.PromoteToStable(ctx, "v1"))

	trigger := &RollbackTriggerConfig{
		ID:       "t1",
		Type:     TriggerErrorRateSpike,
		Severity: SeverityCritical,
	}
	require.NoError(t, m.ExecuteRollback(ctx, "v2", trigger, "error rate spiked"))

	v2, _ := m.GetVersion("v2")
	assert.Equal(t, StatusRollback, v2.Status)
	assert.Equal(t, 0, v2.CanaryPercentage)
	require.NotNil(t, v2.RollbackAt)

	history := m.RollbackHistory("v2")
	require.Len(t, history, 1)
	assert.Equal(t, "t1", history[0].TriggerID)
	assert.Equal(t, SeverityCritical, history[0].Severity)
	assert.Equal(t, "error rate spiked", history[0].Reason)
}

func TestEvaluateRollbackTriggersBaselineComparisons(t *testing.T) {
	base := PerformanceBaseline{
		LatencyP95Ms: 100, Accuracy: 0.9, ErrorRate: 0.01,
		Confidence: 0.8, Throughput: 500, MemoryMB: 1000, CPUPercent: 50,
	}
	tests := []struct {
		name     string
		trigger  RollbackTriggerConfig
		current  PerformanceBaseline
		violated bool
	}{
		{
			name:     "latency within threshold",
			trigger:  RollbackTriggerConfig{Type: TriggerLatencyDrift, Threshold: 0.5, Enabled: true},
			current:  PerformanceBaseline{LatencyP95Ms: 140},
			violated: false,
		},
		{
			name:     "latency over threshold",
			trigger:  RollbackTriggerConfig{Type: TriggerLatencyDrift, Threshold: 0.5, Enabled: true},
			current:  PerformanceBaseline{LatencyP95Ms: 160},
			violated: true,
		},
		{
			name:     "accuracy dropped",
			trigger:  RollbackTriggerConfig{Type: TriggerAccuracyDrop, Threshold: 0.1, Enabled: true},
			current:  PerformanceBaseline{Accuracy: 0.7},
			violated: true,
		},
		{
			name:     "throughput holding",
			trigger:  RollbackTriggerConfig{Type: TriggerThroughputDrop, Threshold: 0.2, Enabled: true},
			current:  PerformanceBaseline{Throughput: 450},
			violated: false,
		},
		{
			name:     "disabled trigger never fires",
			trigger:  RollbackTriggerConfig{Type: TriggerErrorRateSpike, Threshold: 0.1, Enabled: false},
			current:  PerformanceBaseline{ErrorRate: 0.5},
			violated: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewModelGovernanceManager(testLogger(), nil)
			v := testVersion("v1")
			v.Baseline = base
			v.Triggers = []RollbackTriggerConfig{tt.trigger}
			require.NoError(t, m.RegisterVersion(ctx, v))

			matched, fired, err := m.EvaluateRollbackTriggers("v1", tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.violated, fired)
			if tt.violated {
				assert.Equal(t, tt.trigger.Type, matched.Type)
			}
		})
	}
}

func TestConfidenceThresholds(t *testing.T) {
	ctx := context.Background()
	m := NewModelGovernanceManager(testLogger(), nil)

	err := m.SetConfidenceThreshold(ctx, ConfidenceThreshold{Path: "risk.scoring", MinConfidence: 1.5})
	assert.True(t, IsKind(err, KindValidation))

	threshold := ConfidenceThreshold{
		Path:                "risk.scoring",
		ModelVersion:        "v1",
		MinConfidence:       0.8,
		EscalationThreshold: 0.6,
		Fallback:            FallbackHumanApproval,
		Owner:               OwnerProductTeam,
	}
	require.NoError(t, m.SetConfidenceThreshold(ctx, threshold))

	got, ok := m.GetConfidenceThreshold("risk.scoring", "v1")
	require.True(t, ok)
	assert.Equal(t, 0.8, got.MinConfidence)
	assert.Equal(t, FallbackHumanApproval, got.Fallback)

	err = m.UpdateThresholdOwnership(ctx, "risk.scoring", "v9", OwnerSRE)
	assert.True(t, IsKind(err, KindNotFound), "ownership update requires an existing threshold")

	require.NoError(t, m.UpdateThresholdOwnership(ctx, "risk.scoring", "v1", OwnerSRE))
	got, _ = m.GetConfidenceThreshold("risk.scoring", "v1")
	assert.Equal(t, OwnerSRE, got.Owner)
}

func TestGetTrafficSplit(t *testing.T) {
	ctx := context.Background()
	m := NewModelGovernanceManager(testLogger(), nil)
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v1", "risk.scoring", "fraud.detection")))
	require.NoError(t, m.RegisterVersion(ctx, testVersion("v2", "risk.scoring")))
	require.NoError(t, m.PromoteToStable(ctx, "v1"))
	require.NoError(t, m.DeployCanary(ctx, "v2", CanaryConfig{TargetPercentage: 25}))

	split := m.GetTrafficSplit("risk.scoring")
	assert.Equal(t, "v1", split.StableVersion)
	assert.Equal(t, "v2", split.CanaryVersion)
	assert.Equal(t, 25, split.CanaryPercentage)

	split = m.GetTrafficSplit("fraud.detection")
	assert.Equal(t, "v1", split.StableVersion)
	assert.Empty(t, split.CanaryVersion)
	assert.Equal(t, 0, split.CanaryPercentage)
}
