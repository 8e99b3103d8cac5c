// =============================
// Rollback Trigger Manager
// =============================
// Evaluates configured drift triggers against the metric buffer. Triggers
// debounce on consecutive violations so a single noisy sample never rolls a
// model back; severity aggregates as the maximum across firing triggers.

package governance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axiafin/modelgov/internal/audit"
)

// BaselineSource supplies version baselines and the stable pointer. The
// registry implements it; the indirection keeps the trigger manager from
// mutating registry state.
type BaselineSource interface {
	Baseline(version string) (PerformanceBaseline, bool)
	VersionPaths(version string) []string
	StableVersion() string
}

// RollbackTriggerManager owns the trigger table and the debounce counters.
type RollbackTriggerManager struct {
	logger    *zap.SugaredLogger
	sink      audit.Sink
	buffer    *MetricBuffer
	baselines BaselineSource

	mu          sync.Mutex
	triggers    map[string]*RollbackTriggerConfig
	consecutive map[string]int
}

// NewRollbackTriggerManager creates a manager over the given buffer.
func NewRollbackTriggerManager(logger *zap.SugaredLogger, sink audit.Sink, buffer *MetricBuffer, baselines BaselineSource) *RollbackTriggerManager {
	return &RollbackTriggerManager{
		logger:      logger.Named("triggers"),
		sink:        sink,
		buffer:      buffer,
		baselines:   baselines,
		triggers:    make(map[string]*RollbackTriggerConfig),
		consecutive: make(map[string]int),
	}
}

func validateTrigger(cfg *RollbackTriggerConfig) error {
	if cfg.ID == "" {
		return ErrValidation("trigger", "trigger id must not be empty")
	}
	if cfg.ModelVersion == "" {
		return ErrValidation(cfg.ID, "trigger must name a model version")
	}
	if cfg.Threshold <= 0 {
		return ErrValidation(cfg.ID, "threshold must be positive, got %v", cfg.Threshold)
	}
	if cfg.EvaluationWindow <= 0 {
		return ErrValidation(cfg.ID, "evaluation window must be positive, got %v", cfg.EvaluationWindow)
	}
	return nil
}

// AddTrigger installs a new trigger. Consecutive-violation and sample floors
// default to 1 when unset.
func (t *RollbackTriggerManager) AddTrigger(ctx context.Context, cfg RollbackTriggerConfig) error {
	if err := validateTrigger(&cfg); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.triggers[cfg.ID]; exists {
		return ErrStateConflict(cfg.ID, "trigger id already exists")
	}
	if cfg.ConsecutiveViolations < 1 {
		cfg.ConsecutiveViolations = 1
	}
	if cfg.MinSampleCount < 1 {
		cfg.MinSampleCount = 1
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	t.triggers[cfg.ID] = &cfg
	t.consecutive[cfg.ID] = 0

	t.record(ctx, "add_trigger", cfg.ID, SeverityLow, fmt.Sprintf("trigger %s installed for %s", cfg.Type, cfg.ModelVersion))
	return nil
}

// UpdateTrigger replaces an existing trigger's configuration. The debounce
// counter resets because the violation condition changed.
func (t *RollbackTriggerManager) UpdateTrigger(ctx context.Context, cfg RollbackTriggerConfig) error {
	if err := validateTrigger(&cfg); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, exists := t.triggers[cfg.ID]
	if !exists {
		return ErrNotFound(cfg.ID, "trigger not found")
	}
	if cfg.ConsecutiveViolations < 1 {
		cfg.ConsecutiveViolations = 1
	}
	if cfg.MinSampleCount < 1 {
		cfg.MinSampleCount = 1
	}
	cfg.CreatedAt = old.CreatedAt
	cfg.UpdatedAt = time.Now()
	t.triggers[cfg.ID] = &cfg
	t.consecutive[cfg.ID] = 0

	t.record(ctx, "update_trigger", cfg.ID, SeverityLow, "trigger reconfigured")
	return nil
}

// DisableTrigger switches a trigger off without removing its history.
func (t *RollbackTriggerManager) DisableTrigger(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg, exists := t.triggers[id]
	if !exists {
		return ErrNotFound(id, "trigger not found")
	}
	cfg.Enabled = false
	cfg.UpdatedAt = time.Now()

	t.record(ctx, "disable_trigger", id, SeverityLow, "trigger disabled")
	return nil
}

// GetTrigger returns one trigger by id.
func (t *RollbackTriggerManager) GetTrigger(id string) (RollbackTriggerConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.triggers[id]
	if !ok {
		return RollbackTriggerConfig{}, false
	}
	return *cfg, true
}

// TriggersForVersion returns the triggers scoped to one version.
func (t *RollbackTriggerManager) TriggersForVersion(version string) []RollbackTriggerConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RollbackTriggerConfig, 0)
	for _, cfg := range t.triggers {
		if cfg.ModelVersion == version {
			out = append(out, *cfg)
		}
	}
	return out
}

// UpdateMetrics replaces the stored series for a version and immediately
// evaluates all enabled triggers scoped to it.
func (t *RollbackTriggerManager) UpdateMetrics(ctx context.Context, version string, metrics ModelMetrics) *RollbackDecision {
	t.buffer.Replace(version, metrics)
	return t.EvaluateTriggersForModel(ctx, version)
}

// EvaluateTriggersForModel runs all enabled triggers for one version against
// the buffered series and returns the aggregated decision. The debounce
// counter read and update happen inside one critical section.
func (t *RollbackTriggerManager) EvaluateTriggersForModel(ctx context.Context, version string) *RollbackDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	decision := &RollbackDecision{
		ModelVersion: version,
		Severity:     SeverityLow,
		DecidedAt:    time.Now(),
	}

	base, haveBaseline := t.baselines.Baseline(version)
	if !haveBaseline {
		return decision
	}

	var reasons []string
	for _, cfg := range t.triggers {
		if !cfg.Enabled || cfg.ModelVersion != version {
			continue
		}

		eval, ok := t.evaluateOne(cfg, base)
		if !ok {
			continue // not enough samples, counter untouched
		}

		if !eval.Violated {
			t.consecutive[cfg.ID] = 0
			continue
		}

		t.consecutive[cfg.ID]++
		eval.Consecutive = t.consecutive[cfg.ID]
		if eval.Consecutive < cfg.ConsecutiveViolations {
			// Violating but still inside the debounce window.
			t.logger.Debugw("trigger violation debounced",
				"trigger_id", cfg.ID, "consecutive", eval.Consecutive,
				"required", cfg.ConsecutiveViolations)
			continue
		}

		eval.Fired = true
		decision.FiredTriggers = append(decision.FiredTriggers, eval)
		decision.Severity = MaxSeverity(decision.Severity, cfg.Severity)
		reasons = append(reasons, fmt.Sprintf("%s: %.4f vs baseline %.4f (threshold %.2f)",
			cfg.Type, eval.CurrentValue, eval.BaselineValue, cfg.Threshold))
	}

	if len(decision.FiredTriggers) == 0 {
		return decision
	}

	decision.ShouldRollback = true
	decision.TargetVersion = t.baselines.StableVersion()
	decision.Reason = fmt.Sprintf("drift detected on %s: %s", version, strings.Join(reasons, "; "))
	decision.Impact = t.assessImpact(version, decision.Severity)
	decision.RecommendedActions = recommendedActions(decision.Severity)

	t.logger.Warnw("rollback decision",
		"version", version,
		"severity", decision.Severity,
		"fired", len(decision.FiredTriggers),
		"target", decision.TargetVersion,
	)
	t.record(ctx, "trigger_fired", version, decision.Severity, decision.Reason)
	return decision
}

// evaluateOne computes one trigger's drift comparison. Returns ok=false when
// the sample floor is not met.
func (t *RollbackTriggerManager) evaluateOne(cfg *RollbackTriggerConfig, base PerformanceBaseline) (TriggerEvaluation, bool) {
	eval := TriggerEvaluation{
		TriggerID: cfg.ID,
		Type:      cfg.Type,
		Threshold: cfg.Threshold,
	}

	sig := signalForTrigger(cfg.Type)
	if t.buffer.SampleCount(cfg.ModelVersion, sig) < cfg.MinSampleCount {
		return eval, false
	}

	var current float64
	var ok bool
	switch cfg.Type {
	case TriggerLatencyDrift, TriggerCPUSpike:
		current, ok = t.buffer.WindowPercentile(cfg.ModelVersion, sig, 0, 95)
	default:
		current, ok = t.buffer.WindowMean(cfg.ModelVersion, sig, 0)
	}
	if !ok {
		return eval, false
	}
	eval.CurrentValue = current

	switch cfg.Type {
	case TriggerLatencyDrift:
		eval.BaselineValue = base.LatencyP95Ms
		eval.Violated = current > base.LatencyP95Ms*(1+cfg.Threshold)
	case TriggerAccuracyDrop:
		eval.BaselineValue = base.Accuracy
		eval.Violated = current < base.Accuracy*(1-cfg.Threshold)
	case TriggerErrorRateSpike:
		eval.BaselineValue = base.ErrorRate
		eval.Violated = current > base.ErrorRate*(1+cfg.Threshold)
	case TriggerConfidenceDrop:
		eval.BaselineValue = base.Confidence
		eval.Violated = current < base.Confidence*(1-cfg.Threshold)
	case TriggerThroughputDrop:
		eval.BaselineValue = base.Throughput
		eval.Violated = current < base.Throughput*(1-cfg.Threshold)
	case TriggerMemoryLeak:
		eval.BaselineValue = base.MemoryMB
		eval.Violated = current > base.MemoryMB*(1+cfg.Threshold)
	case TriggerCPUSpike:
		eval.BaselineValue = base.CPUPercent
		eval.Violated = current > base.CPUPercent*(1+cfg.Threshold)
	case TriggerDataDrift:
		// Drift score: confidence mean shift measured in standard
		// deviations of the observed window.
		eval.BaselineValue = base.Confidence
		sd, haveSD := t.buffer.WindowStdDev(cfg.ModelVersion, sig, 0)
		if !haveSD || sd == 0 {
			return eval, false
		}
		shift := current - base.Confidence
		if shift < 0 {
			shift = -shift
		}
		eval.Violated = shift/sd > cfg.Threshold
	default:
		return eval, false
	}
	return eval, true
}

func signalForTrigger(tt TriggerType) Signal {
	switch tt {
	case TriggerLatencyDrift:
		return SignalLatencyP95
	case TriggerAccuracyDrop:
		return SignalAccuracy
	case TriggerErrorRateSpike:
		return SignalErrorRate
	case TriggerConfidenceDrop, TriggerDataDrift:
		return SignalConfidence
	case TriggerThroughputDrop:
		return SignalThroughput
	case TriggerMemoryLeak:
		return SignalMemoryMB
	case TriggerCPUSpike:
		return SignalCPUPercent
	default:
		return ""
	}
}

// assessImpact scales the assumed blast radius with severity: the worse the
// drift, the more users assumed affected and the less time allowed to fix it.
func (t *RollbackTriggerManager) assessImpact(version string, severity Severity) ImpactAssessment {
	impact := ImpactAssessment{
		AffectedPaths: t.baselines.VersionPaths(version),
	}
	switch severity {
	case SeverityCritical:
		impact.EstimatedUsers = 50000
		impact.Risk = RiskSevere
		impact.EstimatedDuration = 30 * time.Second
		impact.DataLossRisk = true
	case SeverityHigh:
		impact.EstimatedUsers = 10000
		impact.Risk = RiskHigh
		impact.EstimatedDuration = 2 * time.Minute
	case SeverityMedium:
		impact.EstimatedUsers = 1000
		impact.Risk = RiskModerate
		impact.EstimatedDuration = 5 * time.Minute
	default:
		impact.EstimatedUsers = 100
		impact.Risk = RiskLow
		impact.EstimatedDuration = 15 * time.Minute
	}
	return impact
}

func recommendedActions(severity Severity) []string {
	actions := []string{"validate_rollback_target", "monitor_stable_metrics"}
	if severity >= SeverityHigh {
		actions = append(actions, "enable_circuit_breaker", "notify_oncall_immediately")
	}
	return actions
}

// ConsecutiveCount reports the running debounce counter for a trigger.
func (t *RollbackTriggerManager) ConsecutiveCount(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive[id]
}

func (t *RollbackTriggerManager) record(ctx context.Context, action, subject string, severity Severity, reason string) {
	if t.sink == nil {
		return
	}
	_ = t.sink.Record(ctx, audit.NewEvent("trigger_manager", action, subject, severity.String(), reason))
}
