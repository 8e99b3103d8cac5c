// =============================
// Governance Orchestrator
// =============================
// Composition root: wires the registry, traffic splitter and trigger manager,
// seeds default thresholds and triggers, exposes the unified routing and
// metrics-ingestion API, and drives automatic rollback when policy allows.

package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axiafin/modelgov/internal/audit"
)

// OrchestratorConfig controls orchestration policy.
type OrchestratorConfig struct {
	AutoRollbackEnabled bool          `json:"auto_rollback_enabled"`
	RollbackCooldown    time.Duration `json:"rollback_cooldown"`

	DefaultMinConfidence       float64          `json:"default_min_confidence"`
	DefaultEscalationThreshold float64          `json:"default_escalation_threshold"`
	DefaultFallback            FallbackStrategy `json:"default_fallback"`

	DefaultTriggerThreshold   float64       `json:"default_trigger_threshold"`
	DefaultTriggerWindow      time.Duration `json:"default_trigger_window"`
	DefaultTriggerDebounce    int           `json:"default_trigger_debounce"`
	DefaultTriggerSampleFloor int           `json:"default_trigger_sample_floor"`

	MetricBufferSamples int `json:"metric_buffer_samples"`
}

// DefaultOrchestratorConfig returns conservative defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		AutoRollbackEnabled:        true,
		RollbackCooldown:           5 * time.Minute,
		DefaultMinConfidence:       0.7,
		DefaultEscalationThreshold: 0.5,
		DefaultFallback:            FallbackDeterministicRules,
		DefaultTriggerThreshold:    0.5,
		DefaultTriggerWindow:       5 * time.Minute,
		DefaultTriggerDebounce:     3,
		DefaultTriggerSampleFloor:  10,
		MetricBufferSamples:        1000,
	}
}

// Orchestrator is the unified entry point for governance operations.
type Orchestrator struct {
	logger   *zap.SugaredLogger
	sink     audit.Sink
	config   *OrchestratorConfig
	registry *ModelGovernanceManager
	splitter *CanaryTrafficSplitter
	triggers *RollbackTriggerManager
	executor *PlanExecutor
	buffer   *MetricBuffer

	// lastRollbackAt implements the rollback cooldown. The read-then-stamp
	// check runs inside this mutex so two concurrent evaluations cannot
	// both pass the cooldown gate.
	rollbackMu     sync.Mutex
	lastRollbackAt time.Time
}

// NewOrchestrator wires the components and seeds nothing; call
// SeedDefaults after registering versions, or use RegisterModel which seeds
// per-version defaults on the fly.
func NewOrchestrator(logger *zap.SugaredLogger, sink audit.Sink, config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	buffer := NewMetricBuffer(config.MetricBufferSamples)
	registry := NewModelGovernanceManager(logger, sink)
	splitter := NewCanaryTrafficSplitter(logger, sink)
	triggers := NewRollbackTriggerManager(logger, sink, buffer, registry)

	o := &Orchestrator{
		logger:   logger.Named("orchestrator"),
		sink:     sink,
		config:   config,
		registry: registry,
		splitter: splitter,
		triggers: triggers,
		buffer:   buffer,
	}
	o.executor = NewPlanExecutor(logger, sink, &orchestratorRunner{o: o})
	return o
}

// Registry exposes the version registry.
func (o *Orchestrator) Registry() *ModelGovernanceManager { return o.registry }

// Splitter exposes the canary traffic splitter.
func (o *Orchestrator) Splitter() *CanaryTrafficSplitter { return o.splitter }

// Triggers exposes the rollback trigger manager.
func (o *Orchestrator) Triggers() *RollbackTriggerManager { return o.triggers }

// RegisterModel registers a version and seeds its default confidence
// thresholds and rollback triggers so the system is never naked at boot.
func (o *Orchestrator) RegisterModel(ctx context.Context, v ModelVersion) error {
	if err := o.registry.RegisterVersion(ctx, v); err != nil {
		return err
	}
	o.seedDefaults(ctx, v)
	return nil
}

func (o *Orchestrator) seedDefaults(ctx context.Context, v ModelVersion) {
	for _, path := range v.Paths {
		if _, ok := o.registry.GetConfidenceThreshold(path, v.Version); ok {
			continue
		}
		_ = o.registry.SetConfidenceThreshold(ctx, ConfidenceThreshold{
			Path:                path,
			ModelVersion:        v.Version,
			MinConfidence:       o.config.DefaultMinConfidence,
			EscalationThreshold: o.config.DefaultEscalationThreshold,
			Fallback:            o.config.DefaultFallback,
			Owner:               OwnerJoint,
		})
	}

	defaults := []struct {
		tt       TriggerType
		severity Severity
	}{
		{TriggerErrorRateSpike, SeverityCritical},
		{TriggerLatencyDrift, SeverityHigh},
		{TriggerAccuracyDrop, SeverityHigh},
		{TriggerConfidenceDrop, SeverityMedium},
	}
	for _, d := range defaults {
		err := o.triggers.AddTrigger(ctx, RollbackTriggerConfig{
			ID:                    fmt.Sprintf("%s-%s-default", v.Version, d.tt),
			ModelVersion:          v.Version,
			Type:                  d.tt,
			Threshold:             o.config.DefaultTriggerThreshold,
			EvaluationWindow:      o.config.DefaultTriggerWindow,
			MinSampleCount:        o.config.DefaultTriggerSampleFloor,
			ConsecutiveViolations: o.config.DefaultTriggerDebounce,
			Enabled:               true,
			Severity:              d.severity,
			Owner:                 "platform",
		})
		if err != nil && !IsKind(err, KindStateConflict) {
			o.logger.Warnw("seeding default trigger failed",
				"version", v.Version, "type", d.tt, "error", err)
		}
	}
}

// DeployCanary builds the rollout ramp, starts it, and updates the version's
// governance status. Returns the rollout id.
func (o *Orchestrator) DeployCanary(ctx context.Context, version string, steps []RolloutStep) (string, error) {
	v, ok := o.registry.GetVersion(version)
	if !ok {
		return "", ErrNotFound(version, "model version not registered")
	}
	if len(steps) == 0 {
		return "", ErrValidation(version, "rollout requires at least one step")
	}

	rolloutID := fmt.Sprintf("rollout-%s-%d", version, time.Now().UnixNano())
	if _, err := o.splitter.CreateRollout(ctx, rolloutID, version, v.Paths, steps); err != nil {
		return "", err
	}
	if err := o.splitter.StartRollout(ctx, rolloutID); err != nil {
		return "", err
	}

	targetPct := steps[len(steps)-1].TargetPercentage
	if err := o.registry.DeployCanary(ctx, version, CanaryConfig{
		TargetPercentage: targetPct,
		IncrementStep:    steps[0].TargetPercentage,
		EvaluationWindow: steps[0].Duration,
	}); err != nil {
		return "", err
	}

	activeCanariesGauge.Set(float64(len(o.splitter.ActiveRollouts())))
	o.record(ctx, "deploy_canary", version, SeverityMedium,
		fmt.Sprintf("canary rollout %s started toward %d%%", rolloutID, targetPct))
	return rolloutID, nil
}

// PromoteToStable promotes a version to the stable pointer.
func (o *Orchestrator) PromoteToStable(ctx context.Context, version string) error {
	return o.registry.PromoteToStable(ctx, version)
}

// GetRoutingDecision answers the per-request routing question. It never
// errors: with no applicable canary or threshold it falls back to the last
// known stable version and the conservative defaults.
func (o *Orchestrator) GetRoutingDecision(path, requestID string) RoutingDecision {
	decision := RoutingDecision{
		Path:                path,
		TargetVersion:       o.registry.StableVersion(),
		MinConfidence:       o.config.DefaultMinConfidence,
		EscalationThreshold: o.config.DefaultEscalationThreshold,
		Fallback:            o.config.DefaultFallback,
		DecidedAt:           time.Now(),
	}

	if version, canary := o.splitter.ShouldRouteToCanary(path, requestID); canary {
		decision.TargetVersion = version
		decision.IsCanary = true
	}
	split := o.registry.GetTrafficSplit(path)
	decision.CanaryPercentage = split.CanaryPercentage

	if t, ok := o.registry.GetConfidenceThreshold(path, decision.TargetVersion); ok {
		decision.MinConfidence = t.MinConfidence
		decision.EscalationThreshold = t.EscalationThreshold
		decision.Fallback = t.Fallback
	}

	if decision.IsCanary {
		routingDecisionsTotal.WithLabelValues("canary").Inc()
	} else {
		routingDecisionsTotal.WithLabelValues("stable").Inc()
	}
	return decision
}

// UpdateModelMetrics ingests a metrics snapshot, evaluates triggers, and,
// when policy allows, builds and executes a rollback plan. The metrics-feed
// caller never blocks on governance outcomes: execution failures are
// recorded, not returned.
func (o *Orchestrator) UpdateModelMetrics(ctx context.Context, version string, metrics ModelMetrics) (*RollbackDecision, error) {
	if _, ok := o.registry.GetVersion(version); !ok {
		return nil, ErrNotFound(version, "model version not registered")
	}

	decision := o.triggers.UpdateMetrics(ctx, version, metrics)
	if !decision.ShouldRollback {
		return decision, nil
	}

	triggerFiringsTotal.WithLabelValues(decision.Severity.String()).Inc()

	if !o.config.AutoRollbackEnabled || decision.TargetVersion == "" {
		o.logger.Warnw("rollback decided but not executed",
			"version", version,
			"auto_rollback", o.config.AutoRollbackEnabled,
			"target", decision.TargetVersion,
		)
		o.record(ctx, "rollback_skipped", version, decision.Severity,
			"rollback decided but automatic execution disabled or no target")
		return decision, nil
	}

	if !o.passCooldown() {
		o.record(ctx, "rollback_throttled", version, decision.Severity,
			"rollback decided inside cooldown window")
		return decision, nil
	}

	o.executeRollback(ctx, version, decision, "auto")
	return decision, nil
}

// passCooldown checks and stamps the cooldown inside one critical section.
func (o *Orchestrator) passCooldown() bool {
	o.rollbackMu.Lock()
	defer o.rollbackMu.Unlock()
	if !o.lastRollbackAt.IsZero() && time.Since(o.lastRollbackAt) < o.config.RollbackCooldown {
		return false
	}
	o.lastRollbackAt = time.Now()
	return true
}

func (o *Orchestrator) executeRollback(ctx context.Context, version string, decision *RollbackDecision, source string) {
	plan, err := CreateRollbackPlan(version, decision.TargetVersion, decision)
	if err != nil {
		o.logger.Errorw("rollback plan creation failed",
			"version", version, "target", decision.TargetVersion, "error", err)
		o.record(ctx, "rollback_failed", version, decision.Severity, err.Error())
		return
	}

	exec := o.executor.ExecuteRollbackPlan(ctx, plan)
	rollbacksTotal.WithLabelValues(source, string(exec.Status)).Inc()

	if exec.Status == ExecutionCompleted || exec.Status == ExecutionPartiallyCompleted {
		var trigger *RollbackTriggerConfig
		if len(decision.FiredTriggers) > 0 {
			if cfg, ok := o.triggers.GetTrigger(decision.FiredTriggers[0].TriggerID); ok {
				trigger = &cfg
			}
		}
		if err := o.registry.ExecuteRollback(ctx, version, trigger, decision.Reason); err != nil {
			o.logger.Errorw("registry rollback bookkeeping failed",
				"version", version, "error", err)
		}
	}

	o.logger.Infow("automatic rollback executed",
		"version", version,
		"target", decision.TargetVersion,
		"strategy", plan.Strategy,
		"status", exec.Status,
	)
}

// ManualRollback synthesizes a High-severity decision from an operator
// request, bypassing trigger evaluation, and executes it.
func (o *Orchestrator) ManualRollback(ctx context.Context, from, to, reason string) (*RollbackExecution, error) {
	if _, ok := o.registry.GetVersion(from); !ok {
		return nil, ErrNotFound(from, "model version not registered")
	}
	if to != "" {
		if _, ok := o.registry.GetVersion(to); !ok {
			return nil, ErrNotFound(to, "rollback target version not registered")
		}
	} else {
		to = o.registry.StableVersion()
		if to == "" {
			return nil, ErrStateConflict(from, "no stable version to roll back to")
		}
	}

	decision := &RollbackDecision{
		ModelVersion:   from,
		ShouldRollback: true,
		Severity:       SeverityHigh,
		TargetVersion:  to,
		Reason:         fmt.Sprintf("manual rollback: %s", reason),
		DecidedAt:      time.Now(),
	}

	plan, err := CreateRollbackPlan(from, to, decision)
	if err != nil {
		return nil, err
	}
	exec := o.executor.ExecuteRollbackPlan(ctx, plan)
	rollbacksTotal.WithLabelValues("manual", string(exec.Status)).Inc()

	if exec.Status == ExecutionCompleted || exec.Status == ExecutionPartiallyCompleted {
		if err := o.registry.ExecuteRollback(ctx, from, nil, decision.Reason); err != nil {
			o.logger.Errorw("registry rollback bookkeeping failed",
				"version", from, "error", err)
		}
	}

	o.rollbackMu.Lock()
	o.lastRollbackAt = time.Now()
	o.rollbackMu.Unlock()

	o.record(ctx, "manual_rollback", from, SeverityHigh, decision.Reason)
	return exec, nil
}

// SetupABTest configures and starts a 50/50 experiment between two versions.
func (o *Orchestrator) SetupABTest(ctx context.Context, testID, control, treatment string, paths []string, hypotheses []Hypothesis) error {
	if _, ok := o.registry.GetVersion(control); !ok {
		return ErrNotFound(control, "control version not registered")
	}
	if _, ok := o.registry.GetVersion(treatment); !ok {
		return ErrNotFound(treatment, "treatment version not registered")
	}
	if _, err := o.splitter.SetupABTest(ctx, testID, control, treatment, paths, hypotheses, DefaultStatisticalConfig()); err != nil {
		return err
	}
	return o.splitter.StartABTest(ctx, testID)
}

// GetGovernanceStatus snapshots the whole controller.
func (o *Orchestrator) GetGovernanceStatus() GovernanceStatus {
	status := GovernanceStatus{
		StableVersion:       o.registry.StableVersion(),
		Versions:            o.registry.VersionStatuses(),
		ActiveRollouts:      o.splitter.ActiveRollouts(),
		ActiveABTests:       o.splitter.ActiveABTests(),
		AutoRollbackEnabled: o.config.AutoRollbackEnabled,
		RecentExecutions:    o.executor.RecentExecutions(10),
		GeneratedAt:         time.Now(),
	}
	o.rollbackMu.Lock()
	if !o.lastRollbackAt.IsZero() {
		at := o.lastRollbackAt
		status.LastRollbackAt = &at
	}
	o.rollbackMu.Unlock()
	return status
}

func (o *Orchestrator) record(ctx context.Context, action, subject string, severity Severity, reason string) {
	if o.sink == nil {
		return
	}
	_ = o.sink.Record(ctx, audit.NewEvent("orchestrator", action, subject, severity.String(), reason))
}

// orchestratorRunner adapts the orchestrator's components to the executor's
// StepRunner so plan steps use the same primitives the splitter exposes.
type orchestratorRunner struct {
	o *Orchestrator
}

func (r *orchestratorRunner) UpdateTrafficSplit(ctx context.Context, fromVersion string, canaryPct int) error {
	for _, id := range r.o.splitter.RolloutsForVersion(fromVersion) {
		if canaryPct == 0 {
			ro, err := r.o.splitter.GetRollout(id)
			if err != nil {
				return err
			}
			// A planned rollout never started serving; cancel it instead.
			if ro.State() == RolloutStatePlanning {
				if err := r.o.splitter.AbortRollout(ctx, id, "traffic withdrawn by rollback plan"); err != nil {
					return err
				}
				continue
			}
			if err := r.o.splitter.MarkRolledBack(ctx, id, "traffic withdrawn by rollback plan"); err != nil {
				return err
			}
			continue
		}
		if err := r.o.splitter.SetTrafficPercentage(id, canaryPct); err != nil {
			return err
		}
	}
	activeCanariesGauge.Set(float64(len(r.o.splitter.ActiveRollouts())))
	return nil
}

func (r *orchestratorRunner) SwitchModelVersion(ctx context.Context, fromVersion, toVersion string) error {
	if _, ok := r.o.registry.GetVersion(toVersion); !ok {
		return ErrNotFound(toVersion, "switch target not registered")
	}
	if r.o.registry.StableVersion() == toVersion {
		return nil // already serving
	}
	return r.o.registry.PromoteToStable(ctx, toVersion)
}

func (r *orchestratorRunner) EnableCircuitBreaker(ctx context.Context, version string) error {
	r.o.record(ctx, "circuit_breaker_enabled", version, SeverityHigh,
		"circuit breaker engaged during rollback")
	return nil
}

func (r *orchestratorRunner) NotifyOperators(ctx context.Context, message string, severity Severity) error {
	r.o.record(ctx, "operators_notified", "oncall", severity, message)
	return nil
}

func (r *orchestratorRunner) HealthCheck(ctx context.Context, version string) error {
	if _, ok := r.o.registry.GetVersion(version); !ok {
		return ErrNotFound(version, "health check target not registered")
	}
	return nil
}

func (r *orchestratorRunner) ValidateMetrics(ctx context.Context, version string) error {
	// Validation passes when no enabled trigger currently fires for the
	// target; an empty buffer counts as healthy.
	decision := r.o.triggers.EvaluateTriggersForModel(ctx, version)
	if decision.ShouldRollback {
		return fmt.Errorf("metrics still violating on %s: %s", version, decision.Reason)
	}
	return nil
}
