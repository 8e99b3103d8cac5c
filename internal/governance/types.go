// =============================
// Model Governance Core Types
// =============================
// This file defines the core types for progressive delivery of decision-model
// versions: version registry entries, canary rollouts, A/B experiments,
// rollback triggers, and the plans/executions produced when a trigger fires.

package governance

import (
	"time"

	"github.com/google/uuid"
)

// VersionStatus represents the lifecycle status of a model version
type VersionStatus string

const (
	StatusStable      VersionStatus = "stable"
	StatusCanary      VersionStatus = "canary"
	StatusRollback    VersionStatus = "rollback"
	StatusMaintenance VersionStatus = "maintenance"
	StatusDeprecated  VersionStatus = "deprecated"
)

// Severity classifies how serious a trigger violation or decision is.
// Ordering matters: higher values dominate when aggregating.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MaxSeverity returns the worse of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// FallbackStrategy tells the caller what to do when model confidence is too
// low to act automatically.
type FallbackStrategy string

const (
	FallbackDeterministicRules FallbackStrategy = "deterministic_rules"
	FallbackPreviousModel      FallbackStrategy = "previous_model"
	FallbackHumanApproval      FallbackStrategy = "human_approval"
	FallbackBlockTransaction   FallbackStrategy = "block_transaction"
)

// ThresholdOwner identifies which team owns a confidence threshold.
type ThresholdOwner string

const (
	OwnerProductTeam ThresholdOwner = "product_team"
	OwnerSRE         ThresholdOwner = "sre"
	OwnerJoint       ThresholdOwner = "joint"
)

// PerformanceBaseline is the reference snapshot captured when a version was
// approved. Drift triggers compare live metrics against these values.
type PerformanceBaseline struct {
	LatencyP95Ms float64   `json:"latency_p95_ms"`
	LatencyP99Ms float64   `json:"latency_p99_ms"`
	Accuracy     float64   `json:"accuracy"`
	ErrorRate    float64   `json:"error_rate"`
	Confidence   float64   `json:"confidence"`
	Throughput   float64   `json:"throughput"`
	MemoryMB     float64   `json:"memory_mb"`
	CPUPercent   float64   `json:"cpu_percent"`
	CapturedAt   time.Time `json:"captured_at"`
}

// ModelMetadata carries provenance recorded at registration time.
type ModelMetadata struct {
	Owner          string    `json:"owner"`
	TrainingHash   string    `json:"training_hash"`
	ConfigHash     string    `json:"config_hash"`
	ApprovedBy     string    `json:"approved_by"`
	ReviewedAt     time.Time `json:"reviewed_at"`
	Description    string    `json:"description,omitempty"`
	SourceArtifact string    `json:"source_artifact,omitempty"`
}

// ModelVersion identifies one deployable decision-model artifact and its
// governance state. Versions are never deleted, only deprecated.
type ModelVersion struct {
	Version            string                  `json:"version"`
	Paths              []string                `json:"paths"`
	Baseline           PerformanceBaseline     `json:"baseline"`
	Triggers           []RollbackTriggerConfig `json:"triggers"`
	Status             VersionStatus           `json:"status"`
	CanaryPercentage   int                     `json:"canary_percentage"`
	RollbackReason     string                  `json:"rollback_reason,omitempty"`
	RollbackAt         *time.Time              `json:"rollback_at,omitempty"`
	MaintenanceReason  string                  `json:"maintenance_reason,omitempty"`
	ReplacedBy         string                  `json:"replaced_by,omitempty"`
	Metadata           ModelMetadata           `json:"metadata"`
	RegisteredAt       time.Time               `json:"registered_at"`
	LastStatusChangeAt time.Time               `json:"last_status_change_at"`
}

// ConfidenceThreshold controls automated vs. escalated handling for one
// (path, version) pair. Read on every routing decision.
type ConfidenceThreshold struct {
	Path                string           `json:"path"`
	ModelVersion        string           `json:"model_version"`
	MinConfidence       float64          `json:"min_confidence"`
	EscalationThreshold float64          `json:"escalation_threshold"`
	Fallback            FallbackStrategy `json:"fallback"`
	FallbackVersion     string           `json:"fallback_version,omitempty"`
	Owner               ThresholdOwner   `json:"owner"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// CanaryConfig describes the ramp schedule recorded when a canary deploys.
type CanaryConfig struct {
	TargetPercentage int           `json:"target_percentage"`
	IncrementStep    int           `json:"increment_step"`
	EvaluationWindow time.Duration `json:"evaluation_window"`
	RolloutSchedule  []int         `json:"rollout_schedule,omitempty"`
	ABTestID         string        `json:"ab_test_id,omitempty"`
}

// RollbackEvent is one entry in a version's rollback history.
type RollbackEvent struct {
	ID          uuid.UUID `json:"id"`
	Version     string    `json:"version"`
	TriggerID   string    `json:"trigger_id,omitempty"`
	TriggerType string    `json:"trigger_type,omitempty"`
	Reason      string    `json:"reason"`
	Severity    Severity  `json:"severity"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// =============================
// Metric signals
// =============================

// Signal names one monitored metric series.
type Signal string

const (
	SignalLatencyP95 Signal = "latency_p95"
	SignalLatencyP99 Signal = "latency_p99"
	SignalAccuracy   Signal = "accuracy"
	SignalErrorRate  Signal = "error_rate"
	SignalConfidence Signal = "confidence"
	SignalThroughput Signal = "throughput"
	SignalMemoryMB   Signal = "memory_mb"
	SignalCPUPercent Signal = "cpu_percent"
)

// ModelMetrics is the full time-series snapshot delivered by the metrics
// feed. Each slice is ordered oldest to newest.
type ModelMetrics struct {
	LatencyP95Ms []float64 `json:"latency_p95_ms"`
	LatencyP99Ms []float64 `json:"latency_p99_ms"`
	Accuracy     []float64 `json:"accuracy"`
	ErrorRate    []float64 `json:"error_rate"`
	Confidence   []float64 `json:"confidence"`
	Throughput   []float64 `json:"throughput"`
	MemoryMB     []float64 `json:"memory_mb"`
	CPUPercent   []float64 `json:"cpu_percent"`
	ObservedAt   time.Time `json:"observed_at"`
}

// BySignal returns the series for the given signal.
func (m *ModelMetrics) BySignal(sig Signal) []float64 {
	switch sig {
	case SignalLatencyP95:
		return m.LatencyP95Ms
	case SignalLatencyP99:
		return m.LatencyP99Ms
	case SignalAccuracy:
		return m.Accuracy
	case SignalErrorRate:
		return m.ErrorRate
	case SignalConfidence:
		return m.Confidence
	case SignalThroughput:
		return m.Throughput
	case SignalMemoryMB:
		return m.MemoryMB
	case SignalCPUPercent:
		return m.CPUPercent
	default:
		return nil
	}
}

// =============================
// Rollout (canary campaign)
// =============================

// CriterionKind names one evaluation criterion on a rollout step.
type CriterionKind string

const (
	CriterionLatencyP95     CriterionKind = "latency_p95"
	CriterionLatencyP99     CriterionKind = "latency_p99"
	CriterionErrorRate      CriterionKind = "error_rate"
	CriterionThroughput     CriterionKind = "throughput"
	CriterionConfidence     CriterionKind = "confidence"
	CriterionUserExperience CriterionKind = "user_experience"
)

// StepCriterion is one pass/fail gate on a rollout step. For latency and
// error rate the actual must stay at or below target; for throughput,
// confidence and user experience it must stay at or above.
type StepCriterion struct {
	Kind   CriterionKind `json:"kind"`
	Target float64       `json:"target"`
}

// StepMetric is the observed counterpart of a criterion.
type StepMetric struct {
	Kind   CriterionKind `json:"kind"`
	Actual float64       `json:"actual"`
}

// CriterionResult reports one criterion's outcome from a step evaluation.
type CriterionResult struct {
	Kind   CriterionKind `json:"kind"`
	Target float64       `json:"target"`
	Actual float64       `json:"actual"`
	Passed bool          `json:"passed"`
}

// StepEvaluation is the result of evaluating a rollout step. It is a pure
// query result; advancing the rollout is a separate call.
type StepEvaluation struct {
	RolloutID   string            `json:"rollout_id"`
	StepIndex   int               `json:"step_index"`
	Passed      bool              `json:"passed"`
	Criteria    []CriterionResult `json:"criteria"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// RolloutStep is one stage of a canary ramp.
type RolloutStep struct {
	TargetPercentage int             `json:"target_percentage"`
	Duration         time.Duration   `json:"duration"`
	Criteria         []StepCriterion `json:"criteria"`
}

// Rollout statuses, used as looplab/fsm states.
const (
	RolloutStatePlanning   = "planning"
	RolloutStateInProgress = "in_progress"
	RolloutStatePaused     = "paused"
	RolloutStateAborted    = "aborted"
	RolloutStateRolledBack = "rolled_back"
	RolloutStateCompleted  = "completed"
)

// Rollout lifecycle events.
const (
	RolloutEventStart    = "start"
	RolloutEventAdvance  = "advance"
	RolloutEventPause    = "pause"
	RolloutEventResume   = "resume"
	RolloutEventAbort    = "abort"
	RolloutEventRollback = "rollback"
	RolloutEventComplete = "complete"
)

// =============================
// A/B experiments
// =============================

// Hypothesis is one expected effect an A/B test is designed to detect.
type Hypothesis struct {
	Metric            Signal  `json:"metric"`
	ExpectedDirection string  `json:"expected_direction"` // "increase" or "decrease"
	ExpectedMagnitude float64 `json:"expected_magnitude"`
	SignificanceLevel float64 `json:"significance_level"`
}

// StatisticalConfig holds the experiment-design parameters.
type StatisticalConfig struct {
	ConfidenceLevel         float64 `json:"confidence_level"`
	MinSampleSize           int     `json:"min_sample_size"`
	MinDetectableEffect     float64 `json:"min_detectable_effect"`
	Power                   float64 `json:"power"`
	TreatmentTrafficPercent int     `json:"treatment_traffic_percent"`
}

// DefaultStatisticalConfig returns a conventional 50/50, 95% design.
func DefaultStatisticalConfig() StatisticalConfig {
	return StatisticalConfig{
		ConfidenceLevel:         0.95,
		MinSampleSize:           1000,
		MinDetectableEffect:     0.02,
		Power:                   0.8,
		TreatmentTrafficPercent: 50,
	}
}

// A/B test statuses, used as looplab/fsm states.
const (
	ABStateDesigning    = "designing"
	ABStateRunning      = "running"
	ABStateAnalyzing    = "analyzing"
	ABStateConcluded    = "concluded"
	ABStateInconclusive = "inconclusive"
)

// A/B test lifecycle events.
const (
	ABEventStart    = "start"
	ABEventAnalyze  = "analyze"
	ABEventConclude = "conclude"
	ABEventGiveUp   = "give_up"
)

// Cohort identifies which experiment arm a user landed in.
type Cohort string

const (
	CohortControl   Cohort = "control"
	CohortTreatment Cohort = "treatment"
)

// ABTestResult summarizes one metric's observed effect.
type ABTestResult struct {
	Metric           Signal  `json:"metric"`
	ControlMean      float64 `json:"control_mean"`
	TreatmentMean    float64 `json:"treatment_mean"`
	RelativeEffect   float64 `json:"relative_effect"`
	MeetsMinEffect   bool    `json:"meets_min_effect"`
	SamplesControl   int     `json:"samples_control"`
	SamplesTreatment int     `json:"samples_treatment"`
}

// =============================
// Rollback triggers, decisions, plans
// =============================

// TriggerType enumerates the supported drift detectors.
type TriggerType string

const (
	TriggerLatencyDrift   TriggerType = "latency_drift"
	TriggerAccuracyDrop   TriggerType = "accuracy_drop"
	TriggerErrorRateSpike TriggerType = "error_rate_spike"
	TriggerConfidenceDrop TriggerType = "confidence_drop"
	TriggerThroughputDrop TriggerType = "throughput_drop"
	TriggerMemoryLeak     TriggerType = "memory_leak"
	TriggerCPUSpike       TriggerType = "cpu_spike"
	TriggerDataDrift      TriggerType = "data_drift"
)

// RollbackTriggerConfig configures one drift trigger for a model version.
// Threshold is relative to the version's recorded baseline (0.5 = 50%).
type RollbackTriggerConfig struct {
	ID                    string        `json:"id"`
	ModelVersion          string        `json:"model_version"`
	Type                  TriggerType   `json:"type"`
	Threshold             float64       `json:"threshold"`
	EvaluationWindow      time.Duration `json:"evaluation_window"`
	MinSampleCount        int           `json:"min_sample_count"`
	ConsecutiveViolations int           `json:"consecutive_violations"`
	Enabled               bool          `json:"enabled"`
	Severity              Severity      `json:"severity"`
	Owner                 string        `json:"owner"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// TriggerEvaluation records one trigger's outcome in a decision.
type TriggerEvaluation struct {
	TriggerID     string      `json:"trigger_id"`
	Type          TriggerType `json:"type"`
	Violated      bool        `json:"violated"`
	Fired         bool        `json:"fired"`
	Consecutive   int         `json:"consecutive"`
	BaselineValue float64     `json:"baseline_value"`
	CurrentValue  float64     `json:"current_value"`
	Threshold     float64     `json:"threshold"`
}

// RiskLevel grades the estimated blast radius of a rollback.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskSevere   RiskLevel = "severe"
)

// ImpactAssessment estimates what a rollback will touch.
type ImpactAssessment struct {
	AffectedPaths     []string      `json:"affected_paths"`
	EstimatedUsers    int           `json:"estimated_users"`
	Risk              RiskLevel     `json:"risk"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	DataLossRisk      bool          `json:"data_loss_risk"`
}

// RollbackDecision is the output of evaluating all triggers for a version.
type RollbackDecision struct {
	ModelVersion       string              `json:"model_version"`
	ShouldRollback     bool                `json:"should_rollback"`
	FiredTriggers      []TriggerEvaluation `json:"fired_triggers"`
	Severity           Severity            `json:"severity"`
	TargetVersion      string              `json:"target_version"`
	Reason             string              `json:"reason"`
	Impact             ImpactAssessment    `json:"impact"`
	RecommendedActions []string            `json:"recommended_actions"`
	DecidedAt          time.Time           `json:"decided_at"`
}

// RollbackStrategy selects how aggressively traffic is withdrawn.
type RollbackStrategy string

const (
	StrategyImmediate     RollbackStrategy = "immediate"
	StrategyGradual       RollbackStrategy = "gradual"
	StrategyBlueGreen     RollbackStrategy = "blue_green"
	StrategyCanaryReverse RollbackStrategy = "canary_reverse"
)

// StepAction enumerates the executable rollback step kinds.
type StepAction string

const (
	ActionUpdateTrafficSplit  StepAction = "update_traffic_split"
	ActionSwitchModelVersion  StepAction = "switch_model_version"
	ActionEnableCircuitBreak  StepAction = "enable_circuit_breaker"
	ActionNotifyOperators     StepAction = "notify_operators"
	ActionHealthCheck         StepAction = "health_check"
	ActionValidateMetrics     StepAction = "validate_metrics"
)

// RollbackPlanStep is one executable step of a rollback plan.
type RollbackPlanStep struct {
	Index             int           `json:"index"`
	Action            StepAction    `json:"action"`
	Component         string        `json:"component"`
	TargetPercentage  int           `json:"target_percentage,omitempty"`
	Timeout           time.Duration `json:"timeout"`
	RollbackOnFailure bool          `json:"rollback_on_failure"`
	Description       string        `json:"description"`
}

// VerificationCheck is a post-step validation gate.
type VerificationCheck struct {
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory"`
}

// RollbackPlan translates a decision into ordered, executable steps.
// Plans are immutable once created and retained for audit.
type RollbackPlan struct {
	ID                uuid.UUID           `json:"id"`
	FromVersion       string              `json:"from_version"`
	ToVersion         string              `json:"to_version"`
	Strategy          RollbackStrategy    `json:"strategy"`
	Severity          Severity            `json:"severity"`
	Steps             []RollbackPlanStep  `json:"steps"`
	Checks            []VerificationCheck `json:"checks"`
	EstimatedDuration time.Duration       `json:"estimated_duration"`
	Reason            string              `json:"reason"`
	CreatedAt         time.Time           `json:"created_at"`
}

// ExecutionStatus tracks a rollback execution's terminal state machine.
type ExecutionStatus string

const (
	ExecutionInProgress         ExecutionStatus = "in_progress"
	ExecutionCompleted          ExecutionStatus = "completed"
	ExecutionFailed             ExecutionStatus = "failed"
	ExecutionPartiallyCompleted ExecutionStatus = "partially_completed"
)

// StepResult records the outcome of one executed plan step.
type StepResult struct {
	Index      int           `json:"index"`
	Action     StepAction    `json:"action"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RollbackExecution is the runtime record of applying a plan. Immutable
// after reaching a terminal status; retained for audit.
type RollbackExecution struct {
	ID             uuid.UUID       `json:"id"`
	PlanID         uuid.UUID       `json:"plan_id"`
	FromVersion    string          `json:"from_version"`
	ToVersion      string          `json:"to_version"`
	Status         ExecutionStatus `json:"status"`
	FailedStep     int             `json:"failed_step,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	StepsCompleted int             `json:"steps_completed"`
	StepResults    []StepResult    `json:"step_results"`
	Errors         []string        `json:"errors,omitempty"`
	Verifications  map[string]bool `json:"verifications,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// =============================
// Routing and status surfaces
// =============================

// RoutingDecision is the per-request answer of the orchestrator. Callers
// always receive a usable decision; routing never errors out.
type RoutingDecision struct {
	Path                string           `json:"path"`
	TargetVersion       string           `json:"target_version"`
	IsCanary            bool             `json:"is_canary"`
	CanaryPercentage    int              `json:"canary_percentage"`
	MinConfidence       float64          `json:"min_confidence"`
	EscalationThreshold float64          `json:"escalation_threshold"`
	Fallback            FallbackStrategy `json:"fallback"`
	DecidedAt           time.Time        `json:"decided_at"`
}

// GovernanceStatus is a point-in-time snapshot of the whole controller.
type GovernanceStatus struct {
	StableVersion       string                   `json:"stable_version"`
	Versions            map[string]VersionStatus `json:"versions"`
	ActiveRollouts      []string                 `json:"active_rollouts"`
	ActiveABTests       []string                 `json:"active_ab_tests"`
	AutoRollbackEnabled bool                     `json:"auto_rollback_enabled"`
	RecentExecutions    []RollbackExecution      `json:"recent_executions"`
	LastRollbackAt      *time.Time               `json:"last_rollback_at,omitempty"`
	GeneratedAt         time.Time                `json:"generated_at"`
}

// TrafficSplit describes how one path's traffic is divided.
type TrafficSplit struct {
	Path             string `json:"path"`
	StableVersion    string `json:"stable_version"`
	CanaryVersion    string `json:"canary_version,omitempty"`
	CanaryPercentage int    `json:"canary_percentage"`
}
