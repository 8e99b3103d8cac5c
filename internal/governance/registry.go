// =============================
// Model Version Registry
// =============================
// ModelGovernanceManager tracks every registered model version, its
// governance status, per-path confidence thresholds, and the process-wide
// stable pointer. All mutation happens under one mutex held for the duration
// of one logical operation.

package governance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axiafin/modelgov/internal/audit"
)

type thresholdKey struct {
	path    string
	version string
}

// ModelGovernanceManager is the version registry.
type ModelGovernanceManager struct {
	logger *zap.SugaredLogger
	sink   audit.Sink

	mu              sync.RWMutex
	versions        map[string]*ModelVersion
	stableVersion   string
	thresholds      map[thresholdKey]*ConfidenceThreshold
	canaryConfigs   map[string]*CanaryConfig
	rollbackHistory map[string][]RollbackEvent
}

// NewModelGovernanceManager creates an empty registry.
func NewModelGovernanceManager(logger *zap.SugaredLogger, sink audit.Sink) *ModelGovernanceManager {
	return &ModelGovernanceManager{
		logger:          logger.Named("registry"),
		sink:            sink,
		versions:        make(map[string]*ModelVersion),
		thresholds:      make(map[thresholdKey]*ConfidenceThreshold),
		canaryConfigs:   make(map[string]*CanaryConfig),
		rollbackHistory: make(map[string][]RollbackEvent),
	}
}

// RegisterVersion stores a version. Re-registration overwrites. The rollback
// history for the version is initialized empty on first registration.
func (m *ModelGovernanceManager) RegisterVersion(ctx context.Context, v ModelVersion) error {
	if v.Version == "" {
		return ErrValidation("version", "version string must not be empty")
	}
	if len(v.Paths) == 0 {
		return ErrValidation(v.Version, "version must serve at least one path")
	}
	if v.CanaryPercentage < 0 || v.CanaryPercentage > 100 {
		return ErrValidation(v.Version, "canary percentage %d outside [0,100]", v.CanaryPercentage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	v.RegisteredAt = now
	v.LastStatusChangeAt = now
	if v.Status == "" {
		v.Status = StatusCanary
	}
	m.versions[v.Version] = &v
	if _, ok := m.rollbackHistory[v.Version]; !ok {
		m.rollbackHistory[v.Version] = make([]RollbackEvent, 0)
	}

	m.logger.Infow("model version registered",
		"version", v.Version, "paths", v.Paths, "status", v.Status)
	m.record(ctx, "register_version", v.Version, SeverityLow, "model version registered")
	return nil
}

// DeployCanary transitions a known version to canary status and records its
// ramp configuration.
func (m *ModelGovernanceManager) DeployCanary(ctx context.Context, version string, config CanaryConfig) error {
	if config.TargetPercentage < 0 || config.TargetPercentage > 100 {
		return ErrValidation(version, "target percentage %d outside [0,100]", config.TargetPercentage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[version]
	if !ok {
		return ErrNotFound(version, "model version not registered")
	}

	v.Status = StatusCanary
	v.CanaryPercentage = config.TargetPercentage
	v.LastStatusChangeAt = time.Now()
	m.canaryConfigs[version] = &config

	m.logger.Infow("canary deployed",
		"version", version, "target_pct", config.TargetPercentage)
	m.record(ctx, "deploy_canary", version, SeverityMedium, "canary deployment started")
	return nil
}

// PromoteToStable makes a version the process-wide stable pointer at 100%.
func (m *ModelGovernanceManager) PromoteToStable(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[version]
	if !ok {
		return ErrNotFound(version, "model version not registered")
	}

	// Previous stable steps aside; the pointer is single-writer and only
	// mutated inside this serialized entry point.
	if m.stableVersion != "" && m.stableVersion != version {
		if prev, ok := m.versions[m.stableVersion]; ok && prev.Status == StatusStable {
			prev.CanaryPercentage = 0
			prev.LastStatusChangeAt = time.Now()
		}
	}

	v.Status = StatusStable
	v.CanaryPercentage = 100
	v.LastStatusChangeAt = time.Now()
	m.stableVersion = version

	m.logger.Infow("version promoted to stable", "version", version)
	m.record(ctx, "promote_stable", version, SeverityMedium, "version promoted to stable")
	return nil
}

// Deprecate marks a version replaced. Deprecated is terminal.
func (m *ModelGovernanceManager) Deprecate(ctx context.Context, version, replacedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[version]
	if !ok {
		return ErrNotFound(version, "model version not registered")
	}
	if v.Status == StatusDeprecated {
		return ErrStateConflict(version, "version already deprecated")
	}
	if m.stableVersion == version {
		return ErrStateConflict(version, "cannot deprecate the current stable version")
	}

	v.Status = StatusDeprecated
	v.ReplacedBy = replacedBy
	v.CanaryPercentage = 0
	v.LastStatusChangeAt = time.Now()

	m.record(ctx, "deprecate_version", version, SeverityLow, "version deprecated")
	return nil
}

// SetMaintenance parks a version in maintenance with a reason.
func (m *ModelGovernanceManager) SetMaintenance(ctx context.Context, version, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[version]
	if !ok {
		return ErrNotFound(version, "model version not registered")
	}
	if v.Status == StatusDeprecated {
		return ErrStateConflict(version, "deprecated version cannot enter maintenance")
	}

	v.Status = StatusMaintenance
	v.MaintenanceReason = reason
	v.CanaryPercentage = 0
	v.LastStatusChangeAt = time.Now()

	m.record(ctx, "set_maintenance", version, SeverityLow, reason)
	return nil
}

// EvaluateRollbackTriggers compares current metrics against the version's
// own recorded baseline using its configured triggers. Debouncing is the
// trigger manager's concern; this path answers the simpler question "does
// any configured trigger match right now".
func (m *ModelGovernanceManager) EvaluateRollbackTriggers(version string, current PerformanceBaseline) (*RollbackTriggerConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[version]
	if !ok {
		return nil, false, ErrNotFound(version, "model version not registered")
	}

	for i := range v.Triggers {
		t := &v.Triggers[i]
		if !t.Enabled {
			continue
		}
		if baselineViolated(t.Type, t.Threshold, v.Baseline, current) {
			return t, true, nil
		}
	}
	return nil, false, nil
}

// baselineViolated applies the trigger-specific relative comparison.
func baselineViolated(tt TriggerType, threshold float64, base, current PerformanceBaseline) bool {
	switch tt {
	case TriggerLatencyDrift:
		return current.LatencyP95Ms > base.LatencyP95Ms*(1+threshold)
	case TriggerAccuracyDrop:
		return current.Accuracy < base.Accuracy*(1-threshold)
	case TriggerErrorRateSpike:
		return current.ErrorRate > base.ErrorRate*(1+threshold)
	case TriggerConfidenceDrop:
		return current.Confidence < base.Confidence*(1-threshold)
	case TriggerThroughputDrop:
		return current.Throughput < base.Throughput*(1-threshold)
	case TriggerMemoryLeak:
		return current.MemoryMB > base.MemoryMB*(1+threshold)
	case TriggerCPUSpike:
		return current.CPUPercent > base.CPUPercent*(1+threshold)
	case TriggerDataDrift:
		// Data drift is judged on confidence distribution shift here;
		// the windowed detector lives in the trigger manager.
		return current.Confidence < base.Confidence*(1-threshold)
	default:
		return false
	}
}

// ExecuteRollback transitions a version to rollback status, zeroes its
// canary traffic, and appends to its rollback history.
func (m *ModelGovernanceManager) ExecuteRollback(ctx context.Context, version string, trigger *RollbackTriggerConfig, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[version]
	if !ok {
		return ErrNotFound(version, "model version not registered")
	}
	if m.stableVersion == "" {
		return ErrStateConflict(version, "no stable version to roll back to")
	}
	if m.stableVersion == version {
		return ErrStateConflict(version, "cannot rollback stable version without an alternative")
	}

	now := time.Now()
	v.Status = StatusRollback
	v.RollbackReason = reason
	v.RollbackAt = &now
	v.CanaryPercentage = 0
	v.LastStatusChangeAt = now

	ev := RollbackEvent{
		ID:         uuid.New(),
		Version:    version,
		Reason:     reason,
		OccurredAt: now,
	}
	if trigger != nil {
		ev.TriggerID = trigger.ID
		ev.TriggerType = string(trigger.Type)
		ev.Severity = trigger.Severity
	}
	m.rollbackHistory[version] = append(m.rollbackHistory[version], ev)

	m.logger.Warnw("model version rolled back",
		"version", version, "reason", reason, "stable", m.stableVersion)
	m.record(ctx, "execute_rollback", version, ev.Severity, reason)
	return nil
}

// SetConfidenceThreshold installs or replaces the threshold for a
// (path, version) pair.
func (m *ModelGovernanceManager) SetConfidenceThreshold(ctx context.Context, t ConfidenceThreshold) error {
	if t.Path == "" {
		return ErrValidation("threshold", "path must not be empty")
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return ErrValidation(t.Path, "min confidence %.3f outside [0,1]", t.MinConfidence)
	}
	if t.EscalationThreshold < 0 || t.EscalationThreshold > 1 {
		return ErrValidation(t.Path, "escalation threshold %.3f outside [0,1]", t.EscalationThreshold)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t.UpdatedAt = time.Now()
	m.thresholds[thresholdKey{t.Path, t.ModelVersion}] = &t

	m.record(ctx, "set_confidence_threshold", t.Path, SeverityLow, "confidence threshold configured")
	return nil
}

// GetConfidenceThreshold returns the threshold for a (path, version) pair.
func (m *ModelGovernanceManager) GetConfidenceThreshold(path, version string) (ConfidenceThreshold, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thresholds[thresholdKey{path, version}]
	if !ok {
		return ConfidenceThreshold{}, false
	}
	return *t, true
}

// UpdateThresholdOwnership reassigns an existing threshold. The threshold
// must already exist.
func (m *ModelGovernanceManager) UpdateThresholdOwnership(ctx context.Context, path, version string, owner ThresholdOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.thresholds[thresholdKey{path, version}]
	if !ok {
		return ErrNotFound(path, "no confidence threshold configured for path %q version %q", path, version)
	}
	t.Owner = owner
	t.UpdatedAt = time.Now()

	m.record(ctx, "update_threshold_ownership", path, SeverityLow, "threshold ownership changed")
	return nil
}

// GetTrafficSplit reports how a path's traffic is divided. With no active
// canary on the path the answer is stable-only.
func (m *ModelGovernanceManager) GetTrafficSplit(path string) TrafficSplit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	split := TrafficSplit{Path: path, StableVersion: m.stableVersion}
	for _, v := range m.versions {
		if v.Status != StatusCanary {
			continue
		}
		if !containsPath(v.Paths, path) {
			continue
		}
		split.CanaryVersion = v.Version
		split.CanaryPercentage = v.CanaryPercentage
		break
	}
	return split
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

// GetVersion returns a copy of one registered version.
func (m *ModelGovernanceManager) GetVersion(version string) (ModelVersion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[version]
	if !ok {
		return ModelVersion{}, false
	}
	return *v, true
}

// Baseline returns the recorded performance baseline for a version.
func (m *ModelGovernanceManager) Baseline(version string) (PerformanceBaseline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[version]
	if !ok {
		return PerformanceBaseline{}, false
	}
	return v.Baseline, true
}

// VersionPaths returns the paths one version serves.
func (m *ModelGovernanceManager) VersionPaths(version string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[version]
	if !ok {
		return nil
	}
	out := make([]string, len(v.Paths))
	copy(out, v.Paths)
	return out
}

// StableVersion returns the current process-wide stable pointer.
func (m *ModelGovernanceManager) StableVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stableVersion
}

// VersionStatuses returns a snapshot of every version's status.
func (m *ModelGovernanceManager) VersionStatuses() map[string]VersionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]VersionStatus, len(m.versions))
	for name, v := range m.versions {
		out[name] = v.Status
	}
	return out
}

// RollbackHistory returns a copy of one version's rollback events.
func (m *ModelGovernanceManager) RollbackHistory(version string) []RollbackEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.rollbackHistory[version]
	out := make([]RollbackEvent, len(history))
	copy(out, history)
	return out
}

// Versions returns the registered version names.
func (m *ModelGovernanceManager) Versions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.versions))
	for name := range m.versions {
		out = append(out, name)
	}
	return out
}

// Paths returns the union of all paths served by registered versions.
func (m *ModelGovernanceManager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, v := range m.versions {
		for _, p := range v.Paths {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (m *ModelGovernanceManager) record(ctx context.Context, action, subject string, severity Severity, reason string) {
	if m.sink == nil {
		return
	}
	_ = m.sink.Record(ctx, audit.NewEvent("registry", action, subject, severity.String(), reason))
}
