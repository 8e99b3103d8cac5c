// =============================
// Canary Traffic Splitter
// =============================
// Owns the rollout lifecycle (staged percentage ramp) and A/B cohort
// assignment. Routing decisions are deterministic: the same request or user
// id always lands on the same side of the split while the rollout is
// unchanged.

package governance

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/axiafin/modelgov/internal/audit"
)

// Rollout is one canary campaign. All rollout-mutating calls for one id are
// serialized by the splitter's mutex; the fsm enforces legal transitions.
type Rollout struct {
	ID               string        `json:"id"`
	ModelVersion     string        `json:"model_version"`
	Paths            []string      `json:"paths"`
	Steps            []RolloutStep `json:"steps"`
	CurrentStepIndex int           `json:"current_step_index"`
	CurrentPct       int           `json:"current_percentage"`
	TargetPct        int           `json:"target_percentage"`
	StatusReason     string        `json:"status_reason,omitempty"`
	StatusStep       int           `json:"status_step,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`

	FSM *fsm.FSM `json:"-"`
}

// State returns the rollout's current lifecycle state.
func (r *Rollout) State() string { return r.FSM.Current() }

// ABTest is one controlled experiment between two versions.
type ABTest struct {
	ID               string            `json:"id"`
	ControlVersion   string            `json:"control_version"`
	TreatmentVersion string            `json:"treatment_version"`
	Paths            []string          `json:"paths"`
	Hypotheses       []Hypothesis      `json:"hypotheses"`
	Stats            StatisticalConfig `json:"stats"`
	SamplesCollected int               `json:"samples_collected"`
	Results          []ABTestResult    `json:"results,omitempty"`
	Winner           string            `json:"winner,omitempty"`
	InconclusiveWhy  string            `json:"inconclusive_why,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`

	samples map[Cohort]map[Signal][]float64
	FSM     *fsm.FSM `json:"-"`
}

// State returns the test's current lifecycle state.
func (t *ABTest) State() string { return t.FSM.Current() }

// CanaryTrafficSplitter owns rollouts and A/B tests.
type CanaryTrafficSplitter struct {
	logger *zap.SugaredLogger
	sink   audit.Sink

	mu       sync.RWMutex
	rollouts map[string]*Rollout
	abTests  map[string]*ABTest
}

// NewCanaryTrafficSplitter creates an empty splitter.
func NewCanaryTrafficSplitter(logger *zap.SugaredLogger, sink audit.Sink) *CanaryTrafficSplitter {
	return &CanaryTrafficSplitter{
		logger:   logger.Named("splitter"),
		sink:     sink,
		rollouts: make(map[string]*Rollout),
		abTests:  make(map[string]*ABTest),
	}
}

func newRolloutFSM(r *Rollout, log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		RolloutStatePlanning,
		fsm.Events{
			{Name: RolloutEventStart, Src: []string{RolloutStatePlanning}, Dst: RolloutStateInProgress},
			{Name: RolloutEventAdvance, Src: []string{RolloutStateInProgress}, Dst: RolloutStateInProgress},
			{Name: RolloutEventPause, Src: []string{RolloutStateInProgress}, Dst: RolloutStatePaused},
			{Name: RolloutEventResume, Src: []string{RolloutStatePaused}, Dst: RolloutStateInProgress},
			{Name: RolloutEventAbort, Src: []string{RolloutStatePlanning, RolloutStateInProgress, RolloutStatePaused}, Dst: RolloutStateAborted},
			{Name: RolloutEventRollback, Src: []string{RolloutStateInProgress, RolloutStatePaused, RolloutStateCompleted}, Dst: RolloutStateRolledBack},
			{Name: RolloutEventComplete, Src: []string{RolloutStateInProgress}, Dst: RolloutStateCompleted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.UpdatedAt = time.Now()
				log.Infow("rollout state changed",
					"rollout_id", r.ID, "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// CreateRollout registers a new canary campaign in Planning.
func (s *CanaryTrafficSplitter) CreateRollout(ctx context.Context, id, version string, paths []string, steps []RolloutStep) (*Rollout, error) {
	if id == "" {
		return nil, ErrValidation("rollout", "rollout id must not be empty")
	}
	if len(steps) == 0 {
		return nil, ErrValidation(id, "rollout requires at least one step")
	}
	for i, step := range steps {
		if step.TargetPercentage < 0 || step.TargetPercentage > 100 {
			return nil, ErrValidation(id, "step %d target percentage %d outside [0,100]", i, step.TargetPercentage)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rollouts[id]; exists {
		return nil, ErrStateConflict(id, "rollout id already exists")
	}

	now := time.Now()
	r := &Rollout{
		ID:           id,
		ModelVersion: version,
		Paths:        paths,
		Steps:        steps,
		TargetPct:    steps[len(steps)-1].TargetPercentage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.FSM = newRolloutFSM(r, s.logger)
	s.rollouts[id] = r

	s.record(ctx, "create_rollout", id, SeverityLow, "rollout created")
	return r, nil
}

// StartRollout moves a planned rollout into its first step.
func (s *CanaryTrafficSplitter) StartRollout(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}
	if err := r.FSM.Event(ctx, RolloutEventStart); err != nil {
		return ErrStateConflict(id, "cannot start rollout in state %s", r.State())
	}
	r.CurrentStepIndex = 0
	r.CurrentPct = r.Steps[0].TargetPercentage

	s.record(ctx, "start_rollout", id, SeverityMedium, "rollout started")
	return nil
}

// EvaluateCurrentStep matches the current step's criteria against observed
// metrics. A step passes only if every criterion passes; an unmatched
// criterion fails closed. The rollout is not mutated; advancement is a
// separate, explicit call so the scheduler can apply its own gating policy.
func (s *CanaryTrafficSplitter) EvaluateCurrentStep(id string, actuals []StepMetric) (*StepEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rollouts[id]
	if !ok {
		return nil, ErrNotFound(id, "rollout not found")
	}
	state := r.State()
	if state != RolloutStateInProgress && state != RolloutStatePaused {
		return nil, ErrStateConflict(id, "cannot evaluate rollout in state %s", state)
	}

	step := r.Steps[r.CurrentStepIndex]
	byKind := make(map[CriterionKind]float64, len(actuals))
	for _, a := range actuals {
		byKind[a.Kind] = a.Actual
	}

	eval := &StepEvaluation{
		RolloutID:   id,
		StepIndex:   r.CurrentStepIndex,
		Passed:      true,
		EvaluatedAt: time.Now(),
	}
	for _, c := range step.Criteria {
		actual, matched := byKind[c.Kind]
		res := CriterionResult{Kind: c.Kind, Target: c.Target, Actual: actual}
		if matched {
			res.Passed = criterionPassed(c.Kind, c.Target, actual)
		} else {
			// No observed counterpart: report as failed with zeroes.
			res.Target = 0
			res.Actual = 0
		}
		if !res.Passed {
			eval.Passed = false
		}
		eval.Criteria = append(eval.Criteria, res)
	}
	return eval, nil
}

// criterionPassed applies the metric's direction: latency and error rate
// must stay at or below target, the rest at or above.
func criterionPassed(kind CriterionKind, target, actual float64) bool {
	switch kind {
	case CriterionLatencyP95, CriterionLatencyP99, CriterionErrorRate:
		return actual <= target
	case CriterionThroughput, CriterionConfidence, CriterionUserExperience:
		return actual >= target
	default:
		return false
	}
}

// AdvanceToNextStep moves an in-progress rollout forward one step, or
// completes it if the final step was already active.
func (s *CanaryTrafficSplitter) AdvanceToNextStep(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}

	next := r.CurrentStepIndex + 1
	if next >= len(r.Steps) {
		if err := r.FSM.Event(ctx, RolloutEventComplete); err != nil {
			return ErrStateConflict(id, "cannot advance rollout in state %s", r.State())
		}
		r.CurrentPct = r.Steps[len(r.Steps)-1].TargetPercentage
		s.record(ctx, "complete_rollout", id, SeverityMedium, "rollout completed")
		return nil
	}

	if err := fireEvent(ctx, r.FSM, RolloutEventAdvance); err != nil {
		return ErrStateConflict(id, "cannot advance rollout in state %s", r.State())
	}
	r.CurrentStepIndex = next
	r.CurrentPct = r.Steps[next].TargetPercentage

	s.record(ctx, "advance_rollout", id, SeverityLow, "rollout advanced")
	return nil
}

// PauseRollout suspends an in-progress rollout. Canary routing stops while
// paused; the step position and percentage are kept for resume.
func (s *CanaryTrafficSplitter) PauseRollout(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}
	if err := r.FSM.Event(ctx, RolloutEventPause); err != nil {
		return ErrStateConflict(id, "cannot pause rollout in state %s", r.State())
	}
	r.StatusReason = reason
	r.StatusStep = r.CurrentStepIndex

	s.record(ctx, "pause_rollout", id, SeverityMedium, reason)
	return nil
}

// ResumeRollout returns a paused rollout to InProgress at the same step.
func (s *CanaryTrafficSplitter) ResumeRollout(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}
	if err := r.FSM.Event(ctx, RolloutEventResume); err != nil {
		return ErrStateConflict(id, "cannot resume rollout in state %s", r.State())
	}
	r.StatusReason = ""

	s.record(ctx, "resume_rollout", id, SeverityLow, "rollout resumed")
	return nil
}

// AbortRollout terminates a rollout from any non-terminal state and zeroes
// its traffic.
func (s *CanaryTrafficSplitter) AbortRollout(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}
	if err := r.FSM.Event(ctx, RolloutEventAbort); err != nil {
		return ErrStateConflict(id, "cannot abort rollout in state %s", r.State())
	}
	r.StatusReason = reason
	r.StatusStep = r.CurrentStepIndex
	r.CurrentPct = 0

	s.record(ctx, "abort_rollout", id, SeverityHigh, reason)
	return nil
}

// MarkRolledBack transitions a rollout to RolledBack and zeroes its traffic.
// Called by the rollback executor when withdrawing a canary.
func (s *CanaryTrafficSplitter) MarkRolledBack(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}
	if err := r.FSM.Event(ctx, RolloutEventRollback); err != nil {
		return ErrStateConflict(id, "cannot roll back rollout in state %s", r.State())
	}
	r.StatusReason = reason
	r.StatusStep = r.CurrentStepIndex
	r.CurrentPct = 0

	s.record(ctx, "rollback_rollout", id, SeverityHigh, reason)
	return nil
}

// SetTrafficPercentage pins a rollout's live percentage. Used by gradual
// rollback strategies stepping traffic down outside the ramp schedule.
func (s *CanaryTrafficSplitter) SetTrafficPercentage(id string, pct int) error {
	if pct < 0 || pct > 100 {
		return ErrValidation(id, "percentage %d outside [0,100]", pct)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound(id, "rollout not found")
	}
	state := r.State()
	if state == RolloutStateAborted || state == RolloutStateRolledBack {
		return ErrStateConflict(id, "cannot adjust traffic in state %s", state)
	}
	r.CurrentPct = pct
	r.UpdatedAt = time.Now()
	return nil
}

// ShouldRouteToCanary answers whether one request sees the canary. The hash
// is stable across calls for the same request id so a session is never
// flip-flopped between versions mid-rollout.
func (s *CanaryTrafficSplitter) ShouldRouteToCanary(path, requestID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := hashBucket(requestID)
	for _, r := range s.rollouts {
		state := r.State()
		if state != RolloutStateInProgress && state != RolloutStateCompleted {
			continue
		}
		if !containsPath(r.Paths, path) {
			continue
		}
		if bucket < r.CurrentPct {
			return r.ModelVersion, true
		}
	}
	return "", false
}

// GetRollout returns one rollout by id.
func (s *CanaryTrafficSplitter) GetRollout(id string) (*Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rollouts[id]
	if !ok {
		return nil, ErrNotFound(id, "rollout not found")
	}
	return r, nil
}

// ActiveRollouts returns ids of rollouts still serving canary traffic.
func (s *CanaryTrafficSplitter) ActiveRollouts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for id, r := range s.rollouts {
		state := r.State()
		if state == RolloutStateInProgress || state == RolloutStatePaused || state == RolloutStateCompleted {
			out = append(out, id)
		}
	}
	return out
}

// RolloutsForVersion returns ids of a version's rollouts that are pending or
// still serving traffic. Completed rollouts keep routing their final
// percentage, so a rollback must be able to reach them.
func (s *CanaryTrafficSplitter) RolloutsForVersion(version string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for id, r := range s.rollouts {
		if r.ModelVersion != version {
			continue
		}
		state := r.State()
		if state == RolloutStateInProgress || state == RolloutStatePaused ||
			state == RolloutStatePlanning || state == RolloutStateCompleted {
			out = append(out, id)
		}
	}
	return out
}

// fireEvent triggers an fsm event, treating a same-state transition
// (advance keeps the rollout InProgress) as success.
func fireEvent(ctx context.Context, f *fsm.FSM, event string) error {
	err := f.Event(ctx, event)
	if err == nil {
		return nil
	}
	if _, ok := err.(fsm.NoTransitionError); ok {
		return nil
	}
	return err
}

// hashBucket maps an id onto [0,100). FNV-1a keeps the mapping stable
// across processes and restarts.
func hashBucket(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % 100)
}

// =============================
// A/B experiments
// =============================

func newABTestFSM(t *ABTest, log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		ABStateDesigning,
		fsm.Events{
			{Name: ABEventStart, Src: []string{ABStateDesigning}, Dst: ABStateRunning},
			{Name: ABEventAnalyze, Src: []string{ABStateRunning}, Dst: ABStateAnalyzing},
			{Name: ABEventConclude, Src: []string{ABStateAnalyzing}, Dst: ABStateConcluded},
			{Name: ABEventGiveUp, Src: []string{ABStateRunning, ABStateAnalyzing}, Dst: ABStateInconclusive},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Infow("ab test state changed",
					"test_id", t.ID, "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// SetupABTest registers an experiment in Designing.
func (s *CanaryTrafficSplitter) SetupABTest(ctx context.Context, id, control, treatment string, paths []string, hypotheses []Hypothesis, cfg StatisticalConfig) (*ABTest, error) {
	if id == "" {
		return nil, ErrValidation("ab_test", "test id must not be empty")
	}
	if control == "" || treatment == "" {
		return nil, ErrValidation(id, "control and treatment versions are required")
	}
	if cfg.TreatmentTrafficPercent <= 0 || cfg.TreatmentTrafficPercent >= 100 {
		return nil, ErrValidation(id, "treatment traffic percent %d outside (0,100)", cfg.TreatmentTrafficPercent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.abTests[id]; exists {
		return nil, ErrStateConflict(id, "ab test id already exists")
	}

	t := &ABTest{
		ID:               id,
		ControlVersion:   control,
		TreatmentVersion: treatment,
		Paths:            paths,
		Hypotheses:       hypotheses,
		Stats:            cfg,
		CreatedAt:        time.Now(),
		samples:          make(map[Cohort]map[Signal][]float64),
	}
	t.samples[CohortControl] = make(map[Signal][]float64)
	t.samples[CohortTreatment] = make(map[Signal][]float64)
	t.FSM = newABTestFSM(t, s.logger)
	s.abTests[id] = t

	s.record(ctx, "setup_ab_test", id, SeverityLow, "ab test configured")
	return t, nil
}

// StartABTest moves a designed test into Running.
func (s *CanaryTrafficSplitter) StartABTest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.abTests[id]
	if !ok {
		return ErrNotFound(id, "ab test not found")
	}
	if err := t.FSM.Event(ctx, ABEventStart); err != nil {
		return ErrStateConflict(id, "cannot start ab test in state %s", t.State())
	}

	s.record(ctx, "start_ab_test", id, SeverityLow, "ab test started")
	return nil
}

// ABTestAssignment buckets a user deterministically for the test's duration.
func (s *CanaryTrafficSplitter) ABTestAssignment(testID, userID string) (Cohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.abTests[testID]
	if !ok {
		return "", ErrNotFound(testID, "ab test not found")
	}
	if t.State() != ABStateRunning {
		return "", ErrStateConflict(testID, "ab test is not running (state %s)", t.State())
	}
	if hashBucket(userID) < t.Stats.TreatmentTrafficPercent {
		return CohortTreatment, nil
	}
	return CohortControl, nil
}

// RecordSample feeds one observed metric value into a running test.
func (s *CanaryTrafficSplitter) RecordSample(testID string, cohort Cohort, metric Signal, value float64) error {
	if cohort != CohortControl && cohort != CohortTreatment {
		return ErrValidation(testID, "unknown cohort %q", cohort)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.abTests[testID]
	if !ok {
		return ErrNotFound(testID, "ab test not found")
	}
	if t.State() != ABStateRunning {
		return ErrStateConflict(testID, "ab test is not running (state %s)", t.State())
	}
	t.samples[cohort][metric] = append(t.samples[cohort][metric], value)
	t.SamplesCollected++
	return nil
}

// AnalyzeABTest moves a running test through Analyzing and concludes it when
// the sample floor is met. Effects below the minimum detectable effect leave
// the test inconclusive.
func (s *CanaryTrafficSplitter) AnalyzeABTest(ctx context.Context, testID string) (*ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.abTests[testID]
	if !ok {
		return nil, ErrNotFound(testID, "ab test not found")
	}
	if err := t.FSM.Event(ctx, ABEventAnalyze); err != nil {
		return nil, ErrStateConflict(testID, "cannot analyze ab test in state %s", t.State())
	}

	if t.SamplesCollected < t.Stats.MinSampleSize {
		t.InconclusiveWhy = "minimum sample size not reached"
		_ = t.FSM.Event(ctx, ABEventGiveUp)
		s.record(ctx, "conclude_ab_test", testID, SeverityLow, t.InconclusiveWhy)
		return t, nil
	}

	t.Results = t.Results[:0]
	anyDetectable := false
	treatmentWins := 0
	for _, h := range t.Hypotheses {
		res := compareCohorts(t, h.Metric)
		res.MeetsMinEffect = math.Abs(res.RelativeEffect) >= t.Stats.MinDetectableEffect
		if res.MeetsMinEffect {
			anyDetectable = true
			if hypothesisConfirmed(h, res.RelativeEffect) {
				treatmentWins++
			}
		}
		t.Results = append(t.Results, res)
	}

	if !anyDetectable {
		t.InconclusiveWhy = "no effect above minimum detectable effect"
		_ = t.FSM.Event(ctx, ABEventGiveUp)
		s.record(ctx, "conclude_ab_test", testID, SeverityLow, t.InconclusiveWhy)
		return t, nil
	}

	if treatmentWins*2 > len(t.Hypotheses) {
		t.Winner = t.TreatmentVersion
	} else {
		t.Winner = t.ControlVersion
	}
	_ = t.FSM.Event(ctx, ABEventConclude)
	s.record(ctx, "conclude_ab_test", testID, SeverityMedium, "ab test concluded, winner "+t.Winner)
	return t, nil
}

func compareCohorts(t *ABTest, metric Signal) ABTestResult {
	control := t.samples[CohortControl][metric]
	treatment := t.samples[CohortTreatment][metric]
	res := ABTestResult{
		Metric:           metric,
		ControlMean:      cohortMean(control),
		TreatmentMean:    cohortMean(treatment),
		SamplesControl:   len(control),
		SamplesTreatment: len(treatment),
	}
	if res.ControlMean != 0 {
		res.RelativeEffect = (res.TreatmentMean - res.ControlMean) / res.ControlMean
	}
	return res
}

func hypothesisConfirmed(h Hypothesis, relativeEffect float64) bool {
	switch h.ExpectedDirection {
	case "increase":
		return relativeEffect >= h.ExpectedMagnitude
	case "decrease":
		return relativeEffect <= -h.ExpectedMagnitude
	default:
		return false
	}
}

func cohortMean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	m, err := stats.Mean(stats.LoadRawData(samples))
	if err != nil {
		return 0
	}
	return m
}

// ActiveABTests returns ids of tests not yet concluded.
func (s *CanaryTrafficSplitter) ActiveABTests() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for id, t := range s.abTests {
		state := t.State()
		if state == ABStateRunning || state == ABStateAnalyzing || state == ABStateDesigning {
			out = append(out, id)
		}
	}
	return out
}

func (s *CanaryTrafficSplitter) record(ctx context.Context, action, subject string, severity Severity, reason string) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Record(ctx, audit.NewEvent("traffic_splitter", action, subject, severity.String(), reason))
}
