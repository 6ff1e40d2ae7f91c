// Package decision implements the probabilistic decision matrix: a dense
// risk × urgency rule table with runtime rule updates, a tamper-evident
// change log, belief-confidence aggregation and the gate that downgrades
// high-impact actions when confidence falls short.
package decision

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlasops/atlas/core"
)

// RuleKey indexes the matrix by the (risk, urgency) pair.
type RuleKey struct {
	Risk    core.Risk
	Urgency core.Urgency
}

// Rule holds the action and base confidence for one matrix cell.
type Rule struct {
	Action     core.Action `json:"action"`
	Confidence float64     `json:"confidence"`
}

// RuleChange records one mutation of the rule table. Changes are append-only
// and survive ResetRules; they form the tamper-evident trail.
type RuleChange struct {
	Risk          core.Risk    `json:"risk"`
	Urgency       core.Urgency `json:"urgency"`
	OldAction     core.Action  `json:"old_action"`
	NewAction     core.Action  `json:"new_action"`
	OldConfidence float64      `json:"old_confidence"`
	NewConfidence float64      `json:"new_confidence"`
	Actor         string       `json:"actor"`
	Timestamp     time.Time    `json:"timestamp"`
}

// fallbackRule applies when a matrix cell is missing.
var fallbackRule = Rule{Action: core.ActionNotify, Confidence: 0.5}

// DefaultRules returns the built-in rule table.
func DefaultRules() map[RuleKey]Rule {
	return map[RuleKey]Rule{
		{core.RiskLow, core.UrgencyLow}:       {core.ActionLog, 0.95},
		{core.RiskLow, core.UrgencyMedium}:    {core.ActionLog, 0.90},
		{core.RiskLow, core.UrgencyHigh}:      {core.ActionNotify, 0.85},
		{core.RiskMedium, core.UrgencyLow}:    {core.ActionNotify, 0.85},
		{core.RiskMedium, core.UrgencyMedium}: {core.ActionNotify, 0.80},
		{core.RiskMedium, core.UrgencyHigh}:   {core.ActionAutoFix, 0.75},
		{core.RiskHigh, core.UrgencyLow}:      {core.ActionNotify, 0.80},
		{core.RiskHigh, core.UrgencyMedium}:   {core.ActionAutoFix, 0.70},
		{core.RiskHigh, core.UrgencyHigh}:     {core.ActionImmediate, 0.90},
	}
}

// Matrix maps (risk, urgency) to (action, confidence) and applies the
// confidence gate over aggregated beliefs. Rules are guarded by a single
// mutex; the change log is append-only and independently guarded.
type Matrix struct {
	mu    sync.RWMutex
	rules map[RuleKey]Rule

	changesMu sync.Mutex
	changes   []RuleChange

	aggregator Aggregator
	network    BeliefNetwork

	threshold     float64
	riskTolerance float64

	logger    core.Logger
	telemetry core.Telemetry
}

// MatrixOption configures optional dependencies for Matrix.
type MatrixOption func(*Matrix)

// WithAggregator substitutes the belief fusion strategy.
func WithAggregator(agg Aggregator) MatrixOption {
	return func(m *Matrix) {
		if agg != nil {
			m.aggregator = agg
		}
	}
}

// WithBeliefNetwork registers a Bayesian-style network consulted when a
// task carries evidence tokens.
func WithBeliefNetwork(network BeliefNetwork) MatrixOption {
	return func(m *Matrix) {
		m.network = network
	}
}

// WithGate overrides the confidence gate parameters.
func WithGate(threshold, riskTolerance float64) MatrixOption {
	return func(m *Matrix) {
		m.threshold = clamp01(threshold)
		m.riskTolerance = clamp01(riskTolerance)
	}
}

// WithMatrixLogger sets the logger for the matrix.
func WithMatrixLogger(logger core.Logger) MatrixOption {
	return func(m *Matrix) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("decision/matrix")
		} else {
			m.logger = logger
		}
	}
}

// WithMatrixTelemetry sets the telemetry provider for the matrix.
func WithMatrixTelemetry(telemetry core.Telemetry) MatrixOption {
	return func(m *Matrix) {
		if telemetry != nil {
			m.telemetry = telemetry
		}
	}
}

// NewMatrix creates a matrix seeded with the default rule table.
func NewMatrix(opts ...MatrixOption) *Matrix {
	m := &Matrix{
		rules:         DefaultRules(),
		aggregator:    MeanAggregator{},
		threshold:     0.6,
		riskTolerance: 0.5,
		logger:        &core.NoOpLogger{},
		telemetry:     &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate produces the decision for a task. The task must already be
// validated; Evaluate is deterministic for identical inputs and rule state.
func (m *Matrix) Evaluate(task *core.Task) core.Decision {
	rule := m.lookup(task.Risk, task.Urgency)

	decision := core.Decision{
		Risk:       task.Risk,
		Urgency:    task.Urgency,
		Action:     rule.Action,
		Confidence: rule.Confidence,
	}
	var trace []string
	trace = append(trace, fmt.Sprintf("matrix(%s,%s) -> %s @ %.2f",
		task.Risk, task.Urgency, rule.Action, rule.Confidence))

	// Belief gate: aggregated belief confidence must clear the
	// risk-adjusted threshold before a high-impact action is permitted.
	if len(task.Beliefs) > 0 {
		confidences := make([]float64, 0, len(task.Beliefs))
		names := make([]string, 0, len(task.Beliefs))
		for name := range task.Beliefs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			confidences = append(confidences, task.Beliefs[name])
		}

		aggregated := m.aggregator.Aggregate(confidences)
		permitted := ShouldAct(aggregated, task.Risk.Weight(), m.threshold, m.riskTolerance)
		trace = append(trace, fmt.Sprintf("beliefs(%s) aggregated=%.3f permitted=%t",
			strings.Join(names, ","), aggregated, permitted))

		if !permitted && decision.Action.HighImpact() {
			decision.Action = core.ActionNotify
			decision.Confidence = decision.Confidence * aggregated
			trace = append(trace, fmt.Sprintf("gate downgraded to notify @ %.3f", decision.Confidence))
		}
	}

	// Evidence walk: posterior maxima per evidence token, aggregated and
	// re-gated. The evidence gate's verdict overrides the belief gate.
	if len(task.Evidence) > 0 && m.network != nil {
		posteriors := m.network.Propagate(task.Evidence)
		maxima := make([]float64, 0, len(posteriors))
		for _, dist := range posteriors {
			maxima = append(maxima, maxOf(dist))
		}
		aggregated := m.aggregator.Aggregate(maxima)
		permitted := ShouldAct(aggregated, task.Risk.Weight(), m.threshold, m.riskTolerance)
		trace = append(trace, fmt.Sprintf("evidence(%d nodes) aggregated=%.3f permitted=%t",
			len(posteriors), aggregated, permitted))

		original := m.lookup(task.Risk, task.Urgency)
		if permitted {
			decision.Action = original.Action
			decision.Confidence = original.Confidence
			trace = append(trace, "evidence gate restored matrix action")
		} else if original.Action.HighImpact() {
			decision.Action = core.ActionNotify
			decision.Confidence = original.Confidence * aggregated
			trace = append(trace, fmt.Sprintf("evidence gate downgraded to notify @ %.3f", decision.Confidence))
		}
	}

	decision.Confidence = clamp01(decision.Confidence)
	decision.Reason = strings.Join(trace, "; ")

	m.logger.Debug("Decision evaluated", map[string]interface{}{
		"risk":       string(task.Risk),
		"urgency":    string(task.Urgency),
		"action":     string(decision.Action),
		"confidence": decision.Confidence,
	})
	m.telemetry.RecordMetric("atlas.decision.evaluated", 1, map[string]string{
		"action": string(decision.Action),
	})

	return decision
}

// ExplainDecision returns a multi-line human-readable evaluation trace.
func (m *Matrix) ExplainDecision(task *core.Task) string {
	decision := m.Evaluate(task)
	var b strings.Builder
	fmt.Fprintf(&b, "Decision for %q:\n", task.Description)
	fmt.Fprintf(&b, "  risk=%s urgency=%s\n", task.Risk, task.Urgency)
	for _, step := range strings.Split(decision.Reason, "; ") {
		fmt.Fprintf(&b, "  %s\n", step)
	}
	fmt.Fprintf(&b, "  final: %s @ %.3f", decision.Action, decision.Confidence)
	return b.String()
}

// UpdateRule mutates one matrix cell and appends a RuleChange.
// Confidence is clamped to [0,1].
func (m *Matrix) UpdateRule(risk core.Risk, urgency core.Urgency, action core.Action, confidence float64, actor string) error {
	if !risk.Valid() || !urgency.Valid() {
		return &core.AtlasError{
			Op: "matrix.UpdateRule", Kind: "validation", Err: core.ErrInvalidTask,
			Message: fmt.Sprintf("unknown rule key (%s,%s)", risk, urgency),
		}
	}
	if !action.Valid() {
		return &core.AtlasError{
			Op: "matrix.UpdateRule", Kind: "validation", Err: core.ErrInvalidTask,
			Message: fmt.Sprintf("unknown action %q", action),
		}
	}
	confidence = clamp01(confidence)
	key := RuleKey{risk, urgency}

	m.mu.Lock()
	old, ok := m.rules[key]
	if !ok {
		old = fallbackRule
	}
	m.rules[key] = Rule{Action: action, Confidence: confidence}
	m.mu.Unlock()

	change := RuleChange{
		Risk:          risk,
		Urgency:       urgency,
		OldAction:     old.Action,
		NewAction:     action,
		OldConfidence: old.Confidence,
		NewConfidence: confidence,
		Actor:         actor,
		Timestamp:     time.Now(),
	}
	m.changesMu.Lock()
	m.changes = append(m.changes, change)
	m.changesMu.Unlock()

	m.logger.Info("Rule updated", map[string]interface{}{
		"risk":       string(risk),
		"urgency":    string(urgency),
		"old_action": string(old.Action),
		"new_action": string(action),
		"actor":      actor,
	})
	return nil
}

// ResetRules restores the default table. The change log is untouched.
func (m *Matrix) ResetRules() {
	m.mu.Lock()
	m.rules = DefaultRules()
	m.mu.Unlock()

	m.logger.Info("Rules reset to defaults", nil)
}

// RuleChanges returns a snapshot copy of the change log.
func (m *Matrix) RuleChanges() []RuleChange {
	m.changesMu.Lock()
	defer m.changesMu.Unlock()
	out := make([]RuleChange, len(m.changes))
	copy(out, m.changes)
	return out
}

// Rules returns a snapshot copy of the current rule table.
func (m *Matrix) Rules() map[RuleKey]Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[RuleKey]Rule, len(m.rules))
	for k, v := range m.rules {
		out[k] = v
	}
	return out
}

func (m *Matrix) lookup(risk core.Risk, urgency core.Urgency) Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rule, ok := m.rules[RuleKey{risk, urgency}]; ok {
		return rule
	}
	return fallbackRule
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxOf(dist map[string]float64) float64 {
	max := 0.0
	for _, v := range dist {
		if v > max {
			max = v
		}
	}
	return max
}
