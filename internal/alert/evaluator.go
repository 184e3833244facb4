// Package alert turns the z-score stream into edge-triggered alert events.
package alert

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pairwatch/internal/metrics"
	"pairwatch/internal/model"
)

// RuleState is a rule with its current lifecycle position.
type RuleState struct {
	Rule  model.AlertRule  `json:"rule"`
	State model.AlertState `json:"state"`
	// Since is the bar time of the last transition.
	Since time.Time `json:"since"`
}

// Evaluator runs one state machine per rule. A rule fires once when its test
// starts passing and resolves once when it stops; bars in between emit
// nothing.
type Evaluator struct {
	logger *zap.Logger
	pair   string

	mu    sync.RWMutex
	rules []RuleState
}

// NewEvaluator arms every rule. Rules without an ID get a generated one and a
// missing direction means both sides.
func NewEvaluator(logger *zap.Logger, pair string, rules []model.AlertRule) *Evaluator {
	states := make([]RuleState, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Direction == "" {
			r.Direction = model.DirectionBoth
		}
		states = append(states, RuleState{Rule: r, State: model.AlertArmed})
	}
	return &Evaluator{
		logger: logger.Named("alert").With(zap.String("pair", pair)),
		pair:   pair,
		rules:  states,
	}
}

// Breaches reports whether z crosses the rule threshold in the rule direction.
func Breaches(rule model.AlertRule, z float64) bool {
	switch rule.Direction {
	case model.DirectionAbove:
		return z >= rule.Threshold
	case model.DirectionBelow:
		return z <= -rule.Threshold
	default:
		return math.Abs(z) >= rule.Threshold
	}
}

// Evaluate advances every rule with the z-score of the bar at barTime. An
// undefined z-score is no signal and leaves every rule where it is.
func (e *Evaluator) Evaluate(z *float64, at, barTime time.Time) []model.AlertEvent {
	if z == nil || math.IsNaN(*z) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var events []model.AlertEvent
	for i := range e.rules {
		rs := &e.rules[i]
		breach := Breaches(rs.Rule, *z)

		var next model.AlertState
		switch {
		case rs.State == model.AlertArmed && breach:
			next = model.AlertFired
		case rs.State == model.AlertFired && !breach:
			next = model.AlertResolved
		default:
			continue
		}

		events = append(events, model.AlertEvent{
			ID:          uuid.NewString(),
			RuleID:      rs.Rule.ID,
			Pair:        e.pair,
			State:       next,
			ZValue:      *z,
			Threshold:   rs.Rule.Threshold,
			BarTime:     barTime,
			TriggeredAt: at,
		})
		metrics.AlertsTotal.WithLabelValues(rs.Rule.ID, string(next)).Inc()
		e.logger.Info("alert transition",
			zap.String("rule", rs.Rule.ID),
			zap.String("state", string(next)),
			zap.Float64("z", *z),
			zap.Time("bar_time", barTime),
		)

		// a resolved rule rearms immediately
		if next == model.AlertResolved {
			next = model.AlertArmed
		}
		rs.State = next
		rs.Since = barTime
	}
	return events
}

// States reports every rule's current position.
func (e *Evaluator) States() []RuleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleState, len(e.rules))
	copy(out, e.rules)
	return out
}
