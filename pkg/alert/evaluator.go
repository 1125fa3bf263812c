package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/audit"
	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/logging"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// Actor is the audit actor for evaluator transitions
const Actor = "alert-evaluator"

// Source supplies the figures rules are evaluated against. TodayStats must
// reflect every record ingested before the call.
type Source interface {
	TodayStats(ctx context.Context, now time.Time, model, provider string) (usage.StatsResult, error)
	HistoricalSnapshot() usage.CumulativeTotal
}

// Hooks receive transitions, typically to feed metrics
type Hooks struct {
	OnFired    func(ev Event)
	OnResolved func(ev Event)
}

// ruleState is Quiet when firing is false
type ruleState struct {
	firing      bool
	fingerprint string
}

// Evaluator runs the per-rule Quiet/Firing state machines. It has no timers
// of its own; the runtime calls Evaluate on its cadence.
type Evaluator struct {
	mu       sync.Mutex
	rules    []Rule
	state    map[string]*ruleState
	source   Source
	store    Store
	loc      *time.Location
	notifier audit.Notifier
	logger   *logging.Logger
	hooks    Hooks
	now      func() time.Time
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithLocation sets the time zone of the daily buckets
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) { e.loc = loc }
}

// WithNotifier sets the audit sink for transitions
func WithNotifier(n audit.Notifier) Option {
	return func(e *Evaluator) { e.notifier = n }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithHooks sets transition callbacks
func WithHooks(h Hooks) Option {
	return func(e *Evaluator) { e.hooks = h }
}

// WithClock sets the clock used when rule removal resolves open events
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator over source writing events to store
func NewEvaluator(source Source, store Store, rules []Rule, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		state:    make(map[string]*ruleState),
		source:   source,
		store:    store,
		loc:      time.UTC,
		notifier: audit.Nop,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.SetRules(context.Background(), rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Rules returns the active rules
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Rule(nil), e.rules...)
}

// SetRules replaces the rule set. State is kept for rules whose ID is
// unchanged; open events of removed rules are resolved.
func (e *Evaluator) SetRules(ctx context.Context, rules []Rule) error {
	normalized := make([]Rule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		r = r.Normalized()
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID()] {
			return fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, r.ID())
		}
		seen[r.ID()] = true
		normalized = append(normalized, r)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for id, st := range e.state {
		if seen[id] {
			continue
		}
		if st.firing {
			if err := e.resolve(ctx, st.fingerprint, e.now()); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		delete(e.state, id)
	}

	e.rules = normalized
	return errors.Join(errs...)
}

type dims struct{ model, provider string }

// Evaluate checks every rule at now and returns the events fired by this
// pass. A rule whose figures cannot be read keeps its state; its error is
// joined into the returned error.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := calendar.DayBucket(now, e.loc)
	today := make(map[dims]usage.StatsResult)
	var snapshot *usage.CumulativeTotal

	var (
		fired []Event
		errs  []error
	)
	for _, rule := range e.rules {
		var (
			observed float64
			eligible = true
			bucket   string
		)

		switch rule.Kind {
		case KindCumulativeLimit:
			if snapshot == nil {
				s := e.source.HistoricalSnapshot()
				snapshot = &s
			}
			observed = rule.measureTotal(*snapshot)
			bucket = snapshot.Since.UTC().Format(time.RFC3339Nano)
		default:
			sc := dims{rule.Model, rule.Provider}
			stats, ok := today[sc]
			if !ok {
				var err error
				stats, err = e.source.TodayStats(ctx, now, rule.Model, rule.Provider)
				if err != nil {
					errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID(), err))
					continue
				}
				today[sc] = stats
			}
			observed, eligible = rule.measure(stats)
			bucket = day
		}

		ev, err := e.step(ctx, rule, now, observed, eligible && observed > rule.Threshold, bucket)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID(), err))
			continue
		}
		if ev != nil {
			fired = append(fired, *ev)
		}
	}

	return fired, errors.Join(errs...)
}

// step advances one rule's state machine
func (e *Evaluator) step(ctx context.Context, rule Rule, now time.Time, observed float64, breached bool, bucket string) (*Event, error) {
	st, ok := e.state[rule.ID()]
	if !ok {
		st = &ruleState{}
		e.state[rule.ID()] = st
	}
	fingerprint := Fingerprint(rule, bucket)

	switch {
	case breached && st.firing && st.fingerprint == fingerprint:
		return nil, nil

	case breached:
		// Still breached into a new bucket: close the previous period's event.
		if st.firing {
			if err := e.resolve(ctx, st.fingerprint, now); err != nil {
				return nil, err
			}
			st.firing = false
		}

		ev := Event{
			Rule:          rule,
			TriggeredAt:   now,
			ObservedValue: observed,
			Fingerprint:   fingerprint,
			Message:       message(rule, observed),
		}
		if err := e.store.Add(ctx, ev); err != nil {
			return nil, fmt.Errorf("store alert: %w", err)
		}
		st.firing = true
		st.fingerprint = fingerprint

		e.logger.LogAlert(ctx, "fired", rule.ID(), string(rule.Kind), observed, rule.Threshold)
		e.notify(ctx, audit.ActionAlertFired, now, ev)
		if e.hooks.OnFired != nil {
			e.hooks.OnFired(ev)
		}
		return &ev, nil

	case st.firing:
		if err := e.resolve(ctx, st.fingerprint, now); err != nil {
			return nil, err
		}
		st.firing = false
		st.fingerprint = ""
	}

	return nil, nil
}

// resolve closes an open event; must be called with mu held
func (e *Evaluator) resolve(ctx context.Context, fingerprint string, at time.Time) error {
	ev, ok, err := e.store.Resolve(ctx, fingerprint, at)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if !ok {
		return nil
	}

	e.logger.LogAlert(ctx, "resolved", ev.Rule.ID(), string(ev.Rule.Kind), ev.ObservedValue, ev.Rule.Threshold)
	e.notify(ctx, audit.ActionAlertResolved, at, ev)
	if e.hooks.OnResolved != nil {
		e.hooks.OnResolved(ev)
	}
	return nil
}

func (e *Evaluator) notify(ctx context.Context, action string, at time.Time, ev Event) {
	err := e.notifier.Notify(ctx, audit.Notification{
		Action:    action,
		Actor:     Actor,
		Timestamp: at,
		Details: map[string]interface{}{
			"rule":        ev.Rule.ID(),
			"kind":        string(ev.Rule.Kind),
			"observed":    ev.ObservedValue,
			"threshold":   ev.Rule.Threshold,
			"fingerprint": ev.Fingerprint,
		},
	})
	if err != nil {
		e.logger.Warn("Audit notification failed", "action", action, "error", err)
	}
}

func message(rule Rule, observed float64) string {
	scope := "all usage"
	switch {
	case rule.Model != "" && rule.Provider != "":
		scope = rule.Provider + "/" + rule.Model
	case rule.Model != "":
		scope = "model " + rule.Model
	case rule.Provider != "":
		scope = "provider " + rule.Provider
	}

	switch rule.Kind {
	case KindErrorRate:
		return fmt.Sprintf("error rate %.1f%% for %s exceeds %.1f%%", observed*100, scope, rule.Threshold*100)
	case KindCumulativeLimit:
		return fmt.Sprintf("cumulative %s %g exceeds %g", rule.Metric, observed, rule.Threshold)
	default:
		return fmt.Sprintf("daily %s %g for %s exceeds %g", rule.Metric, observed, scope, rule.Threshold)
	}
}
