package evaluator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/alerts"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ruleset"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Notifier delivers an alert to the named channels and reports one status per channel.
type Notifier interface {
	Dispatch(ctx context.Context, a *model.Alert, channels []string) []model.ChannelStatus
}

// Publisher receives newly fired alerts.
type Publisher interface {
	AlertCreated(a *model.Alert)
}

type Deps struct {
	Rules     ruleset.Source
	Cooldowns CooldownStore
	Alerts    alerts.Store
	Notifier  Notifier
	Events    Publisher
	Recorder  *telemetry.Recorder
	// Now is the evaluation clock. Cooldowns are measured on it, not on
	// sample timestamps.
	Now func() time.Time
}

// Evaluator checks every sample against the enabled rules of its metric
// type. Per (rule, entity) the state moves IDLE -> BREACHED -> COOLING_DOWN
// -> IDLE; the cooldown store holds COOLING_DOWN.
type Evaluator struct {
	deps Deps
	wg   conc.WaitGroup
}

func New(deps Deps) *Evaluator {
	if deps.Cooldowns == nil {
		deps.Cooldowns = NewMemCooldown()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Evaluator{deps: deps}
}

// Evaluate returns the alerts fired by s. Notification dispatch continues in
// the background; Wait blocks until it is done.
func (e *Evaluator) Evaluate(ctx context.Context, s model.MetricSample) []*model.Alert {
	var fired []*model.Alert
	for _, r := range e.deps.Rules.RulesFor(ctx, s.MetricType) {
		if !r.Matches(s.MetricType, s.EntityKey) || !r.Condition.Evaluate(s.Value, r.Threshold) {
			continue
		}
		if a := e.fire(ctx, r, s); a != nil {
			fired = append(fired, a)
		}
	}
	return fired
}

func (e *Evaluator) fire(ctx context.Context, cached *model.AlertRule, s model.MetricSample) *model.Alert {
	rule, err := e.deps.Rules.Current(ctx, cached.ID)
	if err != nil {
		log.Warn().Err(err).Str("ruleId", cached.ID).Msg("rule re-check failed, using cached rule")
		rule = cached
	}
	if rule == nil || !rule.Matches(s.MetricType, s.EntityKey) || !rule.Condition.Evaluate(s.Value, rule.Threshold) {
		log.Debug().Str("ruleId", cached.ID).Msg("breach discarded, rule changed or removed")
		return nil
	}

	now := e.deps.Now().UTC()
	key := CooldownKey(rule.ID, s.EntityKey)
	ok, err := e.deps.Cooldowns.TryAcquire(ctx, key, now, rule.Cooldown())
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("cooldown check failed, breach not fired")
		return nil
	}
	if !ok {
		e.deps.Recorder.AlertSuppressed()
		return nil
	}

	a := &model.Alert{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Severity:     rule.Severity,
		MetricType:   s.MetricType,
		EntityKey:    s.EntityKey,
		Condition:    rule.Condition,
		CurrentValue: s.Value,
		Threshold:    rule.Threshold,
		FiredAt:      now,
	}
	// an alert that could not be stored is not announced; the cooldown slot
	// stays taken
	if err := e.deps.Alerts.Create(ctx, a); err != nil {
		log.Error().Err(err).Str("alertId", a.ID).Str("ruleId", rule.ID).Msg("persist alert failed, alert dropped")
		return nil
	}
	e.deps.Recorder.AlertFired(string(a.Severity))
	log.Info().Str("alertId", a.ID).Str("ruleId", rule.ID).Str("entityKey", s.EntityKey).
		Float64("value", s.Value).Float64("threshold", rule.Threshold).Str("severity", string(a.Severity)).
		Msg("alert fired")

	if e.deps.Events != nil {
		e.deps.Events.AlertCreated(a)
	}
	if e.deps.Notifier != nil && len(rule.NotificationChannels) > 0 {
		channels := append([]string(nil), rule.NotificationChannels...)
		alertCopy := *a
		e.wg.Go(func() {
			statuses := e.deps.Notifier.Dispatch(context.Background(), &alertCopy, channels)
			if err := e.deps.Alerts.RecordNotifications(context.Background(), alertCopy.ID, statuses); err != nil {
				log.Error().Err(err).Str("alertId", alertCopy.ID).Msg("record notification status failed")
			}
		})
	}
	return a
}

// Wait blocks until in-flight notification dispatches finish.
func (e *Evaluator) Wait() { e.wg.Wait() }
