package ruleset

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

type ManagerOptions struct {
	DefaultCooldownSeconds int
	// AliasMap canonicalizes metadata keys, e.g. "svc" -> "service".
	AliasMap map[string]string
	Now      func() time.Time
}

// Manager validates rules and persists them through a Store. Writes
// invalidate the attached cache so the local evaluator sees them on its next
// lookup.
type Manager struct {
	store    Store
	cache    *Cache
	validate *validator.Validate
	opts     ManagerOptions
}

func NewManager(store Store, cache *Cache, opts ManagerOptions) *Manager {
	if opts.AliasMap == nil {
		opts.AliasMap = map[string]string{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultCooldownSeconds < 0 {
		opts.DefaultCooldownSeconds = 0
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Manager{store: store, cache: cache, validate: v, opts: opts}
}

func (m *Manager) CreateRule(ctx context.Context, in RuleInput) (*model.AlertRule, error) {
	r, err := m.build(in)
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := m.opts.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := m.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	m.invalidate()
	log.Info().Str("ruleId", r.ID).Str("metricType", r.MetricType).Str("severity", string(r.Severity)).
		Str("metadata", CanonicalKey(r.Metadata)).Msg("alert rule created")
	return cloneRule(r), nil
}

// UpdateRule replaces a rule. Omitted optional fields take their defaults, as on create.
func (m *Manager) UpdateRule(ctx context.Context, id string, in RuleInput) (*model.AlertRule, error) {
	old, err := m.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := m.build(in)
	if err != nil {
		return nil, err
	}
	r.ID = id
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = m.opts.Now().UTC()
	if err := m.store.UpdateRule(ctx, r); err != nil {
		return nil, err
	}
	m.invalidate()
	log.Info().Str("ruleId", id).Bool("enabled", r.Enabled).Float64("threshold", r.Threshold).
		Str("metadata", CanonicalKey(r.Metadata)).Msg("alert rule updated")
	return cloneRule(r), nil
}

func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &model.ValidationError{Field: "ruleId", Message: "is required"}
	}
	if err := m.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	m.invalidate()
	log.Info().Str("ruleId", id).Msg("alert rule deleted")
	return nil
}

func (m *Manager) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	return m.store.GetRule(ctx, id)
}

func (m *Manager) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	return m.store.ListRules(ctx)
}

func (m *Manager) invalidate() {
	if m.cache != nil {
		m.cache.Invalidate()
	}
}

// build normalizes and validates an input into a rule without id or timestamps.
func (m *Manager) build(in RuleInput) (*model.AlertRule, error) {
	r := &model.AlertRule{
		ID:                   strings.TrimSpace(in.ID),
		Name:                 strings.TrimSpace(in.Name),
		Enabled:              true,
		MetricType:           strings.TrimSpace(in.MetricType),
		EntityScope:          strings.TrimSpace(in.EntityScope),
		Condition:            model.Condition(strings.ToLower(strings.TrimSpace(string(in.Condition)))),
		CooldownSeconds:      m.opts.DefaultCooldownSeconds,
		Severity:             model.Severity(strings.ToLower(strings.TrimSpace(string(in.Severity)))),
		NotificationChannels: NormalizeChannels(in.NotificationChannels),
		Metadata:             NormalizeMetadata(in.Metadata, m.opts.AliasMap),
	}
	if in.Enabled != nil {
		r.Enabled = *in.Enabled
	}
	if in.CooldownSeconds != nil {
		r.CooldownSeconds = *in.CooldownSeconds
	}
	if in.Threshold == nil {
		return nil, &model.ValidationError{Field: "threshold", Message: "is required"}
	}
	r.Threshold = *in.Threshold
	if err := m.validateRule(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Manager) validateRule(r *model.AlertRule) error {
	if err := m.validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &model.ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed on '%s' validation", fe.Tag())}
		}
		return &model.ValidationError{Message: err.Error()}
	}
	if !r.Condition.Valid() {
		return &model.ValidationError{Field: "condition", Message: fmt.Sprintf("unsupported condition %q", r.Condition)}
	}
	if !r.Severity.Valid() {
		return &model.ValidationError{Field: "severity", Message: fmt.Sprintf("unsupported severity %q", r.Severity)}
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return &model.ValidationError{Field: "threshold", Message: "must be a finite number"}
	}
	return nil
}
