package ruleset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qiniu/perfpulse/internal/pipeline/database"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// PgStore is a PostgreSQL-backed Store on the database/sql wrapper.
type PgStore struct {
	DB *database.Database
}

func NewPgStore(db *database.Database) *PgStore { return &PgStore{DB: db} }

const ruleColumns = `id, name, enabled, metric_type, entity_scope, condition, threshold,
	cooldown_seconds, severity, notification_channels, metadata, created_at, updated_at`

func (s *PgStore) CreateRule(ctx context.Context, r *model.AlertRule) error {
	channels, metadata, err := encodeRuleJSON(r)
	if err != nil {
		return err
	}
	const q = `
	INSERT INTO alert_rules(` + ruleColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13)
	ON CONFLICT (id) DO NOTHING
	`
	res, err := s.DB.ExecContext(ctx, q, r.ID, r.Name, r.Enabled, r.MetricType, r.EntityScope,
		string(r.Condition), r.Threshold, r.CooldownSeconds, string(r.Severity), channels, metadata,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.ValidationError{Field: "ruleId", Message: "already exists"}
	}
	return nil
}

func (s *PgStore) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = $1`
	r, err := scanRule(s.DB.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "rule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *PgStore) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	channels, metadata, err := encodeRuleJSON(r)
	if err != nil {
		return err
	}
	const q = `
	UPDATE alert_rules SET name=$2, enabled=$3, metric_type=$4, entity_scope=$5, condition=$6,
		threshold=$7, cooldown_seconds=$8, severity=$9, notification_channels=$10::jsonb,
		metadata=$11::jsonb, updated_at=$12
	WHERE id=$1
	`
	res, err := s.DB.ExecContext(ctx, q, r.ID, r.Name, r.Enabled, r.MetricType, r.EntityScope,
		string(r.Condition), r.Threshold, r.CooldownSeconds, string(r.Severity), channels, metadata, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "rule", ID: r.ID}
	}
	return nil
}

func (s *PgStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM alert_rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "rule", ID: id}
	}
	return nil
}

func (s *PgStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []*model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*model.AlertRule, error) {
	var r model.AlertRule
	var cond, sev string
	var channels, metadata []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Enabled, &r.MetricType, &r.EntityScope, &cond, &r.Threshold,
		&r.CooldownSeconds, &sev, &channels, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Condition = model.Condition(cond)
	r.Severity = model.Severity(sev)
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &r.NotificationChannels); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &r, nil
}

func encodeRuleJSON(r *model.AlertRule) (string, string, error) {
	channels := r.NotificationChannels
	if channels == nil {
		channels = []string{}
	}
	c, err := json.Marshal(channels)
	if err != nil {
		return "", "", fmt.Errorf("encode channels: %w", err)
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	m, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(c), string(m), nil
}
