package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/database"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// PgStore keeps alerts and their per-channel notification status in PostgreSQL.
type PgStore struct {
	DB *database.Database
}

func NewPgStore(db *database.Database) *PgStore { return &PgStore{DB: db} }

const alertSelect = `
	SELECT a.id, a.rule_id, a.rule_name, a.severity, a.metric_type, a.entity_key, a.condition,
		a.current_value, a.threshold, a.fired_at, a.acknowledged, a.acknowledged_at, a.resolved, a.resolved_at,
		COALESCE(json_agg(json_build_object('channel', n.channel, 'notified', n.notified, 'error', n.error, 'at', n.at)
			ORDER BY n.channel) FILTER (WHERE n.alert_id IS NOT NULL), '[]')
	FROM alerts a
	LEFT JOIN alert_notifications n ON n.alert_id = a.id
`

func (s *PgStore) Create(ctx context.Context, a *model.Alert) error {
	const q = `
	INSERT INTO alerts(id, rule_id, rule_name, severity, metric_type, entity_key, condition,
		current_value, threshold, fired_at, acknowledged, resolved)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, false)
	`
	_, err := s.DB.ExecContext(ctx, q, a.ID, a.RuleID, a.RuleName, string(a.Severity), a.MetricType,
		a.EntityKey, string(a.Condition), a.CurrentValue, a.Threshold, a.FiredAt)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*model.Alert, error) {
	q := alertSelect + ` WHERE a.id = $1 GROUP BY a.id`
	a, err := scanAlert(s.DB.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "alert", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *PgStore) ListActive(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	var ack, limit any
	if f.Acknowledged != nil {
		ack = *f.Acknowledged
	}
	if f.Limit > 0 {
		limit = f.Limit
	}
	q := alertSelect + `
	WHERE NOT a.resolved AND ($1 = '' OR a.severity = $1) AND ($2::boolean IS NULL OR a.acknowledged = $2)
	GROUP BY a.id
	ORDER BY a.fired_at DESC, a.id
	LIMIT $3`
	rows, err := s.DB.QueryContext(ctx, q, string(f.Severity), ack, limit)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()
	out := make([]*model.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func (s *PgStore) Acknowledge(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error) {
	return s.transition(ctx, id,
		`UPDATE alerts SET acknowledged = true, acknowledged_at = $2 WHERE id = $1 AND NOT acknowledged`, at)
}

func (s *PgStore) Resolve(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error) {
	return s.transition(ctx, id,
		`UPDATE alerts SET resolved = true, resolved_at = $2 WHERE id = $1 AND NOT resolved`, at)
}

// transition runs a guarded UPDATE; zero affected rows means the alert is
// unknown or already in the target state.
func (s *PgStore) transition(ctx context.Context, id, q string, at time.Time) (*model.Alert, bool, error) {
	res, err := s.DB.ExecContext(ctx, q, id, at)
	if err != nil {
		return nil, false, fmt.Errorf("update alert: %w", err)
	}
	n, _ := res.RowsAffected()
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, n > 0, nil
}

func (s *PgStore) RecordNotifications(ctx context.Context, id string, statuses []model.ChannelStatus) error {
	const q = `
	INSERT INTO alert_notifications(alert_id, channel, notified, error, at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (alert_id, channel) DO UPDATE SET
		notified = EXCLUDED.notified, error = EXCLUDED.error, at = EXCLUDED.at
	`
	return s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		for _, st := range statuses {
			if _, err := tx.ExecContext(ctx, q, id, st.Channel, st.Notified, st.Error, st.At); err != nil {
				return fmt.Errorf("record notification %s: %w", st.Channel, err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var a model.Alert
	var sev, cond string
	var ackAt, resAt sql.NullTime
	var notes []byte
	if err := row.Scan(&a.ID, &a.RuleID, &a.RuleName, &sev, &a.MetricType, &a.EntityKey, &cond,
		&a.CurrentValue, &a.Threshold, &a.FiredAt, &a.Acknowledged, &ackAt, &a.Resolved, &resAt, &notes); err != nil {
		return nil, err
	}
	a.Severity = model.Severity(sev)
	a.Condition = model.Condition(cond)
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	if resAt.Valid {
		t := resAt.Time
		a.ResolvedAt = &t
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &a.Notifications); err != nil {
			return nil, fmt.Errorf("decode notifications: %w", err)
		}
		if len(a.Notifications) == 0 {
			a.Notifications = nil
		}
	}
	return &a, nil
}
