package database

import (
	"context"
	"fmt"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

// Migration is one idempotent schema step.
type Migration struct {
	Name       string
	Statements []string
}

// Migrations returns the ordered schema steps for the pipeline tables.
// Every statement is safe to re-run.
func Migrations() []Migration {
	ms := []Migration{{
		Name:       "timescaledb",
		Statements: []string{`CREATE EXTENSION IF NOT EXISTS timescaledb`},
	}}
	for _, c := range model.AllCategories {
		ms = append(ms, sampleTable(string(c)))
	}
	ms = append(ms, Migration{
		Name: "alerting",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS alert_rules (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				metric_type VARCHAR(128) NOT NULL,
				entity_scope VARCHAR(255) NOT NULL DEFAULT '',
				condition VARCHAR(32) NOT NULL,
				threshold DOUBLE PRECISION NOT NULL,
				cooldown_seconds INTEGER NOT NULL DEFAULT 300,
				severity VARCHAR(16) NOT NULL,
				notification_channels JSONB NOT NULL DEFAULT '[]',
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alert_rules_metric ON alert_rules (metric_type) WHERE enabled`,
			`CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				rule_id TEXT NOT NULL,
				rule_name VARCHAR(255) NOT NULL,
				severity VARCHAR(16) NOT NULL,
				metric_type VARCHAR(128) NOT NULL,
				entity_key VARCHAR(255) NOT NULL,
				condition VARCHAR(32) NOT NULL,
				current_value DOUBLE PRECISION NOT NULL,
				threshold DOUBLE PRECISION NOT NULL,
				fired_at TIMESTAMPTZ NOT NULL,
				acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
				acknowledged_at TIMESTAMPTZ,
				resolved BOOLEAN NOT NULL DEFAULT FALSE,
				resolved_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts (fired_at DESC) WHERE NOT resolved`,
			`CREATE TABLE IF NOT EXISTS alert_notifications (
				alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
				channel VARCHAR(128) NOT NULL,
				notified BOOLEAN NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (alert_id, channel)
			)`,
		},
	})
	return ms
}

func sampleTable(table string) Migration {
	return Migration{
		Name: table,
		Statements: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				time TIMESTAMPTZ NOT NULL,
				metric_type VARCHAR(128) NOT NULL,
				entity_key VARCHAR(255) NOT NULL,
				value DOUBLE PRECISION NOT NULL,
				tags JSONB NOT NULL DEFAULT '{}'
			)`, table),
			fmt.Sprintf(`SELECT create_hypertable('%s', 'time', chunk_time_interval => INTERVAL '1 day', if_not_exists => TRUE)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_series ON %s (metric_type, entity_key, time DESC)`, table, table),
			fmt.Sprintf(`ALTER TABLE %s SET (timescaledb.compress, timescaledb.compress_segmentby = 'metric_type, entity_key')`, table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_hourly (
				bucket TIMESTAMPTZ NOT NULL,
				metric_type VARCHAR(128) NOT NULL,
				entity_key VARCHAR(255) NOT NULL,
				avg DOUBLE PRECISION NOT NULL,
				min DOUBLE PRECISION NOT NULL,
				max DOUBLE PRECISION NOT NULL,
				p50 DOUBLE PRECISION NOT NULL,
				p95 DOUBLE PRECISION NOT NULL,
				p99 DOUBLE PRECISION NOT NULL,
				count BIGINT NOT NULL,
				PRIMARY KEY (metric_type, entity_key, bucket)
			)`, table),
		},
	}
}

// Migrate applies every migration in order.
func Migrate(ctx context.Context, db *Database) error {
	for _, m := range Migrations() {
		for _, stmt := range m.Statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", m.Name, err)
			}
		}
		log.Info().Str("migration", m.Name).Msg("migration applied")
	}
	return nil
}
