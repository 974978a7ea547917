package ruleset

import (
	"context"
	"fmt"
	"os"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RulesFile is the layout of the bootstrap YAML file:
//
//	rules:
//	  - ruleId: high-latency
//	    name: High agent latency
//	    metricType: agent_response_time
//	    condition: greater_than
//	    threshold: 5000
//	    severity: high
//	    notificationChannels: [ops-mail]
type RulesFile struct {
	Rules []RuleInput `yaml:"rules"`
}

// LoadRulesFile parses a bootstrap file without touching the store.
func LoadRulesFile(path string) ([]RuleInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return f.Rules, nil
}

// Bootstrap creates the rules of a file and returns how many were new. Every
// entry needs a ruleId and existing ids are left untouched. An invalid entry
// fails the whole load before anything is written.
func (m *Manager) Bootstrap(ctx context.Context, path string) (int, error) {
	inputs, err := LoadRulesFile(path)
	if err != nil {
		return 0, err
	}
	for i, in := range inputs {
		if in.ID == "" {
			return 0, fmt.Errorf("rules file entry %d: ruleId is required", i)
		}
		if _, err := m.build(in); err != nil {
			return 0, fmt.Errorf("rules file entry %d: %w", i, err)
		}
	}

	created := 0
	for _, in := range inputs {
		_, err := m.store.GetRule(ctx, in.ID)
		if err == nil {
			log.Debug().Str("ruleId", in.ID).Msg("bootstrap rule exists, skipped")
			continue
		}
		if !model.IsNotFound(err) {
			return created, err
		}
		if _, err := m.CreateRule(ctx, in); err != nil {
			return created, err
		}
		created++
	}
	log.Info().Str("path", path).Int("created", created).Int("total", len(inputs)).Msg("alert rules bootstrapped")
	return created, nil
}
