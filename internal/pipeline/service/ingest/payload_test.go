package ingest

import (
	"testing"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParse_AgentPayload(t *testing.T) {
	p := NewParser(24*time.Hour, 10)
	body := `{"agentType":"component-developer","sessionId":"s-1","tags":{"env":"prod"},
		"metrics":{"responseTime":6000,"tokenUsage":1200}}`

	samples, err := p.Parse(KindAgent, []byte(body), received)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "agent_response_time", samples[0].MetricType)
	assert.Equal(t, 6000.0, samples[0].Value)
	assert.Equal(t, "agent_token_usage", samples[1].MetricType)
	for _, s := range samples {
		assert.Equal(t, "component-developer", s.EntityKey)
		assert.Equal(t, received, s.Timestamp)
		assert.Equal(t, "prod", s.Tags["env"])
		assert.Equal(t, "s-1", s.Tags["sessionId"])
	}
}

func TestParse_BatchAndExplicitTimestamp(t *testing.T) {
	p := NewParser(24*time.Hour, 10)
	body := `[
		{"url":"https://example.com/","timestamp":"2026-03-01T11:59:00Z","metrics":{"lcp":2100.5,"cls":0.02}},
		{"url":"https://example.com/docs","metrics":{"inp":180}}
	]`
	samples, err := p.Parse(KindWebVitals, []byte(body), received)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, "cwv_cls", samples[0].MetricType)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC), samples[0].Timestamp)
	assert.Equal(t, "cwv_inp", samples[2].MetricType)
	assert.Equal(t, received, samples[2].Timestamp)
	assert.Nil(t, samples[2].Tags)
}

func TestParse_Custom(t *testing.T) {
	p := NewParser(0, 0)
	samples, err := p.Parse(KindCustom, []byte(`{"entityKey":"billing","metrics":{"queue_depth":12}}`), received)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "queue_depth", samples[0].MetricType)
	assert.Equal(t, model.CategoryCustom, model.CategoryOf(samples[0].MetricType))

	_, err = p.Parse(KindCustom, []byte(`{"entityKey":"billing","metrics":{"9lives":1}}`), received)
	assert.True(t, model.IsValidation(err))

	for _, key := range []string{"agent_response_time", "app_error_rate", "cwv_lcp", "bundle_size_bytes"} {
		_, err = p.Parse(KindCustom, []byte(`{"entityKey":"billing","metrics":{"`+key+`":1}}`), received)
		assert.True(t, model.IsValidation(err), key)
	}
	// a batch with one reserved key is rejected whole
	_, err = p.Parse(KindCustom, []byte(`[{"entityKey":"billing","metrics":{"queue_depth":1}},{"entityKey":"billing","metrics":{"cwv_lcp":1}}]`), received)
	assert.True(t, model.IsValidation(err))
}

func TestParse_Rejects(t *testing.T) {
	p := NewParser(24*time.Hour, 2)
	cases := map[string]struct {
		kind Kind
		body string
	}{
		"empty body":       {KindAgent, ``},
		"malformed":        {KindAgent, `{"agentType":`},
		"missing entity":   {KindAgent, `{"metrics":{"responseTime":1}}`},
		"no metrics":       {KindAgent, `{"agentType":"x","metrics":{}}`},
		"unknown metric":   {KindAgent, `{"agentType":"x","metrics":{"lcp":1}}`},
		"non-numeric":      {KindApp, `{"service":"api","metrics":{"errorRate":"high"}}`},
		"bad timestamp":    {KindApp, `{"service":"api","timestamp":"yesterday","metrics":{"errorRate":1}}`},
		"future timestamp": {KindApp, `{"service":"api","timestamp":"2026-03-03T12:00:00Z","metrics":{"errorRate":1}}`},
		"empty batch":      {KindBundle, `[]`},
		"batch too large":  {KindBundle, `[{"bundleName":"a","metrics":{"size":1}},{"bundleName":"b","metrics":{"size":1}},{"bundleName":"c","metrics":{"size":1}}]`},
		"one bad in batch": {KindBundle, `[{"bundleName":"a","metrics":{"size":1}},{"bundleName":"b","metrics":{"weight":1}}]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			samples, err := p.Parse(tc.kind, []byte(tc.body), received)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), err.Error())
			assert.Nil(t, samples)
		})
	}
}

func TestKindByPath(t *testing.T) {
	for _, k := range Kinds {
		got, ok := KindByPath(k.Path)
		assert.True(t, ok)
		assert.Equal(t, k.Name, got.Name)
	}
	_, ok := KindByPath("unknown")
	assert.False(t, ok)
}
