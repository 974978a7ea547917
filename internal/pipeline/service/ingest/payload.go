package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// Kind is the schema of one typed payload.
type Kind struct {
	Name        string
	Path        string
	EntityField string
	// Metrics maps payload keys to metric types. Nil accepts any key
	// matching customMetricKey under its own name.
	Metrics map[string]string
}

var (
	KindAgent = Kind{
		Name:        "agent_metrics",
		Path:        "agent",
		EntityField: "agentType",
		Metrics: map[string]string{
			"responseTime": "agent_response_time",
			"successRate":  "agent_success_rate",
			"tokenUsage":   "agent_token_usage",
			"errorCount":   "agent_error_count",
			"memoryUsage":  "agent_memory_usage",
			"cpuUsage":     "agent_cpu_usage",
		},
	}
	KindApp = Kind{
		Name:        "app_metrics",
		Path:        "app",
		EntityField: "service",
		Metrics: map[string]string{
			"responseTime": "app_response_time",
			"errorRate":    "app_error_rate",
			"throughput":   "app_throughput",
			"memoryUsage":  "app_memory_usage",
			"cpuUsage":     "app_cpu_usage",
		},
	}
	KindWebVitals = Kind{
		Name:        "core_web_vitals",
		Path:        "core-web-vitals",
		EntityField: "url",
		Metrics: map[string]string{
			"lcp":  "cwv_lcp",
			"fid":  "cwv_fid",
			"cls":  "cwv_cls",
			"fcp":  "cwv_fcp",
			"ttfb": "cwv_ttfb",
			"tti":  "cwv_tti",
			"inp":  "cwv_inp",
		},
	}
	KindBundle = Kind{
		Name:        "bundle_size",
		Path:        "bundle-size",
		EntityField: "bundleName",
		Metrics: map[string]string{
			"size":       "bundle_size_bytes",
			"gzipSize":   "bundle_gzip_bytes",
			"chunkCount": "bundle_chunk_count",
		},
	}
	KindCustom = Kind{
		Name:        "custom",
		Path:        "custom",
		EntityField: "entityKey",
	}

	Kinds = []Kind{KindAgent, KindApp, KindWebVitals, KindBundle, KindCustom}
)

var customMetricKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// KindByPath resolves the trailing segment of /metrics/<path>.
func KindByPath(path string) (Kind, bool) {
	for _, k := range Kinds {
		if k.Path == path {
			return k, true
		}
	}
	return Kind{}, false
}

// Payload is the wire form shared by all kinds. Only the entity field named
// by the Kind is read.
type Payload struct {
	AgentType  string             `json:"agentType"`
	Service    string             `json:"service"`
	URL        string             `json:"url"`
	BundleName string             `json:"bundleName"`
	EntityKey  string             `json:"entityKey"`
	Timestamp  string             `json:"timestamp"`
	SessionID  string             `json:"sessionId" validate:"max=128"`
	Tags       map[string]string  `json:"tags" validate:"max=32,dive,keys,required,max=64,endkeys,max=256"`
	Metrics    map[string]float64 `json:"metrics" validate:"required,min=1,max=64"`
}

func (p *Payload) entity(field string) string {
	switch field {
	case "agentType":
		return p.AgentType
	case "service":
		return p.Service
	case "url":
		return p.URL
	case "bundleName":
		return p.BundleName
	default:
		return p.EntityKey
	}
}

// Parser validates payloads and normalizes them into samples.
type Parser struct {
	validate      *validator.Validate
	maxFutureSkew time.Duration
	maxBatch      int
}

func NewParser(maxFutureSkew time.Duration, maxBatch int) *Parser {
	if maxFutureSkew <= 0 {
		maxFutureSkew = 24 * time.Hour
	}
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return &Parser{validate: v, maxFutureSkew: maxFutureSkew, maxBatch: maxBatch}
}

// Parse decodes a single payload object or an array of them. receivedAt
// stamps payloads without a timestamp. Any invalid payload rejects the
// whole body.
func (p *Parser) Parse(kind Kind, body []byte, receivedAt time.Time) ([]model.MetricSample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, &model.ValidationError{Field: "body", Message: "empty request body"}
	}
	var payloads []Payload
	if body[0] == '[' {
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, &model.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
		}
		if len(payloads) == 0 {
			return nil, &model.ValidationError{Field: "body", Message: "empty batch"}
		}
		if len(payloads) > p.maxBatch {
			return nil, &model.ValidationError{Field: "body", Message: fmt.Sprintf("batch of %d exceeds limit %d", len(payloads), p.maxBatch)}
		}
	} else {
		var one Payload
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, &model.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
		}
		payloads = []Payload{one}
	}

	var out []model.MetricSample
	for i := range payloads {
		samples, err := p.normalize(kind, &payloads[i], receivedAt)
		if err != nil {
			if len(payloads) > 1 {
				return nil, fmt.Errorf("payload %d: %w", i, err)
			}
			return nil, err
		}
		out = append(out, samples...)
	}
	return out, nil
}

func (p *Parser) normalize(kind Kind, pl *Payload, receivedAt time.Time) ([]model.MetricSample, error) {
	if err := p.validate.Struct(pl); err != nil {
		return nil, toValidationError(err)
	}
	entity := strings.TrimSpace(pl.entity(kind.EntityField))
	if entity == "" {
		return nil, &model.ValidationError{Field: kind.EntityField, Message: "is required"}
	}
	if len(entity) > 512 {
		return nil, &model.ValidationError{Field: kind.EntityField, Message: "exceeds 512 characters"}
	}

	ts := receivedAt.UTC()
	if pl.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, pl.Timestamp)
		if err != nil {
			return nil, &model.ValidationError{Field: "timestamp", Message: "must be an RFC3339 timestamp"}
		}
		if parsed.Sub(receivedAt) > p.maxFutureSkew {
			return nil, &model.ValidationError{Field: "timestamp", Message: fmt.Sprintf("more than %s in the future", p.maxFutureSkew)}
		}
		ts = parsed.UTC()
	}

	var tags map[string]string
	if len(pl.Tags) > 0 || pl.SessionID != "" {
		tags = make(map[string]string, len(pl.Tags)+1)
		for k, v := range pl.Tags {
			tags[k] = v
		}
		if pl.SessionID != "" {
			tags["sessionId"] = pl.SessionID
		}
	}

	keys := make([]string, 0, len(pl.Metrics))
	for k := range pl.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.MetricSample, 0, len(keys))
	for _, k := range keys {
		v := pl.Metrics[k]
		metricType, err := kind.metricType(k)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &model.ValidationError{Field: "metrics." + k, Message: "must be a finite number"}
		}
		out = append(out, model.MetricSample{
			MetricType: metricType,
			EntityKey:  entity,
			Timestamp:  ts,
			Value:      v,
			Tags:       tags,
		})
	}
	return out, nil
}

func (k Kind) metricType(key string) (string, error) {
	if k.Metrics == nil {
		if !customMetricKey.MatchString(key) || len(key) > 128 {
			return "", &model.ValidationError{Field: "metrics." + key, Message: "invalid metric name"}
		}
		if model.CategoryOf(key) != model.CategoryCustom {
			return "", &model.ValidationError{Field: "metrics." + key, Message: "metric name uses a reserved prefix (agent_, app_, cwv_, bundle_)"}
		}
		return key, nil
	}
	mt, ok := k.Metrics[key]
	if !ok {
		return "", &model.ValidationError{Field: "metrics." + key, Message: fmt.Sprintf("unknown metric for %s", k.Name)}
	}
	return mt, nil
}

func toValidationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "Payload.")
		return &model.ValidationError{Field: field, Message: fmt.Sprintf("failed on '%s' validation", fe.Tag())}
	}
	return &model.ValidationError{Message: err.Error()}
}
