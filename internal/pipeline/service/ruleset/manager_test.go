package ruleset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

func ptr[T any](v T) *T { return &v }

func validInput() RuleInput {
	return RuleInput{
		Name:                 "High agent latency",
		MetricType:           "agent_response_time",
		Condition:            model.ConditionGreaterThan,
		Threshold:            ptr(5000.0),
		Severity:             model.SeverityHigh,
		NotificationChannels: []string{"ops-mail"},
	}
}

func newTestManager() (*Manager, *MemStore, *Cache) {
	store := NewMemStore()
	cache := NewCache(store, time.Minute)
	mgr := NewManager(store, cache, ManagerOptions{DefaultCooldownSeconds: 300})
	return mgr, store, cache
}

func TestManager_CreateAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestManager()

	r, err := mgr.CreateRule(ctx, validInput())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r.ID == "" || !r.Enabled || r.CooldownSeconds != 300 {
		t.Fatalf("defaults not applied: %#v", r)
	}
	if r.CreatedAt.IsZero() || !r.CreatedAt.Equal(r.UpdatedAt) {
		t.Fatalf("timestamps not stamped: %#v", r)
	}
	if _, err := store.GetRule(ctx, r.ID); err != nil {
		t.Fatalf("rule not persisted: %v", err)
	}

	in := validInput()
	in.CooldownSeconds = ptr(0)
	in.Enabled = ptr(false)
	r2, err := mgr.CreateRule(ctx, in)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r2.CooldownSeconds != 0 || r2.Enabled {
		t.Fatalf("explicit zero values must be kept: %#v", r2)
	}
}

func TestManager_RejectsInvalidRules(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager()

	cases := map[string]func(*RuleInput){
		"missing name":      func(in *RuleInput) { in.Name = " " },
		"missing metric":    func(in *RuleInput) { in.MetricType = "" },
		"bad condition":     func(in *RuleInput) { in.Condition = "between" },
		"bad severity":      func(in *RuleInput) { in.Severity = "P0" },
		"missing threshold": func(in *RuleInput) { in.Threshold = nil },
		"negative cooldown": func(in *RuleInput) { in.CooldownSeconds = ptr(-1) },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		if _, err := mgr.CreateRule(ctx, in); !model.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestManager_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	mgr, _, cache := newTestManager()

	r, err := mgr.CreateRule(ctx, validInput())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if got := cache.RulesFor(ctx, "agent_response_time"); len(got) != 1 {
		t.Fatalf("cache should see created rule, got %d", len(got))
	}

	in := validInput()
	in.Threshold = ptr(8000.0)
	in.Enabled = ptr(false)
	updated, err := mgr.UpdateRule(ctx, r.ID, in)
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if updated.Threshold != 8000 || !updated.CreatedAt.Equal(r.CreatedAt) {
		t.Fatalf("unexpected update result: %#v", updated)
	}
	if got := cache.RulesFor(ctx, "agent_response_time"); len(got) != 0 {
		t.Fatalf("disabled rule must leave the cache, got %d", len(got))
	}

	if _, err := mgr.UpdateRule(ctx, "missing", validInput()); !model.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mgr.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if err := mgr.DeleteRule(ctx, r.ID); !model.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestManager_NormalizesInput(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	mgr := NewManager(store, nil, ManagerOptions{AliasMap: map[string]string{"svc": "service"}})

	in := validInput()
	in.Condition = " Greater_Than "
	in.Severity = "HIGH"
	in.Metadata = map[string]string{"SVC": " checkout "}
	in.NotificationChannels = []string{"ops-mail", " ops-mail", ""}
	r, err := mgr.CreateRule(ctx, in)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r.Condition != model.ConditionGreaterThan || r.Severity != model.SeverityHigh {
		t.Fatalf("enums not normalized: %#v", r)
	}
	if r.Metadata["service"] != "checkout" || len(r.NotificationChannels) != 1 {
		t.Fatalf("metadata/channels not normalized: %#v", r)
	}
}

func TestCache_CurrentSeesDeletes(t *testing.T) {
	ctx := context.Background()
	mgr, store, cache := newTestManager()
	r, err := mgr.CreateRule(ctx, validInput())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	cache.RulesFor(ctx, r.MetricType)

	// delete behind the cache's back, as another replica would
	if err := store.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := cache.RulesFor(ctx, r.MetricType); len(got) != 1 {
		t.Fatalf("cache is allowed to be stale within ttl, got %d", len(got))
	}
	cur, err := cache.Current(ctx, r.ID)
	if err != nil || cur != nil {
		t.Fatalf("Current must see the delete: %#v %v", cur, err)
	}
}

func TestManager_Bootstrap(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestManager()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	body := `
rules:
  - ruleId: high-latency
    name: High agent latency
    metricType: agent_response_time
    condition: greater_than
    threshold: 5000
    severity: high
    notificationChannels: [ops-mail]
  - ruleId: low-success
    name: Low success rate
    metricType: agent_success_rate
    condition: less_than
    threshold: 0.95
    cooldownSeconds: 60
    severity: medium
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	n, err := mgr.Bootstrap(ctx, path)
	if err != nil || n != 2 {
		t.Fatalf("bootstrap: n=%d err=%v", n, err)
	}
	r, err := store.GetRule(ctx, "low-success")
	if err != nil || r.CooldownSeconds != 60 || r.Threshold != 0.95 {
		t.Fatalf("unexpected bootstrapped rule: %#v %v", r, err)
	}

	// existing ids are not overwritten
	in := validInput()
	in.Threshold = ptr(9999.0)
	if _, err := mgr.UpdateRule(ctx, "high-latency", in); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, err = mgr.Bootstrap(ctx, path)
	if err != nil || n != 0 {
		t.Fatalf("second bootstrap: n=%d err=%v", n, err)
	}
	r, _ = store.GetRule(ctx, "high-latency")
	if r.Threshold != 9999 {
		t.Fatalf("bootstrap overwrote an existing rule: %#v", r)
	}
}
