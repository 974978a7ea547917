package ruleset

import (
	"reflect"
	"testing"
)

func TestNormalizeMetadata(t *testing.T) {
	alias := map[string]string{"svc": "service"}
	in := map[string]string{" Team ": " perf ", "SVC": " checkout ", "empty": "  "}
	out := NormalizeMetadata(in, alias)
	if out["team"] != "perf" || out["service"] != "checkout" {
		t.Fatalf("unexpected normalize: %#v", out)
	}
	if _, ok := out["empty"]; ok {
		t.Fatalf("empty value should be removed: %#v", out)
	}
	if in["SVC"] != " checkout " {
		t.Fatalf("input must not be mutated: %#v", in)
	}
}

func TestNormalizeChannels(t *testing.T) {
	got := NormalizeChannels([]string{" ops-mail", "", "slack", "ops-mail "})
	want := []string{"ops-mail", "slack"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCanonicalKey(t *testing.T) {
	key1 := CanonicalKey(map[string]string{"b": "2", "a": "1"})
	key2 := CanonicalKey(map[string]string{"a": "1", "b": "2"})
	if key1 != key2 || key1 != "a=1|b=2" {
		t.Fatalf("keys should be equal: %s vs %s", key1, key2)
	}
	if CanonicalKey(nil) != "{}" {
		t.Fatalf("empty map key: %s", CanonicalKey(nil))
	}
}
