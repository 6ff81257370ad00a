package fields

import (
	"reflect"
	"testing"
)

func TestDeepMergeDisjointKeys(t *testing.T) {
	got := DeepMerge(map[string]any{"a": 1}, map[string]any{"b": 2})
	want := map[string]any{"a": 1, "b": 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestDeepMergeNestedMaps(t *testing.T) {
	dst := map[string]any{"cfg": map[string]any{"retries": 3, "region": "eu"}}
	src := map[string]any{"cfg": map[string]any{"region": "us"}}
	got := DeepMerge(dst, src)
	cfg := got["cfg"].(map[string]any)
	if cfg["retries"] != 3 || cfg["region"] != "us" {
		t.Fatalf("nested merge wrong: %v", cfg)
	}
}

func TestDeepMergeScalarOverwritesMap(t *testing.T) {
	got := DeepMerge(map[string]any{"k": map[string]any{"a": 1}}, map[string]any{"k": "flat"})
	if got["k"] != "flat" {
		t.Fatalf("expected overwrite, got %v", got["k"])
	}
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	dst := map[string]any{"cfg": map[string]any{"a": 1}}
	src := map[string]any{"cfg": map[string]any{"b": 2}}
	_ = DeepMerge(dst, src)
	if _, ok := dst["cfg"].(map[string]any)["b"]; ok {
		t.Fatal("dst was mutated")
	}
}
