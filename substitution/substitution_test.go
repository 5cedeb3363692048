package substitution_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/substitution"
)

func TestWholeValueSubstitutionPreservesType(t *testing.T) {
	depId := uuid.New()
	params := map[string]any{
		"count": "${" + depId.String() + ".total}",
	}
	results := map[uuid.UUID]map[string]any{
		depId: {"total": 42},
	}

	out, err := substitution.Resolve(params, results)
	if err != nil {
		t.Fatal(err)
	}
	if out["count"] != 42 {
		t.Fatalf("expected int 42 preserved, got %#v", out["count"])
	}
}

func TestSubstringSubstitutionStringifies(t *testing.T) {
	depId := uuid.New()
	params := map[string]any{
		"message": "total is ${" + depId.String() + ".total} items",
	}
	results := map[uuid.UUID]map[string]any{
		depId: {"total": 42},
	}

	out, err := substitution.Resolve(params, results)
	if err != nil {
		t.Fatal(err)
	}
	if out["message"] != "total is 42 items" {
		t.Fatalf("unexpected result: %v", out["message"])
	}
}

func TestNestedIndexPath(t *testing.T) {
	depId := uuid.New()
	params := map[string]any{
		"name": "${" + depId.String() + ".items[1].name}",
	}
	results := map[uuid.UUID]map[string]any{
		depId: {"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		}},
	}

	out, err := substitution.Resolve(params, results)
	if err != nil {
		t.Fatal(err)
	}
	if out["name"] != "second" {
		t.Fatalf("expected %q, got %v", "second", out["name"])
	}
}

func TestDotIntegerIndexPath(t *testing.T) {
	depId := uuid.New()
	params := map[string]any{
		"score": "${" + depId.String() + ".result.items.0.score}",
	}
	results := map[uuid.UUID]map[string]any{
		depId: {"result": map[string]any{
			"items": []any{
				map[string]any{"score": 7},
				map[string]any{"score": 9},
			},
		}},
	}

	out, err := substitution.Resolve(params, results)
	if err != nil {
		t.Fatal(err)
	}
	if out["score"] != 7 {
		t.Fatalf("expected 7, got %#v", out["score"])
	}
}

func TestUnresolvedReferenceErrors(t *testing.T) {
	depId := uuid.New()
	params := map[string]any{"x": "${" + depId.String() + ".missing}"}
	results := map[uuid.UUID]map[string]any{depId: {"total": 1}}

	if _, err := substitution.Resolve(params, results); err == nil {
		t.Fatal("expected an error for a missing path")
	}
}

func TestReferencesCollectsDistinctIds(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	params := map[string]any{
		"x": "${" + a.String() + ".v}",
		"nested": map[string]any{
			"y": "${" + b.String() + ".v} and ${" + a.String() + ".v}",
		},
	}
	refs := substitution.References(params)
	if len(refs) != 2 {
		t.Fatalf("expected 2 distinct references, got %d: %v", len(refs), refs)
	}
}
