package registry

import (
	"context"
	"testing"

	"github.com/kea-research/kernel/internal/kerrors"
)

type fakeLookup struct {
	names map[string][]any
}

func (f *fakeLookup) Names() []string {
	out := make([]string, 0, len(f.names))
	for k := range f.names {
		out = append(out, k)
	}
	return out
}

func (f *fakeLookup) FindByName(name string) []any {
	return f.names[name]
}

func newTestRegistry(store ArtifactLookup) *Registry {
	return New(nil, store)
}

func TestWireInputsExactNameMatch(t *testing.T) {
	store := &fakeLookup{names: map[string][]any{
		"url": {"https://example.com"},
	}}
	r := newTestRegistry(store)
	r.RegisterTool(RegisteredTool{
		Name: "fetch_page", ServerName: "scraper_server",
		InputSchema: map[string]any{
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
		},
	})

	wired, err := r.autowirer.WireInputs(context.Background(), "fetch_page", map[string]any{})
	if err != nil {
		t.Fatalf("WireInputs: %v", err)
	}
	if wired["url"] != "https://example.com" {
		t.Fatalf("expected url to be auto-wired, got %v", wired["url"])
	}
}

func TestWireInputsLeavesExplicitArgsUntouched(t *testing.T) {
	store := &fakeLookup{names: map[string][]any{
		"query": {"from the store"},
	}}
	r := newTestRegistry(store)
	r.RegisterTool(RegisteredTool{
		Name: "search", ServerName: "search_server",
		InputSchema: map[string]any{
			"required":   []any{"query"},
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
		},
	})

	wired, err := r.autowirer.WireInputs(context.Background(), "search", map[string]any{"query": "explicit"})
	if err != nil {
		t.Fatalf("WireInputs: %v", err)
	}
	if wired["query"] != "explicit" {
		t.Fatalf("explicit arg was overwritten: %v", wired["query"])
	}
}

func TestWireInputsBelowThresholdFailsPreCall(t *testing.T) {
	store := &fakeLookup{names: map[string][]any{
		"unrelated_thing": {42},
	}}
	r := newTestRegistry(store)
	r.RegisterTool(RegisteredTool{
		Name: "analyze", ServerName: "analysis_server",
		InputSchema: map[string]any{
			"required":   []any{"document_id"},
			"properties": map[string]any{"document_id": map[string]any{"type": "string"}},
		},
	})

	_, err := r.autowirer.WireInputs(context.Background(), "analyze", map[string]any{})
	if err == nil {
		t.Fatal("expected WireInputs to fail pre-call when no candidate resolves a required argument")
	}
	if kerrors.KindOf(err) != kerrors.KindPermanent {
		t.Fatalf("expected kind=permanent, got %v", kerrors.KindOf(err))
	}
}

func TestFindBestMatchScoring(t *testing.T) {
	candidates := []wiringCandidate{
		{key: "url", value: "https://a"},
		{key: "image_url", value: "https://b"},
		{key: "count", value: 3},
	}

	exact := findBestMatch("url", "string", candidates)
	if exact == nil || exact.key != "url" {
		t.Fatalf("expected exact match on url, got %+v", exact)
	}

	substr := findBestMatch("url", "string", []wiringCandidate{{key: "image_url", value: "https://b"}})
	if substr == nil || substr.key != "image_url" {
		t.Fatalf("expected substring match on image_url, got %+v", substr)
	}

	typeMismatch := findBestMatch("url", "string", []wiringCandidate{{key: "count", value: 3}})
	if typeMismatch != nil {
		t.Fatalf("expected no match when type mismatches and name is unrelated, got %+v", typeMismatch)
	}
}

func TestCheckTypeMatch(t *testing.T) {
	cases := []struct {
		value  any
		schema string
		want   bool
	}{
		{"s", "string", true},
		{3, "integer", true},
		{3.5, "number", true},
		{true, "boolean", true},
		{[]any{1, 2}, "array", true},
		{map[string]any{}, "object", true},
		{nil, "null", true},
		{"s", "integer", false},
	}
	for _, c := range cases {
		if got := checkTypeMatch(c.value, c.schema); got != c.want {
			t.Errorf("checkTypeMatch(%v, %q) = %v, want %v", c.value, c.schema, got, c.want)
		}
	}
}
