package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kea-research/kernel/internal/kerrors"
)

// ArtifactLookup is the read side of a workflow's artifact store, kept as
// a narrow interface (rather than importing internal/dag directly) so
// *dag.ArtifactStore satisfies it structurally without coupling the two
// packages. FindByName must return matches most-recently-written first.
type ArtifactLookup interface {
	Names() []string
	FindByName(name string) []any
}

// wiringCandidate is a potential value for a missing tool argument,
// mirroring original_source's WiringCandidate dataclass.
type wiringCandidate struct {
	key   string
	value any
}

const wiringThreshold = 0.6
const wiringPerfectScore = 1.3

// AutoWirer fills in missing required tool arguments by scanning the
// artifact store for a compatible value, using the exact scoring
// original_source's AutoWirer._find_best_match implements: +1.0 exact
// name match, +0.5 substring containment either direction, +0.3 type
// match / -1.0 type mismatch, accepted only above a 0.6 threshold.
type AutoWirer struct {
	registry *Registry
	store    ArtifactLookup
}

// NewAutoWirer builds a wirer against store, resolving tool schemas via
// registry.
func NewAutoWirer(registry *Registry, store ArtifactLookup) *AutoWirer {
	return &AutoWirer{registry: registry, store: store}
}

// WireInputs fills every missing required argument of toolName's schema
// from the artifact store, leaving explicit inputs untouched. The
// required list and each property's "type" are read straight from the raw
// InputSchema map; the schema is not compiled or validated here. A
// required argument with no candidate
// clearing the acceptance threshold is a pre-call validation failure, not
// a silently incomplete call: WireInputs returns a kind=permanent
// *kerrors.Error naming every argument it could not resolve.
func (w *AutoWirer) WireInputs(ctx context.Context, toolName string, explicit map[string]any) (map[string]any, error) {
	tool, ok := w.registry.GetTool(toolName)
	if !ok || tool.InputSchema == nil {
		return explicit, nil
	}

	required, _ := tool.InputSchema["required"].([]any)
	properties, _ := tool.InputSchema["properties"].(map[string]any)

	final := make(map[string]any, len(explicit))
	for k, v := range explicit {
		final[k] = v
	}

	var missing []string
	for _, r := range required {
		name, _ := r.(string)
		if name == "" {
			continue
		}
		if _, present := final[name]; !present {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return final, nil
	}

	var candidates []wiringCandidate
	if w.store != nil {
		candidates = w.flattenArtifacts()
	}

	var unresolved []string
	for _, argName := range missing {
		var argType string
		if properties != nil {
			if argSchema, ok := properties[argName].(map[string]any); ok {
				argType, _ = argSchema["type"].(string)
			}
		}
		if match := findBestMatch(argName, argType, candidates); match != nil {
			final[argName] = match.value
		} else {
			unresolved = append(unresolved, argName)
		}
	}
	if len(unresolved) > 0 {
		err := fmt.Errorf("tool %q: no candidate found for required argument(s): %s", toolName, strings.Join(unresolved, ", "))
		return nil, kerrors.New(kerrors.KindPermanent, "registry.autowire", err)
	}
	return final, nil
}

// flattenArtifacts converts the structured artifact store into a flat,
// most-recent-first candidate list, matching original_source's
// _flatten_artifacts (which reverses insertion order for recency).
// ArtifactStore.FindByName already returns its own per-name matches
// newest-first; Names() has no cross-name ordering guarantee, so
// candidates are grouped by name but each name's matches stay ordered.
func (w *AutoWirer) flattenArtifacts() []wiringCandidate {
	var out []wiringCandidate
	for _, name := range w.store.Names() {
		for _, v := range w.store.FindByName(name) {
			out = append(out, wiringCandidate{key: name, value: v})
		}
	}
	return out
}

// findBestMatch mirrors original_source's _find_best_match scoring loop
// exactly: exact name match +1.0, substring containment +0.5, type match
// +0.3 / mismatch -1.0, with an early exit once a candidate clears 1.3
// (exact name + type match).
func findBestMatch(argName, argType string, candidates []wiringCandidate) *wiringCandidate {
	var best *wiringCandidate
	bestScore := 0.0

	for i := range candidates {
		c := &candidates[i]
		score := 0.0

		switch {
		case c.key == argName:
			score += 1.0
		case contains(argName, c.key) || contains(c.key, argName):
			score += 0.5
		}

		if argType != "" {
			if checkTypeMatch(c.value, argType) {
				score += 0.3
			} else {
				score -= 1.0
			}
		}

		if score > bestScore && score > wiringThreshold {
			bestScore = score
			best = c
			if score >= wiringPerfectScore {
				return best
			}
		}
	}
	return best
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// checkTypeMatch mirrors original_source's _check_type_match for the
// JSON Schema primitive types a tool argument schema names.
func checkTypeMatch(value any, schemaType string) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch value.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

// CompileSchema compiles a tool's raw input_schema with
// santhosh-tekuri/jsonschema/v6. Discover does not call it: manifests are
// registered without their schemas being compiled.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	if err := compiler.AddResource(resourceName, schema); err != nil {
		return nil, fmt.Errorf("registry: add schema resource: %w", err)
	}
	return compiler.Compile(resourceName)
}
