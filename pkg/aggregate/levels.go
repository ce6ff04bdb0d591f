package aggregate

import (
	"sort"
	"strings"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// executionLevels orders fields so that every field runs after the fields
// its item filter references via $name. Fields with no dependencies among
// them share a level and expand together.
func executionLevels(fields map[string]FieldConfig) ([][]string, error) {
	dependencies := make(map[string]map[string]bool, len(fields))
	for name, field := range fields {
		deps := map[string]bool{}
		if field.Item != nil {
			collectRefs(field.Item.Filter, deps)
		}
		for dep := range deps {
			if _, ok := fields[dep]; !ok {
				delete(deps, dep)
			}
		}
		dependencies[name] = deps
	}

	var levels [][]string
	done := map[string]bool{}
	for len(done) < len(fields) {
		var level []string
		for name, deps := range dependencies {
			if done[name] {
				continue
			}
			ready := true
			for dep := range deps {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, apierror.Config("cyclic dependency between aggregation fields")
		}
		sort.Strings(level)
		for _, name := range level {
			done[name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// collectRefs walks a filter tree collecting $name references.
func collectRefs(v any, refs map[string]bool) {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") && len(t) > 1 {
			refs[t[1:]] = true
		}
	case map[string]any:
		for _, value := range t {
			collectRefs(value, refs)
		}
	case []any:
		for _, value := range t {
			collectRefs(value, refs)
		}
	}
}

// resolveFilterVars deep-copies a filter tree, replacing $name strings with
// values from the branch context.
func resolveFilterVars(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") && len(t) > 1 {
			return vars[t[1:]]
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, value := range t {
			out[k] = resolveFilterVars(value, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, value := range t {
			out[i] = resolveFilterVars(value, vars)
		}
		return out
	default:
		return v
	}
}
