package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skoposlabs/skopos/pkg/llms"
)

// scalarTypes maps field config types to JSON-schema type and format.
var scalarTypes = map[string]struct{ jsonType, format string }{
	"string":  {"string", ""},
	"text":    {"string", ""},
	"integer": {"integer", ""},
	"float":   {"number", "float"},
	"double":  {"number", "double"},
	"boolean": {"boolean", ""},
}

// buildTools renders one function declaration per matched aggregation, in
// match order.
func buildTools(cfg *AggregationConfig, names []string) []llms.Tool {
	tools := make([]llms.Tool, 0, len(names))
	for _, name := range names {
		agg := cfg.aggregation(name)
		if agg == nil {
			continue
		}
		description := agg.Description
		if len(agg.Facts) > 0 {
			description += "\nFacts:\n" + strings.Join(agg.Facts, "\n")
		}
		tools = append(tools, llms.Tool{
			Name:        agg.Name,
			Description: description,
			Parameters:  fieldsSchema(agg.Fields),
		})
	}
	return tools
}

// fieldsSchema renders the function parameter schema for a field map.
func fieldsSchema(fields map[string]FieldConfig) map[string]any {
	properties := make(map[string]any, len(fields))
	var required []string
	for _, name := range sortedFieldNames(fields) {
		field := fields[name]
		properties[name] = fieldSchema(field)
		if field.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// fieldSchema renders one field. Item fields present as plain strings to
// the model; the grounding search happens after extraction.
func fieldSchema(field FieldConfig) map[string]any {
	var schema map[string]any
	switch field.Type {
	case "list":
		items := map[string]any{"type": "string"}
		if field.Of != nil {
			items = fieldSchema(*field.Of)
		}
		schema = map[string]any{"type": "array", "items": items}
	case "object":
		schema = map[string]any{"type": "object"}
		if len(field.Properties) > 0 {
			schema["properties"] = field.Properties
		}
	case "item":
		schema = map[string]any{"type": "string"}
	default:
		mapped, ok := scalarTypes[field.Type]
		if !ok {
			mapped = scalarTypes["string"]
		}
		schema = map[string]any{"type": mapped.jsonType}
		if mapped.format != "" {
			schema["format"] = mapped.format
		}
	}

	if field.Description != "" {
		schema["description"] = field.Description
	}
	applyEnum(schema, field.Enum)

	if field.Multiple {
		schema = map[string]any{"type": "array", "items": schema}
	}
	return schema
}

// applyEnum attaches enum values. A map enum contributes its keys as the
// values and folds the per-value descriptions into the field description.
func applyEnum(schema map[string]any, enum any) {
	switch e := enum.(type) {
	case nil:
		return
	case []any:
		schema["enum"] = e
	case []string:
		values := make([]any, len(e))
		for i, v := range e {
			values[i] = v
		}
		schema["enum"] = values
	case map[string]any:
		keys := make([]string, 0, len(e))
		for k := range e {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]any, len(keys))
		lines := make([]string, len(keys))
		for i, k := range keys {
			values[i] = k
			lines[i] = fmt.Sprintf("%s is %v", k, e[k])
		}
		schema["enum"] = values
		description, _ := schema["description"].(string)
		schema["description"] = strings.TrimSpace(description + " Possible values: " + strings.Join(lines, ", "))
	}
}

func sortedFieldNames(fields map[string]FieldConfig) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
