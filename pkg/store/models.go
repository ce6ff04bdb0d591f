package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// Organization scopes collections. One row is resolved at startup from the
// ORGANIZATION setting.
type Organization struct {
	ID      int
	Name    string
	Created time.Time
}

// CollectionConfig is the persisted per-collection configuration.
type CollectionConfig struct {
	Indexer         string   `json:"indexer,omitempty"`
	EmbeddingsModel string   `json:"embeddings_model,omitempty"`
	Stemmers        []string `json:"stemmers,omitempty"`
}

type Collection struct {
	ID                     int
	OrganizationID         int
	Name                   string
	Config                 CollectionConfig
	DefaultEmbeddingsModel string
	IsIndexDirty           bool
	Created                time.Time
	LastUpdate             time.Time
}

// EmbeddingsModel returns the model this collection embeds with: the config
// override when present, else the model pinned at first ingest.
func (c *Collection) EmbeddingsModel() string {
	if c.Config.EmbeddingsModel != "" {
		return c.Config.EmbeddingsModel
	}
	return c.DefaultEmbeddingsModel
}

// SimpleItem is the ingest-facing item shape.
type SimpleItem struct {
	ID                    string                 `json:"id" validate:"required"`
	Fields                map[string]any         `json:"fields,omitempty"`
	Scores                map[string]float64     `json:"scores,omitempty"`
	Description           string                 `json:"description,omitempty"`
	DescriptionFromFields []string               `json:"description_from_fields,omitempty"`
	DescriptionPreprocess *DescriptionPreprocess `json:"description_preprocess,omitempty"`
}

// DescriptionPreprocess rewrites a rendered description through an LLM
// before it is hashed and embedded.
type DescriptionPreprocess struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type Item struct {
	ID                int64
	CollectionID      int
	ExternalID        string
	Fields            map[string]any
	Scores            map[string]float64
	Description       string
	DescriptionHash   string
	Vector            []float32
	IsEmbeddingsDirty bool
	IsIndexDirty      bool
	Created           time.Time
	LastUpdate        time.Time
}

type ItemField struct {
	ID           int
	CollectionID int
	FieldName    string
	ValueType    string
	FieldOrder   int
}

type Person struct {
	ID           int64
	CollectionID int
	ExternalID   string
	Fields       map[string]any
	Created      time.Time
}

type Event struct {
	ID               int64
	CollectionID     int
	EventType        string
	PersonExternalID string
	ItemExternalID   string
	Weight           float64
	RelatedHistoryID string
	Created          time.Time
}

type SearchHistory struct {
	ID               string
	CollectionID     int
	ExternalPersonID string
	ExternalItemIDs  []string
	SearchConfig     map[string]any
	Created          time.Time
}

// Field value types persisted in item_fields.
const (
	ValueTypeString  = "string"
	ValueTypeNumber  = "number"
	ValueTypeBoolean = "boolean"
)

// inferValueType classifies a JSON-decoded field value by its first seen
// occurrence. Anything that is not a boolean or a number is a string.
func inferValueType(v any) string {
	switch v.(type) {
	case bool:
		return ValueTypeBoolean
	case float64, float32, int, int64:
		return ValueTypeNumber
	default:
		return ValueTypeString
	}
}

// renderDescription builds the indexable item text. An explicit description
// wins, then the description_from_fields projection, then every field in key
// order. Each field renders as one line: "<key> is <values>".
func renderDescription(fields map[string]any, in SimpleItem) string {
	if in.Description != "" {
		return in.Description
	}
	keys := in.DescriptionFromFields
	if len(keys) == 0 {
		keys = make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		lines = append(lines, k+" is "+strings.Join(stringifyList(v), " "))
	}
	return strings.Join(lines, "\n")
}

func stringifyList(v any) []string {
	if list, ok := v.([]any); ok {
		out := make([]string, len(list))
		for i, elem := range list {
			out[i] = stringify(elem)
		}
		return out
	}
	return []string{stringify(v)}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// VectorColumn maps an embedding length to its items column. Every item
// keeps exactly one vectors_* column populated.
func VectorColumn(dim int) (string, error) {
	switch dim {
	case 384:
		return "vectors_384", nil
	case 768:
		return "vectors_768", nil
	case 1536:
		return "vectors_1536", nil
	case 3072:
		return "vectors_3072", nil
	}
	return "", apierror.New(apierror.KindDimension,
		"unsupported vector dimension %d (supported: 384, 768, 1536, 3072)", dim)
}

// FormatVector renders the pgvector input literal, e.g. [0.1,0.2].
func FormatVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads the pgvector text format back into a slice.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
