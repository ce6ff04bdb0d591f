package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/embedders"
	"github.com/skoposlabs/skopos/pkg/store"
	"github.com/skoposlabs/skopos/pkg/timeutil"
)

// Clause kinds. Every clause object names exactly one of these, either as
// the canonical key or through a flat alias.
const (
	clauseFilter          = "filter"
	clauseItemsToItems    = "items_to_items"
	clausePersonToItems   = "person_to_items"
	clauseRecommendations = "recommendations_to_items"
	clauseText            = "text"
	clauseFieldsToVector  = "fields_to_vector"
	clauseItemToVector    = "item_to_vector"
	clausePersonToVector  = "person_to_vector"
	clausePromptToVector  = "prompt_to_vector"
	clauseEmbeddings      = "embeddings"
)

var clauseKinds = []string{
	clauseFilter,
	clauseItemsToItems,
	clausePersonToItems,
	clauseRecommendations,
	clauseText,
	clauseFieldsToVector,
	clauseItemToVector,
	clausePersonToVector,
	clausePromptToVector,
	clauseEmbeddings,
}

// clausePrimaryField names the field the clause key's value lands in when a
// clause is written flat, e.g. {"text": "ford"} → {"query": "ford"}.
var clausePrimaryField = map[string]string{
	clauseFilter:          "fields",
	clauseItemsToItems:    "item",
	clausePersonToItems:   "person",
	clauseRecommendations: "person",
	clauseText:            "query",
	clauseFieldsToVector:  "fields",
	clauseItemToVector:    "item",
	clausePersonToVector:  "person",
	clausePromptToVector:  "prompt",
	clauseEmbeddings:      "embeddings",
}

// Flat aliases keep the older clause shapes working: the alias key holds
// the primary value and its options sit alongside it.
var clauseAliases = []struct{ key, kind string }{
	{"prompt", clausePromptToVector},
	{"item", clauseItemToVector},
	{"person", clausePersonToVector},
	{"fields", clauseFieldsToVector},
	{"query", clauseText},
	{"person_recommendations", clauseRecommendations},
}

// In exclude context item and person clauses produce item ids instead of
// vectors.
var excludeAliasKinds = map[string]string{
	"item":   clauseItemsToItems,
	"person": clausePersonToItems,
}

// Preprocess rewrites clause text through an LLM before it is embedded or
// matched.
type Preprocess struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// VectorQuery is one weighted query vector produced by a clause.
type VectorQuery struct {
	Vector []float32
	Weight float64
}

// TextQuery is one weighted text query produced by a clause.
type TextQuery struct {
	Query            string
	Weight           float64
	DistanceFunction string
	ScoreThreshold   *float64
}

// ItemQuery is one weighted item reference produced by a clause.
type ItemQuery struct {
	ID     string
	Weight float64
}

type filterClause struct {
	Fields map[string]any `json:"fields"`
}

type itemsToItemsClause struct {
	Item   any     `json:"item"`
	Weight float64 `json:"weight"`
}

type personToItemsClause struct {
	Person any     `json:"person"`
	Weight float64 `json:"weight"`
	Limit  int     `json:"limit"`
	Time   string  `json:"time"`
}

type recommendationsClause struct {
	Person any     `json:"person"`
	Weight float64 `json:"weight"`
	Limit  int     `json:"limit"`
	Time   string  `json:"time"`
}

type textClause struct {
	Query            string      `json:"query"`
	Weight           float64     `json:"weight"`
	DistanceFunction string      `json:"distance_function"`
	Preprocess       *Preprocess `json:"preprocess"`
	ScoreThreshold   *float64    `json:"score_threshold"`
}

type fieldsToVectorClause struct {
	Fields map[string]any `json:"fields"`
	Weight float64        `json:"weight"`
}

type itemToVectorClause struct {
	Item   any     `json:"item"`
	Weight float64 `json:"weight"`
}

type personToVectorClause struct {
	Person any     `json:"person"`
	Time   string  `json:"time"`
	Limit  int     `json:"limit"`
	Weight float64 `json:"weight"`
}

type promptToVectorClause struct {
	Prompt     string      `json:"prompt"`
	Weight     float64     `json:"weight"`
	Preprocess *Preprocess `json:"preprocess"`
}

type embeddingsClause struct {
	Embeddings []float64 `json:"embeddings"`
	Weight     float64   `json:"weight"`
}

// clauseSet accumulates what a list of clauses produces.
type clauseSet struct {
	vectors []VectorQuery
	texts   []TextQuery
	items   []ItemQuery
	filters []map[string]any
}

// parseClauses resolves and applies each clause. Clauses referencing a
// missing $var are dropped; anything else unrecognized is a config error.
func (e *Engine) parseClauses(ctx context.Context, collection *store.Collection, clauses []map[string]any, vars map[string]any, exclude bool) (*clauseSet, error) {
	set := &clauseSet{}
	for _, raw := range clauses {
		resolved, ok := substituteVars(raw, vars)
		if !ok {
			e.logger.Debug("dropping clause with unresolved variable", "collection", collection.Name)
			continue
		}
		if err := e.applyClause(ctx, collection, resolved, exclude, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// resolveClause identifies the clause kind and builds the map the clause
// config decodes from. Canonical keys with an object value are the nested
// form; everything else is flat, with the key's value moved to the clause's
// primary field and siblings kept as options.
func resolveClause(m map[string]any, exclude bool) (string, map[string]any, error) {
	type hit struct{ key, kind string }
	var hits []hit
	for _, kind := range clauseKinds {
		if _, ok := m[kind]; ok {
			hits = append(hits, hit{key: kind, kind: kind})
		}
	}
	for _, alias := range clauseAliases {
		if _, ok := m[alias.key]; ok {
			hits = append(hits, hit{key: alias.key, kind: alias.kind})
		}
	}

	switch len(hits) {
	case 0:
		return "", nil, apierror.Config("unrecognized search clause (keys: %s)", strings.Join(sortedMapKeys(m), ", "))
	case 1:
	default:
		keys := make([]string, len(hits))
		for i, h := range hits {
			keys[i] = h.key
		}
		return "", nil, apierror.Config("search clause mixes clause keys %s", strings.Join(keys, " and "))
	}

	key, kind := hits[0].key, hits[0].kind
	if exclude {
		if k, ok := excludeAliasKinds[key]; ok {
			kind = k
		}
	}
	value := m[key]
	primary := clausePrimaryField[kind]

	if key == hits[0].kind {
		if inner, ok := value.(map[string]any); ok {
			// Nested form. Clauses whose primary value is itself a map
			// (filter, fields_to_vector) also accept the map directly.
			if primary == "fields" {
				if _, ok := inner[primary]; !ok {
					return kind, map[string]any{primary: inner}, nil
				}
			}
			return kind, inner, nil
		}
	}
	src := make(map[string]any, len(m))
	for k, v := range m {
		if k != key {
			src[k] = v
		}
	}
	src[primary] = value
	return kind, src, nil
}

func decodeClause(kind string, src map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return apierror.Config("building %s clause decoder: %v", kind, err)
	}
	if err := decoder.Decode(src); err != nil {
		return apierror.Config("invalid %s clause: %v", kind, err)
	}
	return nil
}

func (e *Engine) applyClause(ctx context.Context, collection *store.Collection, m map[string]any, exclude bool, set *clauseSet) error {
	kind, src, err := resolveClause(m, exclude)
	if err != nil {
		return err
	}

	switch kind {
	case clauseFilter:
		var cfg filterClause
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		if len(cfg.Fields) == 0 {
			return apierror.Config("filter clause requires fields")
		}
		set.filters = append(set.filters, cfg.Fields)

	case clauseItemsToItems:
		cfg := itemsToItemsClause{Weight: 1}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		ids := stringList(cfg.Item)
		if len(ids) == 0 {
			return apierror.Config("items_to_items clause requires an item id")
		}
		for _, id := range ids {
			set.items = append(set.items, ItemQuery{ID: id, Weight: cfg.Weight})
		}

	case clausePersonToItems:
		cfg := personToItemsClause{Weight: 1, Limit: 10, Time: "1M"}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		persons := stringList(cfg.Person)
		if len(persons) == 0 {
			return apierror.Config("person_to_items clause requires a person id")
		}
		since, err := clauseWindow(kind, cfg.Time)
		if err != nil {
			return err
		}
		for _, person := range persons {
			events, err := e.store.ListPersonEvents(ctx, collection.ID, person, since, cfg.Limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				set.items = append(set.items, ItemQuery{ID: ev.ItemExternalID, Weight: ev.Weight * cfg.Weight})
			}
		}

	case clauseRecommendations:
		cfg := recommendationsClause{Weight: 1, Limit: 500, Time: "7d"}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		persons := stringList(cfg.Person)
		if len(persons) == 0 {
			return apierror.Config("recommendations_to_items clause requires a person id")
		}
		since, err := clauseWindow(kind, cfg.Time)
		if err != nil {
			return err
		}
		for _, person := range persons {
			ids, err := e.store.RecommendedItemIDs(ctx, collection.ID, person, since, cfg.Limit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				set.items = append(set.items, ItemQuery{ID: id, Weight: cfg.Weight})
			}
		}

	case clauseText:
		cfg := textClause{Weight: 1}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		if cfg.Query == "" {
			return apierror.Config("text clause requires a query")
		}
		query, err := e.preprocessText(ctx, cfg.Preprocess, cfg.Query)
		if err != nil {
			return err
		}
		set.texts = append(set.texts, TextQuery{
			Query:            query,
			Weight:           cfg.Weight,
			DistanceFunction: cfg.DistanceFunction,
			ScoreThreshold:   cfg.ScoreThreshold,
		})

	case clauseFieldsToVector:
		cfg := fieldsToVectorClause{Weight: 1}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		if len(cfg.Fields) == 0 {
			return apierror.Config("fields_to_vector clause requires fields")
		}
		vector, err := e.embedText(ctx, collection, embedders.FieldsText(cfg.Fields))
		if err != nil {
			return err
		}
		set.vectors = append(set.vectors, VectorQuery{Vector: vector, Weight: cfg.Weight})

	case clauseItemToVector:
		cfg := itemToVectorClause{Weight: 1}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		ids := stringList(cfg.Item)
		if len(ids) == 0 {
			return apierror.Config("item_to_vector clause requires an item id")
		}
		vectors, err := e.itemVectors(ctx, collection, ids, cfg.Weight)
		if err != nil {
			return err
		}
		set.vectors = append(set.vectors, vectors...)

	case clausePersonToVector:
		cfg := personToVectorClause{Weight: 1, Limit: 10, Time: "1M"}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		persons := stringList(cfg.Person)
		if len(persons) == 0 {
			return apierror.Config("person_to_vector clause requires a person id")
		}
		since, err := clauseWindow(kind, cfg.Time)
		if err != nil {
			return err
		}
		vectors, err := e.personVectors(ctx, collection, persons, since, cfg.Limit, cfg.Weight)
		if err != nil {
			return err
		}
		set.vectors = append(set.vectors, vectors...)

	case clausePromptToVector:
		cfg := promptToVectorClause{Weight: 1}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		if cfg.Prompt == "" {
			return apierror.Config("prompt_to_vector clause requires a prompt")
		}
		prompt, err := e.preprocessText(ctx, cfg.Preprocess, cfg.Prompt)
		if err != nil {
			return err
		}
		vector, err := e.embedText(ctx, collection, prompt)
		if err != nil {
			return err
		}
		set.vectors = append(set.vectors, VectorQuery{Vector: vector, Weight: cfg.Weight})

	case clauseEmbeddings:
		cfg := embeddingsClause{Weight: 1}
		if err := decodeClause(kind, src, &cfg); err != nil {
			return err
		}
		if len(cfg.Embeddings) == 0 {
			return apierror.Config("embeddings clause requires a vector")
		}
		set.vectors = append(set.vectors, VectorQuery{Vector: toFloat32(cfg.Embeddings), Weight: cfg.Weight})
	}
	return nil
}

// itemVectors loads the referenced items and emits one weighted vector per
// item that has one. Referencing an unknown item is an error so typos do
// not silently turn into weaker queries.
func (e *Engine) itemVectors(ctx context.Context, collection *store.Collection, ids []string, weight float64) ([]VectorQuery, error) {
	items, err := e.store.GetItemsByExternalIDs(ctx, collection.ID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Item, len(items))
	for _, item := range items {
		byID[item.ExternalID] = item
	}
	var out []VectorQuery
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, apierror.ItemNotFound(id, collection.Name)
		}
		if len(item.Vector) == 0 {
			continue
		}
		out = append(out, VectorQuery{Vector: item.Vector, Weight: weight})
	}
	return out, nil
}

// personVectors walks the person's recent events and emits the vectors of
// the items they touched, weighted by event weight times clause weight.
// When a person interacted with an item more than once the newest event's
// weight wins.
func (e *Engine) personVectors(ctx context.Context, collection *store.Collection, persons []string, since time.Time, limit int, weight float64) ([]VectorQuery, error) {
	eventWeights := map[string]float64{}
	var order []string
	for _, person := range persons {
		events, err := e.store.ListPersonEvents(ctx, collection.ID, person, since, limit)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if _, ok := eventWeights[ev.ItemExternalID]; ok {
				continue
			}
			eventWeights[ev.ItemExternalID] = ev.Weight
			order = append(order, ev.ItemExternalID)
		}
	}
	if len(order) == 0 {
		return nil, nil
	}
	items, err := e.store.GetItemsByExternalIDs(ctx, collection.ID, order)
	if err != nil {
		return nil, err
	}
	var out []VectorQuery
	for _, item := range items {
		if len(item.Vector) == 0 {
			continue
		}
		out = append(out, VectorQuery{Vector: item.Vector, Weight: eventWeights[item.ExternalID] * weight})
	}
	return out, nil
}

// preprocessText rewrites clause text through the configured LLM, using the
// same prompt shape as description preprocessing at ingest.
func (e *Engine) preprocessText(ctx context.Context, p *Preprocess, text string) (string, error) {
	if p == nil || p.Prompt == "" {
		return text, nil
	}
	llm, err := e.newLLM(p.Model)
	if err != nil {
		return "", err
	}
	processed, err := llm.SingleQuery(ctx, fmt.Sprintf("%s. The text is the following: '%s'", p.Prompt, text))
	if err != nil {
		return "", err
	}
	e.logger.Debug("preprocessed clause text", "model", llm.Model(), "text", processed)
	return processed, nil
}

func (e *Engine) embedText(ctx context.Context, collection *store.Collection, text string) ([]float32, error) {
	embedder, err := e.newEmbedder(collection.EmbeddingsModel())
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, apierror.LLMBadResponse("embedding one text returned %d vectors", len(vectors))
	}
	return vectors[0], nil
}

// substituteVars resolves $name strings against the request context. The
// second return is false when a referenced name is missing, which drops the
// whole clause.
func substituteVars(m map[string]any, vars map[string]any) (map[string]any, bool) {
	out, ok := substituteValue(m, vars)
	if !ok {
		return nil, false
	}
	return out.(map[string]any), true
}

func substituteValue(v any, vars map[string]any) (any, bool) {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") && len(t) > 1 {
			value, ok := vars[t[1:]]
			if !ok {
				return nil, false
			}
			return value, true
		}
		return t, true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			sub, ok := substituteValue(val, vars)
			if !ok {
				return nil, false
			}
			out[k] = sub
		}
		return out, true
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			sub, ok := substituteValue(val, vars)
			if !ok {
				return nil, false
			}
			out[i] = sub
		}
		return out, true
	default:
		return v, true
	}
}

func clauseWindow(kind, window string) (time.Time, error) {
	since, err := timeutil.TimeAgo(window)
	if err != nil {
		return time.Time{}, apierror.Config("invalid time window %q in %s clause: %v", window, kind, err)
	}
	return since, nil
}

// stringList accepts a single id or a list of ids.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, elem := range t {
			if s, ok := elem.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
