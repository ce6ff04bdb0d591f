// Package aggregate turns a natural-language prompt into structured
// function-call results. A light model classifies the prompt into candidate
// aggregations, a heavy model extracts their fields, and item-typed fields
// are grounded in real items through nested searches expanded in dependency
// order.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/hashutil"
	"github.com/skoposlabs/skopos/pkg/llms"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
)

const defaultClassificationPrompt = `Assign to Categories: Match the query to one or more of the most relevant categories from the list below, selecting up to three categories that best fit.

Categories:
{categories}

Instructions:
Identify the category names that best match the user's query and write just them. Don't say anything else.

User's Query:
{prompt}`

const defaultAggregationPrompt = `Call the correct function for the following query:
{prompt}`

// itemSearchCacheTTL caches nested item-field lookups; the key is
// deterministic over (filter, value, limit) so repeated expansions reuse it.
const itemSearchCacheTTL = 3600

// Searcher answers the nested item-field searches. Satisfied by
// search.Searcher.
type Searcher interface {
	Search(ctx context.Context, collection *store.Collection, cfg search.SearchConfig) (*search.SearchResult, error)
}

// Aggregator runs aggregation requests against one collection at a time.
type Aggregator struct {
	searcher Searcher
	cache    cache.Cache
	llmCfg   config.LLMConfig
	logger   *slog.Logger

	newLLM func(ref string, c cache.Cache) (llms.LLM, error)
}

func New(searcher Searcher, c cache.Cache, llmCfg config.LLMConfig) *Aggregator {
	return &Aggregator{
		searcher: searcher,
		cache:    c,
		llmCfg:   llmCfg,
		logger:   logger.New("aggregate"),
		newLLM: func(ref string, c cache.Cache) (llms.LLM, error) {
			return llms.New(ref, llmCfg, c)
		},
	}
}

// structuredQuery is one function call returned by the heavy model.
type structuredQuery struct {
	name string
	args map[string]any
}

// Aggregate resolves one aggregation request: classify, extract, expand.
func (a *Aggregator) Aggregate(ctx context.Context, collection *store.Collection, cfg AggregationConfig) ([]AggregationResult, error) {
	cfg.SetDefaults()

	tracer := observability.GetTracer("skopos.aggregate")
	ctx, span := tracer.Start(ctx, observability.SpanAggregate,
		trace.WithAttributes(attribute.String(observability.AttrCollection, collection.Name)),
	)
	defer span.End()

	start := time.Now()
	results, err := a.aggregate(ctx, collection, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	a.logger.Info("aggregation complete",
		"collection", collection.Name, "aggregations", len(results), "took", time.Since(start))
	return results, nil
}

func (a *Aggregator) aggregate(ctx context.Context, collection *store.Collection, cfg AggregationConfig) ([]AggregationResult, error) {
	if len(cfg.Aggregations) == 0 {
		return nil, apierror.Config("aggregation config defines no aggregations")
	}
	llmCache := a.cache
	if !cfg.CachingEnabled() {
		llmCache = cache.NewNoop()
	}
	heavy, err := a.newLLM(cfg.heavyModel(a.llmCfg), llmCache)
	if err != nil {
		return nil, err
	}
	light, err := a.newLLM(cfg.lightModel(a.llmCfg), llmCache)
	if err != nil {
		return nil, err
	}

	names, err := a.classify(ctx, light, &cfg)
	if err != nil {
		return nil, err
	}
	tools := buildTools(&cfg, names)
	if len(tools) > cfg.Limit {
		tools = tools[:cfg.Limit]
	}
	if len(tools) == 0 {
		return []AggregationResult{}, nil
	}

	queries, err := a.invoke(ctx, heavy, &cfg, tools)
	if err != nil {
		return nil, err
	}
	sortStructuredQueries(queries, cfg.Sort)

	results := make([]AggregationResult, 0, len(queries))
	for _, query := range queries {
		agg := cfg.aggregation(query.name)
		if agg == nil {
			return nil, apierror.LLMBadResponse("model called unknown aggregation %q", query.name)
		}
		levels, err := executionLevels(agg.Fields)
		if err != nil {
			return nil, err
		}
		var items []map[string]any
		err = a.expand(ctx, collection, &cfg, agg, query.args, levels, 0, map[string]any{}, &items)
		if err != nil {
			return nil, err
		}
		injectLiteralValues(agg, items)
		results = append(results, AggregationResult{
			Aggregation: agg.Name,
			Items:       items,
			LLMStats: &HeavyAndLightLLMStats{
				HeavyLLMStats: heavy.Stats().Snapshot(),
				LightLLMStats: light.Stats().Snapshot(),
			},
		})
	}
	return results, nil
}

// classify asks the light model which aggregations fit the prompt and
// matches its free-text answer back against the configured names. A single
// configured aggregation skips the call.
func (a *Aggregator) classify(ctx context.Context, light llms.LLM, cfg *AggregationConfig) ([]string, error) {
	if len(cfg.Aggregations) == 1 {
		return []string{cfg.Aggregations[0].Name}, nil
	}

	lines := make([]string, len(cfg.Aggregations))
	for i, agg := range cfg.Aggregations {
		lines[i] = fmt.Sprintf("name: %s description: %s", agg.Name, agg.Description)
	}
	template := cfg.ClassificationPrompt
	if template == "" {
		template = defaultClassificationPrompt
	}
	question := strings.NewReplacer(
		"{categories}", strings.Join(lines, "\n"),
		"{prompt}", cfg.Prompt,
	).Replace(template)

	answer, err := light.SingleQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	answer = strings.NewReplacer("\\", "", ",", " ", "\n", " ").Replace(answer)

	var names []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(answer) {
		for _, agg := range cfg.Aggregations {
			if agg.Name == word && !seen[word] {
				seen[word] = true
				names = append(names, word)
			}
		}
	}
	a.logger.Debug("classified prompt", "matches", names)
	return names, nil
}

// invoke runs the heavy model. A single candidate gets one call carrying
// every tool and the attached files; multiple candidates fan out one call
// per tool in parallel.
func (a *Aggregator) invoke(ctx context.Context, heavy llms.LLM, cfg *AggregationConfig, tools []llms.Tool) ([]structuredQuery, error) {
	template := cfg.AggregationPrompt
	if template == "" {
		template = defaultAggregationPrompt
	}
	question := strings.ReplaceAll(template, "{prompt}", cfg.Prompt)

	if cfg.Limit <= 1 {
		var opts []llms.QueryOption
		if len(cfg.Files) > 0 {
			parts, err := llms.LoadFiles(cfg.Files)
			if err != nil {
				return nil, err
			}
			opts = append(opts, llms.WithFiles(parts...))
		}
		calls, err := heavy.FunctionQuery(ctx, question, tools, opts...)
		if err != nil {
			return nil, err
		}
		return toStructuredQueries(calls), nil
	}

	perTool := make([][]llms.ToolCall, len(tools))
	group, gctx := errgroup.WithContext(ctx)
	for i, tool := range tools {
		group.Go(func() error {
			calls, err := heavy.FunctionQuery(gctx, question, []llms.Tool{tool})
			if err != nil {
				return err
			}
			perTool[i] = calls
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	var queries []structuredQuery
	for _, calls := range perTool {
		queries = append(queries, toStructuredQueries(calls)...)
	}
	return queries, nil
}

func toStructuredQueries(calls []llms.ToolCall) []structuredQuery {
	queries := make([]structuredQuery, len(calls))
	for i, call := range calls {
		queries[i] = structuredQuery{name: call.Name, args: call.Arguments}
	}
	return queries
}

// sortStructuredQueries stable-sorts by the configured field,
// numeric-aware: digit strings compare as numbers.
func sortStructuredQueries(queries []structuredQuery, cfg *SortConfig) {
	if cfg == nil || cfg.Field == "" {
		return
	}
	value := func(q structuredQuery) float64 {
		switch v := q.args[cfg.Field].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return 0
	}
	sort.SliceStable(queries, func(i, j int) bool {
		if cfg.Order == "desc" {
			return value(queries[i]) > value(queries[j])
		}
		return value(queries[i]) < value(queries[j])
	})
}

// expand walks the execution levels depth-first. Each level computes the
// possible values of its fields under the branch context, takes their
// cartesian product, and recurses per combination; exhausted levels emit
// the branch as one result item. An item field with no matching items
// yields no product and drops the branch.
func (a *Aggregator) expand(
	ctx context.Context,
	collection *store.Collection,
	cfg *AggregationConfig,
	agg *AggregationQueryConfig,
	args map[string]any,
	levels [][]string,
	levelIndex int,
	branch map[string]any,
	out *[]map[string]any,
) error {
	if levelIndex >= len(levels) {
		item := make(map[string]any, len(branch))
		for k, v := range branch {
			item[k] = v
		}
		*out = append(*out, item)
		return nil
	}

	var fields []string
	var possible [][]any
	for _, name := range levels[levelIndex] {
		field := agg.Fields[name]

		if field.Item == nil {
			value, ok := branch[name]
			if !ok {
				value = args[name]
			}
			fields = append(fields, name)
			possible = append(possible, []any{value})
			continue
		}

		value, ok := branch[name]
		if !ok {
			value = args[name]
		}
		queries := listify(value)
		if len(queries) == 0 {
			continue
		}
		var values []any
		for _, query := range queries {
			found, err := a.lookupItemValues(ctx, collection, cfg, field.Item, branch, query)
			if err != nil {
				return err
			}
			values = append(values, found...)
		}
		fields = append(fields, name)
		possible = append(possible, values)
	}

	return product(possible, func(combination []any) error {
		next := make(map[string]any, len(branch)+len(fields))
		for k, v := range branch {
			next[k] = v
		}
		for i, name := range fields {
			if !emptyValue(combination[i]) {
				next[name] = combination[i]
			}
		}
		return a.expand(ctx, collection, cfg, agg, args, levels, levelIndex+1, next, out)
	})
}

// lookupItemValues grounds one extracted value in the collection and
// returns the exported field of every matching item.
func (a *Aggregator) lookupItemValues(
	ctx context.Context,
	collection *store.Collection,
	cfg *AggregationConfig,
	lookup *ItemLookup,
	branch map[string]any,
	query string,
) ([]any, error) {
	filter, _ := resolveFilterVars(lookup.Filter, branch).(map[string]any)

	clause := map[string]any{"text": query}
	if lookup.DistanceFunction != "" {
		clause["distance_function"] = lookup.DistanceFunction
	}
	searchCfg := search.SearchConfig{
		Filter:  filter,
		Queries: []map[string]any{clause},
		Limit:   lookup.Limit,
	}
	if cfg.CachingEnabled() {
		filterJSON, err := hashutil.CanonicalJSON(filter)
		if err != nil {
			return nil, err
		}
		searchCfg.Cache = &search.CacheConfig{
			Expire: itemSearchCacheTTL,
			Key:    hashutil.StableHash(fmt.Sprintf("%s_%s_%d", filterJSON, query, lookup.Limit)),
		}
	}

	result, err := a.searcher.Search(ctx, collection, searchCfg)
	if err != nil {
		return nil, err
	}
	var values []any
	for _, item := range result.Items {
		if value, ok := item.Fields[lookup.Export]; ok && !emptyValue(value) {
			values = append(values, value)
		}
	}
	return values, nil
}

// injectLiteralValues sets fields with a configured literal value on every
// expanded item.
func injectLiteralValues(agg *AggregationQueryConfig, items []map[string]any) {
	for name, field := range agg.Fields {
		if field.Value == nil {
			continue
		}
		for _, item := range items {
			item[name] = field.Value
		}
	}
}

// product calls fn once per combination of one value per list. Any empty
// list yields no combinations.
func product(lists [][]any, fn func([]any) error) error {
	combination := make([]any, len(lists))
	var walk func(i int) error
	walk = func(i int) error {
		if i == len(lists) {
			return fn(combination)
		}
		for _, value := range lists[i] {
			combination[i] = value
			if err := walk(i + 1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(0)
}

// listify renders a scalar or list value as query strings.
func listify(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, elem := range t {
			out = append(out, listify(elem)...)
		}
		return out
	case []string:
		return t
	case float64:
		return []string{strconv.FormatFloat(t, 'f', -1, 64)}
	default:
		return []string{fmt.Sprintf("%v", t)}
	}
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}
