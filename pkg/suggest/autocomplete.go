// Package suggest produces search-bar suggestions: LLM-grounded query
// completions, plain search hits, and aggregation expansions, merged and
// deduped into one ranked list.
package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/llms"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
)

const autocompleteSystemPrompt = `You are an expert suggestion system. Write %d Autocomplete suggestions for the query based on the context, each suggestion should start with the user query.Finish any half-written query.
One suggestion on each line, dont write the numbers of items! try to guest the next query!.`

const autocompletePromptTemplate = `Context:
%s

Query:
%s

%s`

// defaultGroundingRank favors popular items when narrowing a suggestion
// line to a real item.
const defaultGroundingRank = "score + score.popularity * 0.5"

// Searcher answers the grounding and context searches. Satisfied by
// search.Searcher.
type Searcher interface {
	Search(ctx context.Context, collection *store.Collection, cfg search.SearchConfig) (*search.SearchResult, error)
}

// CollectionResolver loads a collection by name, creating it on first
// reference.
type CollectionResolver func(ctx context.Context, name string) (*store.Collection, error)

// Autocompletor proposes query continuations grounded in indexed items.
type Autocompletor struct {
	searcher Searcher
	resolver CollectionResolver
	llmCfg   config.LLMConfig
	logger   *slog.Logger

	newLLM func(ref string) (llms.LLM, error)
}

func NewAutocompletor(searcher Searcher, resolver CollectionResolver, c cache.Cache, llmCfg config.LLMConfig) *Autocompletor {
	return &Autocompletor{
		searcher: searcher,
		resolver: resolver,
		llmCfg:   llmCfg,
		logger:   logger.New("suggest"),
		newLLM: func(ref string) (llms.LLM, error) {
			return llms.New(ref, llmCfg, c)
		},
	}
}

// Autocomplete proposes continuations of cfg.Query and grounds each in a
// real item of the collection. Duplicate item hits collapse to the first.
func (a *Autocompletor) Autocomplete(ctx context.Context, collection *store.Collection, cfg AutoCompleteConfig) ([]search.SearchItem, error) {
	cfg.SetDefaults()

	lines, err := a.proposals(ctx, collection, cfg)
	if err != nil {
		return nil, err
	}

	rank := cfg.Rank
	if rank == nil {
		rank = &search.RankConfig{Topn: 20, ScoreFunction: defaultGroundingRank}
	}

	items := make([]search.SearchItem, 0, len(lines))
	seen := map[string]bool{}
	for _, line := range lines {
		result, err := a.searcher.Search(ctx, collection, search.SearchConfig{
			Queries: []map[string]any{{"text": line}},
			Rank:    rank,
			Limit:   1,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range result.Items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			items = append(items, item)
		}
	}
	return items, nil
}

// proposals asks the model for continuation lines based on the rendered
// contexts.
func (a *Autocompletor) proposals(ctx context.Context, collection *store.Collection, cfg AutoCompleteConfig) ([]string, error) {
	contexts := make([]string, 0, len(cfg.Contexts))
	for _, contextCfg := range cfg.Contexts {
		rendered, err := a.renderContext(ctx, collection, contextCfg)
		if err != nil {
			return nil, err
		}
		if rendered != "" {
			contexts = append(contexts, rendered)
		}
	}

	llm, err := a.newLLM(cfg.Model)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(autocompletePromptTemplate,
		strings.Join(contexts, "\n\n"), cfg.Query, cfg.ExtraInfo)
	answer, err := llm.SingleQuery(ctx, prompt,
		llms.WithSystemPrompt(fmt.Sprintf(autocompleteSystemPrompt, cfg.Limit)))
	if err != nil {
		return nil, err
	}

	answer = strings.ReplaceAll(answer, "\n\n", "\n")
	var lines []string
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == cfg.Limit {
			break
		}
	}
	a.logger.Debug("autocomplete proposals", "model", llm.Model(), "proposals", len(lines))
	return lines, nil
}

// renderContext turns one context config into prompt text. The items
// context searches a collection and lists one line per hit.
func (a *Autocompletor) renderContext(ctx context.Context, collection *store.Collection, cfg ContextConfig) (string, error) {
	switch cfg.Type {
	case "items", "item":
	default:
		return "", apierror.Config("unknown autocomplete context type %q", cfg.Type)
	}
	if cfg.Search == nil {
		return "", nil
	}

	target := collection
	if cfg.Collection != "" && cfg.Collection != collection.Name {
		var err error
		if target, err = a.resolver(ctx, cfg.Collection); err != nil {
			return "", err
		}
	}
	result, err := a.searcher.Search(ctx, target, *cfg.Search)
	if err != nil {
		return "", err
	}

	title := cfg.ContextTitle
	if title == "" {
		title = "items"
	}
	lines := make([]string, 0, len(result.Items)+1)
	lines = append(lines, title+":")
	for _, item := range result.Items {
		lines = append(lines, itemLine(item))
	}
	return strings.Join(lines, "\n"), nil
}

// itemLine is the one-line prompt rendering of an item: its description,
// or its fields when it has none.
func itemLine(item search.SearchItem) string {
	if item.Description != "" {
		return item.Description
	}
	keys := make([]string, 0, len(item.Fields))
	for k := range item.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s is %v", k, item.Fields[k]))
	}
	return strings.Join(parts, " ")
}
