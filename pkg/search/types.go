package search

import "encoding/json"

// SearchConfig is the body of a search request. Clauses live in Queries;
// Similar.Of is the older clause list and is treated as part of Queries.
// Filter and Filters merge with filter clauses into one AND tree.
type SearchConfig struct {
	Queries []map[string]any `json:"queries,omitempty"`
	Similar *SimilarConfig   `json:"similar,omitempty"`

	Filter  map[string]any   `json:"filter,omitempty"`
	Filters []map[string]any `json:"filters,omitempty"`

	// Exclude lists item-producing clauses whose items are removed from
	// the results. ExcludeAlreadyInteractedWithPerson additionally removes
	// every item the named person has events for.
	Exclude                            []map[string]any `json:"exclude,omitempty"`
	ExcludeAlreadyInteractedWithPerson string           `json:"exclude_already_interacted_with_person,omitempty"`

	// ForPerson attributes the search_history row to a person so later
	// recommendation clauses can reference what this person was served.
	ForPerson string `json:"for_person,omitempty"`

	Rank      *RankConfig `json:"rank,omitempty"`
	Export    any         `json:"export,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
	Randomize bool        `json:"randomize,omitempty"`

	// Cache enables result caching when set; omitting it (or sending null)
	// disables caching for the request.
	Cache *CacheConfig `json:"cache,omitempty"`

	// Context holds the values substituted into $var clause strings.
	Context map[string]any `json:"context,omitempty"`
}

// SimilarConfig is the legacy query shape: clauses under "of" plus
// query-wide knobs.
type SimilarConfig struct {
	Of               []map[string]any `json:"of,omitempty"`
	ScoreThreshold   *float64         `json:"score_threshold,omitempty"`
	DistanceFunction string           `json:"distance_function,omitempty"`
}

// RankConfig reorders results by a score expression before pagination.
// Topn bounds the candidate pool the expression is evaluated over.
type RankConfig struct {
	ScoreFunction string `json:"score_function,omitempty"`
	Topn          int    `json:"topn,omitempty"`
	Randomize     bool   `json:"randomize,omitempty"`
}

// CacheConfig controls result caching. Expire is the TTL in seconds; Key
// overrides the config-hash cache key.
type CacheConfig struct {
	Expire int    `json:"expire,omitempty"`
	Key    string `json:"key,omitempty"`
}

// SetDefaults fills the documented defaults in place. Called before the
// config is hashed or persisted so equivalent requests share cache keys.
func (c *SearchConfig) SetDefaults() {
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.Offset < 0 {
		c.Offset = 0
	}
	if c.Rank != nil && c.Rank.Topn <= 0 {
		c.Rank.Topn = 1000
	}
	if c.Cache != nil && c.Cache.Expire <= 0 {
		c.Cache.Expire = 3600
	}
}

// asMap renders the config the way it is persisted in search_history.
func (c SearchConfig) asMap() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SearchItem is one served item. Score is the index similarity unless a
// rank expression rewrote it; Scores are the item's stored named scores.
type SearchItem struct {
	ID          string             `json:"id"`
	Fields      map[string]any     `json:"fields"`
	Score       float64            `json:"score"`
	Scores      map[string]float64 `json:"scores"`
	Exported    any                `json:"exported,omitempty"`
	Description string             `json:"description,omitempty"`
}

// SearchResult is a served result set. ID is the search_history row the
// result was recorded under; cached results keep the id of the search that
// produced them.
type SearchResult struct {
	Items []SearchItem `json:"items"`
	ID    string       `json:"id"`
}
