package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/skoposlabs/skopos/pkg/aggregate"
	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/ingest"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
	"github.com/skoposlabs/skopos/pkg/suggest"
)

// maxBatch caps one ingest request. Larger loads must be split by the
// client so a single request never pins the whole dataset in memory.
const maxBatch = 1_000_000

type ingestItemsRequest struct {
	Collection      string             `json:"collection" validate:"required"`
	Items           []store.SimpleItem `json:"items" validate:"required,dive"`
	Sync            bool               `json:"sync,omitempty"`
	EmbeddingsModel string             `json:"embeddings_model,omitempty"`
}

type deleteItemsRequest struct {
	Collection string   `json:"collection" validate:"required"`
	IDs        []string `json:"ids" validate:"required"`
	Sync       bool     `json:"sync,omitempty"`
}

type ingestEventsRequest struct {
	Collection string               `json:"collection" validate:"required"`
	Events     []ingest.SimpleEvent `json:"events" validate:"required,dive"`
	Sync       bool                 `json:"sync,omitempty"`
}

type collectionRequest struct {
	Collection string `json:"collection" validate:"required"`
}

type updateCollectionRequest struct {
	Collection string                 `json:"collection" validate:"required"`
	Config     store.CollectionConfig `json:"config"`
}

type searchRequest struct {
	Collection string              `json:"collection" validate:"required"`
	Config     search.SearchConfig `json:"config"`
}

type aggregateRequest struct {
	Collection string                      `json:"collection" validate:"required"`
	Config     aggregate.AggregationConfig `json:"config"`
}

type suggestRequest struct {
	Collection string                `json:"collection,omitempty"`
	Config     suggest.SuggestConfig `json:"config"`
}

type autocompleteRequest struct {
	Collection string                     `json:"collection,omitempty"`
	Config     suggest.AutoCompleteConfig `json:"config"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "hello world")
}

func (s *Server) handleIngestItems(w http.ResponseWriter, r *http.Request) {
	var req ingestItemsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Items) > maxBatch {
		writeError(w, apierror.Validation(
			"too many items to ingest at once. Please use batches of %d items.", maxBatch))
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, req.EmbeddingsModel)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ingestor.IngestItems(r.Context(), collection, req.Items, req.Sync); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("scheduled %d items for ingestion", len(req.Items)))
}

func (s *Server) handleDeleteItems(w http.ResponseWriter, r *http.Request) {
	var req deleteItemsRequest
	if !s.decode(w, r, &req) {
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ingestor.DeleteItems(r.Context(), collection, req.IDs, req.Sync); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("scheduled %d items for deletion", len(req.IDs)))
}

func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var req ingestEventsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Events) > maxBatch {
		writeError(w, apierror.Validation(
			"Too many events to ingest at once. Please use batches of %d events.", maxBatch))
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ingestor.IngestEvents(r.Context(), collection, req.Events, req.Sync); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("Scheduled %d events for ingestion", len(req.Events)))
}

func (s *Server) handleFlushEvents(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ingestor.FlushEvents(r.Context(), collection); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("Collection %s events have been flushed", collection.Name))
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	var req updateCollectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, req.Config.EmbeddingsModel)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ingestor.UpdateCollectionConfig(r.Context(), collection, req.Config); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Collection config updated")
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	collection, err := s.store.GetCollection(r.Context(), s.organization.ID, req.Collection)
	if err != nil {
		writeError(w, err)
		return
	}
	if collection == nil {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("Collection %s not found", req.Collection))
		return
	}
	if err := s.ingestor.DeleteCollection(r.Context(), collection); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("Collection %s has been deleted", collection.Name))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, "")
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	result, err := s.searcher.Search(r.Context(), collection, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   result.Items,
		"id":      result.ID,
		"took_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if !s.decode(w, r, &req) {
		return
	}
	collection, err := s.collection(r.Context(), req.Collection, "")
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	results, err := s.aggregator.Aggregate(r.Context(), collection, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregations": results,
		"took_ms":      time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	suggestions, err := s.suggestor.Suggest(r.Context(), req.Collection, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"took_ms":     time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	var req autocompleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	name := req.Config.Collection
	if name == "" {
		name = req.Collection
	}
	collection, err := s.collection(r.Context(), name, "")
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	items, err := s.autocompletor.Autocomplete(r.Context(), collection, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": items,
		"took_ms":     time.Since(start).Milliseconds(),
	})
}

// handleConfigSchema publishes the JSON schema of the service
// configuration, for config editors and validation tooling.
func (s *Server) handleConfigSchema(w http.ResponseWriter, _ *http.Request) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "Skopos Configuration Schema"
	schema.Description = "Configuration schema of the skopos service"
	writeJSON(w, http.StatusOK, schema)
}
