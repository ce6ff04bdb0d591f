package ingest

import (
	"context"
	"time"

	"github.com/skoposlabs/skopos/pkg/store"
)

// SimpleEvent is the ingest-facing event shape: a person interacted with an
// item. Unknown persons and items are created on the fly so event streams
// can arrive before (or without) an item ingest.
type SimpleEvent struct {
	Event  string     `json:"event,omitempty"`
	Date   *time.Time `json:"date,omitempty"`
	Person string     `json:"person" validate:"required"`
	Item   string     `json:"item" validate:"required"`
	Weight float64    `json:"weight,omitempty"`
}

func (e *SimpleEvent) SetDefaults() {
	if e.Event == "" {
		e.Event = "interaction"
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
}

// IngestEvents records events in batches, linking each one back to the most
// recent search that served the item to the same person.
func (i *Ingestor) IngestEvents(ctx context.Context, collection *store.Collection, events []SimpleEvent, sync bool) error {
	for _, chunk := range chunks(events, i.cfg.BatchSize) {
		chunk := chunk
		if sync {
			if err := i.ingestEventChunk(ctx, collection, chunk); err != nil {
				return err
			}
			continue
		}
		if err := i.enqueue(ctx, func(ctx context.Context) error {
			return i.ingestEventChunk(ctx, collection, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) ingestEventChunk(ctx context.Context, collection *store.Collection, chunk []SimpleEvent) error {
	persons := make([]string, 0, len(chunk))
	itemIDs := make([]string, 0, len(chunk))
	seenPersons := map[string]bool{}
	seenItems := map[string]bool{}
	for idx := range chunk {
		chunk[idx].SetDefaults()
		if e := chunk[idx]; !seenPersons[e.Person] {
			seenPersons[e.Person] = true
			persons = append(persons, e.Person)
		}
		if e := chunk[idx]; !seenItems[e.Item] {
			seenItems[e.Item] = true
			itemIDs = append(itemIDs, e.Item)
		}
	}

	if err := i.store.EnsurePersons(ctx, collection.ID, persons); err != nil {
		return err
	}
	if err := i.ensureBareItems(ctx, collection, itemIDs); err != nil {
		return err
	}

	events := make([]store.Event, len(chunk))
	for idx, e := range chunk {
		created := time.Now().UTC()
		if e.Date != nil {
			created = *e.Date
		}
		events[idx] = store.Event{
			CollectionID:     collection.ID,
			EventType:        e.Event,
			PersonExternalID: e.Person,
			ItemExternalID:   e.Item,
			Weight:           e.Weight,
			Created:          created,
		}
	}
	threshold := time.Duration(i.retention.EventToHistoryThresholdMinutes) * time.Minute
	if err := i.store.InsertEvents(ctx, collection.ID, events, threshold); err != nil {
		return err
	}
	i.logger.Info("ingested events", "collection", collection.Name, "events", len(events))
	return nil
}

// ensureBareItems creates empty item rows for ids the collection has never
// seen, so event foreign keys hold.
func (i *Ingestor) ensureBareItems(ctx context.Context, collection *store.Collection, externalIDs []string) error {
	existing, err := i.store.GetItemsByExternalIDs(ctx, collection.ID, externalIDs)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, item := range existing {
		known[item.ExternalID] = true
	}
	var missing []store.SimpleItem
	for _, id := range externalIDs {
		if !known[id] {
			missing = append(missing, store.SimpleItem{ID: id})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	_, err = i.store.UpsertItems(ctx, collection.ID, missing, nil)
	return err
}

// FlushEvents drops every event of the collection.
func (i *Ingestor) FlushEvents(ctx context.Context, collection *store.Collection) (int64, error) {
	return i.store.FlushEvents(ctx, collection.ID)
}
