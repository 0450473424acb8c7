package grove

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// entityEventPayload is the stored payload of entity-affecting sync events.
type entityEventPayload struct {
	Entities []EventEntityRef `json:"entities"`
}

// schemaEventPayload is the stored payload of updateSchema events.
type schemaEventPayload struct {
	Version int `json:"version"`
}

// appendEntityEvent writes one sync event summarizing the entities a batch
// operation changed. Callers only invoke it when at least one entity
// actually changed.
func (s *service) appendEntityEvent(ctx context.Context, tx RepositoryTx, eventType SyncEventType, entities []EventEntityRef) error {
	payload, err := json.Marshal(entityEventPayload{Entities: entities})
	if err != nil {
		return err
	}
	return tx.AppendSyncEvent(ctx, &SyncEvent{
		ID:        uuid.New(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		CreatedBy: s.session.Subject,
		Payload:   payload,
		Entities:  entities,
	})
}

func (s *service) appendSchemaEvent(ctx context.Context, tx RepositoryTx, version int) error {
	payload, err := json.Marshal(schemaEventPayload{Version: version})
	if err != nil {
		return err
	}
	return tx.AppendSyncEvent(ctx, &SyncEvent{
		ID:            uuid.New(),
		Type:          EventUpdateSchema,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     s.session.Subject,
		Payload:       payload,
		SchemaVersion: version,
	})
}

func (s *service) GetChangelogEvents(ctx context.Context, query ChangelogQuery) (*SyncEventPage, error) {
	if query.Limit <= 0 {
		query.Limit = 25
	}
	if _, err := DecodeIntCursor(query.After); err != nil {
		return nil, err
	}
	return s.repository.GetSyncEvents(ctx, query)
}
