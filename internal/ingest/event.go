// Package ingest turns domain change events into indexed vectors.
//
// A Pipeline processes one event or a batch of entities synchronously. A
// Queue feeds events to a pool of workers so request paths only enqueue,
// and a NATSTransport carries events between processes.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// Op is the kind of change an event describes.
type Op string

const (
	// OpUpsert creates or replaces the entity's chunk.
	OpUpsert Op = "upsert"
	// OpDelete removes the entity's chunk.
	OpDelete Op = "delete"
)

// ErrInvalidEvent is returned for events that cannot be processed.
var ErrInvalidEvent = errors.New("invalid ingest event")

// Event is a change to one domain entity. It is also the JSON message
// published on the ingest subject.
type Event struct {
	Op       Op                 `json:"op"`
	UserID   string             `json:"user_id"`
	DataType nutrition.DataType `json:"data_type"`
	EntityID string             `json:"entity_id"`
	Entity   json.RawMessage    `json:"entity,omitempty"`
}

// UpsertEvent builds an upsert event carrying entity.
func UpsertEvent(entity nutrition.Entity) (Event, error) {
	if entity == nil {
		return Event{}, fmt.Errorf("%w: nil entity", ErrInvalidEvent)
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return Event{}, fmt.Errorf("%w: encode entity: %v", ErrInvalidEvent, err)
	}
	return Event{
		Op:       OpUpsert,
		UserID:   entity.OwnerID(),
		DataType: entity.Kind(),
		EntityID: entity.EntityID(),
		Entity:   raw,
	}, nil
}

// DeleteEvent builds a delete event.
func DeleteEvent(userID string, dataType nutrition.DataType, entityID string) Event {
	return Event{Op: OpDelete, UserID: userID, DataType: dataType, EntityID: entityID}
}

// Validate checks the fields every event needs.
func (e Event) Validate() error {
	if err := nutrition.ValidateUserID(e.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !e.DataType.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidEvent, nutrition.ErrUnknownDataType, e.DataType)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: missing entity_id", ErrInvalidEvent)
	}
	switch e.Op {
	case OpDelete:
	case OpUpsert:
		if len(e.Entity) == 0 {
			return fmt.Errorf("%w: upsert without entity", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEvent, e.Op)
	}
	return nil
}

// decode returns the event's entity, checking it matches the envelope.
func (e Event) decode() (nutrition.Entity, error) {
	entity, err := nutrition.DecodeEntity(e.DataType, e.Entity)
	if err != nil {
		return nil, err
	}
	if entity.OwnerID() != e.UserID || entity.EntityID() != e.EntityID {
		return nil, fmt.Errorf("%w: entity %s/%s does not match event %s/%s",
			nutrition.ErrInvalidEntity, entity.OwnerID(), entity.EntityID(), e.UserID, e.EntityID)
	}
	return entity, nil
}
