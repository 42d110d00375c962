// Package datastore reads source entities from the primary application
// database. It never writes.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// ErrNotFound is returned by Get for unknown entities.
var ErrNotFound = errors.New("entity not found")

// Range narrows List. Zero fields are unbounded.
type Range struct {
	Since time.Time
	Until time.Time
	Limit int
}

func (r Range) contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}

// Datastore is the read side of the primary database.
type Datastore interface {
	// List returns a user's entities of one type, oldest first.
	List(ctx context.Context, userID string, dataType nutrition.DataType, r Range) ([]nutrition.Entity, error)
	// Get returns one entity or ErrNotFound.
	Get(ctx context.Context, userID string, dataType nutrition.DataType, id string) (nutrition.Entity, error)
}

// Timestamp returns the time an entity is ordered and ranged by.
func Timestamp(e nutrition.Entity) time.Time {
	switch v := e.(type) {
	case *nutrition.FoodLog:
		return v.LoggedAt
	case *nutrition.MealPlan:
		return v.CreatedAt
	case *nutrition.FavoriteFood:
		return v.CreatedAt
	case *nutrition.NutritionSummary:
		return v.PeriodStart
	case *nutrition.ChatTurn:
		return v.CreatedAt
	}
	return time.Time{}
}

type memKey struct {
	user     string
	dataType nutrition.DataType
}

// MemoryDatastore holds entities in process, for development and tests.
type MemoryDatastore struct {
	mu       sync.RWMutex
	entities map[memKey]map[string]nutrition.Entity
}

// NewMemoryDatastore returns an empty datastore.
func NewMemoryDatastore() *MemoryDatastore {
	return &MemoryDatastore{entities: make(map[memKey]map[string]nutrition.Entity)}
}

// Put stores entities, replacing any with the same owner, type and id.
func (m *MemoryDatastore) Put(entities ...nutrition.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		k := memKey{e.OwnerID(), e.Kind()}
		if m.entities[k] == nil {
			m.entities[k] = make(map[string]nutrition.Entity)
		}
		m.entities[k][e.EntityID()] = e
	}
}

// Remove deletes one entity.
func (m *MemoryDatastore) Remove(userID string, dataType nutrition.DataType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities[memKey{userID, dataType}], id)
}

// List implements Datastore.
func (m *MemoryDatastore) List(ctx context.Context, userID string, dataType nutrition.DataType, r Range) ([]nutrition.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !dataType.Valid() {
		return nil, fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, dataType)
	}

	m.mu.RLock()
	out := make([]nutrition.Entity, 0, len(m.entities[memKey{userID, dataType}]))
	for _, e := range m.entities[memKey{userID, dataType}] {
		if r.contains(Timestamp(e)) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := Timestamp(out[i]), Timestamp(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].EntityID() < out[j].EntityID()
	})
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

// Get implements Datastore.
func (m *MemoryDatastore) Get(ctx context.Context, userID string, dataType nutrition.DataType, id string) (nutrition.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[memKey{userID, dataType}][id]
	if !ok {
		return nil, fmt.Errorf("%s %s/%s: %w", dataType, userID, id, ErrNotFound)
	}
	return e, nil
}
