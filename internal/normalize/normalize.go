// Package normalize turns domain records into the text and metadata that get embedded.
package normalize

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// MaxTextLength caps normalized text in bytes.
const MaxTextLength = 8000

// Draft is a chunk before embedding.
type Draft struct {
	ID        string
	Namespace string
	Text      string
	Metadata  nutrition.Metadata
}

// Mapping renders one entity type. It must be pure.
type Mapping func(e nutrition.Entity) (string, nutrition.Metadata, error)

// Normalizer holds one mapping per data type.
type Normalizer struct {
	mu       sync.RWMutex
	mappings map[nutrition.DataType]Mapping
}

// New returns a normalizer with mappings for every built-in data type.
func New() *Normalizer {
	n := &Normalizer{mappings: make(map[nutrition.DataType]Mapping)}
	n.Register(nutrition.TypeFoodLog, foodLog)
	n.Register(nutrition.TypeMealPlan, mealPlan)
	n.Register(nutrition.TypeFavoriteFood, favoriteFood)
	n.Register(nutrition.TypeNutritionSummary, nutritionSummary)
	n.Register(nutrition.TypeChatTurn, chatTurn)
	return n
}

// Register sets the mapping for a data type, replacing any existing one.
func (n *Normalizer) Register(dataType nutrition.DataType, m Mapping) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mappings[dataType] = m
}

// Normalize renders entity as a Draft. Records missing required fields return
// an error wrapping nutrition.ErrInvalidEntity; records that are valid but not
// vectorized return nutrition.ErrSkippedEntity.
func (n *Normalizer) Normalize(dataType nutrition.DataType, entity nutrition.Entity) (Draft, error) {
	n.mu.RLock()
	mapping, ok := n.mappings[dataType]
	n.mu.RUnlock()
	if !ok {
		return Draft{}, fmt.Errorf("%w: no mapping for %q", nutrition.ErrUnknownDataType, dataType)
	}

	if entity == nil {
		return Draft{}, fmt.Errorf("%w: nil %s", nutrition.ErrInvalidEntity, dataType)
	}
	if entity.Kind() != dataType {
		return Draft{}, fmt.Errorf("%w: got %s entity for %s", nutrition.ErrInvalidEntity, entity.Kind(), dataType)
	}
	if entity.EntityID() == "" {
		return Draft{}, fmt.Errorf("%w: %s missing id", nutrition.ErrInvalidEntity, dataType)
	}
	if err := nutrition.ValidateUserID(entity.OwnerID()); err != nil {
		return Draft{}, fmt.Errorf("%w: %s %s: %v", nutrition.ErrInvalidEntity, dataType, entity.EntityID(), err)
	}

	text, md, err := mapping(entity)
	if err != nil {
		return Draft{}, err
	}
	md.UserID = entity.OwnerID()
	md.DataType = dataType
	md.EntityID = entity.EntityID()
	if err := md.Validate(); err != nil {
		return Draft{}, err
	}

	return Draft{
		ID:        nutrition.ChunkID(md.UserID, dataType, md.EntityID),
		Namespace: nutrition.Namespace(md.UserID, dataType),
		Text:      truncate(text, MaxTextLength),
		Metadata:  md,
	}, nil
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func missing(dataType nutrition.DataType, id, field string) error {
	return fmt.Errorf("%w: %s %s missing %s", nutrition.ErrInvalidEntity, dataType, id, field)
}
