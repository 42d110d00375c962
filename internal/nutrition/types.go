// Package nutrition defines the domain records that nutrictx vectorizes and the
// identifiers that tie a vector back to them.
//
// Every vector lives in exactly one namespace, "<user_id>:<data_type>", and has
// an id derived only from (user_id, data_type, entity_id). Re-ingesting the same
// entity therefore overwrites its vector instead of adding a duplicate.
package nutrition

import (
	"fmt"
)

// DataType identifies a class of source records.
type DataType string

const (
	TypeFoodLog          DataType = "food_log"
	TypeMealPlan         DataType = "meal_plan"
	TypeFavoriteFood     DataType = "favorite_food"
	TypeNutritionSummary DataType = "nutrition_summary"
	TypeChatTurn         DataType = "chat_turn"
)

var allDataTypes = []DataType{TypeFoodLog, TypeMealPlan, TypeFavoriteFood, TypeNutritionSummary, TypeChatTurn}

// AllDataTypes returns every data type in a fixed order.
func AllDataTypes() []DataType {
	out := make([]DataType, len(allDataTypes))
	copy(out, allDataTypes)
	return out
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	for _, t := range allDataTypes {
		if t == d {
			return true
		}
	}
	return false
}

func (d DataType) String() string { return string(d) }

// ParseDataType validates s as a data type.
func ParseDataType(s string) (DataType, error) {
	d := DataType(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDataType, s)
	}
	return d, nil
}

// ParseDataTypes validates a list, dropping duplicates. An empty list yields nil.
func ParseDataTypes(ss []string) ([]DataType, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	seen := make(map[DataType]bool, len(ss))
	out := make([]DataType, 0, len(ss))
	for _, s := range ss {
		d, err := ParseDataType(s)
		if err != nil {
			return nil, err
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}
