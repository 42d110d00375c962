package nutrition

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is a source record owned by a user.
type Entity interface {
	EntityID() string
	OwnerID() string
	Kind() DataType
}

// FoodLog is one logged food item.
type FoodLog struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	FoodName string    `json:"food_name"`
	Brand    string    `json:"brand,omitempty"`
	MealType string    `json:"meal_type,omitempty"` // breakfast, lunch, dinner, snack
	Quantity float64   `json:"quantity,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	Calories float64   `json:"calories"`
	ProteinG float64   `json:"protein_g"`
	CarbsG   float64   `json:"carbs_g"`
	FatG     float64   `json:"fat_g"`
	FiberG   float64   `json:"fiber_g,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

func (f *FoodLog) EntityID() string { return f.ID }
func (f *FoodLog) OwnerID() string  { return f.UserID }
func (f *FoodLog) Kind() DataType   { return TypeFoodLog }

// PlannedMeal is one meal inside a meal plan day.
type PlannedMeal struct {
	MealType string  `json:"meal_type"`
	Name     string  `json:"name"`
	Calories float64 `json:"calories,omitempty"`
}

// MealPlanDay groups the meals planned for a date.
type MealPlanDay struct {
	Date  time.Time     `json:"date"`
	Meals []PlannedMeal `json:"meals"`
}

// MealPlan is a multi-day plan.
type MealPlan struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Name           string        `json:"name"`
	Goal           string        `json:"goal,omitempty"`
	TargetCalories float64       `json:"target_calories,omitempty"`
	Days           []MealPlanDay `json:"days"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (m *MealPlan) EntityID() string { return m.ID }
func (m *MealPlan) OwnerID() string  { return m.UserID }
func (m *MealPlan) Kind() DataType   { return TypeMealPlan }

// FavoriteFood is a food the user marked as a favorite.
type FavoriteFood struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	FoodName    string    `json:"food_name"`
	Category    string    `json:"category,omitempty"`
	ServingSize string    `json:"serving_size,omitempty"`
	Calories    float64   `json:"calories,omitempty"`
	ProteinG    float64   `json:"protein_g,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (f *FavoriteFood) EntityID() string { return f.ID }
func (f *FavoriteFood) OwnerID() string  { return f.UserID }
func (f *FavoriteFood) Kind() DataType   { return TypeFavoriteFood }

// NutritionSummary aggregates intake over a period.
type NutritionSummary struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Period       string    `json:"period,omitempty"` // daily, weekly, monthly
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	DaysLogged   int       `json:"days_logged,omitempty"`
	AvgCalories  float64   `json:"avg_calories"`
	AvgProteinG  float64   `json:"avg_protein_g"`
	AvgCarbsG    float64   `json:"avg_carbs_g"`
	AvgFatG      float64   `json:"avg_fat_g"`
	GoalCalories float64   `json:"goal_calories,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *NutritionSummary) EntityID() string { return s.ID }
func (s *NutritionSummary) OwnerID() string  { return s.UserID }
func (s *NutritionSummary) Kind() DataType   { return TypeNutritionSummary }

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is one message in an assistant conversation.
type ChatTurn struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func (c *ChatTurn) EntityID() string { return c.ID }
func (c *ChatTurn) OwnerID() string  { return c.UserID }
func (c *ChatTurn) Kind() DataType   { return TypeChatTurn }

// NewEntity returns an empty entity of the given type.
func NewEntity(dataType DataType) (Entity, error) {
	switch dataType {
	case TypeFoodLog:
		return &FoodLog{}, nil
	case TypeMealPlan:
		return &MealPlan{}, nil
	case TypeFavoriteFood:
		return &FavoriteFood{}, nil
	case TypeNutritionSummary:
		return &NutritionSummary{}, nil
	case TypeChatTurn:
		return &ChatTurn{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDataType, dataType)
}

// DecodeEntity unmarshals JSON into the entity type for dataType.
func DecodeEntity(dataType DataType, data []byte) (Entity, error) {
	e, err := NewEntity(dataType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEntity, dataType, err)
	}
	return e, nil
}
