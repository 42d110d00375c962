package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

const dateLayout = "2006-01-02"

func foodLog(e nutrition.Entity) (string, nutrition.Metadata, error) {
	f := e.(*nutrition.FoodLog)
	if strings.TrimSpace(f.FoodName) == "" {
		return "", nutrition.Metadata{}, missing(nutrition.TypeFoodLog, f.ID, "food_name")
	}
	if f.LoggedAt.IsZero() {
		return "", nutrition.Metadata{}, missing(nutrition.TypeFoodLog, f.ID, "logged_at")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "On %s, logged ", f.LoggedAt.Format(dateLayout))
	if f.Quantity > 0 {
		fmt.Fprintf(&b, "%s%s of ", num(f.Quantity), unit(f.Unit))
	}
	b.WriteString(f.FoodName)
	if f.Brand != "" {
		fmt.Fprintf(&b, " (%s)", f.Brand)
	}
	if f.MealType != "" {
		fmt.Fprintf(&b, " for %s", strings.ToLower(f.MealType))
	}
	fmt.Fprintf(&b, ": %s cal, %sg protein, %sg carbs, %sg fat",
		num(f.Calories), num(f.ProteinG), num(f.CarbsG), num(f.FatG))
	if f.FiberG > 0 {
		fmt.Fprintf(&b, ", %sg fiber", num(f.FiberG))
	}
	b.WriteString(".")
	if f.Notes != "" {
		fmt.Fprintf(&b, " Notes: %s", f.Notes)
	}

	md := nutrition.Metadata{
		Envelope: nutrition.Envelope{CreatedAt: f.LoggedAt},
		Payload: nutrition.FoodLogPayload{
			FoodName: f.FoodName,
			MealType: strings.ToLower(f.MealType),
			Calories: f.Calories,
			ProteinG: f.ProteinG,
			CarbsG:   f.CarbsG,
			FatG:     f.FatG,
		},
	}
	return b.String(), md, nil
}

func mealPlan(e nutrition.Entity) (string, nutrition.Metadata, error) {
	p := e.(*nutrition.MealPlan)
	if strings.TrimSpace(p.Name) == "" {
		return "", nutrition.Metadata{}, missing(nutrition.TypeMealPlan, p.ID, "name")
	}
	if len(p.Days) == 0 {
		return "", nutrition.Metadata{}, missing(nutrition.TypeMealPlan, p.ID, "days")
	}

	start, end := p.Days[0].Date, p.Days[0].Date
	for _, d := range p.Days[1:] {
		if d.Date.Before(start) {
			start = d.Date
		}
		if d.Date.After(end) {
			end = d.Date
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Meal plan %q", p.Name)
	var extras []string
	if p.Goal != "" {
		extras = append(extras, "goal: "+p.Goal)
	}
	if p.TargetCalories > 0 {
		extras = append(extras, "target "+num(p.TargetCalories)+" cal/day")
	}
	if len(extras) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(extras, ", "))
	}
	fmt.Fprintf(&b, " from %s to %s.", start.Format(dateLayout), end.Format(dateLayout))

	for _, day := range p.Days {
		if len(day.Meals) == 0 {
			continue
		}
		meals := make([]string, 0, len(day.Meals))
		for _, m := range day.Meals {
			s := strings.TrimSpace(strings.ToLower(m.MealType) + " " + m.Name)
			if m.Calories > 0 {
				s += " (" + num(m.Calories) + " cal)"
			}
			meals = append(meals, s)
		}
		fmt.Fprintf(&b, " %s: %s.", day.Date.Format(dateLayout), strings.Join(meals, ", "))
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = start
	}
	md := nutrition.Metadata{
		Envelope: nutrition.Envelope{CreatedAt: created},
		Payload: nutrition.MealPlanPayload{
			PlanName:  p.Name,
			StartDate: start,
			EndDate:   end,
			Days:      len(p.Days),
		},
	}
	return b.String(), md, nil
}

func favoriteFood(e nutrition.Entity) (string, nutrition.Metadata, error) {
	f := e.(*nutrition.FavoriteFood)
	if strings.TrimSpace(f.FoodName) == "" {
		return "", nutrition.Metadata{}, missing(nutrition.TypeFavoriteFood, f.ID, "food_name")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Favorite food: %s", f.FoodName)
	if f.Category != "" {
		fmt.Fprintf(&b, " (%s)", f.Category)
	}
	var facts []string
	if f.ServingSize != "" {
		facts = append(facts, "serving "+f.ServingSize)
	}
	if f.Calories > 0 {
		facts = append(facts, num(f.Calories)+" cal")
	}
	if f.ProteinG > 0 {
		facts = append(facts, num(f.ProteinG)+"g protein")
	}
	if len(facts) > 0 {
		b.WriteString(", " + strings.Join(facts, ", "))
	}
	b.WriteString(".")
	if f.Notes != "" {
		fmt.Fprintf(&b, " Notes: %s", f.Notes)
	}

	md := nutrition.Metadata{
		Envelope: nutrition.Envelope{CreatedAt: f.CreatedAt},
		Payload:  nutrition.FavoriteFoodPayload{FoodName: f.FoodName, Category: f.Category},
	}
	return b.String(), md, nil
}

func nutritionSummary(e nutrition.Entity) (string, nutrition.Metadata, error) {
	s := e.(*nutrition.NutritionSummary)
	if s.PeriodStart.IsZero() {
		return "", nutrition.Metadata{}, missing(nutrition.TypeNutritionSummary, s.ID, "period_start")
	}
	if s.PeriodEnd.IsZero() {
		return "", nutrition.Metadata{}, missing(nutrition.TypeNutritionSummary, s.ID, "period_end")
	}
	if s.PeriodEnd.Before(s.PeriodStart) {
		return "", nutrition.Metadata{}, fmt.Errorf("%w: %s %s period ends before it starts",
			nutrition.ErrInvalidEntity, nutrition.TypeNutritionSummary, s.ID)
	}

	period := s.Period
	if period == "" {
		period = inferPeriod(s.PeriodStart, s.PeriodEnd)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s nutrition summary %s to %s",
		capitalize(period), s.PeriodStart.Format(dateLayout), s.PeriodEnd.Format(dateLayout))
	if s.DaysLogged > 0 {
		fmt.Fprintf(&b, " (%d days logged)", s.DaysLogged)
	}
	fmt.Fprintf(&b, ": averaged %s cal, %sg protein, %sg carbs, %sg fat per day",
		num(s.AvgCalories), num(s.AvgProteinG), num(s.AvgCarbsG), num(s.AvgFatG))
	if s.GoalCalories > 0 {
		diff := s.AvgCalories - s.GoalCalories
		direction := "over"
		if diff < 0 {
			direction = "under"
		}
		fmt.Fprintf(&b, " against a goal of %s cal (%s cal %s)", num(s.GoalCalories), num(math.Abs(diff)), direction)
	}
	b.WriteString(".")

	created := s.CreatedAt
	if created.IsZero() {
		created = s.PeriodEnd
	}
	md := nutrition.Metadata{
		Envelope: nutrition.Envelope{CreatedAt: created},
		Payload: nutrition.SummaryPayload{
			Period:      period,
			PeriodStart: s.PeriodStart,
			PeriodEnd:   s.PeriodEnd,
			AvgCalories: s.AvgCalories,
		},
	}
	return b.String(), md, nil
}

func chatTurn(e nutrition.Entity) (string, nutrition.Metadata, error) {
	c := e.(*nutrition.ChatTurn)
	content := strings.TrimSpace(c.Content)
	if content == "" {
		return "", nutrition.Metadata{}, missing(nutrition.TypeChatTurn, c.ID, "content")
	}
	switch c.Role {
	case nutrition.RoleAssistant:
	case nutrition.RoleUser:
		return "", nutrition.Metadata{}, fmt.Errorf("%w: %s %s has role %q",
			nutrition.ErrSkippedEntity, nutrition.TypeChatTurn, c.ID, c.Role)
	case "":
		return "", nutrition.Metadata{}, missing(nutrition.TypeChatTurn, c.ID, "role")
	default:
		return "", nutrition.Metadata{}, fmt.Errorf("%w: %s %s has unknown role %q",
			nutrition.ErrInvalidEntity, nutrition.TypeChatTurn, c.ID, c.Role)
	}

	md := nutrition.Metadata{
		Envelope: nutrition.Envelope{CreatedAt: c.CreatedAt},
		Payload:  nutrition.ChatTurnPayload{Role: c.Role, ConversationID: c.ConversationID},
	}
	return "Assistant insight: " + content, md, nil
}

// num formats to at most one decimal place.
func num(f float64) string {
	return strconv.FormatFloat(math.Round(f*10)/10, 'f', -1, 64)
}

func unit(u string) string {
	switch u {
	case "":
		return "g"
	case "g", "ml", "mg", "kg", "oz", "l":
		return u
	}
	return " " + u
}

func inferPeriod(start, end time.Time) string {
	days := end.Sub(start).Hours() / 24
	switch {
	case days < 1.5:
		return "daily"
	case days < 8:
		return "weekly"
	default:
		return "monthly"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
