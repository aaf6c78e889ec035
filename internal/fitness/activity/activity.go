package activity

import (
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/pkg"
)

const Collection = "activities"

// Kind can be one of:
//   - workout
//   - nutrition
type Kind string

const (
	KindWorkout   Kind = "workout"
	KindNutrition Kind = "nutrition"
)

func (k Kind) String() string {
	return string(k)
}

func (k Kind) IsValid() bool {
	switch k {
	case KindWorkout, KindNutrition:
		return true
	default:
		return false
	}
}

type ExerciseSet struct {
	Reps      int      `json:"reps" validate:"gte=0"`
	Weight    float64  `json:"weight" validate:"gte=0"`
	RPE       *float64 `json:"rpe,omitempty" validate:"omitempty,gte=0,lte=10"`
	Completed bool     `json:"completed"`
}

type Exercise struct {
	Name           string        `json:"name" validate:"required"`
	PrimaryMuscles []string      `json:"primaryMuscles"`
	Sets           []ExerciseSet `json:"sets" validate:"dive"`
}

type WorkoutPayload struct {
	Name            string     `json:"name"`
	DurationMinutes float64    `json:"durationMinutes" validate:"gte=0"`
	Exercises       []Exercise `json:"exercises" validate:"dive"`
	Notes           string     `json:"notes,omitempty"`
}

type NutritionMacros struct {
	Calories float64 `json:"calories" validate:"gte=0"`
	Protein  float64 `json:"protein" validate:"gte=0"`
	Carbs    float64 `json:"carbs" validate:"gte=0"`
	Fat      float64 `json:"fat" validate:"gte=0"`
	Fiber    float64 `json:"fiber" validate:"gte=0"`
}

// FoodEntry is one logged food. Reference holds the macros of
// ReferenceServing grams, ActualServing is what was eaten.
type FoodEntry struct {
	Name             string          `json:"name" validate:"required"`
	ReferenceServing float64         `json:"referenceServing" validate:"gt=0"`
	ActualServing    float64         `json:"actualServing" validate:"gte=0"`
	Reference        NutritionMacros `json:"reference"`
}

type NutritionPayload struct {
	MealType string      `json:"mealType" validate:"omitempty,oneof=breakfast lunch dinner snack"`
	Foods    []FoodEntry `json:"foods" validate:"min=1,dive"`
}

type Metrics struct {
	Workout   *WorkoutMetrics  `json:"workout,omitempty"`
	Nutrition *NutritionMacros `json:"nutrition,omitempty"`
}

// Event is a completed workout or a logged meal. Once stored it is never
// changed; its id is the idempotency key of the analytics update.
type Event struct {
	ID        string            `json:"id" validate:"required"`
	UserID    string            `json:"userId" validate:"required"`
	Kind      Kind              `json:"kind" validate:"required"`
	Timestamp time.Time         `json:"timestamp" validate:"required"`
	Workout   *WorkoutPayload   `json:"workout,omitempty"`
	Nutrition *NutritionPayload `json:"nutrition,omitempty"`
	Metrics   Metrics           `json:"metrics"`
}

func (e Event) Validate() error {
	if err := pkg.ValidateStruct(e); err != nil {
		return apperrors.ValidationWrap("activity.validate", err)
	}
	switch e.Kind {
	case KindWorkout:
		if e.Workout == nil || e.Nutrition != nil {
			return apperrors.Validation("activity.validate", "workout event needs a workout payload only")
		}
	case KindNutrition:
		if e.Nutrition == nil || e.Workout != nil {
			return apperrors.Validation("activity.validate", "nutrition event needs a nutrition payload only")
		}
	default:
		return apperrors.Validation("activity.validate", "unknown kind: "+string(e.Kind))
	}
	return nil
}

// WithMetrics returns a copy of e with its metrics derived from the payload.
func (e Event) WithMetrics() Event {
	switch e.Kind {
	case KindWorkout:
		if e.Workout != nil {
			m := CalculateWorkoutMetrics(*e.Workout)
			e.Metrics = Metrics{Workout: &m}
		}
	case KindNutrition:
		if e.Nutrition != nil {
			m := CalculateNutritionMacros(*e.Nutrition)
			e.Metrics = Metrics{Nutrition: &m}
		}
	}
	return e
}

// Day is the UTC calendar day of the event.
func (e Event) Day() time.Time {
	return Day(e.Timestamp)
}

func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
