// Package transfer maps activities to and from the flat import/export rows
// used by spreadsheet and fitness-app exports.
package transfer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/activity"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

type WorkoutRow struct {
	Date            string   `json:"date"`
	Name            string   `json:"name"`
	DurationMinutes float64  `json:"durationMinutes"`
	ExerciseNames   []string `json:"exerciseNames"`
	Sets            int      `json:"sets"`
	Reps            int      `json:"reps"`
	Volume          float64  `json:"volume"`
	Notes           string   `json:"notes,omitempty"`
}

// NutritionRow is one food of a meal.
type NutritionRow struct {
	Date     string  `json:"date"`
	MealType string  `json:"mealType"`
	FoodName string  `json:"foodName"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Quantity float64 `json:"quantity"`
}

type Batch struct {
	Workouts  []WorkoutRow   `json:"workouts"`
	Nutrition []NutritionRow `json:"nutrition"`
}

var idNamespace = uuid.MustParse("9b2f6a64-3c1e-4d8a-b0f5-6e7d2c4a1f93")

// ActivityID is the id an imported activity gets. Importing the same row
// again yields the same id, so it is never counted twice.
func ActivityID(userID string, kind activity.Kind, date time.Time, name string) string {
	key := strings.Join([]string{userID, kind.String(), date.UTC().Format(time.RFC3339), strings.ToLower(strings.TrimSpace(name))}, "|")
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// ParseDate accepts a plain date or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}

// WorkoutEvent turns a row into a workout. The row only carries totals, so
// all sets go to the first exercise, with the weight that reproduces the
// row volume.
func WorkoutEvent(userID string, row WorkoutRow) (activity.Event, error) {
	date, err := ParseDate(row.Date)
	if err != nil {
		return activity.Event{}, apperrors.Validation("transfer.workout", err.Error())
	}
	if row.Sets < 0 || row.Reps < 0 || row.Volume < 0 {
		return activity.Event{}, apperrors.Validation("transfer.workout", "negative sets, reps or volume")
	}

	names := row.ExerciseNames
	if len(names) == 0 {
		names = []string{row.Name}
	}
	exercises := make([]activity.Exercise, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		exercises = append(exercises, activity.Exercise{Name: name})
	}
	if len(exercises) == 0 {
		return activity.Event{}, apperrors.Validation("transfer.workout", "workout without name or exercises")
	}
	exercises[0].Sets = spreadSets(row.Sets, row.Reps, row.Volume)

	return activity.Event{
		ID:        ActivityID(userID, activity.KindWorkout, date, row.Name),
		UserID:    userID,
		Kind:      activity.KindWorkout,
		Timestamp: date,
		Workout: &activity.WorkoutPayload{
			Name:            row.Name,
			DurationMinutes: row.DurationMinutes,
			Exercises:       exercises,
			Notes:           row.Notes,
		},
	}, nil
}

func spreadSets(sets, reps int, volume float64) []activity.ExerciseSet {
	if sets == 0 {
		return nil
	}
	weight := 0.0
	if reps > 0 {
		weight = volume / float64(reps)
	}
	out := make([]activity.ExerciseSet, sets)
	for i := range out {
		out[i] = activity.ExerciseSet{Reps: reps / sets, Weight: weight, Completed: true}
	}
	out[0].Reps += reps % sets
	return out
}

// NutritionEvents groups rows into one meal per date and meal type.
func NutritionEvents(userID string, rows []NutritionRow) ([]activity.Event, []RowError) {
	meals, _, rowErrs := nutritionEvents(userID, rows)
	return meals, rowErrs
}

// nutritionEvents also returns the index of the first row of every meal.
func nutritionEvents(userID string, rows []NutritionRow) ([]activity.Event, []int, []RowError) {
	type mealKey struct {
		date     time.Time
		mealType string
	}
	meals := map[mealKey]*activity.Event{}
	var order []mealKey
	var firstRows []int
	var rowErrs []RowError

	for i, row := range rows {
		date, err := ParseDate(row.Date)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Kind: activity.KindNutrition, Row: i, Err: err.Error()})
			continue
		}
		if strings.TrimSpace(row.FoodName) == "" {
			rowErrs = append(rowErrs, RowError{Kind: activity.KindNutrition, Row: i, Err: "food name missing"})
			continue
		}

		mealType := strings.ToLower(strings.TrimSpace(row.MealType))
		key := mealKey{date: date, mealType: mealType}
		e, ok := meals[key]
		if !ok {
			e = &activity.Event{
				ID:        ActivityID(userID, activity.KindNutrition, date, mealType),
				UserID:    userID,
				Kind:      activity.KindNutrition,
				Timestamp: date,
				Nutrition: &activity.NutritionPayload{MealType: mealType},
			}
			meals[key] = e
			order = append(order, key)
			firstRows = append(firstRows, i)
		}

		// row macros are for the eaten quantity
		serving := row.Quantity
		if serving <= 0 {
			serving = 1
		}
		e.Nutrition.Foods = append(e.Nutrition.Foods, activity.FoodEntry{
			Name:             row.FoodName,
			ReferenceServing: serving,
			ActualServing:    serving,
			Reference: activity.NutritionMacros{
				Calories: row.Calories,
				Protein:  row.Protein,
				Carbs:    row.Carbs,
				Fat:      row.Fat,
			},
		})
	}

	out := make([]activity.Event, 0, len(order))
	for _, key := range order {
		out = append(out, *meals[key])
	}
	return out, firstRows, rowErrs
}

// WorkoutRowOf flattens a stored workout.
func WorkoutRowOf(e activity.Event) WorkoutRow {
	row := WorkoutRow{Date: e.Timestamp.UTC().Format(time.RFC3339)}
	if e.Workout == nil {
		return row
	}
	m := e.Metrics.Workout
	if m == nil {
		calculated := activity.CalculateWorkoutMetrics(*e.Workout)
		m = &calculated
	}

	row.Name = e.Workout.Name
	row.DurationMinutes = e.Workout.DurationMinutes
	row.Notes = e.Workout.Notes
	row.Sets = m.TotalSets
	row.Reps = m.TotalReps
	row.Volume = m.TotalVolume
	for _, ex := range e.Workout.Exercises {
		row.ExerciseNames = append(row.ExerciseNames, ex.Name)
	}
	return row
}

// NutritionRowsOf flattens a stored meal into one row per food.
func NutritionRowsOf(e activity.Event) []NutritionRow {
	if e.Nutrition == nil {
		return nil
	}
	rows := make([]NutritionRow, 0, len(e.Nutrition.Foods))
	for _, food := range e.Nutrition.Foods {
		m := activity.CalculateNutritionMacros(activity.NutritionPayload{Foods: []activity.FoodEntry{food}})
		rows = append(rows, NutritionRow{
			Date:     e.Timestamp.UTC().Format(time.RFC3339),
			MealType: e.Nutrition.MealType,
			FoodName: food.Name,
			Calories: m.Calories,
			Protein:  m.Protein,
			Carbs:    m.Carbs,
			Fat:      m.Fat,
			Quantity: food.ActualServing,
		})
	}
	return rows
}

// RowError reports a row that could not be imported. For a meal that failed
// to record, Row is the first row of the meal.
type RowError struct {
	Kind       activity.Kind `json:"kind"`
	Row        int           `json:"row"`
	ActivityID string        `json:"activityId,omitempty"`
	Err        string        `json:"error"`
}

func sortRowErrors(errs []RowError) {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Kind != errs[j].Kind {
			return errs[i].Kind > errs[j].Kind
		}
		return errs[i].Row < errs[j].Row
	})
}
