package activity_test

import (
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/activity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpe(v float64) *float64 {
	return &v
}

func TestCalculateWorkoutMetrics(t *testing.T) {
	w := activity.WorkoutPayload{
		Name:            "Morning bench",
		DurationMinutes: 60,
		Exercises: []activity.Exercise{
			{
				Name:           "Bench Press",
				PrimaryMuscles: []string{"Chest", "triceps"},
				Sets: []activity.ExerciseSet{
					{Reps: 10, Weight: 100, Completed: true, RPE: rpe(7)},
					{Reps: 8, Weight: 110, Completed: true},
					{Reps: 6, Weight: 120, Completed: false, RPE: rpe(10)},
				},
			},
		},
	}

	m := activity.CalculateWorkoutMetrics(w)
	assert.Equal(t, 1880.0, m.TotalVolume)
	assert.Equal(t, 2, m.TotalSets)
	assert.Equal(t, 18, m.TotalReps)
	assert.Equal(t, 7.0, m.AverageRPE)
	assert.Equal(t, []string{"chest", "triceps"}, m.MuscleGroups)
	assert.Equal(t, activity.WorkoutTypePush, m.WorkoutType)
	assert.Equal(t, 300.0, m.CaloriesBurned)
	assert.Equal(t, map[string]float64{"Bench Press": 110}, m.BestWeights)
}

func TestCalculateWorkoutMetrics_Empty(t *testing.T) {
	m := activity.CalculateWorkoutMetrics(activity.WorkoutPayload{})
	assert.Zero(t, m.TotalVolume)
	assert.Zero(t, m.AverageRPE)
	assert.Empty(t, m.MuscleGroups)
	assert.Nil(t, m.BestWeights)
	assert.Equal(t, activity.WorkoutTypeStrength, m.WorkoutType)
	assert.Zero(t, m.CaloriesBurned)
}

func TestClassifyWorkout(t *testing.T) {
	tests := []struct {
		name     string
		workout  string
		exercise string
		muscles  []string
		want     activity.WorkoutType
		calories float64
	}{
		{name: "cardio by muscle group", muscles: []string{"cardio", "legs", "core"}, want: activity.WorkoutTypeCardio, calories: 450},
		{name: "cardio by exercise name", exercise: "Treadmill Intervals", muscles: []string{"quads"}, want: activity.WorkoutTypeCardio, calories: 450},
		{name: "full body", muscles: []string{"chest", "lats", "quads"}, want: activity.WorkoutTypeFullBody, calories: 390},
		{name: "push", muscles: []string{"shoulders", "triceps"}, want: activity.WorkoutTypePush, calories: 300},
		{name: "pull", muscles: []string{"lats", "biceps"}, want: activity.WorkoutTypePull, calories: 300},
		{name: "legs", muscles: []string{"glutes"}, want: activity.WorkoutTypeLegs, calories: 360},
		{name: "strength", muscles: []string{"core"}, want: activity.WorkoutTypeStrength, calories: 300},
		{name: "crunches are not running", exercise: "Crunches", muscles: []string{"abs"}, want: activity.WorkoutTypeStrength, calories: 300},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exerciseName := tc.exercise
			if exerciseName == "" {
				exerciseName = "exercise"
			}
			w := activity.WorkoutPayload{
				Name:            tc.workout,
				DurationMinutes: 60,
				Exercises: []activity.Exercise{
					{Name: exerciseName, PrimaryMuscles: tc.muscles},
				},
			}
			m := activity.CalculateWorkoutMetrics(w)
			assert.Equal(t, tc.want, m.WorkoutType)
			assert.InDelta(t, tc.calories, m.CaloriesBurned, 0.0001)
		})
	}
}

func TestCalculateNutritionMacros(t *testing.T) {
	n := activity.NutritionPayload{
		MealType: "lunch",
		Foods: []activity.FoodEntry{
			{
				Name:             "chicken breast",
				ReferenceServing: 100,
				ActualServing:    250,
				Reference:        activity.NutritionMacros{Calories: 165, Protein: 31, Fat: 3.6},
			},
			{
				Name:             "rice",
				ReferenceServing: 100,
				ActualServing:    50,
				Reference:        activity.NutritionMacros{Calories: 130, Protein: 2.7, Carbs: 28, Fat: 0.3, Fiber: 0.4},
			},
		},
	}

	m := activity.CalculateNutritionMacros(n)
	assert.InDelta(t, 412.5+65, m.Calories, 0.0001)
	assert.InDelta(t, 77.5+1.35, m.Protein, 0.0001)
	assert.InDelta(t, 14, m.Carbs, 0.0001)
	assert.InDelta(t, 9+0.15, m.Fat, 0.0001)
	assert.InDelta(t, 0.2, m.Fiber, 0.0001)
}

func TestEvent_Validate(t *testing.T) {
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	valid := activity.Event{
		ID:        "e1",
		UserID:    "u1",
		Kind:      activity.KindWorkout,
		Timestamp: ts,
		Workout:   &activity.WorkoutPayload{DurationMinutes: 30},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(e *activity.Event)
	}{
		{"missing user", func(e *activity.Event) { e.UserID = "" }},
		{"missing id", func(e *activity.Event) { e.ID = "" }},
		{"zero timestamp", func(e *activity.Event) { e.Timestamp = time.Time{} }},
		{"unknown kind", func(e *activity.Event) { e.Kind = "yoga" }},
		{"workout without payload", func(e *activity.Event) { e.Workout = nil }},
		{"both payloads", func(e *activity.Event) {
			e.Nutrition = &activity.NutritionPayload{Foods: []activity.FoodEntry{{Name: "x", ReferenceServing: 1}}}
		}},
		{"negative duration", func(e *activity.Event) { e.Workout = &activity.WorkoutPayload{DurationMinutes: -1} }},
		{"rpe out of range", func(e *activity.Event) {
			e.Workout = &activity.WorkoutPayload{Exercises: []activity.Exercise{
				{Name: "squat", Sets: []activity.ExerciseSet{{Reps: 5, RPE: rpe(11)}}},
			}}
		}},
		{"nutrition without foods", func(e *activity.Event) {
			e.Kind = activity.KindNutrition
			e.Workout = nil
			e.Nutrition = &activity.NutritionPayload{}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			err := e.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindValidation))
		})
	}
}

func TestEvent_WithMetrics(t *testing.T) {
	e := activity.Event{
		Kind: activity.KindNutrition,
		Nutrition: &activity.NutritionPayload{Foods: []activity.FoodEntry{
			{Name: "oats", ReferenceServing: 40, ActualServing: 80, Reference: activity.NutritionMacros{Calories: 150}},
		}},
	}
	e = e.WithMetrics()
	require.NotNil(t, e.Metrics.Nutrition)
	assert.Nil(t, e.Metrics.Workout)
	assert.Equal(t, 300.0, e.Metrics.Nutrition.Calories)
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("CET", 2*60*60)
	ts := time.Date(2024, 6, 2, 1, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), activity.Day(ts))
}
