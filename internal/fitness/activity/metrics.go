package activity

import (
	"strings"
)

// WorkoutType can be one of:
//   - cardio
//   - full_body
//   - push
//   - pull
//   - legs
//   - strength
type WorkoutType string

const (
	WorkoutTypeCardio   WorkoutType = "cardio"
	WorkoutTypeFullBody WorkoutType = "full_body"
	WorkoutTypePush     WorkoutType = "push"
	WorkoutTypePull     WorkoutType = "pull"
	WorkoutTypeLegs     WorkoutType = "legs"
	WorkoutTypeStrength WorkoutType = "strength"
)

// CaloriesPerHour is the base burn rate of a workout before the type multiplier.
const CaloriesPerHour = 300.0

var (
	cardioKeywords = []string{"cardio", "running", "jog", "sprint", "cycling", "bike", "rowing", "treadmill", "elliptical", "swim", "hiit", "jump rope"}
	pushKeywords   = []string{"chest", "pec", "shoulder", "delt", "tricep"}
	pullKeywords   = []string{"back", "lat", "bicep", "trap", "rhomboid"}
	legKeywords    = []string{"leg", "quad", "hamstring", "glute", "calf", "calves"}
)

type WorkoutMetrics struct {
	TotalVolume     float64     `json:"totalVolume"`
	TotalSets       int         `json:"totalSets"`
	TotalReps       int         `json:"totalReps"`
	AverageRPE      float64     `json:"averageRPE"`
	MuscleGroups    []string    `json:"muscleGroups"`
	WorkoutType     WorkoutType `json:"workoutType"`
	CaloriesBurned  float64     `json:"caloriesBurned"`
	DurationMinutes float64     `json:"durationMinutes"`
	// BestWeights is the heaviest completed set per exercise name.
	BestWeights map[string]float64 `json:"bestWeights,omitempty"`
}

// CalculateWorkoutMetrics derives the metrics of a workout. Only completed
// sets count.
func CalculateWorkoutMetrics(w WorkoutPayload) WorkoutMetrics {
	m := WorkoutMetrics{
		MuscleGroups:    []string{},
		DurationMinutes: w.DurationMinutes,
	}

	var rpeSum float64
	var rpeCount int
	seen := map[string]bool{}
	for _, ex := range w.Exercises {
		for _, muscle := range ex.PrimaryMuscles {
			muscle = strings.ToLower(strings.TrimSpace(muscle))
			if muscle == "" || seen[muscle] {
				continue
			}
			seen[muscle] = true
			m.MuscleGroups = append(m.MuscleGroups, muscle)
		}

		for _, set := range ex.Sets {
			if !set.Completed {
				continue
			}
			m.TotalSets++
			m.TotalReps += set.Reps
			m.TotalVolume += float64(set.Reps) * set.Weight
			if set.RPE != nil {
				rpeSum += *set.RPE
				rpeCount++
			}
			if set.Weight > 0 {
				if m.BestWeights == nil {
					m.BestWeights = map[string]float64{}
				}
				if set.Weight > m.BestWeights[ex.Name] {
					m.BestWeights[ex.Name] = set.Weight
				}
			}
		}
	}
	if rpeCount > 0 {
		m.AverageRPE = rpeSum / float64(rpeCount)
	}

	m.WorkoutType = ClassifyWorkout(w, m.MuscleGroups)
	m.CaloriesBurned = CaloriesPerHour * (w.DurationMinutes / 60) * typeMultiplier(m.WorkoutType)
	return m
}

// ClassifyWorkout picks the workout type by precedence: cardio, full body
// (3 or more muscle groups), push, pull, legs, and strength otherwise.
func ClassifyWorkout(w WorkoutPayload, muscleGroups []string) WorkoutType {
	names := make([]string, 0, len(w.Exercises)+1)
	names = append(names, strings.ToLower(w.Name))
	for _, ex := range w.Exercises {
		names = append(names, strings.ToLower(ex.Name))
	}

	switch {
	case containsAny(muscleGroups, cardioKeywords) || containsAny(names, cardioKeywords):
		return WorkoutTypeCardio
	case len(muscleGroups) >= 3:
		return WorkoutTypeFullBody
	case containsAny(muscleGroups, pushKeywords):
		return WorkoutTypePush
	case containsAny(muscleGroups, pullKeywords):
		return WorkoutTypePull
	case containsAny(muscleGroups, legKeywords):
		return WorkoutTypeLegs
	default:
		return WorkoutTypeStrength
	}
}

func typeMultiplier(t WorkoutType) float64 {
	switch t {
	case WorkoutTypeCardio:
		return 1.5
	case WorkoutTypeFullBody:
		return 1.3
	case WorkoutTypeLegs:
		return 1.2
	default:
		return 1.0
	}
}

func containsAny(values, keywords []string) bool {
	for _, v := range values {
		for _, kw := range keywords {
			if strings.Contains(v, kw) {
				return true
			}
		}
	}
	return false
}

// CalculateNutritionMacros sums the macros of all foods, each scaled from its
// reference serving to the eaten one.
func CalculateNutritionMacros(n NutritionPayload) NutritionMacros {
	var total NutritionMacros
	for _, food := range n.Foods {
		if food.ReferenceServing <= 0 {
			continue
		}
		ratio := food.ActualServing / food.ReferenceServing
		total.Calories += food.Reference.Calories * ratio
		total.Protein += food.Reference.Protein * ratio
		total.Carbs += food.Reference.Carbs * ratio
		total.Fat += food.Reference.Fat * ratio
		total.Fiber += food.Reference.Fiber * ratio
	}
	return total
}
