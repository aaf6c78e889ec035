package goals

import (
	"math"
	"time"
)

const Collection = "goals"

// Type can be one of:
//   - workoutCount
//   - totalVolume
//   - totalDuration
//   - weeklyWorkouts
//   - monthlyWorkouts
//   - streak
//   - caloriesBurned
type Type string

const (
	TypeWorkoutCount    Type = "workoutCount"
	TypeTotalVolume     Type = "totalVolume"
	TypeTotalDuration   Type = "totalDuration"
	TypeWeeklyWorkouts  Type = "weeklyWorkouts"
	TypeMonthlyWorkouts Type = "monthlyWorkouts"
	TypeStreak          Type = "streak"
	TypeCaloriesBurned  Type = "caloriesBurned"
)

func (t Type) String() string {
	return string(t)
}

func (t Type) IsValid() bool {
	switch t {
	case TypeWorkoutCount,
		TypeTotalVolume,
		TypeTotalDuration,
		TypeWeeklyWorkouts,
		TypeMonthlyWorkouts,
		TypeStreak,
		TypeCaloriesBurned:
		return true
	default:
		return false
	}
}

// Accumulative goal types never see their progress go down.
func (t Type) Accumulative() bool {
	switch t {
	case TypeWorkoutCount, TypeTotalVolume, TypeTotalDuration, TypeCaloriesBurned:
		return true
	default:
		return false
	}
}

type Goal struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Type            Type       `json:"type"`
	Title           string     `json:"title"`
	TargetValue     float64    `json:"targetValue"`
	CurrentProgress float64    `json:"currentProgress"`
	IsCompleted     bool       `json:"isCompleted"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type CreateParams struct {
	Type        Type    `json:"type" validate:"required"`
	Title       string  `json:"title" validate:"max=120"`
	TargetValue float64 `json:"targetValue" validate:"gt=0"`
}

// Progress holds the analytics fields goals are measured against.
type Progress struct {
	TotalWorkouts       float64
	TotalVolume         float64
	TotalDuration       float64
	WorkoutsThisWeek    float64
	WorkoutsThisMonth   float64
	CurrentStreak       float64
	TotalCaloriesBurned float64
}

func (p Progress) value(t Type) float64 {
	switch t {
	case TypeWorkoutCount:
		return p.TotalWorkouts
	case TypeTotalVolume:
		return p.TotalVolume
	case TypeTotalDuration:
		return p.TotalDuration
	case TypeWeeklyWorkouts:
		return p.WorkoutsThisWeek
	case TypeMonthlyWorkouts:
		return p.WorkoutsThisMonth
	case TypeStreak:
		return p.CurrentStreak
	case TypeCaloriesBurned:
		return p.TotalCaloriesBurned
	default:
		return 0
	}
}

// NextProgress is the progress of a goal of type t, previously at current,
// after the analytics moved to p.
func NextProgress(t Type, current float64, p Progress) float64 {
	derived := p.value(t)
	if t.Accumulative() {
		return math.Max(current, derived)
	}
	return derived
}
