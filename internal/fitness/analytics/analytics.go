package analytics

import (
	"fmt"
	"time"

	"github.com/2beens/fitsync/internal/fitness/achievements"
	"github.com/2beens/fitsync/internal/fitness/goals"
)

const Collection = "analytics"

type BodyMetrics struct {
	Weight    *float64   `json:"weight,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type CardioMetrics struct {
	Steps     float64    `json:"steps"`
	Distance  float64    `json:"distance"`
	Calories  float64    `json:"calories"`
	HeartRate float64    `json:"heartRate,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// UserAnalytics is the aggregate record of one user. After creation its
// counters only change by atomic deltas.
type UserAnalytics struct {
	UserID                string             `json:"userId"`
	TotalWorkouts         float64            `json:"totalWorkouts"`
	TotalVolume           float64            `json:"totalVolume"`
	TotalDuration         float64            `json:"totalDuration"`
	WorkoutsThisWeek      float64            `json:"workoutsThisWeek"`
	WorkoutsThisMonth     float64            `json:"workoutsThisMonth"`
	WeekKey               string             `json:"weekKey"`
	MonthKey              string             `json:"monthKey"`
	CurrentStreak         int                `json:"currentStreak"`
	LongestStreak         int                `json:"longestStreak"`
	LastActivityDate      *time.Time         `json:"lastActivityDate,omitempty"`
	TotalCaloriesBurned   float64            `json:"totalCaloriesBurned"`
	TotalMealsLogged      float64            `json:"totalMealsLogged"`
	TotalCaloriesConsumed float64            `json:"totalCaloriesConsumed"`
	StrengthMetrics       map[string]float64 `json:"strengthMetrics,omitempty"`
	BodyMetrics           BodyMetrics        `json:"bodyMetrics"`
	CardioMetrics         CardioMetrics      `json:"cardioMetrics"`
	UpdatedAt             *time.Time         `json:"updatedAt,omitempty"`
}

func (a UserAnalytics) AchievementProgress() achievements.Progress {
	return achievements.Progress{
		TotalWorkouts:     a.TotalWorkouts,
		TotalVolume:       a.TotalVolume,
		WorkoutsThisWeek:  a.WorkoutsThisWeek,
		WorkoutsThisMonth: a.WorkoutsThisMonth,
	}
}

func (a UserAnalytics) GoalProgress() goals.Progress {
	return goals.Progress{
		TotalWorkouts:       a.TotalWorkouts,
		TotalVolume:         a.TotalVolume,
		TotalDuration:       a.TotalDuration,
		WorkoutsThisWeek:    a.WorkoutsThisWeek,
		WorkoutsThisMonth:   a.WorkoutsThisMonth,
		CurrentStreak:       float64(a.CurrentStreak),
		TotalCaloriesBurned: a.TotalCaloriesBurned,
	}
}

// WeekKey is the ISO week of t, e.g. 2024-W09.
func WeekKey(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// MonthKey is the calendar month of t, e.g. 2024-03.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Sample is one reading of a biometric source (watch, phone, scale).
type Sample struct {
	Steps     float64   `json:"steps" validate:"gte=0"`
	Distance  float64   `json:"distance" validate:"gte=0"`
	Calories  float64   `json:"calories" validate:"gte=0"`
	HeartRate float64   `json:"heartRate" validate:"gte=0,lte=300"`
	Weight    *float64  `json:"weight,omitempty" validate:"omitempty,gt=0,lte=700"`
	Timestamp time.Time `json:"timestamp"`
}
