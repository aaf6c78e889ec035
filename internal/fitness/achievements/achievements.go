package achievements

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const Collection = "achievements"

// Type can be one of:
//   - workout_count
//   - total_volume
//   - weekly_consistency
//   - monthly_consistency
type Type string

const (
	TypeWorkoutCount       Type = "workout_count"
	TypeTotalVolume        Type = "total_volume"
	TypeWeeklyConsistency  Type = "weekly_consistency"
	TypeMonthlyConsistency Type = "monthly_consistency"
)

func (t Type) String() string {
	return string(t)
}

func (t Type) IsValid() bool {
	_, ok := thresholds[t]
	return ok
}

var thresholds = map[Type][]float64{
	TypeWorkoutCount:       {1, 10, 50, 100},
	TypeTotalVolume:        {10000, 50000, 100000},
	TypeWeeklyConsistency:  {3},
	TypeMonthlyConsistency: {12},
}

// evaluation order, so awards come out deterministic
var types = []Type{
	TypeWorkoutCount,
	TypeTotalVolume,
	TypeWeeklyConsistency,
	TypeMonthlyConsistency,
}

func Thresholds(t Type) []float64 {
	return append([]float64(nil), thresholds[t]...)
}

var idNamespace = uuid.MustParse("5c1d0c4e-8f0a-4b7e-9a7e-2f3b6d1c9e01")

// ID is the idempotency key of an achievement: the same user, type and
// threshold always map to the same document.
func ID(userID string, t Type, threshold float64) string {
	key := fmt.Sprintf("%s|%s|%s", userID, t, strconv.FormatFloat(threshold, 'f', -1, 64))
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

type Achievement struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Type           Type      `json:"type"`
	ThresholdValue float64   `json:"thresholdValue"`
	EarnedAt       time.Time `json:"earnedAt"`
}

// Progress holds the analytics counters achievements are measured on.
type Progress struct {
	TotalWorkouts     float64 `json:"totalWorkouts"`
	TotalVolume       float64 `json:"totalVolume"`
	WorkoutsThisWeek  float64 `json:"workoutsThisWeek"`
	WorkoutsThisMonth float64 `json:"workoutsThisMonth"`
}

func (p Progress) value(t Type) float64 {
	switch t {
	case TypeWorkoutCount:
		return p.TotalWorkouts
	case TypeTotalVolume:
		return p.TotalVolume
	case TypeWeeklyConsistency:
		return p.WorkoutsThisWeek
	case TypeMonthlyConsistency:
		return p.WorkoutsThisMonth
	default:
		return 0
	}
}

type Milestone struct {
	Type      Type
	Threshold float64
}

// Crossed returns every milestone passed by moving from before to after,
// that is before < threshold <= after. A single jump can cross several.
func Crossed(before, after Progress) []Milestone {
	var out []Milestone
	for _, t := range types {
		b, a := before.value(t), after.value(t)
		for _, threshold := range thresholds[t] {
			if b < threshold && threshold <= a {
				out = append(out, Milestone{Type: t, Threshold: threshold})
			}
		}
	}
	return out
}

// Reached returns every milestone at or below the current progress.
func Reached(current Progress) []Milestone {
	var out []Milestone
	for _, t := range types {
		v := current.value(t)
		for _, threshold := range thresholds[t] {
			if threshold <= v {
				out = append(out, Milestone{Type: t, Threshold: threshold})
			}
		}
	}
	return out
}

func (m Milestone) title() string {
	switch m.Type {
	case TypeWorkoutCount:
		if m.Threshold == 1 {
			return "First workout"
		}
		return fmt.Sprintf("%s workouts", strconv.FormatFloat(m.Threshold, 'f', -1, 64))
	case TypeTotalVolume:
		return fmt.Sprintf("%s kg lifted", strconv.FormatFloat(m.Threshold, 'f', -1, 64))
	case TypeWeeklyConsistency:
		return fmt.Sprintf("%s workouts in a week", strconv.FormatFloat(m.Threshold, 'f', -1, 64))
	case TypeMonthlyConsistency:
		return fmt.Sprintf("%s workouts in a month", strconv.FormatFloat(m.Threshold, 'f', -1, 64))
	default:
		return string(m.Type)
	}
}
