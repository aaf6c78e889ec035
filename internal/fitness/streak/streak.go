package streak

import (
	"sort"
	"time"
)

// DefaultToleranceDays is the largest gap in days between two activities
// that still keeps a streak going.
const DefaultToleranceDays = 2

const day = 24 * time.Hour

type Result struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

// Calculate returns the current and the longest streak of the given activity
// dates. Dates are reduced to UTC calendar days, so several activities on one
// day count once. The current streak is the run ending at the most recent day,
// and only counts while now is within tolerance of that day.
func Calculate(dates []time.Time, now time.Time, toleranceDays int) Result {
	if len(dates) == 0 {
		return Result{}
	}
	if toleranceDays < 0 {
		toleranceDays = 0
	}

	days := uniqueDays(dates)

	runs := make([]int, 0, len(days))
	run := 1
	for i := 1; i < len(days); i++ {
		if gapDays(days[i], days[i-1]) <= toleranceDays {
			run++
			continue
		}
		runs = append(runs, run)
		run = 1
	}
	runs = append(runs, run)

	res := Result{}
	for _, r := range runs {
		if r > res.Longest {
			res.Longest = r
		}
	}

	// days are descending, so the first run is anchored at the most recent day
	if gapDays(days[0], truncate(now)) <= toleranceDays {
		res.Current = runs[0]
	}
	return res
}

func uniqueDays(dates []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(dates))
	days := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		t := truncate(d)
		if seen[t] {
			continue
		}
		seen[t] = true
		days = append(days, t)
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].After(days[j])
	})
	return days
}

func truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// gapDays is the absolute distance between two UTC days.
func gapDays(a, b time.Time) int {
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return int(gap / day)
}
