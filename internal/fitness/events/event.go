package events

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const Collection = "events"

type ActivityRecorded struct {
	UserID     string    `json:"userId"`
	ActivityID string    `json:"activityId"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
}

type AchievementEarned struct {
	UserID        string    `json:"userId"`
	AchievementID string    `json:"achievementId"`
	Type          string    `json:"type"`
	Threshold     float64   `json:"threshold"`
	Timestamp     time.Time `json:"timestamp"`
}

type GoalCompleted struct {
	UserID    string    `json:"userId"`
	GoalID    string    `json:"goalId"`
	GoalType  string    `json:"goalType"`
	Target    float64   `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

type StreakUpdated struct {
	UserID    string    `json:"userId"`
	Current   int       `json:"current"`
	Longest   int       `json:"longest"`
	Timestamp time.Time `json:"timestamp"`
}

type CounterChanged struct {
	ActorID   string    `json:"actorId"`
	TargetID  string    `json:"targetId"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a state change of the fitness core, such as:
//   - activity recorded (with activity id and kind)
//   - achievement earned (with type and threshold)
//   - goal completed (with goal type and target)
//   - streak updated (with current and longest streak)
//   - counter changed (like/unlike, follow/unfollow)
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	UserID    string            `json:"userId"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

func newEvent(t EventType, userID string, ts time.Time, data map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Data:      data,
	}
}

func NewActivityRecordedEvent(ar ActivityRecorded) Event {
	return newEvent(EventTypeActivityRecorded, ar.UserID, ar.Timestamp, map[string]string{
		"activityId": ar.ActivityID,
		"kind":       ar.Kind,
	})
}

func NewAchievementEarnedEvent(ae AchievementEarned) Event {
	return newEvent(EventTypeAchievementEarned, ae.UserID, ae.Timestamp, map[string]string{
		"achievementId": ae.AchievementID,
		"type":          ae.Type,
		"threshold":     formatFloat(ae.Threshold),
	})
}

func NewGoalCompletedEvent(gc GoalCompleted) Event {
	return newEvent(EventTypeGoalCompleted, gc.UserID, gc.Timestamp, map[string]string{
		"goalId":   gc.GoalID,
		"goalType": gc.GoalType,
		"target":   formatFloat(gc.Target),
	})
}

func NewStreakUpdatedEvent(su StreakUpdated) Event {
	return newEvent(EventTypeStreakUpdated, su.UserID, su.Timestamp, map[string]string{
		"current": fmt.Sprintf("%d", su.Current),
		"longest": fmt.Sprintf("%d", su.Longest),
	})
}

// NewCounterChangedEvent is attributed to the target, the user whose post or
// profile counter changed.
func NewCounterChangedEvent(targetOwnerID string, cc CounterChanged) Event {
	return newEvent(EventTypeCounterChanged, targetOwnerID, cc.Timestamp, map[string]string{
		"actorId":  cc.ActorID,
		"targetId": cc.TargetID,
		"action":   cc.Action,
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// EventType can be one of:
//   - activity_recorded
//   - achievement_earned
//   - goal_completed
//   - streak_updated
//   - counter_changed
type EventType string

const (
	EventTypeActivityRecorded  EventType = "activity_recorded"
	EventTypeAchievementEarned EventType = "achievement_earned"
	EventTypeGoalCompleted     EventType = "goal_completed"
	EventTypeStreakUpdated     EventType = "streak_updated"
	EventTypeCounterChanged    EventType = "counter_changed"
)

func (et EventType) String() string {
	return string(et)
}

func (et EventType) IsValid() bool {
	switch et {
	case EventTypeActivityRecorded,
		EventTypeAchievementEarned,
		EventTypeGoalCompleted,
		EventTypeStreakUpdated,
		EventTypeCounterChanged:
		return true
	default:
		return false
	}
}
