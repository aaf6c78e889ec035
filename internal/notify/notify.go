// Package notify delivers user notifications. Delivery is fire-and-forget
// from the point of view of the fitness core: failures are logged and never
// retried.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const Collection = "notifications"

// Type can be one of:
//   - achievement_earned
//   - goal_completed
//   - post_liked
//   - new_follower
type Type string

const (
	TypeAchievementEarned Type = "achievement_earned"
	TypeGoalCompleted     Type = "goal_completed"
	TypePostLiked         Type = "post_liked"
	TypeNewFollower       Type = "new_follower"
)

type Notification struct {
	ID           string            `json:"id"`
	TargetUserID string            `json:"targetUserId"`
	Type         Type              `json:"type"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Read         bool              `json:"read"`
}

func New(targetUserID string, t Type, title, body string, data map[string]string) Notification {
	return Notification{
		ID:           uuid.NewString(),
		TargetUserID: targetUserID,
		Type:         t,
		Title:        title,
		Body:         body,
		Data:         data,
		CreatedAt:    time.Now().UTC(),
	}
}

type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Send(context.Context, Notification) error {
	return nil
}
