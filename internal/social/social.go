// Package social changes the shared counters of posts and profiles: likes,
// followers and following. Every change moves a member in or out of an id
// set and the matching counter by one, inside a single store transaction.
package social

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/events"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	PostsCollection = "posts"
	UsersCollection = "users"
)

type Action string

const (
	ActionLike     Action = "like"
	ActionUnlike   Action = "unlike"
	ActionFollow   Action = "follow"
	ActionUnfollow Action = "unfollow"
)

type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	WorkoutID string    `json:"workoutId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Likes     int       `json:"likes"`
	LikedBy   []string  `json:"likedBy"`
}

// Profile is the public part of a user document.
type Profile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"createdAt"`
	Followers    int       `json:"followers"`
	FollowerIDs  []string  `json:"followerIds"`
	Following    int       `json:"following"`
	FollowingIDs []string  `json:"followingIds"`
}

type CreatePostParams struct {
	Content   string `json:"content" validate:"required,max=2000"`
	WorkoutID string `json:"workoutId" validate:"omitempty,max=64"`
}

type Manager struct {
	store       store.Store
	coordinator *remote.Coordinator
	bus         *events.Bus
	notifier    notify.Dispatcher
	metrics     *metrics.Manager
	now         func() time.Time
}

type NewManagerParams struct {
	Store       store.Store
	Coordinator *remote.Coordinator
	Bus         *events.Bus
	Notifier    notify.Dispatcher
	Metrics     *metrics.Manager
	Now         func() time.Time
}

func NewManager(params NewManagerParams) *Manager {
	m := &Manager{
		store:       params.Store,
		coordinator: params.Coordinator,
		bus:         params.Bus,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		now:         params.Now,
	}
	if m.notifier == nil {
		m.notifier = notify.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) CreatePost(ctx context.Context, authorID string, params CreatePostParams) (_ *Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "social.create_post")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if authorID == "" {
		return nil, apperrors.Validation("social.create_post", "author id missing")
	}
	if err := pkg.ValidateStruct(params); err != nil {
		return nil, apperrors.ValidationWrap("social.create_post", err)
	}

	p := Post{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Content:   params.Content,
		WorkoutID: params.WorkoutID,
		CreatedAt: m.now().UTC(),
		LikedBy:   []string{},
	}
	data, err := store.Encode(p)
	if err != nil {
		return nil, err
	}
	data["createdAt"] = store.ServerTimestamp

	ref := store.Doc(PostsCollection, p.ID)
	if err := m.coordinator.Do(ctx, "social.create_post", func(ctx context.Context) error {
		return m.store.Set(ctx, ref, data)
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) Post(ctx context.Context, postID string) (*Post, error) {
	var p Post
	if err := m.getDoc(ctx, "social.post", store.Doc(PostsCollection, postID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := m.getDoc(ctx, "social.profile", store.Doc(UsersCollection, userID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) getDoc(ctx context.Context, op string, ref store.DocRef, v any) error {
	snap, err := remote.Call(ctx, m.coordinator, op, func(ctx context.Context) (*store.Snapshot, error) {
		return m.store.Get(ctx, ref)
	})
	if err != nil {
		return err
	}
	if !snap.Exists {
		return apperrors.NotFound(op, ref.String())
	}
	if err := store.Decode(snap.Data, v); err != nil {
		return apperrors.DataCorruption(op, ref.String(), err)
	}
	return nil
}

// Like adds the actor to the likers of the post. It reports false when the
// actor already liked it.
func (m *Manager) Like(ctx context.Context, actorID, postID string) (bool, error) {
	return m.togglePostLike(ctx, ActionLike, actorID, postID)
}

// Unlike removes the actor from the likers of the post. It reports false when
// the actor did not like it.
func (m *Manager) Unlike(ctx context.Context, actorID, postID string) (bool, error) {
	return m.togglePostLike(ctx, ActionUnlike, actorID, postID)
}

func (m *Manager) togglePostLike(ctx context.Context, action Action, actorID, postID string) (changed bool, err error) {
	op := "social." + string(action)
	ctx, span := tracing.GlobalTracer.Start(ctx, op)
	span.SetAttributes(attribute.String("actor.id", actorID), attribute.String("post.id", postID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if actorID == "" || postID == "" {
		return false, apperrors.Validation(op, "actor and post ids are required")
	}

	ref := store.Doc(PostsCollection, postID)
	var authorID string
	err = m.coordinator.Do(ctx, op, func(ctx context.Context) error {
		return m.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			changed = false
			snap, err := tx.Get(ctx, ref)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return apperrors.NotFound(op, "post "+postID)
			}
			authorID, _ = snap.Data["authorId"].(string)

			fields, ok, err := toggleMember(snap.Data, "likedBy", "likes", actorID, action == ActionLike)
			if err != nil {
				return apperrors.DataCorruption(op, "post "+postID, err)
			}
			if !ok {
				return nil
			}
			changed = true
			return tx.Update(ref, fields)
		})
	})
	if err != nil {
		return false, err
	}

	m.after(ctx, action, actorID, postID, authorID, changed)
	if changed && action == ActionLike && authorID != actorID {
		m.notifyTarget(ctx, notify.New(authorID, notify.TypePostLiked, "New like", actorID+" liked your post", map[string]string{
			"postId":  postID,
			"actorId": actorID,
		}))
	}
	return changed, nil
}

// Follow makes the actor a follower of the target. It reports false when the
// actor already follows the target.
func (m *Manager) Follow(ctx context.Context, actorID, targetID string) (bool, error) {
	return m.toggleFollow(ctx, ActionFollow, actorID, targetID)
}

// Unfollow reports false when the actor did not follow the target.
func (m *Manager) Unfollow(ctx context.Context, actorID, targetID string) (bool, error) {
	return m.toggleFollow(ctx, ActionUnfollow, actorID, targetID)
}

func (m *Manager) toggleFollow(ctx context.Context, action Action, actorID, targetID string) (changed bool, err error) {
	op := "social." + string(action)
	ctx, span := tracing.GlobalTracer.Start(ctx, op)
	span.SetAttributes(attribute.String("actor.id", actorID), attribute.String("target.id", targetID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if actorID == "" || targetID == "" {
		return false, apperrors.Validation(op, "actor and target ids are required")
	}
	if actorID == targetID {
		return false, apperrors.Validation(op, "cannot follow yourself")
	}

	actorRef := store.Doc(UsersCollection, actorID)
	targetRef := store.Doc(UsersCollection, targetID)
	add := action == ActionFollow
	err = m.coordinator.Do(ctx, op, func(ctx context.Context) error {
		return m.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			changed = false
			actorSnap, err := tx.Get(ctx, actorRef)
			if err != nil {
				return err
			}
			targetSnap, err := tx.Get(ctx, targetRef)
			if err != nil {
				return err
			}
			if !actorSnap.Exists {
				return apperrors.NotFound(op, "user "+actorID)
			}
			if !targetSnap.Exists {
				return apperrors.NotFound(op, "user "+targetID)
			}

			targetFields, ok, err := toggleMember(targetSnap.Data, "followerIds", "followers", actorID, add)
			if err != nil {
				return apperrors.DataCorruption(op, "user "+targetID, err)
			}
			if !ok {
				return nil
			}
			actorFields, _, err := toggleMember(actorSnap.Data, "followingIds", "following", targetID, add)
			if err != nil {
				return apperrors.DataCorruption(op, "user "+actorID, err)
			}

			changed = true
			if err := tx.Update(targetRef, targetFields); err != nil {
				return err
			}
			if len(actorFields) > 0 {
				return tx.Update(actorRef, actorFields)
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	m.after(ctx, action, actorID, targetID, targetID, changed)
	if changed && add {
		m.notifyTarget(ctx, notify.New(targetID, notify.TypeNewFollower, "New follower", actorID+" started following you", map[string]string{
			"actorId": actorID,
		}))
	}
	return changed, nil
}

// toggleMember returns the fields that add (or remove) member to the id set
// and move the counter with it. ok is false when the set already matches.
// The counter never drops below zero.
func toggleMember(d store.Data, setField, counterField, member string, add bool) (store.Data, bool, error) {
	set, err := store.ToStringSlice(d[setField])
	if err != nil {
		return nil, false, err
	}
	count, err := store.ToFloat(d[counterField])
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", counterField, err)
	}

	idx := -1
	for i, id := range set {
		if id == member {
			idx = i
			break
		}
	}

	switch {
	case add && idx < 0:
		return store.Data{
			setField:     append(append([]string{}, set...), member),
			counterField: store.Increment(1),
		}, true, nil
	case !add && idx >= 0:
		next := make([]string, 0, len(set)-1)
		next = append(next, set[:idx]...)
		next = append(next, set[idx+1:]...)
		fields := store.Data{setField: next}
		if count >= 1 {
			fields[counterField] = store.Increment(-1)
		} else {
			fields[counterField] = 0
		}
		return fields, true, nil
	default:
		return nil, false, nil
	}
}

func (m *Manager) after(ctx context.Context, action Action, actorID, targetID, ownerID string, changed bool) {
	if m.metrics != nil {
		m.metrics.CounterTransactions.WithLabelValues(string(action), strconv.FormatBool(changed)).Inc()
	}
	if !changed || m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.NewCounterChangedEvent(ownerID, events.CounterChanged{
		ActorID:   actorID,
		TargetID:  targetID,
		Action:    string(action),
		Timestamp: m.now().UTC(),
	}))
}

func (m *Manager) notifyTarget(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Send(ctx, n); err != nil {
		log.Errorf("social: notify %s [%s]: %s", n.TargetUserID, n.Type, err)
	}
}
