package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL       = 24 * 7 * time.Hour
	sessionKeyPrefix = "fitsync-session||"
	tokensSetKey     = "fitsync-sessions"

	UsersCollection     = "users"
	UsernamesCollection = "usernames"

	tokenLength        = 35
	tokenCacheSize     = 4 * 1024 * 1024
	tokenCacheMaxSecs  = 60
	sessionValueFormat = "%d|%s"
)

type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// userDoc is the users/{id} document; the profile counters are shared with
// the social manager.
type userDoc struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
	Followers    int       `json:"followers"`
	FollowerIDs  []string  `json:"followerIds"`
	Following    int       `json:"following"`
	FollowingIDs []string  `json:"followingIds"`
}

type Service struct {
	store       store.Store
	coordinator *remote.Coordinator
	redisClient *redis.Client
	ttl         time.Duration
	hashCost    int
	cache       *freecache.Cache
	now         func() time.Time

	// ability to inject generators for tokens and user ids (for unit and dev testing)
	RandStringFunc func(s int) (string, error)
	NewIDFunc      func() (string, error)
}

type NewServiceParams struct {
	Store       store.Store
	Coordinator *remote.Coordinator
	RedisClient *redis.Client
	TTL         time.Duration
	// HashCost is the bcrypt cost, pkg.DefaultPasswordHashCost when zero.
	HashCost int
	Now      func() time.Time
}

func NewService(params NewServiceParams) *Service {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	hashCost := params.HashCost
	if hashCost == 0 {
		hashCost = pkg.DefaultPasswordHashCost
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:          params.Store,
		coordinator:    params.Coordinator,
		redisClient:    params.RedisClient,
		ttl:            ttl,
		hashCost:       hashCost,
		cache:          freecache.NewCache(tokenCacheSize),
		now:            now,
		RandStringFunc: pkg.GenerateRandomString,
		NewIDFunc: func() (string, error) {
			return pkg.GenerateRandomString(20)
		},
	}
}

// Register creates a user with a unique (case insensitive) username.
func (s *Service) Register(ctx context.Context, creds Credentials) (user User, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "identity.register")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	if err := pkg.ValidateStruct(creds); err != nil {
		return User{}, apperrors.ValidationWrap("identity.register", err)
	}

	passwordHash, err := pkg.HashPasswordWithCost(creds.Password, s.hashCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	userID, err := s.NewIDFunc()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	doc := userDoc{
		ID:           userID,
		Username:     creds.Username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
		FollowerIDs:  []string{},
		FollowingIDs: []string{},
	}
	data, err := store.Encode(doc)
	if err != nil {
		return User{}, err
	}

	usernameRef := store.Doc(UsernamesCollection, strings.ToLower(creds.Username))
	userRef := store.Doc(UsersCollection, userID)
	err = s.coordinator.Do(ctx, "identity.register", func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			snap, err := tx.Get(ctx, usernameRef)
			if err != nil {
				return err
			}
			if snap.Exists {
				return apperrors.Wrap(apperrors.KindValidation, "identity.register", ErrUsernameTaken)
			}
			if err := tx.Set(usernameRef, store.Data{"userId": userID}); err != nil {
				return err
			}
			return tx.Set(userRef, data)
		})
	})
	if err != nil {
		return User{}, err
	}

	log.Debugf("identity: registered user %s (%s)", userID, creds.Username)
	return User{ID: doc.ID, Username: doc.Username, CreatedAt: doc.CreatedAt}, nil
}

// Login checks the credentials and opens a new session. The returned token
// is the bearer token of all authenticated requests.
func (s *Service) Login(ctx context.Context, creds Credentials) (token string, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "identity.login")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	wrongPassword := apperrors.Wrap(apperrors.KindAuthentication, "identity.login", ErrWrongPassword)
	if creds.Username == "" || creds.Password == "" {
		return "", wrongPassword
	}

	doc, err := s.userByUsername(ctx, creds.Username)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return "", wrongPassword
		}
		return "", err
	}
	if !pkg.CheckPasswordHash(creds.Password, doc.PasswordHash) {
		return "", wrongPassword
	}

	token, err = s.RandStringFunc(tokenLength)
	if err != nil {
		return "", err
	}

	sessionKey := sessionKeyPrefix + token
	cmdSet := s.redisClient.Set(ctx, sessionKey, fmt.Sprintf(sessionValueFormat, s.now().Unix(), doc.ID), 0)
	if err := cmdSet.Err(); err != nil {
		return "", apperrors.Transient("identity.login", apperrors.ReasonUnavailable, err)
	}

	// add token to list of sessions
	cmdSAdd := s.redisClient.SAdd(ctx, tokensSetKey, token)
	if err := cmdSAdd.Err(); err != nil {
		return "", apperrors.Transient("identity.login", apperrors.ReasonUnavailable, err)
	}

	return token, nil
}

// Logout closes the session of the token. It reports false when the session
// did not exist.
func (s *Service) Logout(ctx context.Context, token string) (bool, error) {
	sessionKey := sessionKeyPrefix + token
	s.cache.Del([]byte(token))

	cmd := s.redisClient.Get(ctx, sessionKey)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	if err := s.redisClient.Del(ctx, sessionKey).Err(); err != nil {
		return false, err
	}

	// remove token from the list of sessions
	cmdSRem := s.redisClient.SRem(ctx, tokensSetKey, token)
	if err := cmdSRem.Err(); err != nil {
		return false, err
	}

	return true, nil
}

// UserIDForToken resolves the user of a session token. Resolved tokens are
// cached in memory for a short while.
func (s *Service) UserIDForToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", sessionNotFound("identity.token")
	}
	if userID, err := s.cache.Get([]byte(token)); err == nil {
		return pkg.BytesToString(userID), nil
	}

	cmd := s.redisClient.Get(ctx, sessionKeyPrefix+token)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return "", sessionNotFound("identity.token")
		}
		return "", apperrors.Transient("identity.token", apperrors.ReasonUnavailable, err)
	}

	createdAt, userID, err := parseSession(cmd.Val())
	if err != nil {
		return "", apperrors.DataCorruption("identity.token", "invalid session value", err)
	}

	remaining := s.ttl - s.now().Sub(createdAt)
	if remaining <= 0 {
		return "", apperrors.Wrap(apperrors.KindAuthentication, "identity.token", ErrSessionExpired)
	}

	expireSecs := int(remaining / time.Second)
	if expireSecs > tokenCacheMaxSecs {
		expireSecs = tokenCacheMaxSecs
	}
	if expireSecs > 0 {
		if err := s.cache.Set([]byte(token), []byte(userID), expireSecs); err != nil {
			log.Warnf("identity: cache token: %s", err)
		}
	}

	return userID, nil
}

// ScanAndClean will run through all sessions, check the TTL, and clean them if old
func (s *Service) ScanAndClean(ctx context.Context) {
	cmd := s.redisClient.SMembers(ctx, tokensSetKey)
	if err := cmd.Err(); err != nil {
		log.Errorf("!!! identity, scan and clean, get sessions: %s", err)
		return
	}

	sessionTokens := cmd.Val()
	if len(sessionTokens) == 0 {
		log.Debugln("=> identity, scan and clean abort, no sessions")
		return
	}

	log.Infof("=> identity, scan and clean [%d sessions] start ...", len(sessionTokens))
	var toRemove []string
	for _, token := range sessionTokens {
		cmd := s.redisClient.Get(ctx, sessionKeyPrefix+token)
		if err := cmd.Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				// dangling set member
				toRemove = append(toRemove, token)
				continue
			}
			log.Errorf("=> identity, scan and clean token %s: %s", token, err)
			continue
		}

		createdAt, _, err := parseSession(cmd.Val())
		if err != nil {
			log.Errorf("=> identity, scan and clean token %s: %s", token, err)
			toRemove = append(toRemove, token)
			continue
		}

		if s.now().Sub(createdAt) > s.ttl {
			log.Debugf("=>\twill clean the session with token: %s", token)
			toRemove = append(toRemove, token)
		}
	}

	for _, token := range toRemove {
		s.cache.Del([]byte(token))
		if err := s.redisClient.Del(ctx, sessionKeyPrefix+token).Err(); err != nil {
			log.Errorf("=> identity, clean token %s: %s", token, err)
			continue
		}

		// remove token from the list of sessions
		if err := s.redisClient.SRem(ctx, tokensSetKey, token).Err(); err != nil {
			log.Errorf("=> identity, clean token %s: %s", token, err)
			continue
		}
	}
}

func (s *Service) userByUsername(ctx context.Context, username string) (userDoc, error) {
	var doc userDoc
	err := s.coordinator.Do(ctx, "identity.user", func(ctx context.Context) error {
		snap, err := s.store.Get(ctx, store.Doc(UsernamesCollection, strings.ToLower(username)))
		if err != nil {
			return err
		}
		if !snap.Exists {
			return apperrors.NotFound("identity.user", "username "+username)
		}
		userID, _ := snap.Data["userId"].(string)
		if userID == "" {
			return apperrors.DataCorruption("identity.user", "username index without user id", nil)
		}

		snap, err = s.store.Get(ctx, store.Doc(UsersCollection, userID))
		if err != nil {
			return err
		}
		if !snap.Exists {
			return apperrors.NotFound("identity.user", "user "+userID)
		}
		return store.Decode(snap.Data, &doc)
	})
	return doc, err
}

func parseSession(value string) (time.Time, string, error) {
	createdAtStr, userID, ok := strings.Cut(value, "|")
	if !ok || userID == "" {
		return time.Time{}, "", fmt.Errorf("malformed session value %q", value)
	}
	createdAtUnix, err := strconv.ParseInt(createdAtStr, 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(createdAtUnix, 0), userID, nil
}
