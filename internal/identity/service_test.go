package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store/memstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	service *Service
	redis   *miniredis.Miniredis
	clock   *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := memstore.New()
	t.Cleanup(func() { _ = s.Close() })

	clock := &testClock{now: time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)}
	service := NewService(NewServiceParams{
		Store:       s,
		Coordinator: remote.NewCoordinator(remote.DefaultPolicy()),
		RedisClient: rdb,
		TTL:         time.Hour,
		HashCost:    bcrypt.MinCost,
		Now:         clock.Now,
	})
	return &fixture{service: service, redis: mr, clock: clock}
}

func TestService_RegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.service.Register(ctx, Credentials{Username: "Runner1", Password: "secret-pass"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "Runner1", user.Username)
	assert.Equal(t, f.clock.Now(), user.CreatedAt)

	_, err = f.service.Register(ctx, Credentials{Username: "runner1", Password: "another-pass"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = f.service.Register(ctx, Credentials{Username: "shorty", Password: "123"})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = f.service.Login(ctx, Credentials{Username: "runner1", Password: "wrong-pass"})
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.True(t, apperrors.Is(err, apperrors.KindAuthentication))
	_, err = f.service.Login(ctx, Credentials{Username: "nobody", Password: "secret-pass"})
	assert.ErrorIs(t, err, ErrWrongPassword)

	f.service.RandStringFunc = func(int) (string, error) { return "test-token", nil }
	token, err := f.service.Login(ctx, Credentials{Username: "runner1", Password: "secret-pass"})
	require.NoError(t, err)
	assert.Equal(t, "test-token", token)
	assert.True(t, f.redis.Exists(sessionKeyPrefix+token))
	members, err := f.redis.Members(tokensSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, members)

	userID, err := f.service.UserIDForToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	loggedOut, err := f.service.Logout(ctx, token)
	require.NoError(t, err)
	assert.True(t, loggedOut)
	assert.False(t, f.redis.Exists(sessionKeyPrefix+token))

	// logout drops the cached token as well
	_, err = f.service.UserIDForToken(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	loggedOut, err = f.service.Logout(ctx, token)
	require.NoError(t, err)
	assert.False(t, loggedOut)
}

func TestService_UserIDForToken_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, Credentials{Username: "lifter", Password: "secret-pass"})
	require.NoError(t, err)
	token, err := f.service.Login(ctx, Credentials{Username: "lifter", Password: "secret-pass"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.service.UserIDForToken(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, apperrors.Is(err, apperrors.KindAuthentication))

	_, err = f.service.UserIDForToken(ctx, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, f.redis.Set(sessionKeyPrefix+"broken", "garbage"))
	_, err = f.service.UserIDForToken(ctx, "broken")
	assert.True(t, apperrors.Is(err, apperrors.KindDataCorruption))
}

func TestService_ScanAndClean(t *testing.T) {
	ttl := time.Hour
	now := time.Now()
	then := now.Add(-2 * time.Hour)

	rdb, mock := redismock.NewClientMock()
	defer rdb.Close()

	service := NewService(NewServiceParams{
		RedisClient: rdb,
		TTL:         ttl,
		Now:         func() time.Time { return now },
	})

	// expected calls
	mock.ExpectSMembers(tokensSetKey).SetVal([]string{"old", "fresh", "dangling"})
	mock.ExpectGet(sessionKeyPrefix + "old").SetVal(fmt.Sprintf("%d|u1", then.Unix()))
	mock.ExpectGet(sessionKeyPrefix + "fresh").SetVal(fmt.Sprintf("%d|u2", now.Unix()))
	mock.ExpectGet(sessionKeyPrefix + "dangling").SetErr(redis.Nil)
	mock.ExpectDel(sessionKeyPrefix + "old").SetVal(1)
	mock.ExpectSRem(tokensSetKey, "old").SetVal(1)
	mock.ExpectDel(sessionKeyPrefix + "dangling").SetVal(0)
	mock.ExpectSRem(tokensSetKey, "dangling").SetVal(1)

	service.ScanAndClean(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_ScanAndClean_NoSessions(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	defer rdb.Close()

	service := NewService(NewServiceParams{RedisClient: rdb})
	mock.ExpectSMembers(tokensSetKey).SetVal([]string{})

	service.ScanAndClean(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}
