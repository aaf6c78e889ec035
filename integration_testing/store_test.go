//go:build integration_test || all_tests

package integration_testing

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/2beens/fitsync/internal/db"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/store/mongostore"
	"github.com/2beens/fitsync/internal/store/pgstore"
	"github.com/2beens/fitsync/internal/store/redisstore"
	"github.com/2beens/fitsync/internal/store/storetest"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

const contractDB = "fitsync_contract"

func (s *IntegrationTestSuite) TestPostgresStoreContract() {
	t := s.T()
	ctx := context.Background()

	_, err := s.DB.ExecContext(ctx, "CREATE DATABASE "+contractDB)
	require.NoError(t, err)

	pool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		DBHost:   "localhost",
		DBPort:   s.pgPort,
		DBName:   contractDB,
		MaxConns: 20,
	})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pgstore.New(pool).EnsureSchema(ctx))

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx, "TRUNCATE documents")
		require.NoError(t, err)
		pgStore := pgstore.New(pool)
		t.Cleanup(func() {
			require.NoError(t, pgStore.Close())
		})
		return pgStore
	})
}

func (s *IntegrationTestSuite) TestRedisStoreContract() {
	t := s.T()

	// db 0 holds the sessions of the running server
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("localhost:%d", s.redisPort),
		DB:   1,
	})
	defer client.Close()

	storetest.Run(t, func(t *testing.T) store.Store {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		redisStore := redisstore.New(client)
		t.Cleanup(func() {
			require.NoError(t, redisStore.Close())
		})
		return redisStore
	})
}

func (s *IntegrationTestSuite) TestMongoStoreContract() {
	t := s.T()

	var dbCounter atomic.Int64
	storetest.Run(t, func(t *testing.T) store.Store {
		dbName := fmt.Sprintf("contract_%d", dbCounter.Add(1))
		mongoStore := mongostore.New(s.mongoClient, dbName)
		t.Cleanup(func() {
			require.NoError(t, mongoStore.Close())
			require.NoError(t, s.mongoClient.Database(dbName).Drop(context.Background()))
		})
		return mongoStore
	})
}
