package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/db"
	"github.com/2beens/fitsync/internal/feed"
	"github.com/2beens/fitsync/internal/fitness"
	"github.com/2beens/fitsync/internal/fitness/achievements"
	"github.com/2beens/fitsync/internal/fitness/analytics"
	"github.com/2beens/fitsync/internal/fitness/events"
	"github.com/2beens/fitsync/internal/fitness/goals"
	"github.com/2beens/fitsync/internal/fitness/transfer"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/middleware"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/social"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/store/memstore"
	"github.com/2beens/fitsync/internal/store/mongostore"
	"github.com/2beens/fitsync/internal/store/pgstore"
	"github.com/2beens/fitsync/internal/store/redisstore"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config      *config.Config
	store       store.Store
	dbPool      *pgxpool.Pool
	mongoClient *mongo.Client
	redisClient *redis.Client

	coordinator       *remote.Coordinator
	bus               *events.Bus
	eventsRepo        *events.Repo
	unsubscribeEvents func()
	inbox             *notify.StoreDispatcher
	pushDispatcher    *notify.HTTPDispatcher
	notifier          *notify.Async
	achievements      *achievements.Engine
	goals             *goals.Tracker
	analytics         *analytics.Service
	transfer          *transfer.Service
	social            *social.Manager
	feed              *feed.Manager
	identity          *identity.Service
	cron              *cron.Cron

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	VersionInfo             string
	RedisPassword           string
	PostgresPassword        string
	MongoURI                string
	PushGatewayToken        string
	HoneycombTracingEnabled bool
	// RedisClient and Store, when set, are used instead of the ones the
	// config describes.
	RedisClient *redis.Client
	Store       store.Store
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	cfg := params.Config
	s := &Server{
		config:      cfg,
		versionInfo: params.VersionInfo,
	}

	rdb := params.RedisClient
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: params.RedisPassword,
			DB:       0, // use default DB
		})
	}
	if params.HoneycombTracingEnabled {
		rdb.AddHook(redisotel.NewTracingHook())
	}
	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}
	s.redisClient = rdb

	var collectors []prometheus.Collector
	if params.Store != nil {
		s.store = params.Store
	} else {
		docStore, collector, err := s.openStore(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
		}
		s.store = docStore
		if collector != nil {
			collectors = append(collectors, collector)
		}
	}

	s.promRegistry = metrics.SetupPrometheus(collectors...)
	s.metricsManager = metrics.NewManager("fitsync", "core", s.promRegistry)
	s.metricsManager.GaugeLifeSignal.Set(0)

	s.otelShutdown = func() {}
	if params.HoneycombTracingEnabled {
		// use honeycomb distro to setup OpenTelemetry SDK
		otelShutdown, err := tracing.HoneycombSetup()
		if err != nil {
			return nil, err
		}
		s.otelShutdown = otelShutdown
	}

	s.coordinator = remote.NewCoordinator(remote.DefaultPolicy(), remote.WithMetrics(s.metricsManager))

	s.bus = events.NewBus()
	s.eventsRepo = events.NewRepo(s.store, s.coordinator)
	s.unsubscribeEvents = s.bus.Subscribe("events-repo", s.eventsRepo.Persist)

	s.inbox = notify.NewStoreDispatcher(s.store, s.coordinator)
	dispatchers := notify.Multi{s.inbox, notify.LogDispatcher{}}
	if cfg.PushGatewayURL != "" {
		s.pushDispatcher = notify.NewHTTPDispatcher(cfg.PushGatewayURL, params.PushGatewayToken, cfg.NotificationsTimeout.Duration)
		dispatchers = append(dispatchers, s.pushDispatcher)
	}
	s.notifier = notify.NewAsync("notifications", dispatchers, cfg.NotificationsTimeout.Duration, s.metricsManager)

	s.achievements = achievements.NewEngine(achievements.NewEngineParams{
		Store:       s.store,
		Coordinator: s.coordinator,
		Bus:         s.bus,
		Notifier:    s.notifier,
		Metrics:     s.metricsManager,
	})
	s.goals = goals.NewTracker(goals.NewTrackerParams{
		Store:       s.store,
		Coordinator: s.coordinator,
		Bus:         s.bus,
		Notifier:    s.notifier,
		Metrics:     s.metricsManager,
	})
	s.analytics = analytics.NewService(analytics.NewServiceParams{
		Store:         s.store,
		Coordinator:   s.coordinator,
		Achievements:  s.achievements,
		Goals:         s.goals,
		Bus:           s.bus,
		Metrics:       s.metricsManager,
		ToleranceDays: cfg.StreakToleranceDays,
	})
	s.transfer = transfer.NewService(s.analytics, cfg.ImportParallelism, s.metricsManager)
	s.social = social.NewManager(social.NewManagerParams{
		Store:       s.store,
		Coordinator: s.coordinator,
		Bus:         s.bus,
		Notifier:    s.notifier,
		Metrics:     s.metricsManager,
	})
	s.feed = feed.NewManager(s.store, s.coordinator, s.metricsManager, cfg.FeedLimit)
	s.identity = identity.NewService(identity.NewServiceParams{
		Store:       s.store,
		Coordinator: s.coordinator,
		RedisClient: rdb,
		TTL:         cfg.SessionTTL.Duration,
	})

	if err := s.setupCron(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) openStore(ctx context.Context, params NewServerParams) (store.Store, prometheus.Collector, error) {
	cfg := params.Config
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warnln("using the in-memory store, data is lost on restart")
		return memstore.New(), nil, nil
	case config.StoreRedis:
		return redisstore.New(s.redisClient), nil, nil
	case config.StorePostgres:
		dbPool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
			DBHost:         cfg.PostgresHost,
			DBPort:         cfg.PostgresPort,
			DBName:         cfg.PostgresDB,
			DBPassword:     params.PostgresPassword,
			TracingEnabled: params.HoneycombTracingEnabled,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("new db pool: %w", err)
		}
		if err := dbPool.Ping(ctx); err != nil {
			log.Warnf("failed to ping db: %s", err)
		}
		s.dbPool = dbPool

		pgStore := pgstore.New(dbPool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		collector := pgxpoolprometheus.NewCollector(
			dbPool,
			map[string]string{"db_name": cfg.PostgresDB},
		)
		return pgStore, collector, nil
	case config.StoreMongo:
		mongoClient, err := mongostore.Connect(ctx, params.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		s.mongoClient = mongoClient
		return mongostore.New(mongoClient, cfg.MongoDB), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}

func (s *Server) setupCron(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))

	// period counters (week / month) are reset once their key is stale
	if _, err := s.cron.AddFunc(s.config.RolloverCron, func() {
		rolled, err := s.analytics.RollOverPeriods(ctx, time.Now())
		if err != nil {
			log.Errorf("cron: roll over periods: %s", err)
			return
		}
		log.Infof("cron: rolled over periods of %d users", rolled)
	}); err != nil {
		return fmt.Errorf("schedule period rollover [%s]: %w", s.config.RolloverCron, err)
	}

	if _, err := s.cron.AddFunc(s.config.SessionsCleanCron, func() {
		s.identity.ScanAndClean(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sessions cleanup [%s]: %w", s.config.SessionsCleanCron, err)
	}

	return nil
}

func (s *Server) routerSetup() (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("fitsync-router"))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pkg.WriteTextResponseOK(w, "ok")
	}).Methods("GET").Name("health")
	r.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		pkg.WriteTextResponseOK(w, s.versionInfo)
	}).Methods("GET").Name("version")

	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)

	identityHandler := identity.NewHandler(s.identity)
	identityHandler.SetupRoutes(r, middleware.RateLimit(
		reqRateLimiter, "auth", s.config.AuthRateLimitPerMin, s.metricsManager,
	))

	fitnessHandler := fitness.NewHandler(
		s.analytics,
		s.goals,
		s.achievements,
		s.transfer,
	)
	fitnessHandler.SetupRoutes(r)

	eventsHandler := events.NewHandler(s.eventsRepo)
	r.HandleFunc("/events", eventsHandler.HandleList).Methods("GET", "OPTIONS").Name("list-events")

	socialHandler := social.NewHandler(s.social)
	socialHandler.SetupRoutes(r)

	feedHandler := feed.NewHandler(s.feed, s.config.FeedHeartbeat.Duration)
	r.HandleFunc("/feed", feedHandler.HandleStream).Methods("GET", "OPTIONS").Name("feed")

	notifyHandler := notify.NewHandler(s.inbox)
	notifyHandler.SetupRoutes(r)

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "PUT", "DELETE", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.identity)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors(s.config.AllowedOrigins))
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.RateLimit(reqRateLimiter, "api", s.config.RateLimitPerMin, s.metricsManager))
	r.Use(middleware.DrainAndCloseRequest())

	return r, nil
}

func (s *Server) Serve(host string, port int) {
	router, err := s.routerSetup()
	if err != nil {
		log.Fatalf("failed to setup router: %s", err)
	}

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:           router,
		Addr:              ipAndPort,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		// no write timeout: /feed streams stay open
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.promRegistry,
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}),
	))
	metricsAddr := s.config.MetricsAddr()
	s.metricsHttpServer = &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.cron.Start()
	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
		log.Trace("cron jobs stopped ...")
	case <-ctx.Done():
		log.Warnln("cron jobs still running after shutdown timeout")
	}

	// live feeds block http shutdown until their subscriptions are gone
	s.feed.StopAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown http server")
		}
		log.Warnln("server shut down")
	}

	s.notifier.Wait()
	if s.pushDispatcher != nil {
		s.pushDispatcher.Close()
	}
	s.unsubscribeEvents()

	if err := s.store.Close(); err != nil {
		log.Errorf("failed to close store: %s", err)
	}

	s.otelShutdown()
	log.Trace("otel shut down ...")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if s.dbPool != nil {
		log.Debugln("closing db pool ...")
		s.dbPool.Close() // blocking operation
		log.Debugln("db pool closed")
	}

	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			log.Errorf("failed to disconnect mongo client: %s", err)
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	if s.metricsHttpServer != nil {
		if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown metrics http server")
		}
		log.Warnln("metrics server shut down")
	}
}
