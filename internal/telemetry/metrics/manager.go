package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Manager struct {
	// counters
	CounterRequests            *prometheus.CounterVec
	CounterHandleRequestPanic  prometheus.Counter
	CounterRateLimitedRequests prometheus.Counter
	CounterSyncAttempts        *prometheus.CounterVec
	CounterSyncRetries         *prometheus.CounterVec
	CounterSyncTimeouts        *prometheus.CounterVec
	CounterActivities          *prometheus.CounterVec
	CounterAchievements        *prometheus.CounterVec
	CounterGoalsCompleted      *prometheus.CounterVec
	CounterTransactions        *prometheus.CounterVec
	CounterFeedItemsSkipped    prometheus.Counter
	CounterNotifications       *prometheus.CounterVec
	CounterImportedRows        *prometheus.CounterVec

	// gauges
	GaugeRequests      prometheus.Gauge
	GaugeLifeSignal    prometheus.Gauge
	GaugeSubscriptions prometheus.Gauge

	// histograms
	HistogramRequestDuration *prometheus.HistogramVec
	HistogramSyncDuration    *prometheus.HistogramVec
}

func NewTestManager() *Manager {
	return NewManager("fitsync", "test_server", prometheus.NewRegistry())
}

func NewTestManagerAndRegistry() (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewManager("fitsync", "test_server", reg), reg
}

func NewManager(namespace, subsystem string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterRequests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request",
		Help:      "The total number of incoming requests",
	}, []string{"method", "status"})
	counterHandleRequestPanic := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "handle_request_panic",
		Help:      "The total number of serve request panics",
	})
	counterRateLimitedRequests := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_requests",
		Help:      "The total number of rate limited requests",
	})
	counterSyncAttempts := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_attempts",
		Help:      "Remote operation attempts by outcome",
	}, []string{"operation", "outcome"})
	counterSyncRetries := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_retries",
		Help:      "Remote operation retries after a transient failure",
	}, []string{"operation"})
	counterSyncTimeouts := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_timeouts",
		Help:      "Remote operations that lost the race against their timeout",
	}, []string{"operation"})
	counterActivities := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "activities",
		Help:      "Recorded activities by kind and result",
	}, []string{"kind", "result"})
	counterAchievements := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "achievements_earned",
		Help:      "Newly earned achievements by type",
	}, []string{"type"})
	counterGoalsCompleted := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "goals_completed",
		Help:      "Completed goals by type",
	}, []string{"type"})
	counterTransactions := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "counter_transactions",
		Help:      "Like/follow counter transactions by action and whether they changed state",
	}, []string{"action", "changed"})
	counterFeedItemsSkipped := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "feed_items_skipped",
		Help:      "Live feed items dropped because they could not be decoded",
	})
	counterNotifications := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "notifications",
		Help:      "Dispatched notifications by dispatcher and outcome",
	}, []string{"dispatcher", "outcome"})
	counterImportedRows := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "imported_rows",
		Help:      "Imported workout/nutrition rows by kind and outcome",
	}, []string{"kind", "outcome"})

	gaugeRequests := factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "current_requests",
		Help:        "Current number of requests served",
		ConstLabels: nil,
	})
	gaugeLifeSignal := factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "life_signal",
		Help:        "Shows whether the service is alive",
		ConstLabels: nil,
	})
	gaugeSubscriptions := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "live_subscriptions",
		Help:      "Currently active live feed subscriptions",
	})

	histogramRequestDuration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Histogram of response time for requests in seconds",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"route", "method", "status_code"})
	histogramSyncDuration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_duration_seconds",
		Help:      "Duration of single remote operation attempts in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	return &Manager{
		CounterRequests:            counterRequests,
		CounterHandleRequestPanic:  counterHandleRequestPanic,
		CounterRateLimitedRequests: counterRateLimitedRequests,
		CounterSyncAttempts:        counterSyncAttempts,
		CounterSyncRetries:         counterSyncRetries,
		CounterSyncTimeouts:        counterSyncTimeouts,
		CounterActivities:          counterActivities,
		CounterAchievements:        counterAchievements,
		CounterGoalsCompleted:      counterGoalsCompleted,
		CounterTransactions:        counterTransactions,
		CounterFeedItemsSkipped:    counterFeedItemsSkipped,
		CounterNotifications:       counterNotifications,
		CounterImportedRows:        counterImportedRows,
		GaugeRequests:              gaugeRequests,
		GaugeLifeSignal:            gaugeLifeSignal,
		GaugeSubscriptions:         gaugeSubscriptions,
		HistogramRequestDuration:   histogramRequestDuration,
		HistogramSyncDuration:      histogramSyncDuration,
	}
}
