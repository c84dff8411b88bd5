package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// WebSocket metrics.
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_websocket_messages_out_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)

	WebSocketErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
	)

	// MQTT ingestion metrics.
	MQTTMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_mqtt_messages_received_total",
			Help: "Total number of MQTT location messages received",
		},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_mqtt_parse_errors_total",
			Help: "Total number of MQTT message parse errors",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Datastore metrics.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	StoreOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_store_operation_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation"},
	)

	RedisConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_redis_connection_status",
			Help: "Redis connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Query engine metrics.
	ActiveQueries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_active_queries",
			Help: "Number of live queries currently open",
		},
	)

	ActiveRangesPerQuery = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquery_active_ranges_per_query",
			Help:    "Distribution of active range subscriptions per query",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	TrackedKeysPerQuery = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquery_tracked_keys_per_query",
			Help:    "Distribution of in-radius tracked keys per query",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	MembershipEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_membership_events_total",
			Help: "Total number of key_entered/key_exited/key_moved events dispatched",
		},
		[]string{"event"},
	)

	RemovalLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_removal_lookups_total",
			Help: "Total number of post-removal point lookups performed by the membership tracker",
		},
		[]string{"outcome"}, // found, not_found, error
	)

	// MySQL analytics sink metrics.
	MySQLBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquery_mysql_batch_size",
			Help:    "Size of MySQL analytics batch inserts",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
	)

	MySQLBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquery_mysql_batch_duration_seconds",
			Help:    "Duration of MySQL analytics batch operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	MySQLQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_mysql_queue_size",
			Help: "Current size of the MySQL analytics writer queue",
		},
	)

	MySQLWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_mysql_write_errors_total",
			Help: "Total number of MySQL analytics write errors",
		},
	)

	MySQLBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_mysql_batches_total",
			Help: "Total number of MySQL analytics batches processed",
		},
		[]string{"status"}, // success, error
	)

	MySQLConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_mysql_connection_status",
			Help: "MySQL connection status (1 = connected, 0 = disconnected)",
		},
	)

	// AppInfo carries build metadata as labels on a constant gauge.
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geoquery_app_info",
			Help: "Application build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetAppInfo records the running build's version metadata.
func SetAppInfo(version, commit, buildTime string) {
	AppInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
