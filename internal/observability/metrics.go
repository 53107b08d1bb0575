package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webchat_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webchat_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketConnectionsTotal is the gauge of open relay channels on this instance.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webchat_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts relay frames by event type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webchat_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webchat_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// RelayDroppedEvents counts forwards whose target had no live channel.
	RelayDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webchat_relay_dropped_total",
		Help: "Relay events dropped because the target user was offline",
	}, []string{"event_type"})

	// ModerationActionsTotal counts successful moderation state changes.
	ModerationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webchat_moderation_actions_total",
		Help: "Total moderation actions by type",
	}, []string{"action"})
)

const queryStartKey = "webchat:query_start"

// QueryMetricsPlugin records DatabaseQueryLatency for every GORM statement.
type QueryMetricsPlugin struct{}

// Name implements gorm.Plugin.
func (QueryMetricsPlugin) Name() string {
	return "webchat:query_metrics"
}

// Initialize implements gorm.Plugin.
func (p QueryMetricsPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}{
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, h := range hooks {
		op := h.op
		if err := h.before("webchat:metrics_before_"+op, startQueryTimer); err != nil {
			return err
		}
		if err := h.after("webchat:metrics_after_"+op, func(tx *gorm.DB) { observeQuery(tx, op) }); err != nil {
			return err
		}
	}
	return nil
}

func startQueryTimer(tx *gorm.DB) {
	tx.InstanceSet(queryStartKey, time.Now())
}

func observeQuery(tx *gorm.DB, op string) {
	v, ok := tx.InstanceGet(queryStartKey)
	if !ok {
		return
	}
	start, ok := v.(time.Time)
	if !ok {
		return
	}
	table := tx.Statement.Table
	if table == "" {
		table = "unknown"
	}
	DatabaseQueryLatency.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
}
