package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribdecoder_kafka_messages_total",
			Help: "Route events produced from consumed Kafka records.",
		},
		[]string{"pipeline", "topic", "afi", "action"},
	)

	DecodedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribdecoder_decoded_messages_total",
			Help: "Messages decoded successfully, by envelope and message type.",
		},
		[]string{"envelope", "type"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribdecoder_decode_errors_total",
			Help: "Decode failures by envelope and error kind.",
		},
		[]string{"envelope", "kind"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribdecoder_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribdecoder_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"pipeline", "table", "op"},
	)

	HistoryDedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribdecoder_history_dedup_conflicts_total",
			Help: "History dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"source"},
	)

	EORSeen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribdecoder_eor_seen",
			Help: "EOR received (0/1).",
		},
		[]string{"router_id", "table_name", "afi"},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribdecoder_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last processed message.",
		},
		[]string{"pipeline", "router_id"},
	)

	PeersUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribdecoder_bmp_peers_up",
			Help: "Monitored BGP peers currently up, per router.",
		},
		[]string{"router_id"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribdecoder_batch_size",
			Help:    "Batch sizes flushed to DB.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"pipeline"},
	)

	RoutesPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribdecoder_routes_purged_total",
			Help: "Routes purged (eor_stale, peer_down, termination).",
		},
		[]string{"reason"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Calls after the
// first are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			KafkaMessagesTotal,
			DecodedMessagesTotal,
			DecodeErrorsTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			HistoryDedupConflictsTotal,
			EORSeen,
			LastMsgTimestamp,
			PeersUp,
			BatchSize,
			RoutesPurgedTotal,
		)
	})
}
