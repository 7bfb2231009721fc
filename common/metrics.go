package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetentionMetrics metrics published by the retention engine components
type RetentionMetrics struct {
	// SegmentsStored number of cache segments persisted into long term storage
	SegmentsStored *prometheus.CounterVec
	// SegmentsDiscarded number of cache segments deleted without being persisted
	SegmentsDiscarded *prometheus.CounterVec
	// RecordingsExpired number of persisted recordings removed by retention sweeps
	RecordingsExpired *prometheus.CounterVec
	// EventsExpired number of event resources expired, by resource type
	EventsExpired *prometheus.CounterVec
	// StorageBandwidth estimated per camera storage bandwidth in MB per hour
	StorageBandwidth *prometheus.GaugeVec
	// DiskUsage disk usage of the monitored filesystem roots in bytes
	DiskUsage *prometheus.GaugeVec
}

/*
NewRetentionMetrics define the retention engine metrics against a registry

	@param registry prometheus.Registerer - metrics registry
	@returns new RetentionMetrics
*/
func NewRetentionMetrics(registry prometheus.Registerer) *RetentionMetrics {
	factory := promauto.With(registry)
	return &RetentionMetrics{
		SegmentsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_segments_stored_total",
			Help: "Number of cache segments persisted into long term storage",
		}, []string{"camera"}),
		SegmentsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_segments_discarded_total",
			Help: "Number of cache segments deleted without being persisted",
		}, []string{"camera", "reason"}),
		RecordingsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_recordings_expired_total",
			Help: "Number of persisted recordings removed by retention sweeps",
		}, []string{"camera"}),
		EventsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_events_expired_total",
			Help: "Number of event resources expired, by resource type",
		}, []string{"resource"}),
		StorageBandwidth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retention_storage_bandwidth_mb_per_hour",
			Help: "Estimated per camera storage bandwidth in MB per hour",
		}, []string{"camera"}),
		DiskUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retention_disk_usage_bytes",
			Help: "Disk usage of the monitored filesystem roots in bytes",
		}, []string{"path", "stat"}),
	}
}
