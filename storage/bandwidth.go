// Package storage derives storage consumption estimates from the recording
// catalog and the filesystem.
package storage

import (
	"context"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/db"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

// BandwidthEstimator per camera storage bandwidth estimation
type BandwidthEstimator interface {
	/*
		EstimateBandwidth fetch a camera's estimated storage bandwidth in MB per
		hour, computing it on first use

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@returns estimated bandwidth in MB per hour
	*/
	EstimateBandwidth(ctxt context.Context, camera string) (float64, error)

	/*
		Recalculate recompute a camera's bandwidth estimate from the catalog

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@returns recomputed bandwidth in MB per hour
	*/
	Recalculate(ctxt context.Context, camera string) (float64, error)
}

// bandwidthEstimatorImpl implements BandwidthEstimator
type bandwidthEstimatorImpl struct {
	goutils.Component
	catalog db.PersistenceManager

	// estimates cached per camera results; recomputed only on request
	estimates map[string]float64
	lock      sync.Mutex

	/* Metrics Collection Agents */
	bandwidthMetric *prometheus.GaugeVec
}

/*
NewBandwidthEstimator define a new storage bandwidth estimator

	@param catalog db.PersistenceManager - catalog access client
	@param metrics *common.RetentionMetrics - metrics agents. Can be nil.
	@returns new BandwidthEstimator
*/
func NewBandwidthEstimator(
	catalog db.PersistenceManager, metrics *common.RetentionMetrics,
) (BandwidthEstimator, error) {
	instance := &bandwidthEstimatorImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "storage", "component": "bandwidth-estimator"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		catalog:   catalog,
		estimates: make(map[string]float64),
	}
	if metrics != nil {
		instance.bandwidthMetric = metrics.StorageBandwidth
	}
	return instance, nil
}

func (e *bandwidthEstimatorImpl) EstimateBandwidth(
	ctxt context.Context, camera string,
) (float64, error) {
	e.lock.Lock()
	cached, known := e.estimates[camera]
	e.lock.Unlock()
	if known {
		return cached, nil
	}
	return e.Recalculate(ctxt, camera)
}

func (e *bandwidthEstimatorImpl) Recalculate(
	ctxt context.Context, camera string,
) (float64, error) {
	logTags := e.GetLogTagsForContext(ctxt)

	avgSize, sampleDuration, err := e.catalog.GetCameraSegmentStats(ctxt, camera)
	if err != nil {
		return 0, err
	}

	bandwidth := 0.0
	if sampleDuration > 0 && avgSize > 0 {
		bandwidth = (3600 / sampleDuration) * avgSize
	}

	e.lock.Lock()
	e.estimates[camera] = bandwidth
	e.lock.Unlock()

	log.
		WithFields(logTags).
		WithField("camera", camera).
		WithField("mb-per-hour", bandwidth).
		Debug("Recomputed storage bandwidth")
	if e.bandwidthMetric != nil {
		e.bandwidthMetric.With(prometheus.Labels{"camera": camera}).Set(bandwidth)
	}
	return bandwidth, nil
}
