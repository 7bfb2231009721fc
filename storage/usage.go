package storage

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
)

// usageReportInterval how often filesystem usage gauges are refreshed
const usageReportInterval = time.Minute

// UsageMonitor publishes disk usage of the engine's filesystem roots
type UsageMonitor interface {
	/*
		Start begin the periodic usage reporting schedule

			@param wg *sync.WaitGroup - wait group tracking the daemon goroutine
	*/
	Start(wg *sync.WaitGroup) error

	/*
		Stop stop the usage reporting schedule

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		ReportUsage refresh the usage gauges once

			@param ctxt context.Context - execution context
	*/
	ReportUsage(ctxt context.Context) error
}

// usageMonitorImpl implements UsageMonitor
type usageMonitorImpl struct {
	goutils.Component
	paths common.PathsConfig

	reportTimer      goutils.IntervalTimer
	workerCtxt       context.Context
	workerCtxtCancel context.CancelFunc

	/* Metrics Collection Agents */
	usageMetric *prometheus.GaugeVec
}

/*
NewUsageMonitor define a new disk usage monitor

	@param parentCtxt context.Context - parent context from which the worker context is defined
	@param paths common.PathsConfig - filesystem roots to monitor
	@param metrics *common.RetentionMetrics - metrics agents. Can be nil.
	@returns new UsageMonitor
*/
func NewUsageMonitor(
	parentCtxt context.Context, paths common.PathsConfig, metrics *common.RetentionMetrics,
) (UsageMonitor, error) {
	workerCtxt, cancel := context.WithCancel(parentCtxt)

	instance := &usageMonitorImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "storage", "component": "usage-monitor"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		paths:            paths,
		workerCtxt:       workerCtxt,
		workerCtxtCancel: cancel,
	}
	if metrics != nil {
		instance.usageMetric = metrics.DiskUsage
	}
	return instance, nil
}

func (m *usageMonitorImpl) Start(wg *sync.WaitGroup) error {
	logTags := m.GetLogTagsForContext(m.workerCtxt)

	reportTimer, err := goutils.GetIntervalTimerInstance(m.workerCtxt, wg, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define report timer")
		return err
	}
	m.reportTimer = reportTimer
	if err := reportTimer.Start(usageReportInterval, func() error {
		if err := m.ReportUsage(m.workerCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Disk usage report failed")
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start report timer")
		return err
	}
	return nil
}

func (m *usageMonitorImpl) Stop(ctxt context.Context) error {
	m.workerCtxtCancel()
	if m.reportTimer != nil {
		return m.reportTimer.Stop()
	}
	return nil
}

func (m *usageMonitorImpl) ReportUsage(ctxt context.Context) error {
	if m.usageMetric == nil {
		return nil
	}

	for _, path := range []string{m.paths.CacheDir, m.paths.RecordDir} {
		usage, err := disk.UsageWithContext(ctxt, path)
		if err != nil {
			return err
		}
		m.usageMetric.With(prometheus.Labels{"path": path, "stat": "total"}).
			Set(float64(usage.Total))
		m.usageMetric.With(prometheus.Labels{"path": path, "stat": "used"}).
			Set(float64(usage.Used))
		m.usageMetric.With(prometheus.Labels{"path": path, "stat": "free"}).
			Set(float64(usage.Free))
	}
	return nil
}
