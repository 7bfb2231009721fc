package bin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/cleanup"
	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/db"
	"github.com/alwitt/vidvault/feed"
	"github.com/alwitt/vidvault/maintainer"
	"github.com/alwitt/vidvault/media"
	"github.com/alwitt/vidvault/storage"
	"github.com/alwitt/vidvault/utils"
	"github.com/apex/log"
	"gorm.io/gorm/logger"
)

// labelCacheRetentionCheckInterval how often the event label cache purges expired entries
const labelCacheRetentionCheckInterval = time.Hour

// RetentionNode recording retention engine node
type RetentionNode struct {
	nodeRuntimeCtxt    context.Context
	ctxtCancel         context.CancelFunc
	wg                 sync.WaitGroup
	maintainer         maintainer.RecordingMaintainer
	recordingCleanup   cleanup.RecordingCleanup
	eventCleanup       cleanup.EventCleanup
	usageMonitor       storage.UsageMonitor
	labelCache         utils.LocalCache
	Detections         feed.DetectionFeed
	BandwidthEstimator storage.BandwidthEstimator
	MetricsServer      *http.Server
}

/*
Cleanup stop and clean up the retention engine node

	@param ctxt context.Context - execution context
*/
func (n *RetentionNode) Cleanup(ctxt context.Context) error {
	if err := n.maintainer.Stop(ctxt); err != nil {
		return err
	}
	if err := n.recordingCleanup.Stop(ctxt); err != nil {
		return err
	}
	if err := n.eventCleanup.Stop(ctxt); err != nil {
		return err
	}
	if err := n.usageMonitor.Stop(ctxt); err != nil {
		return err
	}
	if err := n.labelCache.Stop(ctxt); err != nil {
		return err
	}
	n.ctxtCancel()
	return goutils.TimeBoundedWaitGroupWait(ctxt, &n.wg, time.Second*10)
}

/*
DefineRetentionNode setup new recording retention engine node

	@param parentCtxt context.Context - parent execution context
	@param config common.RetentionNodeConfig - retention engine node configuration
	@param psqlPassword string - Postgres SQL user password
	@returns new retention engine node
*/
func DefineRetentionNode(
	parentCtxt context.Context, config common.RetentionNodeConfig, psqlPassword string,
) (*RetentionNode, error) {
	/*
		Steps for preparing the retention engine node are

		* Prepare recording catalog
		* Prepare metrics framework
		* Prepare detection feed and media helpers
		* Prepare recording maintainer
		* Prepare recording and event cleanup daemons
		* Prepare storage monitoring
		* Prepare metrics collection HTTP server
	*/

	logTags := log.Fields{"module": "global", "component": "retention-node"}

	theNode := &RetentionNode{}
	theNode.nodeRuntimeCtxt, theNode.ctxtCancel = context.WithCancel(parentCtxt)

	// Define the recording catalog
	var dialector = db.GetSqliteDialector(config.Database.Sqlite.DBFile)
	if config.Database.Postgres.Host != "" {
		dialector = db.GetPostgresDialector(config.Database.Postgres, psqlPassword)
	}
	catalog, err := db.NewManager(dialector, logger.Error)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define recording catalog client")
		return theNode, err
	}

	// Define metrics framework
	var nodeMetrics *common.RetentionMetrics
	if config.Metrics.Enabled {
		registry := buildMetricsRegistry()
		nodeMetrics = common.NewRetentionMetrics(registry)
		theNode.MetricsServer = buildMetricsCollectionServer(config.Metrics, registry)
	}

	// Define detection feed
	theNode.Detections, err = feed.NewDetectionFeed(config.Maintainer.FeedQueueSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define detection feed")
		return theNode, err
	}

	// Define media helpers
	prober, err := media.NewFFProbeSegmentProber()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define segment prober")
		return theNode, err
	}
	remuxer, err := media.NewFFMpegSegmentRemuxer()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define segment remuxer")
		return theNode, err
	}
	captureFiles, err := media.NewCaptureFileChecker(config.Maintainer.CaptureProcessName)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define capture file checker")
		return theNode, err
	}

	// Define recording maintainer
	theNode.maintainer, err = maintainer.NewRecordingMaintainer(
		theNode.nodeRuntimeCtxt,
		catalog,
		theNode.Detections,
		prober,
		remuxer,
		captureFiles,
		config.Paths,
		config.Maintainer,
		config.Cameras,
		nodeMetrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define recording maintainer")
		return theNode, err
	}

	// Define recording cleanup daemon
	theNode.recordingCleanup, err = cleanup.NewRecordingCleanup(
		theNode.nodeRuntimeCtxt, catalog, config.Paths, config.Record, config.Cameras, nodeMetrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define recording cleanup daemon")
		return theNode, err
	}

	// Define event cleanup daemon
	theNode.labelCache, err = utils.NewLocalCache(
		theNode.nodeRuntimeCtxt, labelCacheRetentionCheckInterval,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define event label cache")
		return theNode, err
	}
	theNode.eventCleanup, err = cleanup.NewEventCleanup(
		theNode.nodeRuntimeCtxt,
		catalog,
		config.Paths,
		config.Record,
		config.Cameras,
		theNode.labelCache,
		nodeMetrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define event cleanup daemon")
		return theNode, err
	}

	// Define storage monitoring
	theNode.usageMonitor, err = storage.NewUsageMonitor(
		theNode.nodeRuntimeCtxt, config.Paths, nodeMetrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define disk usage monitor")
		return theNode, err
	}
	theNode.BandwidthEstimator, err = storage.NewBandwidthEstimator(catalog, nodeMetrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define bandwidth estimator")
		return theNode, err
	}

	// Start the daemon processes
	if err := theNode.maintainer.Start(&theNode.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start recording maintainer")
		return theNode, err
	}
	if err := theNode.recordingCleanup.Start(&theNode.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start recording cleanup daemon")
		return theNode, err
	}
	if err := theNode.eventCleanup.Start(&theNode.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start event cleanup daemon")
		return theNode, err
	}
	if err := theNode.usageMonitor.Start(&theNode.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start disk usage monitor")
		return theNode, err
	}

	return theNode, nil
}
