package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/db"
	"github.com/alwitt/vidvault/utils"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// eventSweepInterval how often event retention is evaluated
	eventSweepInterval = time.Second * 300
	// eventDeleteChunkSize events removed per delete batch
	eventDeleteChunkSize = 50
	// labelCacheTTL how long per camera label listings are reused
	labelCacheTTL = time.Hour * 24
)

// EventCleanup daemon expiring event clips, snapshots, and rows
type EventCleanup interface {
	/*
		Start begin the periodic event retention schedule

			@param wg *sync.WaitGroup - wait group tracking the daemon goroutine
	*/
	Start(wg *sync.WaitGroup) error

	/*
		Stop stop the event retention schedule

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		ExpireEvents run one event retention pass

			@param ctxt context.Context - execution context
			@param currentTime time.Time - current time
	*/
	ExpireEvents(ctxt context.Context, currentTime time.Time) error
}

// eventCleanupImpl implements EventCleanup
type eventCleanupImpl struct {
	goutils.Component
	catalog db.PersistenceManager
	paths   common.PathsConfig
	engine  common.RecordEngineConfig
	cameras map[string]common.CameraConfig

	// labelCache per camera label listings, refreshed once per TTL
	labelCache utils.LocalCache

	sweepTimer       goutils.IntervalTimer
	workerCtxt       context.Context
	workerCtxtCancel context.CancelFunc

	/* Metrics Collection Agents */
	expiredMetric *prometheus.CounterVec
}

/*
NewEventCleanup define a new event cleanup daemon

	@param parentCtxt context.Context - parent context from which the worker context is defined
	@param catalog db.PersistenceManager - catalog access client
	@param paths common.PathsConfig - filesystem roots
	@param engine common.RecordEngineConfig - global retention settings
	@param cameras map[string]common.CameraConfig - per camera settings
	@param labelCache utils.LocalCache - cache for per camera label listings
	@param metrics *common.RetentionMetrics - metrics agents. Can be nil.
	@returns new EventCleanup
*/
func NewEventCleanup(
	parentCtxt context.Context,
	catalog db.PersistenceManager,
	paths common.PathsConfig,
	engine common.RecordEngineConfig,
	cameras map[string]common.CameraConfig,
	labelCache utils.LocalCache,
	metrics *common.RetentionMetrics,
) (EventCleanup, error) {
	logTags := log.Fields{"module": "cleanup", "component": "event-cleanup"}

	workerCtxt, cancel := context.WithCancel(parentCtxt)

	instance := &eventCleanupImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		catalog:          catalog,
		paths:            paths,
		engine:           engine,
		cameras:          cameras,
		labelCache:       labelCache,
		workerCtxt:       workerCtxt,
		workerCtxtCancel: cancel,
	}
	if metrics != nil {
		instance.expiredMetric = metrics.EventsExpired
	}
	return instance, nil
}

func (c *eventCleanupImpl) Start(wg *sync.WaitGroup) error {
	logTags := c.GetLogTagsForContext(c.workerCtxt)

	sweepTimer, err := goutils.GetIntervalTimerInstance(c.workerCtxt, wg, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return err
	}
	c.sweepTimer = sweepTimer
	if err := sweepTimer.Start(eventSweepInterval, func() error {
		if err := c.ExpireEvents(c.workerCtxt, time.Now()); err != nil {
			log.WithError(err).WithFields(logTags).Error("Event retention pass failed")
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
		return err
	}
	return nil
}

func (c *eventCleanupImpl) Stop(ctxt context.Context) error {
	c.workerCtxtCancel()
	if c.sweepTimer != nil {
		return c.sweepTimer.Stop()
	}
	return nil
}

func (c *eventCleanupImpl) ExpireEvents(
	ctxt context.Context, currentTime time.Time,
) error {
	if err := c.expireClips(ctxt, currentTime); err != nil {
		return err
	}
	if err := c.expireSnapshots(ctxt, currentTime); err != nil {
		return err
	}
	return c.purgeSpentEvents(ctxt)
}

// expireClips clear the clip flag on events past their severity keyed clip
// retention; events of cameras dropped from config are removed entirely past
// the global cutoff
func (c *eventCleanupImpl) expireClips(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	// Cameras no longer configured
	knownCameras := make([]string, 0, len(c.cameras))
	for camera := range c.cameras {
		knownCameras = append(knownCameras, camera)
	}
	globalCutoff := toUnix(currentTime.Add(-c.engine.DefaultRetain.Window()))
	orphaned, err := c.catalog.ListExpiredEventsForRemovedCameras(ctxt, knownCameras, globalCutoff)
	if err != nil {
		return err
	}
	if len(orphaned) > 0 {
		log.WithFields(logTags).Infof("Removing [%d] events of dropped cameras", len(orphaned))
		for _, event := range orphaned {
			c.removeSnapshotFiles(ctxt, event)
		}
		if err := c.deleteEventsChunked(ctxt, orphaned); err != nil {
			return err
		}
	}

	for camera, cameraConfig := range c.cameras {
		for _, severity := range []common.Severity{common.SeverityAlert, common.SeverityDetection} {
			cutoff := toUnix(
				currentTime.Add(-cameraConfig.Record.EventRetain(severity).Window()),
			)
			expired, err := c.catalog.ListExpiredClipEvents(ctxt, camera, severity, cutoff)
			if err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("camera", camera).
					Error("Unable to list expired clip events")
				continue
			}
			if len(expired) == 0 {
				continue
			}

			expiredIDs := make([]string, 0, len(expired))
			for _, event := range expired {
				expiredIDs = append(expiredIDs, event.ID)
			}
			if err := c.catalog.ClearEventClipFlags(ctxt, expiredIDs); err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("camera", camera).
					Error("Unable to clear expired clip flags")
				continue
			}
			if c.expiredMetric != nil {
				c.expiredMetric.
					With(prometheus.Labels{"resource": "clip"}).
					Add(float64(len(expiredIDs)))
			}
		}
	}

	return nil
}

// expireSnapshots delete snapshot image pairs past the label keyed snapshot
// retention and clear the snapshot flag
func (c *eventCleanupImpl) expireSnapshots(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	for camera, cameraConfig := range c.cameras {
		labels, err := c.cameraLabels(ctxt, camera)
		if err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("camera", camera).
				Error("Unable to list camera event labels")
			continue
		}

		for _, label := range labels {
			retainDays := cameraConfig.Snapshots.DefaultDays
			if override, ok := cameraConfig.Snapshots.Objects[label]; ok {
				retainDays = override
			}
			cutoff := toUnix(currentTime.Add(
				-time.Duration(retainDays * 24 * float64(time.Hour)),
			))

			expired, err := c.catalog.ListExpiredSnapshotEvents(ctxt, camera, label, cutoff)
			if err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("camera", camera).
					WithField("label", label).
					Error("Unable to list expired snapshot events")
				continue
			}
			if len(expired) == 0 {
				continue
			}

			expiredIDs := make([]string, 0, len(expired))
			for _, event := range expired {
				c.removeSnapshotFiles(ctxt, event)
				expiredIDs = append(expiredIDs, event.ID)
			}
			if err := c.catalog.ClearEventSnapshotFlags(ctxt, expiredIDs); err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("camera", camera).
					Error("Unable to clear expired snapshot flags")
				continue
			}
			if c.expiredMetric != nil {
				c.expiredMetric.
					With(prometheus.Labels{"resource": "snapshot"}).
					Add(float64(len(expiredIDs)))
			}
		}
	}

	return nil
}

// purgeSpentEvents fully remove events retaining neither clip nor snapshot
func (c *eventCleanupImpl) purgeSpentEvents(ctxt context.Context) error {
	logTags := c.GetLogTagsForContext(ctxt)

	for {
		spent, err := c.catalog.ListPurgeableEvents(ctxt, eventDeleteChunkSize)
		if err != nil {
			return err
		}
		if len(spent) == 0 {
			return nil
		}
		if err := c.deleteEventsChunked(ctxt, spent); err != nil {
			return err
		}
		log.WithFields(logTags).Debugf("Purged [%d] spent events", len(spent))
		if c.expiredMetric != nil {
			c.expiredMetric.
				With(prometheus.Labels{"resource": "event"}).
				Add(float64(len(spent)))
		}
	}
}

// deleteEventsChunked remove events and their timeline rows in bounded batches
func (c *eventCleanupImpl) deleteEventsChunked(
	ctxt context.Context, events []common.Event,
) error {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	for _, chunk := range db.ChunkIDs(ids, eventDeleteChunkSize) {
		if err := c.catalog.DeleteEvents(ctxt, chunk); err != nil {
			return err
		}
	}
	return nil
}

// cameraLabels fetch a camera's event labels, reusing the cached listing
func (c *eventCleanupImpl) cameraLabels(ctxt context.Context, camera string) ([]string, error) {
	if cached, err := c.labelCache.Get(ctxt, camera); err == nil {
		if labels, ok := cached.([]string); ok {
			return labels, nil
		}
	}
	labels, err := c.catalog.ListEventLabels(ctxt, camera)
	if err != nil {
		return nil, err
	}
	if err := c.labelCache.Put(ctxt, camera, labels, labelCacheTTL); err != nil {
		return nil, err
	}
	return labels, nil
}

// removeSnapshotFiles delete an event's snapshot image pair, tolerating absence
func (c *eventCleanupImpl) removeSnapshotFiles(ctxt context.Context, event common.Event) {
	logTags := c.GetLogTagsForContext(ctxt)

	for _, name := range []string{
		fmt.Sprintf("%s-%s.jpg", event.Camera, event.ID),
		fmt.Sprintf("%s-%s-clean.png", event.Camera, event.ID),
	} {
		imagePath := filepath.Join(c.paths.ClipsDir, name)
		if err := os.Remove(imagePath); err != nil && !os.IsNotExist(err) {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("image", imagePath).
				Warn("Unable to remove snapshot image")
		}
	}
}
