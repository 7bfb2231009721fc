// Package cleanup expires persisted recordings, events, and their files as
// retention windows elapse.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/db"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const (
	// tmpClipSweepInterval how often stray temp clips are checked
	tmpClipSweepInterval = time.Minute
	// tmpClipMaxAge temp clips older than this are reclaimed
	tmpClipMaxAge = time.Minute
	// syncBatchSize rows fetched per page during full reconciliation
	syncBatchSize = 1000
)

// RecordingCleanup daemon expiring persisted recordings and reclaiming files
type RecordingCleanup interface {
	/*
		Start begin the periodic cleanup schedules

			@param wg *sync.WaitGroup - wait group tracking the daemon goroutines
	*/
	Start(wg *sync.WaitGroup) error

	/*
		Stop stop the cleanup schedules

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		CleanTmpClips reclaim stray temp export clips

			@param ctxt context.Context - execution context
			@param currentTime time.Time - current time
	*/
	CleanTmpClips(ctxt context.Context, currentTime time.Time) error

	/*
		RunFullSweep expire recordings past retention, reclaim orphaned files, and
		prune directories left empty

			@param ctxt context.Context - execution context
			@param currentTime time.Time - current time
	*/
	RunFullSweep(ctxt context.Context, currentTime time.Time) error

	/*
		SyncRecordings reconcile every catalog row against the filesystem, removing
		rows with no backing file

			@param ctxt context.Context - execution context
	*/
	SyncRecordings(ctxt context.Context) error
}

// recordingCleanupImpl implements RecordingCleanup
type recordingCleanupImpl struct {
	goutils.Component
	catalog db.PersistenceManager
	paths   common.PathsConfig
	engine  common.RecordEngineConfig
	cameras map[string]common.CameraConfig

	tmpClipTimer goutils.IntervalTimer
	sweepTimer   goutils.IntervalTimer
	syncSchedule *cron.Cron

	workerCtxt       context.Context
	workerCtxtCancel context.CancelFunc

	/* Metrics Collection Agents */
	expiredMetric *prometheus.CounterVec
}

/*
NewRecordingCleanup define a new recording cleanup daemon

	@param parentCtxt context.Context - parent context from which the worker context is defined
	@param catalog db.PersistenceManager - catalog access client
	@param paths common.PathsConfig - filesystem roots
	@param engine common.RecordEngineConfig - global retention settings
	@param cameras map[string]common.CameraConfig - per camera settings
	@param metrics *common.RetentionMetrics - metrics agents. Can be nil.
	@returns new RecordingCleanup
*/
func NewRecordingCleanup(
	parentCtxt context.Context,
	catalog db.PersistenceManager,
	paths common.PathsConfig,
	engine common.RecordEngineConfig,
	cameras map[string]common.CameraConfig,
	metrics *common.RetentionMetrics,
) (RecordingCleanup, error) {
	logTags := log.Fields{"module": "cleanup", "component": "recording-cleanup"}

	workerCtxt, cancel := context.WithCancel(parentCtxt)

	instance := &recordingCleanupImpl{
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
		workerCtxt:       workerCtxt,
		workerCtxtCancel: cancel,
	}
	if metrics != nil {
		instance.expiredMetric = metrics.RecordingsExpired
	}
	return instance, nil
}

func (c *recordingCleanupImpl) Start(wg *sync.WaitGroup) error {
	logTags := c.GetLogTagsForContext(c.workerCtxt)

	tmpClipTimer, err := goutils.GetIntervalTimerInstance(c.workerCtxt, wg, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define temp clip timer")
		return err
	}
	c.tmpClipTimer = tmpClipTimer
	if err := tmpClipTimer.Start(tmpClipSweepInterval, func() error {
		return c.CleanTmpClips(c.workerCtxt, time.Now())
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start temp clip timer")
		return err
	}

	sweepTimer, err := goutils.GetIntervalTimerInstance(c.workerCtxt, wg, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return err
	}
	c.sweepTimer = sweepTimer
	if err := sweepTimer.Start(c.engine.ExpireInterval(), func() error {
		if err := c.RunFullSweep(c.workerCtxt, time.Now()); err != nil {
			log.WithError(err).WithFields(logTags).Error("Recording expiry sweep failed")
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
		return err
	}

	// Full reconciliation is expensive, so it is opt-in: once at startup, then
	// daily
	if c.engine.SyncRecordings {
		if err := c.SyncRecordings(c.workerCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Startup recording sync failed")
		}
		c.syncSchedule = cron.New()
		if _, err := c.syncSchedule.AddFunc("@daily", func() {
			if err := c.SyncRecordings(c.workerCtxt); err != nil {
				log.WithError(err).WithFields(logTags).Error("Daily recording sync failed")
			}
		}); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to schedule recording sync")
			return err
		}
		c.syncSchedule.Start()
	}

	return nil
}

func (c *recordingCleanupImpl) Stop(ctxt context.Context) error {
	c.workerCtxtCancel()
	if c.syncSchedule != nil {
		c.syncSchedule.Stop()
	}
	if c.tmpClipTimer != nil {
		if err := c.tmpClipTimer.Stop(); err != nil {
			return err
		}
	}
	if c.sweepTimer != nil {
		return c.sweepTimer.Stop()
	}
	return nil
}

func (c *recordingCleanupImpl) CleanTmpClips(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	entries, err := os.ReadDir(c.paths.CacheDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "clip_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if currentTime.Sub(info.ModTime()) < tmpClipMaxAge {
			continue
		}
		clipPath := filepath.Join(c.paths.CacheDir, entry.Name())
		// Truncate first so held space is released even if unlink is delayed
		// by an open file handle
		if err := os.Truncate(clipPath, 0); err != nil && !os.IsNotExist(err) {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("clip", clipPath).
				Warn("Unable to truncate stray temp clip")
		}
		if err := os.Remove(clipPath); err != nil && !os.IsNotExist(err) {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("clip", clipPath).
				Warn("Unable to remove stray temp clip")
		} else {
			log.WithFields(logTags).WithField("clip", clipPath).Debug("Reclaimed stray temp clip")
		}
	}

	return nil
}

func (c *recordingCleanupImpl) RunFullSweep(
	ctxt context.Context, currentTime time.Time,
) error {
	if err := c.expireRecordings(ctxt, currentTime); err != nil {
		return err
	}
	if err := c.expireFiles(ctxt, currentTime); err != nil {
		return err
	}
	return c.pruneEmptyDirs(ctxt)
}

// expireRecordings remove recording entries past their retention window,
// along with their files and timeline rows
func (c *recordingCleanupImpl) expireRecordings(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	cameras, err := c.catalog.ListRecordingCameras(ctxt)
	if err != nil {
		return err
	}

	for _, camera := range cameras {
		cameraConfig, configured := c.cameras[camera]

		var expireBefore float64
		if configured {
			expireBefore = toUnix(currentTime.Add(-cameraConfig.Record.Retain.Window()))
		} else {
			// Cameras dropped from config age out on the global default
			expireBefore = toUnix(currentTime.Add(-c.engine.DefaultRetain.Window()))
		}

		recordings, err := c.catalog.ListRecordingsEndingBefore(ctxt, camera, expireBefore)
		if err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("camera", camera).
				Error("Unable to list expired recordings")
			continue
		}
		if len(recordings) == 0 {
			continue
		}

		var events []common.Event
		if configured {
			events, err = c.catalog.ListClipEventsStartedBefore(ctxt, camera, expireBefore)
			if err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("camera", camera).
					Error("Unable to list expiry candidate events")
				continue
			}
		}

		mode := c.engine.DefaultRetain.Mode
		if configured {
			mode = cameraConfig.Record.Retain.Mode
		}

		deleteIDs := []string{}
		cursor := 0
		for _, recording := range recordings {
			var overlap *common.Event
			cursor, overlap = common.ScanEventOverlap(
				events, cursor, recording.StartTime, recording.EndTime,
			)

			if overlap != nil {
				if overlap.RetainIndefinitely {
					continue
				}
				// Re-apply the flat camera mode against the stored activity
				// counters; policy may have changed since storage
				if mode == common.RetainModeAll {
					continue
				}
				if mode == common.RetainModeMotion && recording.Motion > 0 {
					continue
				}
				if mode == common.RetainModeActiveObjects && recording.Objects > 0 {
					continue
				}
			}

			c.removeRecordingFile(ctxt, recording)
			if err := c.catalog.DeleteTimelineEntriesInRange(
				ctxt, camera, recording.StartTime, recording.EndTime,
			); err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("recording", recording.ID).
					Warn("Unable to remove expired timeline entries")
			}
			deleteIDs = append(deleteIDs, recording.ID)
		}

		if len(deleteIDs) > 0 {
			if err := c.catalog.DeleteRecordings(ctxt, deleteIDs); err != nil {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("camera", camera).
					Error("Unable to delete expired recordings")
				continue
			}
			log.
				WithFields(logTags).
				WithField("camera", camera).
				Infof("Expired [%d] recordings", len(deleteIDs))
			if c.expiredMetric != nil {
				c.expiredMetric.
					With(prometheus.Labels{"camera": camera}).
					Add(float64(len(deleteIDs)))
			}
		}
	}

	return nil
}

// expireFiles defensive sweep over the persisted tree reclaiming files with no
// live catalog row
func (c *recordingCleanupImpl) expireFiles(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	// The oldest live row is the heuristic floor: anything newer may still
	// have a row and is left alone
	oldestFloor := toUnix(currentTime)
	oldest, err := c.catalog.GetOldestRecording(ctxt)
	if err == nil {
		if _, statErr := os.Stat(oldest.Path); statErr != nil {
			// The floor row itself lost its file; heal the catalog and retry
			// the sweep next cycle
			log.
				WithFields(logTags).
				WithField("recording", oldest.ID).
				Warn("Oldest recording lost its backing file; removing entry")
			return c.catalog.DeleteRecordings(ctxt, []string{oldest.ID})
		}
		oldestFloor = oldest.StartTime
	} else if err != gorm.ErrRecordNotFound {
		return err
	}

	return filepath.WalkDir(c.paths.RecordDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		camera, startTime, parseErr := parsePersistedSegmentPath(c.paths.RecordDir, path)
		if parseErr != nil {
			return nil
		}

		cutoff := currentTime.Add(-c.engine.DefaultRetain.Window())
		if cameraConfig, configured := c.cameras[camera]; configured {
			cutoff = currentTime.Add(-cameraConfig.Record.Retain.Window())
		}

		if toUnix(startTime) < oldestFloor && startTime.Before(cutoff) {
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				log.
					WithError(removeErr).
					WithFields(logTags).
					WithField("segment", path).
					Warn("Unable to reclaim orphaned segment file")
			} else {
				log.
					WithFields(logTags).
					WithField("segment", path).
					Debug("Reclaimed orphaned segment file")
			}
		}
		return nil
	})
}

// pruneEmptyDirs remove directories left empty under the persisted root,
// deepest first; the root itself is never removed
func (c *recordingCleanupImpl) pruneEmptyDirs(ctxt context.Context) error {
	var dirs []string
	err := filepath.WalkDir(c.paths.RecordDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() && path != c.paths.RecordDir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(os.PathSeparator)) >
			strings.Count(dirs[j], string(os.PathSeparator))
	})
	for _, dir := range dirs {
		// Remove fails on non-empty directories, which is the intent
		_ = os.Remove(dir)
	}
	return nil
}

func (c *recordingCleanupImpl) SyncRecordings(ctxt context.Context) error {
	logTags := c.GetLogTagsForContext(ctxt)

	offset := 0
	removed := 0
	for {
		page, err := c.catalog.ListRecordingsBatch(ctxt, offset, syncBatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		missingIDs := []string{}
		for _, recording := range page {
			if _, err := os.Stat(recording.Path); err != nil {
				missingIDs = append(missingIDs, recording.ID)
			}
		}
		if len(missingIDs) > 0 {
			if err := c.catalog.DeleteRecordings(ctxt, missingIDs); err != nil {
				return err
			}
			removed += len(missingIDs)
		}

		// Rows removed this page shift the remaining set left
		offset += len(page) - len(missingIDs)
	}

	if removed > 0 {
		log.
			WithFields(logTags).
			Infof("Reconciliation removed [%d] recordings with no backing file", removed)
	}
	return nil
}

// removeRecordingFile delete a recording's backing file, tolerating absence
func (c *recordingCleanupImpl) removeRecordingFile(
	ctxt context.Context, recording common.Recording,
) {
	logTags := c.GetLogTagsForContext(ctxt)
	if err := os.Remove(recording.Path); err != nil && !os.IsNotExist(err) {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("recording", recording.ID).
			WithField("path", recording.Path).
			Warn("Unable to remove expired segment file")
	}
}

// parsePersistedSegmentPath recover the camera and start time from a path laid
// out as "{recordDir}/{YYYY-MM-DD}/{HH}/{camera}/{MM.SS}.mp4"
func parsePersistedSegmentPath(recordDir, path string) (string, time.Time, error) {
	relative, err := filepath.Rel(recordDir, path)
	if err != nil {
		return "", time.Time{}, err
	}
	parts := strings.Split(relative, string(os.PathSeparator))
	if len(parts) != 4 {
		return "", time.Time{}, os.ErrInvalid
	}
	stamp := parts[0] + " " + parts[1] + ":" + strings.TrimSuffix(parts[3], ".mp4")
	startTime, err := time.ParseInLocation("2006-01-02 15:04.05", stamp, time.UTC)
	if err != nil {
		return "", time.Time{}, err
	}
	return parts[2], startTime, nil
}

// toUnix convert to a fractional Unix timestamp
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
