// Package maintainer converts ephemeral cache segments into either discarded
// files or durable recording entries, using a sliding window of per-frame
// detection metadata to decide relevance.
package maintainer

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
	"github.com/alwitt/vidvault/feed"
	"github.com/alwitt/vidvault/media"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

// maxPendingSegmentsPerCamera cache files allowed to accumulate per camera
// before the oldest excess is dropped
const maxPendingSegmentsPerCamera = 5

// RecordingMaintainer daemon turning cache segments into recording entries
type RecordingMaintainer interface {
	/*
		Start begin the periodic cache processing loop

			@param wg *sync.WaitGroup - wait group tracking the daemon goroutine
	*/
	Start(wg *sync.WaitGroup) error

	/*
		Stop stop the processing loop

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		ProcessSegments run one cache processing pass

			@param ctxt context.Context - execution context
			@param currentTime time.Time - current time
	*/
	ProcessSegments(ctxt context.Context, currentTime time.Time) error
}

// probedSegment memoized probe result for one cache file
type probedSegment struct {
	endTime  float64
	duration float64
}

// recordingMaintainerImpl implements RecordingMaintainer
type recordingMaintainerImpl struct {
	goutils.Component
	catalog      db.PersistenceManager
	detections   feed.DetectionFeed
	prober       media.SegmentProber
	remuxer      media.SegmentRemuxer
	captureFiles media.CaptureFileChecker
	paths        common.PathsConfig
	config       common.MaintainerConfig
	cameras      map[string]common.CameraConfig

	// frameInfo per camera buffered detection frames, in arrival order
	frameInfo map[string][]common.FrameInfo
	// probeCache memoized probe results keyed by cache file path
	probeCache map[string]probedSegment

	workerCtxt       context.Context
	workerCtxtCancel context.CancelFunc

	/* Metrics Collection Agents */
	storedMetric    *prometheus.CounterVec
	discardedMetric *prometheus.CounterVec
}

/*
NewRecordingMaintainer define a new recording maintainer

	@param parentCtxt context.Context - parent context from which the worker context is defined
	@param catalog db.PersistenceManager - catalog access client
	@param detections feed.DetectionFeed - per-frame detection feed
	@param prober media.SegmentProber - segment duration prober
	@param remuxer media.SegmentRemuxer - segment remuxer
	@param captureFiles media.CaptureFileChecker - capture process open file checker
	@param paths common.PathsConfig - filesystem roots
	@param config common.MaintainerConfig - maintainer settings
	@param cameras map[string]common.CameraConfig - per camera settings
	@param metrics *common.RetentionMetrics - metrics agents. Can be nil.
	@returns new RecordingMaintainer
*/
func NewRecordingMaintainer(
	parentCtxt context.Context,
	catalog db.PersistenceManager,
	detections feed.DetectionFeed,
	prober media.SegmentProber,
	remuxer media.SegmentRemuxer,
	captureFiles media.CaptureFileChecker,
	paths common.PathsConfig,
	config common.MaintainerConfig,
	cameras map[string]common.CameraConfig,
	metrics *common.RetentionMetrics,
) (RecordingMaintainer, error) {
	logTags := log.Fields{"module": "maintainer", "component": "recording-maintainer"}

	workerCtxt, cancel := context.WithCancel(parentCtxt)

	instance := &recordingMaintainerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		catalog:          catalog,
		detections:       detections,
		prober:           prober,
		remuxer:          remuxer,
		captureFiles:     captureFiles,
		paths:            paths,
		config:           config,
		cameras:          cameras,
		frameInfo:        make(map[string][]common.FrameInfo),
		probeCache:       make(map[string]probedSegment),
		workerCtxt:       workerCtxt,
		workerCtxtCancel: cancel,
	}
	if metrics != nil {
		instance.storedMetric = metrics.SegmentsStored
		instance.discardedMetric = metrics.SegmentsDiscarded
	}
	return instance, nil
}

func (m *recordingMaintainerImpl) Start(wg *sync.WaitGroup) error {
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.run()
	}()
	return nil
}

func (m *recordingMaintainerImpl) Stop(ctxt context.Context) error {
	m.workerCtxtCancel()
	return nil
}

// run cache processing loop. Each pass targets the configured scan interval;
// the time a pass took is subtracted from the next wait, floored at zero.
func (m *recordingMaintainerImpl) run() {
	logTags := m.GetLogTagsForContext(m.workerCtxt)

	for {
		tickStart := time.Now()
		if err := m.ProcessSegments(m.workerCtxt, tickStart); err != nil {
			log.WithError(err).WithFields(logTags).Error("Cache processing pass failed")
		}

		delay := m.config.ScanInterval() - time.Since(tickStart)
		if delay < 0 {
			delay = 0
		}
		select {
		case <-m.workerCtxt.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *recordingMaintainerImpl) ProcessSegments(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := m.GetLogTagsForContext(ctxt)

	// Pull in new detection frames for cameras with recording enabled
	for _, frame := range m.detections.Drain(ctxt) {
		camera, ok := m.cameras[frame.Camera]
		if !ok || !camera.Record.Enabled {
			continue
		}
		m.frameInfo[frame.Camera] = append(m.frameInfo[frame.Camera], frame)
	}

	// Files the capture process still holds open are skipped this pass to
	// avoid reading a segment mid write
	openFiles, err := m.captureFiles.OpenFiles(ctxt)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(m.paths.CacheDir)
	if err != nil {
		return err
	}

	perCamera := map[string][]media.CacheSegment{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), "clip_") {
			continue
		}
		segmentPath := filepath.Join(m.paths.CacheDir, entry.Name())
		segment, err := media.ParseCacheSegmentName(segmentPath)
		if err != nil {
			log.WithError(err).WithFields(logTags).Debug("Skipping unrecognized cache file")
			continue
		}
		if openFiles[segmentPath] {
			continue
		}
		perCamera[segment.Camera] = append(perCamera[segment.Camera], segment)
	}

	for camera, segments := range perCamera {
		sort.Slice(segments, func(i, j int) bool {
			return segments[i].StartTime.Before(segments[j].StartTime)
		})

		// Backpressure safety valve: drop the oldest excess when persistence
		// falls behind capture
		if len(segments) > maxPendingSegmentsPerCamera {
			excess := segments[:len(segments)-maxPendingSegmentsPerCamera]
			segments = segments[len(segments)-maxPendingSegmentsPerCamera:]
			for _, segment := range excess {
				log.
					WithFields(logTags).
					WithField("camera", camera).
					WithField("segment", segment.Path).
					Warn("Dropping cache segment to relieve backpressure")
				m.discardSegment(ctxt, segment, "backpressure")
			}
		}

		if err := m.processCameraSegments(ctxt, currentTime, camera, segments); err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("camera", camera).
				Error("Failed to process camera cache segments")
		}
	}

	return nil
}

// processCameraSegments handle one camera's pending cache files, oldest first
func (m *recordingMaintainerImpl) processCameraSegments(
	ctxt context.Context, currentTime time.Time, camera string, segments []media.CacheSegment,
) error {
	logTags := m.GetLogTagsForContext(ctxt)

	firstStart := toUnix(segments[0].StartTime)

	cameraConfig, configured := m.cameras[camera]
	if !configured || !cameraConfig.Record.Enabled {
		for _, segment := range segments {
			m.discardSegment(ctxt, segment, "recording-disabled")
		}
		return nil
	}

	// Frames older than the oldest pending segment can no longer matter
	m.frameInfo[camera] = common.TrimFramesBefore(m.frameInfo[camera], firstStart)

	// Candidate overlap set, scanned with a forward only cursor
	events, err := m.catalog.ListClipEventsEndingAfter(ctxt, camera, firstStart)
	if err != nil {
		return err
	}
	cursor := 0

	recentCutoff := toUnix(currentTime.Add(-cameraConfig.Record.Retain.Window()))
	preCaptureSec := cameraConfig.Record.PreCapture().Seconds()

	for _, segment := range segments {
		startTime := toUnix(segment.StartTime)

		probed, known := m.probeCache[segment.Path]
		if !known {
			duration, err := m.prober.Duration(ctxt, segment.Path)
			if err != nil || duration <= 0 || duration >= m.config.MaxSegmentDuration() {
				log.
					WithError(err).
					WithFields(logTags).
					WithField("segment", segment.Path).
					WithField("duration", duration).
					Warn("Discarding corrupt cache segment")
				m.discardSegment(ctxt, segment, "corrupt")
				continue
			}
			probed = probedSegment{endTime: startTime + duration, duration: duration}
			m.probeCache[segment.Path] = probed
		}

		if startTime > recentCutoff {
			// Recent window: retention is driven by event overlap
			var overlap *common.Event
			cursor, overlap = common.ScanEventOverlap(events, cursor, startTime, probed.endTime)
			if overlap != nil {
				mode := cameraConfig.Record.EventRetain(overlap.Severity).Mode
				m.storeSegment(ctxt, camera, segment, probed, mode)
				continue
			}
			if m.withinPreCaptureGrace(camera, cameraConfig, cursor, events, probed, preCaptureSec) {
				// An event may still materialize wanting this footage; leave
				// the file for a later pass
				continue
			}
			m.discardSegment(ctxt, segment, "no-overlap")
		} else {
			// Outside the recent window the flat camera policy applies
			m.storeSegment(ctxt, camera, segment, probed, cameraConfig.Record.Retain.Mode)
		}
	}

	return nil
}

// withinPreCaptureGrace check whether a non overlapping segment could still be
// wanted as pre-capture footage: either the next known event starts within
// pre_capture of the segment end, or buffered frames show active objects close
// enough to the segment that an event may still be recorded for them.
func (m *recordingMaintainerImpl) withinPreCaptureGrace(
	camera string,
	cameraConfig common.CameraConfig,
	cursor int,
	events []common.Event,
	probed probedSegment,
	preCaptureSec float64,
) bool {
	if cursor < len(events) && events[cursor].StartTime-preCaptureSec <= probed.endTime {
		return true
	}
	for _, frame := range m.frameInfo[camera] {
		if frame.FrameTime > probed.endTime+preCaptureSec {
			break
		}
		if frame.FrameTime < probed.endTime-probed.duration {
			continue
		}
		for _, object := range frame.Objects {
			if object.Active() {
				return true
			}
		}
	}
	return false
}

// storeSegment apply the retain mode to the segment's observed activity, then
// either discard it or remux it into the persisted tree and create the
// recording entry
func (m *recordingMaintainerImpl) storeSegment(
	ctxt context.Context,
	camera string,
	segment media.CacheSegment,
	probed probedSegment,
	mode common.RetainMode,
) {
	logTags := m.GetLogTagsForContext(ctxt)

	startTime := toUnix(segment.StartTime)
	motion, active := common.SegmentActivity(m.frameInfo[camera], startTime, probed.endTime)

	if mode == common.RetainModeMotion && motion == 0 {
		m.discardSegment(ctxt, segment, "no-motion")
		return
	}
	if mode == common.RetainModeActiveObjects && active == 0 {
		m.discardSegment(ctxt, segment, "no-active-objects")
		return
	}

	targetPath := media.PersistedSegmentPath(m.paths.RecordDir, camera, segment.StartTime)
	if err := m.remuxer.Remux(ctxt, segment.Path, targetPath); err != nil {
		// A failed remux never leaves a recording entry behind
		m.discardSegment(ctxt, segment, "remux-failed")
		return
	}

	fileInfo, err := os.Stat(targetPath)
	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", targetPath).
			Error("Unable to measure persisted segment")
		_ = os.Remove(targetPath)
		m.discardSegment(ctxt, segment, "store-failed")
		return
	}

	entryID, err := m.catalog.RegisterRecording(ctxt, common.Recording{
		Camera:      camera,
		Path:        targetPath,
		StartTime:   startTime,
		EndTime:     probed.endTime,
		Duration:    probed.duration,
		Motion:      motion,
		Objects:     active,
		SegmentSize: float64(fileInfo.Size()) / 1048576.0,
	})
	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", targetPath).
			Error("Unable to register recording")
		_ = os.Remove(targetPath)
		m.discardSegment(ctxt, segment, "store-failed")
		return
	}

	log.
		WithFields(logTags).
		WithField("camera", camera).
		WithField("recording", entryID).
		Debug("Persisted cache segment")
	if err := os.Remove(segment.Path); err != nil && !os.IsNotExist(err) {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", segment.Path).
			Warn("Unable to remove persisted cache segment")
	}
	delete(m.probeCache, segment.Path)
	if m.storedMetric != nil {
		m.storedMetric.With(prometheus.Labels{"camera": camera}).Inc()
	}
}

// discardSegment delete one cache segment without creating a recording entry
func (m *recordingMaintainerImpl) discardSegment(
	ctxt context.Context, segment media.CacheSegment, reason string,
) {
	logTags := m.GetLogTagsForContext(ctxt)

	if err := os.Remove(segment.Path); err != nil && !os.IsNotExist(err) {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", segment.Path).
			Warn("Unable to remove cache segment")
	}
	delete(m.probeCache, segment.Path)
	if m.discardedMetric != nil {
		m.discardedMetric.With(prometheus.Labels{
			"camera": segment.Camera, "reason": reason,
		}).Inc()
	}
}

// toUnix convert to a fractional Unix timestamp
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
