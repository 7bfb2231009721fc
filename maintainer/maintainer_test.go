package maintainer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/db"
	"github.com/alwitt/vidvault/feed"
	"github.com/alwitt/vidvault/maintainer"
	"github.com/alwitt/vidvault/media"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// fakeProber returns canned durations instead of probing with ffprobe
type fakeProber struct {
	durations map[string]float64
	failures  map[string]bool
}

func (p *fakeProber) Duration(ctxt context.Context, path string) (float64, error) {
	if p.failures[path] {
		return 0, fmt.Errorf("probe failed on '%s'", path)
	}
	if duration, ok := p.durations[path]; ok {
		return duration, nil
	}
	return 10.0, nil
}

// fakeRemuxer copies content into place instead of invoking ffmpeg
type fakeRemuxer struct {
	fail bool
}

func (r *fakeRemuxer) Remux(ctxt context.Context, srcPath, dstPath string) error {
	if r.fail {
		return fmt.Errorf("remux failed on '%s'", srcPath)
	}
	content, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dstPath, content, 0o644)
}

// fakeCaptureChecker reports a fixed open file set
type fakeCaptureChecker struct {
	open map[string]bool
}

func (c *fakeCaptureChecker) OpenFiles(ctxt context.Context) (map[string]bool, error) {
	return c.open, nil
}

type maintainerTestEnv struct {
	catalog   db.PersistenceManager
	detection feed.DetectionFeed
	prober    *fakeProber
	remuxer   *fakeRemuxer
	capture   *fakeCaptureChecker
	paths     common.PathsConfig
	uut       maintainer.RecordingMaintainer
}

func defaultCameraConfig(mode common.RetainMode) common.CameraConfig {
	return common.CameraConfig{
		Record: common.CameraRecordConfig{
			Enabled:         true,
			PreCaptureInSec: 5,
			Retain:          common.RetainConfig{Days: 1, Mode: common.RetainModeAll},
			Alerts:          common.RetainConfig{Days: 14, Mode: mode},
			Detections:      common.RetainConfig{Days: 7, Mode: mode},
		},
		Snapshots: common.SnapshotRetainConfig{DefaultDays: 7},
	}
}

func setupMaintainerTest(
	assert *assert.Assertions, cameras map[string]common.CameraConfig,
) *maintainerTestEnv {
	testDB := fmt.Sprintf("/tmp/ut-%s.db", uuid.NewString())
	catalog, err := db.NewManager(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	cacheDir, err := os.MkdirTemp("", "ut-cache-")
	assert.Nil(err)
	recordDir, err := os.MkdirTemp("", "ut-record-")
	assert.Nil(err)

	detection, err := feed.NewDetectionFeed(256)
	assert.Nil(err)

	env := &maintainerTestEnv{
		catalog:   catalog,
		detection: detection,
		prober:    &fakeProber{durations: map[string]float64{}, failures: map[string]bool{}},
		remuxer:   &fakeRemuxer{},
		capture:   &fakeCaptureChecker{open: map[string]bool{}},
		paths: common.PathsConfig{
			CacheDir:  cacheDir,
			RecordDir: recordDir,
			ClipsDir:  os.TempDir(),
		},
	}

	env.uut, err = maintainer.NewRecordingMaintainer(
		context.Background(),
		catalog,
		detection,
		env.prober,
		env.remuxer,
		env.capture,
		env.paths,
		common.MaintainerConfig{
			ScanIntervalInSec:       5,
			FeedQueueSize:           256,
			MaxSegmentDurationInSec: 600,
			CaptureProcessName:      "ffmpeg",
		},
		cameras,
		nil,
	)
	assert.Nil(err)
	return env
}

// addCacheSegment drop a named segment file into the cache directory
func (env *maintainerTestEnv) addCacheSegment(
	assert *assert.Assertions, camera string, startTime time.Time,
) string {
	name := fmt.Sprintf("%s@%s.mp4", camera, startTime.UTC().Format("20060102150405"))
	path := filepath.Join(env.paths.CacheDir, name)
	assert.Nil(os.WriteFile(path, []byte(uuid.NewString()), 0o644))
	return path
}

func (env *maintainerTestEnv) cacheFileCount(assert *assert.Assertions) int {
	entries, err := os.ReadDir(env.paths.CacheDir)
	assert.Nil(err)
	return len(entries)
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func TestMaintainerStoresOverlappingSegments(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeAll),
	})

	currentTime := time.Now().Truncate(time.Second)
	segmentStart := currentTime.Add(-time.Minute)
	env.addCacheSegment(assert, camera, segmentStart)

	// Open ended alert event covering the segment
	assert.Nil(env.catalog.RegisterEvent(utCtxt, common.Event{
		ID:        uuid.NewString(),
		Camera:    camera,
		Label:     "person",
		StartTime: toUnix(segmentStart.Add(-time.Minute)),
		HasClip:   true,
		Severity:  common.SeverityAlert,
	}))

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	// Cache file was consumed and a recording entry created pointing at an
	// existing persisted file
	assert.Equal(0, env.cacheFileCount(assert))
	recordings, err := env.catalog.ListRecordingsEndingBefore(
		utCtxt, camera, toUnix(currentTime.Add(time.Hour)),
	)
	assert.Nil(err)
	assert.Len(recordings, 1)
	assert.Equal(
		media.PersistedSegmentPath(env.paths.RecordDir, camera, segmentStart.UTC()),
		recordings[0].Path,
	)
	assert.InDelta(toUnix(segmentStart), recordings[0].StartTime, 1e-3)
	assert.InDelta(10.0, recordings[0].Duration, 1e-6)
	_, err = os.Stat(recordings[0].Path)
	assert.Nil(err)
}

func TestMaintainerBackpressureCap(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeAll),
	})

	currentTime := time.Now().Truncate(time.Second)

	// Eight pending files; open ended event so survivors are all persisted
	assert.Nil(env.catalog.RegisterEvent(utCtxt, common.Event{
		ID:        uuid.NewString(),
		Camera:    camera,
		Label:     "person",
		StartTime: toUnix(currentTime.Add(-time.Hour)),
		HasClip:   true,
		Severity:  common.SeverityAlert,
	}))
	segmentStarts := make([]time.Time, 8)
	for idx := range segmentStarts {
		segmentStarts[idx] = currentTime.Add(time.Duration(idx-10) * 10 * time.Second)
		env.addCacheSegment(assert, camera, segmentStarts[idx])
	}

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	// Only the 5 most recent became recordings; the oldest 3 were dropped
	assert.Equal(0, env.cacheFileCount(assert))
	recordings, err := env.catalog.ListRecordingsEndingBefore(
		utCtxt, camera, toUnix(currentTime.Add(time.Hour)),
	)
	assert.Nil(err)
	assert.Len(recordings, 5)
	assert.InDelta(toUnix(segmentStarts[3]), recordings[0].StartTime, 1e-3)
}

func TestMaintainerZeroMotionDiscard(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeMotion),
	})

	currentTime := time.Now().Truncate(time.Second)
	segmentStart := currentTime.Add(-time.Minute)
	env.addCacheSegment(assert, camera, segmentStart)

	assert.Nil(env.catalog.RegisterEvent(utCtxt, common.Event{
		ID:        uuid.NewString(),
		Camera:    camera,
		Label:     "person",
		StartTime: toUnix(segmentStart.Add(-time.Minute)),
		HasClip:   true,
		Severity:  common.SeverityAlert,
	}))

	// Frames within the segment window carry zero area motion boxes
	assert.Nil(env.detection.Publish(utCtxt, common.FrameInfo{
		Camera:      camera,
		FrameTime:   toUnix(segmentStart.Add(2 * time.Second)),
		MotionBoxes: []common.Box{{5, 5, 5, 5}},
	}))

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	// Segment does not meet the motion policy: no entry, no files
	assert.Equal(0, env.cacheFileCount(assert))
	recordings, err := env.catalog.ListRecordingsEndingBefore(
		utCtxt, camera, toUnix(currentTime.Add(time.Hour)),
	)
	assert.Nil(err)
	assert.Len(recordings, 0)
}

func TestMaintainerCorruptSegmentHandling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeAll),
	})

	currentTime := time.Now().Truncate(time.Second)

	badProbe := env.addCacheSegment(assert, camera, currentTime.Add(-3*time.Minute))
	env.prober.failures[badProbe] = true
	tooLong := env.addCacheSegment(assert, camera, currentTime.Add(-2*time.Minute))
	env.prober.durations[tooLong] = 4000.0
	zeroLength := env.addCacheSegment(assert, camera, currentTime.Add(-time.Minute))
	env.prober.durations[zeroLength] = 0.0

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	assert.Equal(0, env.cacheFileCount(assert))
	recordings, err := env.catalog.ListRecordingsEndingBefore(
		utCtxt, camera, toUnix(currentTime.Add(time.Hour)),
	)
	assert.Nil(err)
	assert.Len(recordings, 0)
}

func TestMaintainerUnconfiguredCamera(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{})

	currentTime := time.Now().Truncate(time.Second)
	env.addCacheSegment(assert, fmt.Sprintf("cam-%s", uuid.NewString()), currentTime.Add(-time.Minute))

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))
	assert.Equal(0, env.cacheFileCount(assert))
}

func TestMaintainerPreCaptureGrace(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeAll),
	})

	currentTime := time.Now().Truncate(time.Second)
	segmentStart := currentTime.Add(-time.Minute)
	env.addCacheSegment(assert, camera, segmentStart)

	// Event starting 3s after the segment ends, within the 5s pre-capture
	endTime := toUnix(segmentStart) + 10.0
	eventEnd := endTime + 20.0
	assert.Nil(env.catalog.RegisterEvent(utCtxt, common.Event{
		ID:        uuid.NewString(),
		Camera:    camera,
		Label:     "person",
		StartTime: endTime + 3.0,
		EndTime:   &eventEnd,
		HasClip:   true,
		Severity:  common.SeverityAlert,
	}))

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	// Segment stays in cache for a later pass
	assert.Equal(1, env.cacheFileCount(assert))
}

func TestMaintainerRemuxFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeAll),
	})
	env.remuxer.fail = true

	currentTime := time.Now().Truncate(time.Second)
	env.addCacheSegment(assert, camera, currentTime.Add(-time.Minute))
	assert.Nil(env.catalog.RegisterEvent(utCtxt, common.Event{
		ID:        uuid.NewString(),
		Camera:    camera,
		Label:     "person",
		StartTime: toUnix(currentTime.Add(-time.Hour)),
		HasClip:   true,
		Severity:  common.SeverityAlert,
	}))

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	// Failed remux discards the segment and never creates a half written entry
	assert.Equal(0, env.cacheFileCount(assert))
	recordings, err := env.catalog.ListRecordingsEndingBefore(
		utCtxt, camera, toUnix(currentTime.Add(time.Hour)),
	)
	assert.Nil(err)
	assert.Len(recordings, 0)
}

func TestMaintainerFlatModeOutsideRecentWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupMaintainerTest(assert, map[string]common.CameraConfig{
		camera: defaultCameraConfig(common.RetainModeActiveObjects),
	})

	// Segment older than the 1 day recent window, no events at all; the flat
	// camera mode "all" stores it regardless
	currentTime := time.Now().Truncate(time.Second)
	segmentStart := currentTime.Add(-48 * time.Hour)
	env.addCacheSegment(assert, camera, segmentStart)

	assert.Nil(env.uut.ProcessSegments(utCtxt, currentTime))

	assert.Equal(0, env.cacheFileCount(assert))
	recordings, err := env.catalog.ListRecordingsEndingBefore(
		utCtxt, camera, toUnix(currentTime),
	)
	assert.Nil(err)
	assert.Len(recordings, 1)
}
