package cleanup_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/vidvault/cleanup"
	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/db"
	"github.com/alwitt/vidvault/utils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

type eventCleanupTestEnv struct {
	catalog db.PersistenceManager
	paths   common.PathsConfig
	uut     cleanup.EventCleanup
}

func eventCameraConfig(snapshots common.SnapshotRetainConfig) common.CameraConfig {
	return common.CameraConfig{
		Record: common.CameraRecordConfig{
			Enabled:    true,
			Retain:     common.RetainConfig{Days: 1, Mode: common.RetainModeAll},
			Alerts:     common.RetainConfig{Days: 14, Mode: common.RetainModeAll},
			Detections: common.RetainConfig{Days: 7, Mode: common.RetainModeAll},
		},
		Snapshots: snapshots,
	}
}

func setupEventCleanupTest(
	assert *assert.Assertions, cameras map[string]common.CameraConfig,
) *eventCleanupTestEnv {
	testDB := fmt.Sprintf("/tmp/ut-%s.db", uuid.NewString())
	catalog, err := db.NewManager(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	clipsDir, err := os.MkdirTemp("", "ut-clips-")
	assert.Nil(err)

	labelCache, err := utils.NewLocalCache(context.Background(), time.Minute)
	assert.Nil(err)

	env := &eventCleanupTestEnv{
		catalog: catalog,
		paths: common.PathsConfig{
			CacheDir:  os.TempDir(),
			RecordDir: os.TempDir(),
			ClipsDir:  clipsDir,
		},
	}
	env.uut, err = cleanup.NewEventCleanup(
		context.Background(),
		catalog,
		env.paths,
		common.RecordEngineConfig{
			DefaultRetain:       common.RetainConfig{Days: 2, Mode: common.RetainModeAll},
			ExpireIntervalInMin: 60,
		},
		cameras,
		labelCache,
		nil,
	)
	assert.Nil(err)
	return env
}

// addEvent register an event started the given duration ago
func (env *eventCleanupTestEnv) addEvent(
	assert *assert.Assertions,
	camera, label string,
	age time.Duration,
	severity common.Severity,
	hasClip, hasSnapshot, retainIndefinitely bool,
) string {
	startTime := time.Now().Add(-age)
	ended := toUnix(startTime.Add(30 * time.Second))
	entry := common.Event{
		ID:                 fmt.Sprintf("%.1f-%s", toUnix(startTime), uuid.NewString()[:6]),
		Camera:             camera,
		Label:              label,
		StartTime:          toUnix(startTime),
		EndTime:            &ended,
		HasClip:            hasClip,
		HasSnapshot:        hasSnapshot,
		RetainIndefinitely: retainIndefinitely,
		Severity:           severity,
	}
	assert.Nil(env.catalog.RegisterEvent(context.Background(), entry))
	return entry.ID
}

// addSnapshotImages create the snapshot image pair for an event
func (env *eventCleanupTestEnv) addSnapshotImages(
	assert *assert.Assertions, camera, eventID string,
) (string, string) {
	thumb := filepath.Join(env.paths.ClipsDir, fmt.Sprintf("%s-%s.jpg", camera, eventID))
	clean := filepath.Join(env.paths.ClipsDir, fmt.Sprintf("%s-%s-clean.png", camera, eventID))
	assert.Nil(os.WriteFile(thumb, []byte(uuid.NewString()), 0o644))
	assert.Nil(os.WriteFile(clean, []byte(uuid.NewString()), 0o644))
	return thumb, clean
}

func TestEventCleanupClipExpiry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupEventCleanupTest(assert, map[string]common.CameraConfig{
		camera: eventCameraConfig(common.SnapshotRetainConfig{
			DefaultDays: 365,
		}),
	})

	// Alert clips last 14 days, detection clips 7
	freshAlert := env.addEvent(
		assert, camera, "person", 10*24*time.Hour, common.SeverityAlert, true, true, false,
	)
	staleAlert := env.addEvent(
		assert, camera, "person", 20*24*time.Hour, common.SeverityAlert, true, true, false,
	)
	staleDetection := env.addEvent(
		assert, camera, "person", 10*24*time.Hour, common.SeverityDetection, true, true, false,
	)
	pinned := env.addEvent(
		assert, camera, "person", 30*24*time.Hour, common.SeverityAlert, true, true, true,
	)

	assert.Nil(env.uut.ExpireEvents(utCtxt, time.Now()))

	checkClip := func(id string, expect bool) {
		entry, err := env.catalog.GetEvent(utCtxt, id)
		assert.Nil(err)
		assert.Equal(expect, entry.HasClip, id)
	}
	checkClip(freshAlert, true)
	checkClip(staleAlert, false)
	checkClip(staleDetection, false)
	checkClip(pinned, true)
}

func TestEventCleanupSnapshotExpiryWithLabelOverride(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupEventCleanupTest(assert, map[string]common.CameraConfig{
		camera: eventCameraConfig(common.SnapshotRetainConfig{
			DefaultDays: 7,
			Objects:     map[string]float64{"car": 1},
		}),
	})

	// Both 2 days old: the "car" override has elapsed, the "person" default
	// has not
	carEvent := env.addEvent(
		assert, camera, "car", 48*time.Hour, common.SeverityAlert, true, true, false,
	)
	personEvent := env.addEvent(
		assert, camera, "person", 48*time.Hour, common.SeverityAlert, true, true, false,
	)
	carThumb, carClean := env.addSnapshotImages(assert, camera, carEvent)
	personThumb, _ := env.addSnapshotImages(assert, camera, personEvent)

	assert.Nil(env.uut.ExpireEvents(utCtxt, time.Now()))

	carEntry, err := env.catalog.GetEvent(utCtxt, carEvent)
	assert.Nil(err)
	assert.False(carEntry.HasSnapshot)
	_, err = os.Stat(carThumb)
	assert.True(os.IsNotExist(err))
	_, err = os.Stat(carClean)
	assert.True(os.IsNotExist(err))

	personEntry, err := env.catalog.GetEvent(utCtxt, personEvent)
	assert.Nil(err)
	assert.True(personEntry.HasSnapshot)
	_, err = os.Stat(personThumb)
	assert.Nil(err)
}

func TestEventCleanupFullPurge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	camera := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupEventCleanupTest(assert, map[string]common.CameraConfig{
		camera: eventCameraConfig(common.SnapshotRetainConfig{
			DefaultDays: 7,
		}),
	})

	// Both the clip and snapshot windows have elapsed: the event loses both
	// flags and is removed entirely, timeline rows included
	doomed := env.addEvent(
		assert, camera, "person", 30*24*time.Hour, common.SeverityAlert, true, true, false,
	)
	assert.Nil(env.catalog.RegisterTimelineEntry(utCtxt, common.TimelineEntry{
		ID:        uuid.NewString(),
		SourceID:  doomed,
		Camera:    camera,
		Timestamp: toUnix(time.Now().Add(-30 * 24 * time.Hour)),
		ClassType: "visible",
	}))
	survivor := env.addEvent(
		assert, camera, "person", time.Hour, common.SeverityAlert, true, true, false,
	)

	assert.Nil(env.uut.ExpireEvents(utCtxt, time.Now()))

	_, err := env.catalog.GetEvent(utCtxt, doomed)
	assert.NotNil(err)
	timeline, err := env.catalog.ListTimelineEntriesInRange(
		utCtxt, camera, 0, toUnix(time.Now()),
	)
	assert.Nil(err)
	assert.Len(timeline, 0)
	_, err = env.catalog.GetEvent(utCtxt, survivor)
	assert.Nil(err)
}

func TestEventCleanupRemovedCamera(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt := context.Background()
	configured := fmt.Sprintf("cam-%s", uuid.NewString())
	env := setupEventCleanupTest(assert, map[string]common.CameraConfig{
		configured: eventCameraConfig(common.SnapshotRetainConfig{DefaultDays: 365}),
	})

	removed := fmt.Sprintf("cam-%s", uuid.NewString())
	// Past the 2 day global default: removed outright, snapshot images
	// included
	doomed := env.addEvent(
		assert, removed, "person", 96*time.Hour, common.SeverityAlert, true, true, false,
	)
	thumb, clean := env.addSnapshotImages(assert, removed, doomed)
	recent := env.addEvent(
		assert, removed, "person", time.Hour, common.SeverityAlert, true, false, false,
	)

	assert.Nil(env.uut.ExpireEvents(utCtxt, time.Now()))

	_, err := env.catalog.GetEvent(utCtxt, doomed)
	assert.NotNil(err)
	_, err = os.Stat(thumb)
	assert.True(os.IsNotExist(err))
	_, err = os.Stat(clean)
	assert.True(os.IsNotExist(err))
	_, err = env.catalog.GetEvent(utCtxt, recent)
	assert.Nil(err)
}
