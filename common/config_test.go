package common_test

import (
	"testing"
	"time"

	"github.com/alwitt/vidvault/common"
	"github.com/stretchr/testify/assert"
)

func TestEventRetainSelection(t *testing.T) {
	assert := assert.New(t)

	record := common.CameraRecordConfig{
		Enabled:    true,
		Retain:     common.RetainConfig{Days: 1, Mode: common.RetainModeAll},
		Alerts:     common.RetainConfig{Days: 14, Mode: common.RetainModeMotion},
		Detections: common.RetainConfig{Days: 7, Mode: common.RetainModeActiveObjects},
	}

	// Case 0: severity selects the matching policy
	assert.Equal(record.Alerts, record.EventRetain(common.SeverityAlert))
	assert.Equal(record.Detections, record.EventRetain(common.SeverityDetection))

	// Case 1: detections configured past alerts is clamped to the alerts window
	record.Detections.Days = 30
	clamped := record.EventRetain(common.SeverityDetection)
	assert.Equal(record.Alerts.Days, clamped.Days)
	assert.Equal(common.RetainModeActiveObjects, clamped.Mode)
	// The alerts policy is unaffected
	assert.Equal(14.0, record.EventRetain(common.SeverityAlert).Days)
}

func TestConfigDurationConversions(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(time.Hour*36, common.RetainConfig{Days: 1.5}.Window())
	assert.Equal(
		time.Second*30, common.CameraRecordConfig{PreCaptureInSec: 30}.PreCapture(),
	)
	assert.Equal(
		time.Minute*90, common.RecordEngineConfig{ExpireIntervalInMin: 90}.ExpireInterval(),
	)
	assert.Equal(
		time.Second*5, common.MaintainerConfig{ScanIntervalInSec: 5}.ScanInterval(),
	)
}
