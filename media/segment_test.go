package media_test

import (
	"testing"
	"time"

	"github.com/alwitt/vidvault/media"
	"github.com/stretchr/testify/assert"
)

func TestParseCacheSegmentName(t *testing.T) {
	assert := assert.New(t)

	// Case 0: well formed name
	{
		segment, err := media.ParseCacheSegmentName("/tmp/cache/front_door@20260901083015.mp4")
		assert.Nil(err)
		assert.Equal("front_door", segment.Camera)
		assert.Equal("/tmp/cache/front_door@20260901083015.mp4", segment.Path)
		assert.Equal(
			time.Date(2026, 9, 1, 8, 30, 15, 0, time.UTC), segment.StartTime,
		)
	}

	// Case 1: camera name containing the separator splits on the last one
	{
		segment, err := media.ParseCacheSegmentName("/tmp/cache/yard@east@20260901083015.mp4")
		assert.Nil(err)
		assert.Equal("yard@east", segment.Camera)
	}

	// Case 2: malformed names
	for _, badName := range []string{
		"/tmp/cache/front_door.mp4",
		"/tmp/cache/@20260901083015.mp4",
		"/tmp/cache/front_door@.mp4",
		"/tmp/cache/front_door@not-a-time.mp4",
		"/tmp/cache/front_door@20260901083015.ts",
	} {
		_, err := media.ParseCacheSegmentName(badName)
		assert.NotNil(err, badName)
	}
}

func TestPersistedSegmentPath(t *testing.T) {
	assert := assert.New(t)

	startTime := time.Date(2026, 9, 1, 8, 30, 15, 0, time.UTC)
	assert.Equal(
		"/store/2026-09-01/08/front_door/30.15.mp4",
		media.PersistedSegmentPath("/store", "front_door", startTime),
	)

	// Non-UTC start times are filed under their UTC hour
	loc := time.FixedZone("UTC+8", 8*3600)
	assert.Equal(
		"/store/2026-09-01/08/front_door/30.15.mp4",
		media.PersistedSegmentPath("/store", "front_door", startTime.In(loc)),
	)
}
