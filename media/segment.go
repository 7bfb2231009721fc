package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// cacheSegmentTimeFormat timestamp layout embedded in cached segment file names
const cacheSegmentTimeFormat = "20060102150405"

// CacheSegment one capture segment sitting in the cache directory
type CacheSegment struct {
	// Camera name of the camera which produced the segment
	Camera string
	// Path absolute path of the segment file
	Path string
	// StartTime segment start time parsed from the file name
	StartTime time.Time
}

/*
ParseCacheSegmentName parse a cached segment file name of the form
"{camera}@{YYYYMMDDHHMMSS}.mp4". The camera name may itself contain "@", so the
name is split on the last occurrence.

	@param path string - segment file path
	@returns parsed segment metadata
*/
func ParseCacheSegmentName(path string) (CacheSegment, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if filepath.Ext(base) != ".mp4" {
		return CacheSegment{}, fmt.Errorf("'%s' is not an MP4 segment", base)
	}

	splitAt := strings.LastIndex(name, "@")
	if splitAt <= 0 || splitAt == len(name)-1 {
		return CacheSegment{}, fmt.Errorf("'%s' does not follow '{camera}@{timestamp}.mp4'", base)
	}

	camera := name[:splitAt]
	timestamp, err := time.ParseInLocation(cacheSegmentTimeFormat, name[splitAt+1:], time.UTC)
	if err != nil {
		return CacheSegment{}, fmt.Errorf("'%s' carries an unparsable timestamp: %w", base, err)
	}

	return CacheSegment{Camera: camera, Path: path, StartTime: timestamp}, nil
}

/*
PersistedSegmentPath build the storage path of a persisted segment. Segments are
filed as "{recordDir}/{YYYY-MM-DD}/{HH}/{camera}/{MM.SS}.mp4" in UTC.

	@param recordDir string - storage root directory
	@param camera string - camera name
	@param startTime time.Time - segment start time
	@returns persisted segment path
*/
func PersistedSegmentPath(recordDir, camera string, startTime time.Time) string {
	utc := startTime.UTC()
	return filepath.Join(
		recordDir,
		utc.Format("2006-01-02"),
		utc.Format("15"),
		camera,
		fmt.Sprintf("%s.mp4", utc.Format("04.05")),
	)
}
