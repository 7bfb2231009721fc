package db

import (
	"github.com/alwitt/vidvault/common"
)

// recording a single persisted video segment entry
type recording struct {
	common.Recording
}

// TableName hard code table name
func (recording) TableName() string {
	return "recordings"
}

// event a single tracked-object detection episode entry
type event struct {
	common.Event
}

// TableName hard code table name
func (event) TableName() string {
	return "events"
}

// timelineEntry a single detection timeline entry
type timelineEntry struct {
	common.TimelineEntry
}

// TableName hard code table name
func (timelineEntry) TableName() string {
	return "timeline"
}
