package common

import (
	"encoding/json"
	"time"
)

// RetainMode recording retention policy for segments without a qualifying event
type RetainMode string

const (
	// RetainModeAll keep every segment
	RetainModeAll RetainMode = "all"
	// RetainModeMotion keep only segments with observed motion
	RetainModeMotion RetainMode = "motion"
	// RetainModeActiveObjects keep only segments with active tracked objects
	RetainModeActiveObjects RetainMode = "active_objects"
)

// Severity classification of an event driving which retention-days setting applies
type Severity string

const (
	// SeverityAlert event flagged as an alert
	SeverityAlert Severity = "alert"
	// SeverityDetection event flagged as a plain detection
	SeverityDetection Severity = "detection"
)

// Recording one persisted, on-disk video segment
type Recording struct {
	// ID recording entry ID, formed from `{start_time}-{random6}`
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// Camera camera the segment was recorded from
	Camera string `json:"camera" gorm:"column:camera;not null;index:recording_camera_index" validate:"required"`
	// Path absolute filesystem path of the persisted segment file
	Path string `json:"path" gorm:"column:path;not null;unique" validate:"required"`
	// StartTime segment start as Unix timestamp
	StartTime float64 `json:"start_time" gorm:"column:start_time;not null;index:recording_time_index" validate:"required"`
	// EndTime segment end as Unix timestamp; always >= StartTime
	EndTime float64 `json:"end_time" gorm:"column:end_time;not null" validate:"required,gtefield=StartTime"`
	// Duration segment length in seconds, probed from the source file
	Duration float64 `json:"duration" gorm:"column:duration;not null"`
	// Motion sum of motion box areas observed during the segment window
	Motion int `json:"motion" gorm:"column:motion;default:0"`
	// Objects count of active tracked object observations during the segment window
	Objects int `json:"objects" gorm:"column:objects;default:0"`
	// SegmentSize persisted file size in MB
	SegmentSize float64   `json:"segment_size" gorm:"column:segment_size;default:0"`
	CreatedAt   time.Time `json:"created_at"`
}

// String toString function
func (r Recording) String() string {
	t, _ := json.Marshal(&r)
	return string(t)
}

// Event one tracked-object detection episode. The retention engine treats these
// as read-mostly reference data; only the cleanup daemons mutate them.
type Event struct {
	// ID event entry ID
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// Camera camera the event was detected on
	Camera string `json:"camera" gorm:"column:camera;not null;index:event_camera_index" validate:"required"`
	// Label detected object label
	Label string `json:"label" gorm:"column:label;not null" validate:"required"`
	// SubLabel optional recognized sub label
	SubLabel *string `json:"sub_label,omitempty" gorm:"column:sub_label;default:null"`
	// StartTime when the event started as Unix timestamp
	StartTime float64 `json:"start_time" gorm:"column:start_time;not null;index:event_time_index" validate:"required"`
	// EndTime when the event ended; nil while the event is still in progress
	EndTime *float64 `json:"end_time,omitempty" gorm:"column:end_time;default:null"`
	// HasClip whether recorded footage covering this event is retained
	HasClip bool `json:"has_clip" gorm:"column:has_clip;default:false"`
	// HasSnapshot whether a snapshot image pair for this event is retained
	HasSnapshot bool `json:"has_snapshot" gorm:"column:has_snapshot;default:false"`
	// RetainIndefinitely events marked by the user to never expire
	RetainIndefinitely bool `json:"retain_indefinitely" gorm:"column:retain_indefinitely;default:false"`
	// Severity event review severity, set by the detection pipeline at creation
	Severity Severity `json:"severity" gorm:"column:severity;not null" validate:"oneof=alert detection"`
	// Zones JSON encoded list of zones the object entered
	Zones string `json:"zones" gorm:"column:zones;default:null"`
	// Data JSON encoded detection payload (top score, region, box)
	Data      string    `json:"data" gorm:"column:data;default:null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ended whether the event has an end timestamp. Open-ended events extend to
// "now" for all overlap computations.
func (e Event) Ended() bool {
	return e.EndTime != nil
}

// TimelineEntry fine-grained append-only detection timeline entry
type TimelineEntry struct {
	// ID timeline entry ID
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// SourceID event this entry references
	SourceID string `json:"source_id" gorm:"column:source_id;not null;index:timeline_source_index" validate:"required"`
	// Camera camera the entry belongs to
	Camera string `json:"camera" gorm:"column:camera;not null;index:timeline_camera_index" validate:"required"`
	// Timestamp when the entry occurred as Unix timestamp
	Timestamp float64 `json:"timestamp" gorm:"column:timestamp;not null;index:timeline_time_index" validate:"required"`
	// ClassType entry class: visible, entered_zone, gone
	ClassType string `json:"class_type" gorm:"column:class_type;not null" validate:"oneof=visible entered_zone gone"`
	// Data JSON encoded entry payload (region, box, zones)
	Data      string    `json:"data" gorm:"column:data;default:null"`
	CreatedAt time.Time `json:"created_at"`
}

// Box axis-aligned bounding box `[x1, y1, x2, y2]` in absolute pixel coordinates
type Box [4]int

// Area bounding box area in square pixels
func (b Box) Area() int {
	return (b[2] - b[0]) * (b[3] - b[1])
}

// TrackedObject per-frame summary of one tracked object
type TrackedObject struct {
	// ID tracked object ID
	ID string `json:"id"`
	// Label detected object label
	Label string `json:"label"`
	// FalsePositive whether the tracker flagged this observation as a false positive
	FalsePositive bool `json:"false_positive"`
	// MotionlessCount number of consecutive frames the object has been stationary
	MotionlessCount int `json:"motionless_count"`
}

// Active whether the observation counts towards active-object retention
func (o TrackedObject) Active() bool {
	return !o.FalsePositive && o.MotionlessCount == 0
}

// FrameInfo per-frame detection summary received from the detection pipeline
type FrameInfo struct {
	// Camera camera the frame belongs to
	Camera string `json:"camera" validate:"required"`
	// FrameTime frame capture time as Unix timestamp
	FrameTime float64 `json:"frame_time" validate:"required"`
	// Objects tracked objects observed in the frame
	Objects []TrackedObject `json:"objects"`
	// MotionBoxes motion areas observed in the frame
	MotionBoxes []Box `json:"motion_boxes"`
	// Regions detection regions evaluated for the frame
	Regions []Box `json:"regions"`
}
