package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MaxDeleteChunkSize upper bound on the number of IDs passed to a single bulk
// delete statement
const MaxDeleteChunkSize = 100000

// PersistenceManager database access layer for the recording retention catalog
type PersistenceManager interface {
	/*
		Ready check whether the DB connection is working

			@param ctxt context.Context - execution context
	*/
	Ready(ctxt context.Context) error

	// =====================================================================================
	// Recordings

	/*
		RegisterRecording create a new recording entry for one persisted segment

			@param ctxt context.Context - execution context
			@param entry common.Recording - recording parameters; ID is assigned here
			@returns new recording entry ID
	*/
	RegisterRecording(ctxt context.Context, entry common.Recording) (string, error)

	/*
		GetRecording retrieve one recording entry

			@param ctxt context.Context - execution context
			@param id string - recording entry ID
			@returns recording entry
	*/
	GetRecording(ctxt context.Context, id string) (common.Recording, error)

	/*
		GetOldestRecording fetch the recording with the earliest start time

			@param ctxt context.Context - execution context
			@returns oldest recording entry
	*/
	GetOldestRecording(ctxt context.Context) (common.Recording, error)

	/*
		ListRecordingCameras list the distinct cameras with recording entries

			@param ctxt context.Context - execution context
			@returns camera names
	*/
	ListRecordingCameras(ctxt context.Context) ([]string, error)

	/*
		ListRecordingsEndingBefore fetch a camera's recordings which ended before a
		cutoff, ordered by start time ascending

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param before float64 - end time cutoff as Unix timestamp
			@returns matching recordings, oldest first
	*/
	ListRecordingsEndingBefore(
		ctxt context.Context, camera string, before float64,
	) ([]common.Recording, error)

	/*
		ListRecordingsBatch page through every recording entry, ordered by ID

			@param ctxt context.Context - execution context
			@param offset int - page offset
			@param limit int - page size
			@returns one page of recordings
	*/
	ListRecordingsBatch(ctxt context.Context, offset, limit int) ([]common.Recording, error)

	/*
		DeleteRecordings delete a group of recordings by ID. The IDs are chunked so no
		single delete statement receives more than MaxDeleteChunkSize IDs. Deleting an
		already absent ID is not an error.

			@param ctxt context.Context - execution context
			@param ids []string - recording entry IDs
	*/
	DeleteRecordings(ctxt context.Context, ids []string) error

	/*
		GetCameraSegmentStats aggregate a camera's stored segment statistics

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@returns average nonzero segment size in MB, and one sampled segment duration
			    in seconds
	*/
	GetCameraSegmentStats(ctxt context.Context, camera string) (float64, float64, error)

	// =====================================================================================
	// Events

	/*
		RegisterEvent record a new detection event. A ULID is assigned if the
		entry does not carry an ID.

			@param ctxt context.Context - execution context
			@param entry common.Event - event parameters
	*/
	RegisterEvent(ctxt context.Context, entry common.Event) error

	/*
		GetEvent retrieve one event entry

			@param ctxt context.Context - execution context
			@param id string - event entry ID
			@returns event entry
	*/
	GetEvent(ctxt context.Context, id string) (common.Event, error)

	/*
		MarkEventEnded close out an in-progress event

			@param ctxt context.Context - execution context
			@param id string - event entry ID
			@param endTime float64 - event end as Unix timestamp
	*/
	MarkEventEnded(ctxt context.Context, id string, endTime float64) error

	/*
		ListEventCameras list the distinct cameras with event entries

			@param ctxt context.Context - execution context
			@returns camera names
	*/
	ListEventCameras(ctxt context.Context) ([]string, error)

	/*
		ListEventLabels list the distinct labels of a camera's events

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@returns label names
	*/
	ListEventLabels(ctxt context.Context, camera string) ([]string, error)

	/*
		ListClipEventsEndingAfter fetch a camera's clip-bearing events which are still in
		progress or ended at or after a cutoff, ordered by start time ascending

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param after float64 - end time cutoff as Unix timestamp
			@returns matching events, oldest first
	*/
	ListClipEventsEndingAfter(
		ctxt context.Context, camera string, after float64,
	) ([]common.Event, error)

	/*
		ListClipEventsStartedBefore fetch a camera's clip-bearing events which started
		before a cutoff, ordered by start time ascending

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param before float64 - start time cutoff as Unix timestamp
			@returns matching events, oldest first
	*/
	ListClipEventsStartedBefore(
		ctxt context.Context, camera string, before float64,
	) ([]common.Event, error)

	/*
		ListExpiredClipEvents fetch a camera's clip-bearing events of one severity which
		started before a cutoff and are not retained indefinitely

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param severity common.Severity - event severity to match
			@param before float64 - start time cutoff as Unix timestamp
			@returns matching events
	*/
	ListExpiredClipEvents(
		ctxt context.Context, camera string, severity common.Severity, before float64,
	) ([]common.Event, error)

	/*
		ListExpiredSnapshotEvents fetch a camera's snapshot-bearing events of one label
		which started before a cutoff and are not retained indefinitely

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param label string - event label to match
			@param before float64 - start time cutoff as Unix timestamp
			@returns matching events
	*/
	ListExpiredSnapshotEvents(
		ctxt context.Context, camera string, label string, before float64,
	) ([]common.Event, error)

	/*
		ListExpiredEventsForRemovedCameras fetch clip-bearing events whose camera is not
		in the known set and which started before a cutoff

			@param ctxt context.Context - execution context
			@param knownCameras []string - currently configured camera names
			@param before float64 - start time cutoff as Unix timestamp
			@returns matching events
	*/
	ListExpiredEventsForRemovedCameras(
		ctxt context.Context, knownCameras []string, before float64,
	) ([]common.Event, error)

	/*
		ClearEventClipFlags clear the has_clip flag on a group of events

			@param ctxt context.Context - execution context
			@param ids []string - event entry IDs
	*/
	ClearEventClipFlags(ctxt context.Context, ids []string) error

	/*
		ClearEventSnapshotFlags clear the has_snapshot flag on a group of events

			@param ctxt context.Context - execution context
			@param ids []string - event entry IDs
	*/
	ClearEventSnapshotFlags(ctxt context.Context, ids []string) error

	/*
		ListPurgeableEvents fetch events retaining neither clip nor snapshot

			@param ctxt context.Context - execution context
			@param limit int - max entries to fetch
			@returns matching events
	*/
	ListPurgeableEvents(ctxt context.Context, limit int) ([]common.Event, error)

	/*
		DeleteEvents delete a group of events by ID, along with the timeline entries
		referencing them. Deleting an already absent ID is not an error.

			@param ctxt context.Context - execution context
			@param ids []string - event entry IDs
	*/
	DeleteEvents(ctxt context.Context, ids []string) error

	// =====================================================================================
	// Timeline

	/*
		RegisterTimelineEntry record a new timeline entry

			@param ctxt context.Context - execution context
			@param entry common.TimelineEntry - timeline entry parameters
	*/
	RegisterTimelineEntry(ctxt context.Context, entry common.TimelineEntry) error

	/*
		ListTimelineEntriesInRange fetch a camera's timeline entries within a time range

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param start float64 - range start as Unix timestamp
			@param end float64 - range end as Unix timestamp
			@returns matching entries
	*/
	ListTimelineEntriesInRange(
		ctxt context.Context, camera string, start, end float64,
	) ([]common.TimelineEntry, error)

	/*
		DeleteTimelineEntriesInRange delete a camera's timeline entries within a time range

			@param ctxt context.Context - execution context
			@param camera string - camera name
			@param start float64 - range start as Unix timestamp
			@param end float64 - range end as Unix timestamp
	*/
	DeleteTimelineEntriesInRange(ctxt context.Context, camera string, start, end float64) error
}

// persistenceManagerImpl implements PersistenceManager
type persistenceManagerImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

/*
NewManager define a new DB access manager

	@param dbDialector gorm.Dialector - GORM SQL dialector
	@param logLevel logger.LogLevel - SQL log level
	@returns new manager
*/
func NewManager(dbDialector gorm.Dialector, logLevel logger.LogLevel) (PersistenceManager, error) {
	db, err := gorm.Open(dbDialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}

	// Prepare the databases
	if err := db.AutoMigrate(&recording{}); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&event{}); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&timelineEntry{}); err != nil {
		return nil, err
	}

	logTags := log.Fields{"module": "db", "component": "manager", "instance": dbDialector.Name()}
	return &persistenceManagerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        db,
		validator: validator.New(),
	}, nil
}

func (m *persistenceManagerImpl) Ready(ctxt context.Context) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.Find(&[]recording{}).Limit(1)
		return tmp.Error
	})
}

/*
ChunkIDs split an ID list into chunks of at most chunkSize entries

	@param ids []string - IDs to split
	@param chunkSize int - max entries per chunk
	@returns the chunks, in original order
*/
func ChunkIDs(ids []string, chunkSize int) [][]string {
	var chunks [][]string
	for len(ids) > chunkSize {
		chunks = append(chunks, ids[:chunkSize])
		ids = ids[chunkSize:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

// newRecordingID build a recording entry ID from the segment start time and a
// random suffix
func newRecordingID(startTime float64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%.1f-%s", startTime, suffix)
}

// =====================================================================================
// Recordings

func (m *persistenceManagerImpl) RegisterRecording(
	ctxt context.Context, entry common.Recording,
) (string, error) {
	newID := ""
	return newID, m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		newID = newRecordingID(entry.StartTime)
		entry.ID = newID
		newEntry := recording{Recording: entry}

		// Verify data
		if err := m.validator.Struct(&newEntry); err != nil {
			return err
		}

		// Insert entry
		if tmp := tx.Create(&newEntry); tmp.Error != nil {
			return tmp.Error
		}

		log.
			WithFields(logTags).
			WithField("camera", entry.Camera).
			WithField("path", entry.Path).
			WithField("id", newID).
			Debug("Registered new recording")
		return nil
	})
}

func (m *persistenceManagerImpl) GetRecording(
	ctxt context.Context, id string,
) (common.Recording, error) {
	var result common.Recording
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			return tmp.Error
		}
		result = entry.Recording
		return nil
	})
}

func (m *persistenceManagerImpl) GetOldestRecording(
	ctxt context.Context,
) (common.Recording, error) {
	var result common.Recording
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry recording
		if tmp := tx.Order("start_time").First(&entry); tmp.Error != nil {
			return tmp.Error
		}
		result = entry.Recording
		return nil
	})
}

func (m *persistenceManagerImpl) ListRecordingCameras(ctxt context.Context) ([]string, error) {
	var results []string
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.Model(&recording{}).Distinct("camera").Order("camera").Pluck("camera", &results)
		return tmp.Error
	})
}

func (m *persistenceManagerImpl) ListRecordingsEndingBefore(
	ctxt context.Context, camera string, before float64,
) ([]common.Recording, error) {
	var results []common.Recording
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []recording
		if tmp := tx.
			Where("camera = ?", camera).
			Where("end_time < ?", before).
			Order("start_time").
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Recording)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListRecordingsBatch(
	ctxt context.Context, offset, limit int,
) ([]common.Recording, error) {
	var results []common.Recording
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []recording
		if tmp := tx.
			Order("id").
			Offset(offset).
			Limit(limit).
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Recording)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) DeleteRecordings(ctxt context.Context, ids []string) error {
	return m.deleteRecordingsInChunks(ctxt, ids, MaxDeleteChunkSize)
}

// deleteRecordingsInChunks issue one delete statement per ID chunk
func (m *persistenceManagerImpl) deleteRecordingsInChunks(
	ctxt context.Context, ids []string, chunkSize int,
) error {
	for _, chunk := range ChunkIDs(ids, chunkSize) {
		oneChunk := chunk
		if err := m.db.Transaction(func(tx *gorm.DB) error {
			if tmp := tx.Where("id in ?", oneChunk).Delete(&recording{}); tmp.Error != nil {
				return tmp.Error
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *persistenceManagerImpl) GetCameraSegmentStats(
	ctxt context.Context, camera string,
) (float64, float64, error) {
	var avgSize float64
	var sampleDuration float64
	return avgSize, sampleDuration, m.db.Transaction(func(tx *gorm.DB) error {
		if tmp := tx.
			Model(&recording{}).
			Where("camera = ?", camera).
			Where("segment_size != 0").
			Select("COALESCE(AVG(segment_size), 0)").
			Scan(&avgSize); tmp.Error != nil {
			return tmp.Error
		}
		var entry recording
		if tmp := tx.
			Where("camera = ?", camera).
			Where("duration > 0").
			First(&entry); tmp.Error != nil {
			if tmp.Error == gorm.ErrRecordNotFound {
				return nil
			}
			return tmp.Error
		}
		sampleDuration = entry.Duration
		return nil
	})
}

// =====================================================================================
// Events

func (m *persistenceManagerImpl) RegisterEvent(ctxt context.Context, entry common.Event) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		newEntry := event{Event: entry}
		if newEntry.ID == "" {
			// Event IDs sort by creation time
			newEntry.ID = ulid.Make().String()
		}

		// Verify data
		if err := m.validator.Struct(&newEntry); err != nil {
			return err
		}

		// Insert entry
		if tmp := tx.Create(&newEntry); tmp.Error != nil {
			return tmp.Error
		}

		log.
			WithFields(logTags).
			WithField("camera", entry.Camera).
			WithField("label", entry.Label).
			WithField("id", newEntry.ID).
			Debug("Registered new event")
		return nil
	})
}

func (m *persistenceManagerImpl) GetEvent(ctxt context.Context, id string) (common.Event, error) {
	var result common.Event
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry event
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			return tmp.Error
		}
		result = entry.Event
		return nil
	})
}

func (m *persistenceManagerImpl) MarkEventEnded(
	ctxt context.Context, id string, endTime float64,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		if tmp := tx.
			Model(&event{}).
			Where("id = ?", id).
			Update("end_time", endTime); tmp.Error != nil {
			return tmp.Error
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListEventCameras(ctxt context.Context) ([]string, error) {
	var results []string
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.Model(&event{}).Distinct("camera").Order("camera").Pluck("camera", &results)
		return tmp.Error
	})
}

func (m *persistenceManagerImpl) ListEventLabels(
	ctxt context.Context, camera string,
) ([]string, error) {
	var results []string
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.
			Model(&event{}).
			Where("camera = ?", camera).
			Distinct("label").
			Order("label").
			Pluck("label", &results)
		return tmp.Error
	})
}

func (m *persistenceManagerImpl) ListClipEventsEndingAfter(
	ctxt context.Context, camera string, after float64,
) ([]common.Event, error) {
	var results []common.Event
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []event
		if tmp := tx.
			Where("camera = ?", camera).
			Where("has_clip = ?", true).
			Where("end_time IS NULL OR end_time >= ?", after).
			Order("start_time").
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Event)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListClipEventsStartedBefore(
	ctxt context.Context, camera string, before float64,
) ([]common.Event, error) {
	var results []common.Event
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []event
		if tmp := tx.
			Where("camera = ?", camera).
			Where("has_clip = ?", true).
			Where("start_time < ?", before).
			Order("start_time").
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Event)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListExpiredClipEvents(
	ctxt context.Context, camera string, severity common.Severity, before float64,
) ([]common.Event, error) {
	var results []common.Event
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []event
		if tmp := tx.
			Where("camera = ?", camera).
			Where("severity = ?", severity).
			Where("has_clip = ?", true).
			Where("retain_indefinitely = ?", false).
			Where("start_time < ?", before).
			Order("start_time").
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Event)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListExpiredSnapshotEvents(
	ctxt context.Context, camera string, label string, before float64,
) ([]common.Event, error) {
	var results []common.Event
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []event
		if tmp := tx.
			Where("camera = ?", camera).
			Where("label = ?", label).
			Where("has_snapshot = ?", true).
			Where("retain_indefinitely = ?", false).
			Where("start_time < ?", before).
			Order("start_time").
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Event)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListExpiredEventsForRemovedCameras(
	ctxt context.Context, knownCameras []string, before float64,
) ([]common.Event, error) {
	var results []common.Event
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []event
		query := tx.
			Where("has_clip = ?", true).
			Where("retain_indefinitely = ?", false).
			Where("start_time < ?", before).
			Order("start_time")
		if len(knownCameras) > 0 {
			query = query.Where("camera not in ?", knownCameras)
		}
		if tmp := query.Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Event)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ClearEventClipFlags(ctxt context.Context, ids []string) error {
	for _, chunk := range ChunkIDs(ids, MaxDeleteChunkSize) {
		oneChunk := chunk
		if err := m.db.Transaction(func(tx *gorm.DB) error {
			if tmp := tx.
				Model(&event{}).
				Where("id in ?", oneChunk).
				Update("has_clip", false); tmp.Error != nil {
				return tmp.Error
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *persistenceManagerImpl) ClearEventSnapshotFlags(ctxt context.Context, ids []string) error {
	for _, chunk := range ChunkIDs(ids, MaxDeleteChunkSize) {
		oneChunk := chunk
		if err := m.db.Transaction(func(tx *gorm.DB) error {
			if tmp := tx.
				Model(&event{}).
				Where("id in ?", oneChunk).
				Update("has_snapshot", false); tmp.Error != nil {
				return tmp.Error
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *persistenceManagerImpl) ListPurgeableEvents(
	ctxt context.Context, limit int,
) ([]common.Event, error) {
	var results []common.Event
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []event
		if tmp := tx.
			Where("has_clip = ?", false).
			Where("has_snapshot = ?", false).
			Order("start_time").
			Limit(limit).
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.Event)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) DeleteEvents(ctxt context.Context, ids []string) error {
	for _, chunk := range ChunkIDs(ids, MaxDeleteChunkSize) {
		oneChunk := chunk
		if err := m.db.Transaction(func(tx *gorm.DB) error {
			if tmp := tx.Where("source_id in ?", oneChunk).Delete(&timelineEntry{}); tmp.Error != nil {
				return tmp.Error
			}
			if tmp := tx.Where("id in ?", oneChunk).Delete(&event{}); tmp.Error != nil {
				return tmp.Error
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// =====================================================================================
// Timeline

func (m *persistenceManagerImpl) RegisterTimelineEntry(
	ctxt context.Context, entry common.TimelineEntry,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		newEntry := timelineEntry{TimelineEntry: entry}

		// Verify data
		if err := m.validator.Struct(&newEntry); err != nil {
			return err
		}

		if tmp := tx.Create(&newEntry); tmp.Error != nil {
			return tmp.Error
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListTimelineEntriesInRange(
	ctxt context.Context, camera string, start, end float64,
) ([]common.TimelineEntry, error) {
	var results []common.TimelineEntry
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []timelineEntry
		if tmp := tx.
			Where("camera = ?", camera).
			Where("timestamp >= ?", start).
			Where("timestamp <= ?", end).
			Order("timestamp").
			Find(&entries); tmp.Error != nil {
			return tmp.Error
		}
		for _, entry := range entries {
			results = append(results, entry.TimelineEntry)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) DeleteTimelineEntriesInRange(
	ctxt context.Context, camera string, start, end float64,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		if tmp := tx.
			Where("camera = ?", camera).
			Where("timestamp >= ?", start).
			Where("timestamp <= ?", end).
			Delete(&timelineEntry{}); tmp.Error != nil {
			return tmp.Error
		}
		return nil
	})
}
