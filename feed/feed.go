// Package feed moves per-frame detection results from the capture pipeline to
// the recording maintainer.
package feed

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vidvault/common"
	"github.com/apex/log"
)

// DetectionFeed bounded queue of per-frame detection results
type DetectionFeed interface {
	/*
		Publish enqueue one frame detection result. The call never blocks; when the
		queue is full the frame is dropped and an error returned.

			@param ctxt context.Context - execution context
			@param frame common.FrameInfo - frame detection result
	*/
	Publish(ctxt context.Context, frame common.FrameInfo) error

	/*
		Drain dequeue every frame currently buffered. The call never blocks.

			@param ctxt context.Context - execution context
			@returns buffered frames, oldest first
	*/
	Drain(ctxt context.Context) []common.FrameInfo
}

// detectionFeedImpl implements DetectionFeed
type detectionFeedImpl struct {
	goutils.Component
	buffer chan common.FrameInfo
}

/*
NewDetectionFeed define a new detection feed

	@param queueSize int - max frames buffered before publishes drop
	@returns new DetectionFeed
*/
func NewDetectionFeed(queueSize int) (DetectionFeed, error) {
	if queueSize <= 0 {
		return nil, fmt.Errorf("detection feed queue size must be positive")
	}
	return &detectionFeedImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "feed", "component": "detection-feed"},
		},
		buffer: make(chan common.FrameInfo, queueSize),
	}, nil
}

func (f *detectionFeedImpl) Publish(ctxt context.Context, frame common.FrameInfo) error {
	select {
	case f.buffer <- frame:
		return nil
	default:
		logTags := f.GetLogTagsForContext(ctxt)
		err := fmt.Errorf("detection feed full")
		log.
			WithError(err).
			WithFields(logTags).
			WithField("camera", frame.Camera).
			Warn("Dropping frame detection result")
		return err
	}
}

func (f *detectionFeedImpl) Drain(ctxt context.Context) []common.FrameInfo {
	var frames []common.FrameInfo
	for {
		select {
		case frame := <-f.buffer:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}
