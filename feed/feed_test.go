package feed_test

import (
	"context"
	"testing"

	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/feed"
	"github.com/stretchr/testify/assert"
)

func TestDetectionFeed(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()

	// Case 0: invalid queue size
	{
		_, err := feed.NewDetectionFeed(0)
		assert.NotNil(err)
	}

	uut, err := feed.NewDetectionFeed(4)
	assert.Nil(err)

	// Case 1: drain of empty feed returns nothing
	assert.Len(uut.Drain(utCtxt), 0)

	// Case 2: frames come back out in publish order
	for idx := 0; idx < 3; idx++ {
		assert.Nil(uut.Publish(utCtxt, common.FrameInfo{
			Camera: "front_door", FrameTime: float64(1000 + idx),
		}))
	}
	{
		frames := uut.Drain(utCtxt)
		assert.Len(frames, 3)
		for idx, frame := range frames {
			assert.InDelta(float64(1000+idx), frame.FrameTime, 1e-6)
		}
	}

	// Case 3: publishes beyond the queue size drop
	for idx := 0; idx < 4; idx++ {
		assert.Nil(uut.Publish(utCtxt, common.FrameInfo{
			Camera: "front_door", FrameTime: float64(2000 + idx),
		}))
	}
	assert.NotNil(uut.Publish(utCtxt, common.FrameInfo{
		Camera: "front_door", FrameTime: 2004,
	}))
	{
		frames := uut.Drain(utCtxt)
		assert.Len(frames, 4)
		assert.InDelta(2000.0, frames[0].FrameTime, 1e-6)
		assert.InDelta(2003.0, frames[3].FrameTime, 1e-6)
	}
}
