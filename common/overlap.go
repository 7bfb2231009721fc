package common

// SegmentActivity aggregate detection activity over the segment window
// [start, end]: the summed area of all motion boxes, and the number of active
// tracked object observations.
func SegmentActivity(frames []FrameInfo, start, end float64) (motion int, active int) {
	for _, frame := range frames {
		if frame.FrameTime < start || frame.FrameTime > end {
			continue
		}
		for _, box := range frame.MotionBoxes {
			motion += box.Area()
		}
		for _, object := range frame.Objects {
			if object.Active() {
				active++
			}
		}
	}
	return motion, active
}

// ScanEventOverlap advance the cursor over events sorted by start time to find
// one overlapping the segment window [start, end]. The cursor only moves
// forward: events already proven to end before an earlier segment are never
// revisited, so callers must process segments in start time order. An event
// without an end time is open ended and always overlaps once reached. Returns
// the updated cursor and the overlapping event, or nil when the next event
// starts after the window ends.
func ScanEventOverlap(events []Event, cursor int, start, end float64) (int, *Event) {
	for cursor < len(events) {
		event := events[cursor]
		if event.Ended() && *event.EndTime < start {
			cursor++
			continue
		}
		if event.StartTime > end {
			return cursor, nil
		}
		return cursor, &events[cursor]
	}
	return cursor, nil
}

// TrimFramesBefore drop buffered frames older than the cutoff. Frames are
// expected in arrival order.
func TrimFramesBefore(frames []FrameInfo, cutoff float64) []FrameInfo {
	idx := 0
	for idx < len(frames) && frames[idx].FrameTime < cutoff {
		idx++
	}
	return frames[idx:]
}
