package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// SegmentProber reads media metadata off segment files
type SegmentProber interface {
	/*
		Duration measure the playable duration of a segment file

			@param ctxt context.Context - execution context
			@param path string - segment file path
			@returns duration in seconds
	*/
	Duration(ctxt context.Context, path string) (float64, error)
}

// ffprobeSegmentProber implements SegmentProber using ffprobe
type ffprobeSegmentProber struct {
	goutils.Component
}

/*
NewFFProbeSegmentProber define a ffprobe based segment prober

	@returns new SegmentProber
*/
func NewFFProbeSegmentProber() (SegmentProber, error) {
	return &ffprobeSegmentProber{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "media", "component": "segment-prober"},
		},
	}, nil
}

func (p *ffprobeSegmentProber) Duration(ctxt context.Context, path string) (float64, error) {
	logTags := p.GetLogTagsForContext(ctxt)

	cmd := exec.CommandContext(
		ctxt,
		"ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", path).
			Debug("ffprobe failed on segment")
		return 0, fmt.Errorf("ffprobe failed on '%s': %w", path, err)
	}

	durationStr := strings.TrimSpace(string(output))
	if durationStr == "" {
		return 0, fmt.Errorf("ffprobe reported no duration for '%s'", path)
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe reported unparsable duration for '%s': %w", path, err)
	}
	return duration, nil
}
