package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// SegmentRemuxer moves segment files into long term storage
type SegmentRemuxer interface {
	/*
		Remux rewrite a cached segment into its storage location. The container is
		rewritten without re-encoding, with the index moved to the front of the file.
		On failure no file is left at the target path.

			@param ctxt context.Context - execution context
			@param srcPath string - cached segment file path
			@param dstPath string - storage file path
	*/
	Remux(ctxt context.Context, srcPath, dstPath string) error
}

// ffmpegSegmentRemuxer implements SegmentRemuxer using ffmpeg stream copy
type ffmpegSegmentRemuxer struct {
	goutils.Component
}

/*
NewFFMpegSegmentRemuxer define a ffmpeg based segment remuxer

	@returns new SegmentRemuxer
*/
func NewFFMpegSegmentRemuxer() (SegmentRemuxer, error) {
	return &ffmpegSegmentRemuxer{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "media", "component": "segment-remuxer"},
		},
	}, nil
}

func (r *ffmpegSegmentRemuxer) Remux(ctxt context.Context, srcPath, dstPath string) error {
	logTags := r.GetLogTagsForContext(ctxt)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("unable to prepare storage directory for '%s': %w", dstPath, err)
	}

	cmd := exec.CommandContext(
		ctxt,
		"ffmpeg",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", srcPath,
		"-c", "copy",
		"-movflags", "+faststart",
		dstPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", srcPath).
			WithField("output", string(output)).
			Error("Segment remux failed")
		// Do not leave a partial file behind
		_ = os.Remove(dstPath)
		return fmt.Errorf("ffmpeg remux of '%s' failed: %w", srcPath, err)
	}

	log.
		WithFields(logTags).
		WithField("segment", srcPath).
		WithField("target", dstPath).
		Debug("Remuxed segment into storage")
	return nil
}
