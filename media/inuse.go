package media

import (
	"context"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/shirou/gopsutil/v3/process"
)

// CaptureFileChecker reports which files the capture processes currently hold open
type CaptureFileChecker interface {
	/*
		OpenFiles list the files currently held open by the capture processes

			@param ctxt context.Context - execution context
			@returns set of open file paths
	*/
	OpenFiles(ctxt context.Context) (map[string]bool, error)
}

// captureFileCheckerImpl implements CaptureFileChecker against the process table
type captureFileCheckerImpl struct {
	goutils.Component
	processName string
}

/*
NewCaptureFileChecker define a process table based capture file checker

	@param processName string - name of the capture process to match
	@returns new CaptureFileChecker
*/
func NewCaptureFileChecker(processName string) (CaptureFileChecker, error) {
	return &captureFileCheckerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module":    "media",
				"component": "capture-file-checker",
				"process":   processName,
			},
		},
		processName: processName,
	}, nil
}

func (c *captureFileCheckerImpl) OpenFiles(ctxt context.Context) (map[string]bool, error) {
	logTags := c.GetLogTagsForContext(ctxt)

	processes, err := process.ProcessesWithContext(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read process table")
		return nil, err
	}

	openFiles := map[string]bool{}
	for _, proc := range processes {
		name, err := proc.NameWithContext(ctxt)
		if err != nil || !strings.Contains(name, c.processName) {
			continue
		}
		files, err := proc.OpenFilesWithContext(ctxt)
		if err != nil {
			// The process may have exited mid scan
			continue
		}
		for _, file := range files {
			openFiles[file.Path] = true
		}
	}

	return openFiles, nil
}
