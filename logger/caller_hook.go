package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const callerDepth = 24

// wrapperPackages are skipped when looking for the caller of a log entry.
// The metrics package logs on behalf of the component emitting the metric.
var wrapperPackages = []string{
	"sirupsen/logrus",
	"bookscope/logger",
	"bookscope/internal/metrics",
}

// callerHook points entry.Caller at the first frame outside the logging and
// metrics wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, callerDepth)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	for _, pkg := range wrapperPackages {
		if strings.Contains(fn, pkg) {
			return true
		}
	}
	return false
}
