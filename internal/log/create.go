package log

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultLevel only prints warning and errors.
	DefaultLevel = logrus.WarnLevel
	// InfoLevel is signaling system information like global calls.
	InfoLevel = logrus.InfoLevel
	// DebugLevel gives fine-grained details about executions.
	DebugLevel = logrus.DebugLevel
)

// ContextWithRunLog returns a context which will log to the writer.
// Everything a backup run logs through this package is duplicated to w so
// it can be captured into the run record. The run id is attached to the
// context and prefixes the standard logger output.
func ContextWithRunLog(ctx context.Context, runID string, w io.Writer) context.Context {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableLevelTruncation: true,
		DisableColors:          true,
	})

	return context.WithValue(ctx, runInfoKey, &runInfo{
		id:     runID,
		logger: logger,
	})
}
