/*

Package log proxy logs to logrus logger and an optional per-run logger.
Both can have independent logging levels.

*/
package log

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type runInfoKeyType string

const (
	runInfoKey  runInfoKeyType = "lograninfo"
	runIDFormat                = "[[%s]] %s"
)

type runInfo struct {
	id     string
	logger *logrus.Logger
}

// Debug logs a message at level Debug on the standard logger
// and may push to the run log referenced by ctx.
func Debug(ctx context.Context, args ...interface{}) {
	Debugf(ctx, "%s", fmt.Sprint(args...))
}

// Debugf logs a message at level Debug on the standard logger
// and may push to the run log referenced by ctx.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	if info, ok := ctx.Value(runInfoKey).(*runInfo); ok {
		info.logger.Debugf(format, args...)
		// for standard logger, save the id
		format = fmt.Sprintf(runIDFormat, info.id, format)
	}
	logrus.Debugf(format, args...)
}

// Info logs a message at level Info on the standard logger
// and may push to the run log referenced by ctx.
func Info(ctx context.Context, args ...interface{}) {
	Infof(ctx, "%s", fmt.Sprint(args...))
}

// Infof logs a message at level Info on the standard logger
// and may push to the run log referenced by ctx.
func Infof(ctx context.Context, format string, args ...interface{}) {
	if info, ok := ctx.Value(runInfoKey).(*runInfo); ok {
		info.logger.Infof(format, args...)
		// for standard logger, save the id
		format = fmt.Sprintf(runIDFormat, info.id, format)
	}
	logrus.Infof(format, args...)
}

// Warning logs a message at level Warning on the standard logger
// and may push to the run log referenced by ctx.
func Warning(ctx context.Context, args ...interface{}) {
	Warningf(ctx, "%s", fmt.Sprint(args...))
}

// Warningf logs a message at level Warning on the standard logger
// and may push to the run log referenced by ctx.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	if info, ok := ctx.Value(runInfoKey).(*runInfo); ok {
		info.logger.Warningf(format, args...)
		// for standard logger, save the id
		format = fmt.Sprintf(runIDFormat, info.id, format)
	}
	logrus.Warningf(format, args...)
}

// Error logs a message at level Error on the standard logger
// and may push to the run log referenced by ctx.
func Error(ctx context.Context, args ...interface{}) {
	Errorf(ctx, "%s", fmt.Sprint(args...))
}

// Errorf logs a message at level Error on the standard logger
// and may push to the run log referenced by ctx.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	if info, ok := ctx.Value(runInfoKey).(*runInfo); ok {
		info.logger.Errorf(format, args...)
		// for standard logger, save the id
		format = fmt.Sprintf(runIDFormat, info.id, format)
	}
	logrus.Errorf(format, args...)
}
