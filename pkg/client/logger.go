package client

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// leveledLogger routes retryablehttp's logging into zerolog
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	emit(log.Error(), msg, keysAndValues)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	emit(log.Warn(), msg, keysAndValues)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	emit(log.Debug(), msg, keysAndValues)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	emit(log.Trace(), msg, keysAndValues)
}

func emit(event *zerolog.Event, msg string, keysAndValues []interface{}) {
	event.Fields(keysAndValues).Msg(msg)
}
