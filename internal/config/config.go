package config

import (
	log "github.com/sirupsen/logrus"
)

// ErrorFormat switch between "%v" and "%+v" depending if we want more verbose info
var ErrorFormat = "%v"

// SetVerboseMode change ErrorFormat and logs between very, middly and non verbose
func SetVerboseMode(level int) {
	switch level {
	case 0:
		ErrorFormat = "%v"
		log.SetFormatter(&log.TextFormatter{
			DisableLevelTruncation: true,
			DisableTimestamp:       true,
		})
		log.SetLevel(log.WarnLevel)
	case 1:
		ErrorFormat = "%+v"
		log.SetFormatter(&log.TextFormatter{DisableLevelTruncation: true})
		log.SetLevel(log.InfoLevel)
		log.Debug("verbosity set to info and will print stacktraces")
	default:
		ErrorFormat = "%+v"
		log.SetFormatter(&log.TextFormatter{DisableLevelTruncation: true})
		log.SetLevel(log.DebugLevel)
		log.Debug("verbosity set to debug and will print stacktraces")
	}
}
