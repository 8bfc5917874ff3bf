package proxy

import (
	"log"
	"strings"
)

// LogLevel gates which log lines actually reach the standard logger. This
// is the thinnest possible wrapper over the stdlib "log" package that still
// honors a --log-level CLI flag.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

// ParseLogLevel maps the CLI's {DEBUG,INFO,WARNING,ERROR} values onto a
// LogLevel, defaulting to INFO for anything unrecognized.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARNING":
		return LevelWarning
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// currentLevel is set once at startup before the accept/poll loops start;
// it is never mutated concurrently, so no synchronization is needed.
var currentLevel = LevelInfo

// SetLogLevel configures the package-wide log verbosity.
func SetLogLevel(l LogLevel) {
	currentLevel = l
}

func debugf(format string, args ...interface{}) {
	if currentLevel <= LevelDebug {
		log.Printf(format, args...)
	}
}

func infof(format string, args ...interface{}) {
	if currentLevel <= LevelInfo {
		log.Printf(format, args...)
	}
}

func warnf(format string, args ...interface{}) {
	if currentLevel <= LevelWarning {
		log.Printf(format, args...)
	}
}

func errorf(format string, args ...interface{}) {
	if currentLevel <= LevelError {
		log.Printf(format, args...)
	}
}
