package internal

import (
	"log/slog"
	"strconv"
	"sync/atomic"
)

var (
	logLevel    atomic.Int64 // Default slog level before flags are parsed.
	verboseMode atomic.Bool  // Whether log records carry their source location.
)

// Seeds the logging defaults from the linker flags.
//
// An unparsable rawLogLevel or rawVerbose leaves the default (info, not
// verbose) in place.
func init() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(rawLogLevel)); err == nil {
		logLevel.Store(int64(level))
	}
	if v, err := strconv.ParseBool(rawVerbose); err == nil {
		verboseMode.Store(v)
	}
}

// Returns the default log level.
func LogLevel() slog.Level {
	return slog.Level(logLevel.Load())
}

// Sets the default log level.
func SetLogLevel(level slog.Level) {
	logLevel.Store(int64(level))
}

// Returns true if verbose logging is enabled.
func IsVerbose() bool {
	return verboseMode.Load()
}

// Enables or disables verbose logging.
func SetVerbose(enabled bool) {
	verboseMode.Store(enabled)
}
