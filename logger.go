package knowledge

import "github.com/zpark/knowledge/rag"

// LogLevel re-exports the internal log level type.
type LogLevel = rag.LogLevel

// Log levels, from least to most verbose.
const (
	LogLevelOff   = rag.LogLevelOff
	LogLevelError = rag.LogLevelError
	LogLevelWarn  = rag.LogLevelWarn
	LogLevelInfo  = rag.LogLevelInfo
	LogLevelDebug = rag.LogLevelDebug
)

// Logger re-exports the internal logger interface so callers can plug in
// their own implementation.
type Logger = rag.Logger

// SetLogLevel sets the level of the package-wide logger.
func SetLogLevel(level LogLevel) {
	rag.SetGlobalLogLevel(level)
}

// SetLogger replaces the package-wide logger.
func SetLogger(logger Logger) {
	rag.GlobalLogger = logger
}
