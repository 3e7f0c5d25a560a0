package log

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger

	// currentLevel tracks the active level outside of zerolog's own
	// global so ToggleDebug can flip back to whatever level Init was
	// called with, rather than hard-coding Info.
	currentLevel atomic.Int32
	restoreLevel atomic.Int32
)

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger.
func Init(cfg Config) {
	level := zerologLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	currentLevel.Store(int32(level))
	restoreLevel.Store(int32(level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// SetLevel sets the process-wide log level directly.
func SetLevel(l Level) {
	level := zerologLevel(l)
	zerolog.SetGlobalLevel(level)
	currentLevel.Store(int32(level))
}

// ToggleDebug flips the root log level between the level Init was called
// with and Debug. This backs the SIGUSR1 handler every worker process
// subscribes to — it is the one process-wide datum kept behind a
// logging facade rather than letting signal handlers touch logger
// internals directly.
func ToggleDebug() {
	if zerolog.Level(currentLevel.Load()) == zerolog.DebugLevel {
		level := zerolog.Level(restoreLevel.Load())
		zerolog.SetGlobalLevel(level)
		currentLevel.Store(int32(level))
		return
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	currentLevel.Store(int32(zerolog.DebugLevel))
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithUnit creates a child logger tagged with a unit UUID.
func WithUnit(unitUUID string) zerolog.Logger {
	return Logger.With().Str("unit", unitUUID).Logger()
}

// WithLaunchID creates a child logger tagged with a service's launch id,
// the per-process-instantiation identifier generated in Setup.
func WithLaunchID(launchID string) zerolog.Logger {
	return Logger.With().Str("launch_id", launchID).Logger()
}

// Info logs msg at info level on the global logger.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Debug logs msg at debug level on the global logger.
func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

// Warn logs msg at warn level on the global logger.
func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

// Error logs msg at error level on the global logger.
func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs an error with a message at error level on the global logger.
func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

// Fatal logs msg at fatal level and exits the process.
func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
