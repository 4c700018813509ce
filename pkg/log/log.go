package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. Packages derive children from it with the
// With helpers.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration
type Config struct {
	Level      zerolog.Level
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the process logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a flag value to a level. Unknown and empty values are info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// WithComponent returns a logger tagged with a component name
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSessionID returns a logger tagged with a device and its session
func WithSessionID(deviceID, sessionID string) zerolog.Logger {
	return Logger.With().
		Str("device_id", deviceID).
		Str("session_id", sessionID).
		Logger()
}

// WithChannel adds a fault channel to l
func WithChannel(l zerolog.Logger, channel string) zerolog.Logger {
	return l.With().Str("channel", channel).Logger()
}
