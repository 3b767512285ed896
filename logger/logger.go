// Package logger builds the structured loggers used across lancast.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogsampling "github.com/samber/slog-sampling"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Config holds the logger configuration.
type Config struct {
	Level           LogLevel
	Output          io.Writer
	DisableSampling bool
	// Threshold sampling: the first SamplingMax identical messages per tick
	// pass, then only SamplingRate of them.
	SamplingTick time.Duration
	SamplingMax  uint64
	SamplingRate float64
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:        LevelInfo,
		Output:       os.Stdout,
		SamplingTick: 5 * time.Second,
		SamplingMax:  20,
		SamplingRate: 0.1,
	}
}

// NewLogger creates a JSON logger, sampled unless DisableSampling is set.
func NewLogger(config *Config) *slog.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	baseHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(string(config.Level)),
	})

	if config.DisableSampling {
		return slog.New(baseHandler)
	}

	// Identical records are matched on level and message so a chatty chunk loop
	// cannot drown out the rest of the stream.
	thresholdOption := slogsampling.ThresholdSamplingOption{
		Tick:      config.SamplingTick,
		Threshold: config.SamplingMax,
		Rate:      config.SamplingRate,
		Matcher:   slogsampling.MatchByLevelAndMessage(),
	}

	return slog.New(
		slogmulti.
			Pipe(thresholdOption.NewMiddleware()).
			Handler(baseHandler),
	)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to INFO.
func ParseLevel(level string) slog.Level {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(level))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning, "WARN":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component field to the logger for better categorization.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return orDefault(logger).With("component", component)
}

// WithTrack adds the track identifier to the logger.
func WithTrack(logger *slog.Logger, trackID string) *slog.Logger {
	return orDefault(logger).With("track_id", trackID)
}

// LogCastEvent logs casting events with consistent fields. The track id is
// expected on logger already, see WithTrack.
func LogCastEvent(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("event_type", "cast"),
	}
	allAttrs = append(allAttrs, attrs...)

	orDefault(logger).LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogFetchEvent logs fetch events with consistent fields. The track id is
// expected on logger already, see WithTrack.
func LogFetchEvent(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("event_type", "fetch"),
	}
	allAttrs = append(allAttrs, attrs...)

	orDefault(logger).LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogConfigEvent logs configuration-related events.
func LogConfigEvent(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("event_type", "config"),
	}
	allAttrs = append(allAttrs, attrs...)

	orDefault(logger).LogAttrs(context.Background(), level, msg, allAttrs...)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
