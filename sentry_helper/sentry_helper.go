// Package sentry_helper reports track-level failures to Sentry when it is configured.
package sentry_helper

import (
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryHelper wraps optional Sentry reporting. A disabled helper is a no-op.
type SentryHelper struct {
	enabled bool
	logger  *slog.Logger
}

// Init initialises the Sentry SDK when dsn is set and returns a helper bound to it.
func Init(dsn, environment, release string, logger *slog.Logger) (*SentryHelper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		return NewSentryHelper(false, logger), nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return NewSentryHelper(false, logger), err
	}
	return NewSentryHelper(true, logger), nil
}

// NewSentryHelper creates a new SentryHelper instance.
func NewSentryHelper(enabled bool, logger *slog.Logger) *SentryHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SentryHelper{
		enabled: enabled,
		logger:  logger,
	}
}

// IsEnabled returns whether Sentry is enabled.
func (h *SentryHelper) IsEnabled() bool {
	return h != nil && h.enabled
}

// CaptureTrackError reports a failure of one track in the given stage
// ("resolve", "fetch", "cast").
func (h *SentryHelper) CaptureTrackError(err error, trackID, stage string, extra map[string]interface{}) {
	if !h.IsEnabled() || err == nil {
		return
	}

	// Clone hub to avoid data races between the player and fetch goroutines.
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "player")
		scope.SetTag("stage", stage)
		scope.SetTag("track_id", trackID)
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// CaptureWarning reports a degraded-but-working condition such as a quality fallback.
func (h *SentryHelper) CaptureWarning(msg, component, operation string) {
	if !h.IsEnabled() || msg == "" {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("component", component)
		scope.SetTag("operation", operation)
		hub.CaptureMessage(msg)
	})
}

// AddBreadcrumb records a playback step leading up to a possible error.
func (h *SentryHelper) AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !h.IsEnabled() || message == "" {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Data:      data,
		Timestamp: time.Now(),
	}, nil)
}

// SafeFlush flushes buffered events, logging when the timeout is hit.
func (h *SentryHelper) SafeFlush(timeout time.Duration) {
	if !h.IsEnabled() {
		return
	}

	if !sentry.Flush(timeout) {
		h.logger.Warn("Sentry flush timeout", "timeout", timeout)
	}
}
