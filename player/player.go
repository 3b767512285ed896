// Package player drains the queue through the caster, one track at a time.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/metrics"
	"github.com/aposazhennikov/lancast/queue"
	sentryhelper "github.com/aposazhennikov/lancast/sentry_helper"
	"github.com/aposazhennikov/lancast/track"
)

// Caster sends one track to completion.
type Caster interface {
	Cast(ctx context.Context, t *track.Track) error
}

// Config holds what the player needs to turn ids into tracks.
type Config struct {
	Track   track.Config
	Quality catalog.Quality
}

// Player owns the queue drain. Exactly one track is cast at a time.
type Player struct {
	queue   *queue.Queue
	caster  Caster
	catalog catalog.Catalog
	cfg     Config
	logger  *slog.Logger
	sentry  *sentryhelper.SentryHelper
	metrics *metrics.Metrics

	drain sync.Mutex
	wake  chan struct{}

	mu      sync.Mutex
	current *track.Track
	skip    context.CancelFunc
	stop    context.CancelFunc
	done    chan struct{}
}

// Option configures a Player.
type Option func(*Player)

func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.logger = l }
}

func WithSentry(sh *sentryhelper.SentryHelper) Option {
	return func(p *Player) { p.sentry = sh }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// New creates a player draining q through c. It takes over q's change
// callback to wake its background loop.
func New(q *queue.Queue, c Caster, cat catalog.Catalog, cfg Config, opts ...Option) *Player {
	p := &Player{
		queue:   q,
		caster:  c,
		catalog: cat,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.WithComponent(p.logger, "player")
	q.OnChange(p.notify)
	return p
}

func (p *Player) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Resolve builds a track for id in the configured quality.
func (p *Player) Resolve(ctx context.Context, id string) (*track.Track, error) {
	return track.New(ctx, p.catalog, id, p.cfg.Quality, p.cfg.Track, p.logger)
}

// Enqueue resolves ids in the given quality and queues the ones that resolve.
// Tracks that fail are reported and skipped; their errors are joined in the
// returned error.
func (p *Player) Enqueue(ctx context.Context, quality catalog.Quality, ids ...string) ([]*track.Track, error) {
	if quality == "" {
		quality = p.cfg.Quality
	}

	var (
		tracks []*track.Track
		errs   []error
	)
	for _, id := range ids {
		t, err := track.New(ctx, p.catalog, id, quality, p.cfg.Track, p.logger)
		if err != nil {
			p.metrics.Track(metrics.ResultRejected)
			p.sentry.CaptureTrackError(err, id, "resolve", map[string]interface{}{"quality": string(quality)})
			logger.WithTrack(p.logger, id).Error("Skipping track", slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		if t.FellBack() {
			p.sentry.CaptureWarning(
				fmt.Sprintf("track %s: %s unavailable, using %s", id, t.RequestedQuality, t.Quality),
				"player", "resolve")
		}
		tracks = append(tracks, t)
	}

	if len(tracks) > 0 {
		if err := p.queue.Add(tracks...); err != nil {
			return nil, err
		}
	}
	return tracks, errors.Join(errs...)
}

// Play casts queued tracks in order until the queue is drained or ctx is
// done. A drained queue is not an error. A failed track is reported and
// the next one is played.
func (p *Player) Play(ctx context.Context) error {
	p.drain.Lock()
	defer p.drain.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t := p.queue.Current()
		if t == nil {
			t = p.queue.Next()
			// Tracks taken from the pending list play from the start, also
			// when they were cast before.
			if t != nil && t.Streamed() > 0 {
				t.Reset()
			}
		}
		if t == nil {
			p.logger.Info("Queue drained")
			return nil
		}

		p.playOne(ctx, t)
		if err := ctx.Err(); err != nil {
			return err
		}
		p.queue.Next()
	}
}

func (p *Player) playOne(ctx context.Context, t *track.Track) {
	log := logger.WithTrack(p.logger, t.ID)
	trackCtx, skip := context.WithCancel(ctx)
	defer skip()

	p.mu.Lock()
	p.current, p.skip = t, skip
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current, p.skip = nil, nil
		p.mu.Unlock()
	}()

	p.sentry.AddBreadcrumb("player", "cast "+t.ID, map[string]interface{}{"title": t.Title()})
	log.Info("Playing track", slog.String("title", t.Title()), slog.String("quality", string(t.Quality)))
	started := time.Now()

	err := p.caster.Cast(trackCtx, t)
	switch {
	case err == nil:
		p.metrics.Track(metrics.ResultCast)
		log.Info("Track finished", slog.Duration("elapsed", time.Since(started)))
	case ctx.Err() != nil:
		log.Info("Playback stopped", slog.Int64("streamed", t.Streamed()))
	case trackCtx.Err() != nil:
		p.metrics.Track(metrics.ResultSkipped)
		log.Info("Track skipped", slog.Int64("streamed", t.Streamed()))
	default:
		p.metrics.Track(metrics.ResultFailed)
		p.sentry.CaptureTrackError(err, t.ID, "cast", map[string]interface{}{
			"title":    t.Title(),
			"fetched":  t.Fetched(),
			"streamed": t.Streamed(),
			"state":    t.State().String(),
		})
		log.Error("Track failed, moving on", slog.String("error", err.Error()))
	}
}

// Skip stops the track being cast at its next chunk. It reports whether a
// track was playing.
func (p *Player) Skip() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.skip == nil {
		return false
	}
	p.skip()
	return true
}

// Previous plays the last played track again, followed by the track being
// cast, which starts over.
func (p *Player) Previous() error {
	prev, err := p.queue.Previous()
	if err != nil {
		return err
	}
	p.Skip()
	logger.WithTrack(p.logger, prev.ID).Info("Replaying previous track")
	return nil
}

// PlayAt abandons the track being cast and plays the pending track at rank
// next.
func (p *Player) PlayAt(rank int) error {
	t, err := p.queue.Jump(rank)
	if err != nil {
		return err
	}
	p.Skip()
	logger.WithTrack(p.logger, t.ID).Info("Playing track out of order", slog.Int("rank", rank))
	return nil
}

// Start runs Play in the background, waiting for new tracks whenever the
// queue is drained. It is a no-op when already started.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.stop, p.done = cancel, done
	go p.loop(ctx, done)
	p.logger.Info("Player started")
}

// Stop stops the background loop and waits for it. The interrupted track
// stays current and is played again on the next start.
func (p *Player) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return
	}

	stop()
	<-done
	p.logger.Info("Player stopped")
}

func (p *Player) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := p.Play(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// Status is a snapshot of the player.
type Status struct {
	Running bool       `json:"running"`
	Playing bool       `json:"playing"`
	Current *TrackView `json:"current,omitempty"`
	Queued  int        `json:"queued"`
}

// State returns the current status.
func (p *Player) State() Status {
	p.mu.Lock()
	running, current := p.stop != nil, p.current
	p.mu.Unlock()

	s := Status{Running: running, Playing: current != nil, Queued: p.queue.Len()}
	if current != nil {
		v := View(current)
		s.Current = &v
	}
	return s
}
