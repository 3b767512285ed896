// Package caster drains track buffers onto a UDP multicast group at the
// real-time bitrate of each track.
package caster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/metrics"
	"github.com/aposazhennikov/lancast/track"
)

// DefaultChunkSize is the payload size of one datagram.
const DefaultChunkSize = 1024

var ErrNotMulticast = errors.New("not a multicast address")

// Sender is the part of net.PacketConn the caster writes to.
type Sender interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Caster sends tracks to one destination. It is not safe for concurrent
// casts: the player runs exactly one at a time.
type Caster struct {
	conn      Sender
	dest      net.Addr
	fetcher   *track.Fetcher
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Caster.
type Option func(*Caster)

func WithChunkSize(n int) Option {
	return func(c *Caster) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Caster) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Caster) { c.metrics = m }
}

// New creates a caster writing to dest through conn. fetcher starts the
// fetch of tracks that are not fetched yet.
func New(conn Sender, dest net.Addr, fetcher *track.Fetcher, opts ...Option) *Caster {
	c := &Caster{
		conn:      conn,
		dest:      dest,
		fetcher:   fetcher,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.WithComponent(c.logger, "caster")
	return c
}

// ForSocket creates a caster for a socket returned by Dial.
func ForSocket(s *Socket, fetcher *track.Fetcher, opts ...Option) *Caster {
	return New(s.Conn, s.Group, fetcher, opts...)
}

// Cast sends t from its streamed position to its end, one chunk per pacing
// interval, and returns once every byte was sent.
//
// A fetch is started when t is not fetching yet. Sending waits whenever fewer
// than BufferThreshold bytes are buffered ahead of the position, except in the
// tail of the track, and never covers bytes that are not fetched. It returns
// the fetch error if the fetch fails and ctx.Err() when cancelled.
func (c *Caster) Cast(ctx context.Context, t *track.Track) error {
	log := logger.WithTrack(c.logger, t.ID).With(slog.String("session", uuid.NewString()))

	ctx, cancel := context.WithCancel(ctx)
	done, started := c.fetcher.Ensure(ctx, t)
	defer func() {
		cancel()
		if started {
			<-done
		}
	}()
	gen := t.Generation()

	err := t.Await(ctx, gen, func(_ int64, st track.State) bool {
		return st.AtLeast(track.StatePlayable)
	})
	if err != nil {
		return fmt.Errorf("wait for playable: %w", err)
	}

	interval := time.Duration(float64(c.chunkSize) / t.Bitrate * float64(time.Second))
	logger.LogCastEvent(log, slog.LevelInfo, "Casting track",
		slog.String("title", t.Title()),
		slog.String("quality", string(t.Quality)),
		slog.Float64("bitrate", t.Bitrate),
		slog.Duration("interval", interval),
		slog.Int64("from", t.Streamed()))

	for pos := t.Streamed(); pos < t.Size; pos = t.Streamed() {
		end := min(pos+int64(c.chunkSize), t.Size)

		if !c.ready(t, t.Fetched(), pos, end) {
			if err := c.waitForBuffer(ctx, log, t, gen, pos, end); err != nil {
				return err
			}
		}

		if err := c.send(t, gen, pos, end); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	logger.LogCastEvent(log, slog.LevelInfo, "Cast complete",
		slog.Int64("bytes", t.Streamed()))
	return nil
}

// ready reports whether [pos, end) may be sent with fetched bytes available.
func (c *Caster) ready(t *track.Track, fetched, pos, end int64) bool {
	if end > fetched {
		return false
	}
	inTail := pos >= t.Size-t.BufferThreshold
	return inTail || fetched-t.Streamed() >= t.BufferThreshold
}

// waitForBuffer blocks until the chunk is ready. Each call is one underrun
// episode and warns once.
func (c *Caster) waitForBuffer(ctx context.Context, log *slog.Logger, t *track.Track, gen uint64, pos, end int64) error {
	c.metrics.Underrun()
	logger.LogCastEvent(log, slog.LevelWarn, "Slow connection, buffering",
		slog.Int64("position", pos),
		slog.Int64("fetched", t.Fetched()),
		slog.Int64("threshold", t.BufferThreshold))

	started := time.Now()
	err := t.Await(ctx, gen, func(fetched int64, _ track.State) bool {
		return c.ready(t, fetched, pos, end)
	})
	if err != nil {
		return fmt.Errorf("wait for buffer at %d: %w", pos, err)
	}
	log.Debug("Buffer refilled", slog.Duration("waited", time.Since(started)))
	return nil
}

func (c *Caster) send(t *track.Track, gen uint64, pos, end int64) error {
	chunk, err := t.Bytes(gen, pos, end)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(chunk, c.dest); err != nil {
		return fmt.Errorf("send datagram at %d: %w", pos, err)
	}
	t.AddStreamed(len(chunk))
	c.metrics.Sent(len(chunk))
	return nil
}
