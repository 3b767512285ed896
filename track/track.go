// Package track holds one catalog track through its fetch and cast lifecycle:
// key derivation, stripe decoding, the growing plaintext buffer and its state.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/logger"
)

// DefaultBufferSeconds is the pre-roll kept ahead of the caster.
const DefaultBufferSeconds = 0.5

var (
	// ErrStaleGeneration is returned to a fetcher or caster working on a
	// buffer that has since been reset.
	ErrStaleGeneration = errors.New("track was reset")
	ErrFetchStatus     = errors.New("unexpected stream status")
	ErrShortBody       = errors.New("stream ended before the track size")
	ErrOutOfRange      = errors.New("range not fetched")
)

// Config carries the values shared by every track.
type Config struct {
	Secret        []byte
	BufferSeconds float64
}

// Track is a resolved catalog track and its plaintext buffer.
//
// The fetcher is the only writer of fetched and state, the caster the only
// writer of streamed. Bytes below fetched are never rewritten within a
// generation, so slices returned by Bytes stay valid after a Reset.
type Track struct {
	ID               string
	Info             *catalog.TrackInfo
	Quality          catalog.Quality
	RequestedQuality catalog.Quality
	URL              string
	Key              []byte
	Size             int64
	Duration         time.Duration
	// Bitrate is in bytes per second.
	Bitrate         float64
	BufferThreshold int64

	codec *Codec

	mu       sync.Mutex
	buf      []byte
	gen      uint64
	err      error
	inFlight bool
	changed  chan struct{}
	observer func(from, to State, fetched int64)

	fetched  atomic.Int64
	streamed atomic.Int64
	state    atomic.Int32
}

// New resolves id against the catalog and prepares the track for casting.
// When quality is not available the best available one is used instead.
func New(ctx context.Context, cat catalog.Catalog, id string, quality catalog.Quality, cfg Config, log *slog.Logger) (*Track, error) {
	info, err := cat.ResolveTrack(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve track %s: %w", id, err)
	}
	if len(info.Qualities) == 0 {
		return nil, fmt.Errorf("track %s: %w", id, catalog.ErrNoFormats)
	}

	selected := quality
	if !info.Has(quality) {
		selected = info.Qualities[len(info.Qualities)-1]
		logger.WithTrack(log, id).Warn("Requested quality unavailable, using best available",
			"requested", quality,
			"selected", selected)
	}

	url, err := cat.StreamURL(ctx, info.Token, selected)
	if err != nil {
		return nil, fmt.Errorf("stream url for track %s: %w", id, err)
	}

	t, err := FromInfo(info, selected, url, cfg)
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.RequestedQuality = quality
	return t, nil
}

// FromInfo builds a track from already resolved metadata.
func FromInfo(info *catalog.TrackInfo, quality catalog.Quality, url string, cfg Config) (*Track, error) {
	size := info.Sizes[quality]
	if size <= 0 || info.Duration <= 0 {
		return nil, fmt.Errorf("track %s in %s: %w", info.ID, quality, catalog.ErrNoFormats)
	}

	key := DeriveKey(info.ID, cfg.Secret)
	codec, err := NewCodec(key)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", info.ID, err)
	}

	seconds := cfg.BufferSeconds
	if seconds <= 0 {
		seconds = DefaultBufferSeconds
	}
	bitrate := float64(size) / info.Duration.Seconds()

	t := &Track{
		ID:               info.ID,
		Info:             info,
		Quality:          quality,
		RequestedQuality: quality,
		URL:              url,
		Key:              key,
		Size:             size,
		Duration:         info.Duration,
		Bitrate:          bitrate,
		BufferThreshold:  min(int64(bitrate*seconds), size),
		codec:            codec,
		changed:          make(chan struct{}),
	}
	t.state.Store(int32(StateIdle))
	return t, nil
}

// Title returns a human readable title.
func (t *Track) Title() string {
	if t.Info == nil {
		return t.ID
	}
	return t.Info.FullTitle()
}

// FellBack reports whether a lower quality than requested was selected.
func (t *Track) FellBack() bool {
	return t.Quality != t.RequestedQuality
}

// OnTransition installs fn to be called on every state change with the
// fetched count at that instant. fn runs with the track lock held and must
// not call back into the track.
func (t *Track) OnTransition(fn func(from, to State, fetched int64)) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Reset starts a new generation: a fresh buffer, both cursors at zero and the
// state back to idle. A fetch of the previous generation stops publishing, and
// the next cast starts a new one. It must not be called while a caster reads
// the track; a caster that does observe it aborts with ErrStaleGeneration.
func (t *Track) Reset() (uint64, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetLocked(false)
}

// begin resets the track for a fetch owned by the caller.
func (t *Track) begin() (uint64, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetLocked(true)
}

// claim resets the track for a new fetch unless one is running or the
// track is already at least fetching.
func (t *Track) claim() (uint64, []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight || !t.State().Before(StateFetching) {
		return 0, nil, false
	}
	gen, buf := t.resetLocked(true)
	return gen, buf, true
}

func (t *Track) resetLocked(fetching bool) (uint64, []byte) {
	t.gen++
	t.buf = make([]byte, t.Size)
	t.fetched.Store(0)
	t.streamed.Store(0)
	t.err = nil
	t.inFlight = fetching
	t.setStateLocked(StateIdle)
	t.broadcastLocked()
	return t.gen, t.buf
}

// advance publishes n more bytes written by the fetcher of generation gen.
func (t *Track) advance(gen uint64, n int) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return t.State(), ErrStaleGeneration
	}

	fetched := t.fetched.Add(int64(n))
	if t.State() == StateIdle {
		t.setStateLocked(StateFetching)
	}
	if t.State() == StateFetching && fetched >= t.BufferThreshold {
		t.setStateLocked(StatePlayable)
	}
	t.broadcastLocked()
	return t.State(), nil
}

func (t *Track) finish(gen uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return ErrStaleGeneration
	}
	t.inFlight = false
	t.setStateLocked(StateFetched)
	t.broadcastLocked()
	return nil
}

func (t *Track) fail(gen uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.inFlight = false
	t.err = err
	t.setStateLocked(StateFailed)
	t.broadcastLocked()
}

func (t *Track) setStateLocked(to State) {
	from := State(t.state.Swap(int32(to)))
	if from != to && t.observer != nil {
		t.observer(from, to, t.fetched.Load())
	}
}

func (t *Track) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Await blocks until cond holds for the current fetched count and state.
// It returns the fetch error once the track failed, ErrStaleGeneration when
// the track was reset after gen, or the context error.
func (t *Track) Await(ctx context.Context, gen uint64, cond func(fetched int64, st State) bool) error {
	for {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return ErrStaleGeneration
		}
		st := t.State()
		if cond(t.fetched.Load(), st) {
			t.mu.Unlock()
			return nil
		}
		if st == StateFailed {
			err := t.err
			t.mu.Unlock()
			return err
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel closed on the next fetched advance or state change.
func (t *Track) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// Bytes returns the plaintext in [from, to). The range must be fetched.
func (t *Track) Bytes(gen uint64, from, to int64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return nil, ErrStaleGeneration
	}
	fetched := t.fetched.Load()
	if from < 0 || from > to || to > fetched {
		return nil, fmt.Errorf("%w: [%d, %d) with %d fetched", ErrOutOfRange, from, to, fetched)
	}
	return t.buf[from:to:to], nil
}

// AddStreamed advances the streamed cursor by n bytes.
func (t *Track) AddStreamed(n int) int64 {
	return t.streamed.Add(int64(n))
}

func (t *Track) Fetched() int64  { return t.fetched.Load() }
func (t *Track) Streamed() int64 { return t.streamed.Load() }
func (t *Track) State() State    { return State(t.state.Load()) }

// Err returns the error of the last failed fetch.
func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Track) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// FetchInFlight reports whether a fetch of the current generation is running.
func (t *Track) FetchInFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}
