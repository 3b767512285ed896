// Package queue keeps the ordered list of tracks waiting to be cast.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/metrics"
	"github.com/aposazhennikov/lancast/track"
)

const maxHistorySize = 100

var (
	ErrNothingToAdd = errors.New("no tracks to add")
	ErrNoHistory    = errors.New("no played tracks")
	ErrRankRange    = errors.New("no pending track at rank")
)

// Queue is a FIFO of pending tracks plus the track being played.
type Queue struct {
	mu      sync.RWMutex
	pending []*track.Track
	current *track.Track
	history []*track.Track

	onChange func()
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an empty queue.
func New(log *slog.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		logger:  logger.WithComponent(log, "queue"),
		metrics: m,
	}
}

// OnChange sets fn to be called after every mutation, without the queue
// lock held.
func (q *Queue) OnChange(fn func()) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Add appends tracks to the pending sequence.
func (q *Queue) Add(tracks ...*track.Track) error {
	if len(tracks) == 0 {
		return ErrNothingToAdd
	}
	for _, t := range tracks {
		if t == nil {
			return ErrNothingToAdd
		}
	}

	q.mu.Lock()
	q.pending = append(q.pending, tracks...)
	n := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("Tracks queued", slog.Int("added", len(tracks)), slog.Int("pending", n))
	q.changed(n)
	return nil
}

// Shuffle randomizes the pending tracks. The current track is not touched.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	// Fisher-Yates
	for i := len(q.pending) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		q.pending[i], q.pending[j] = q.pending[j], q.pending[i]
	}
	n := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("Queue shuffled", slog.Int("pending", n))
	q.changed(n)
}

// Next moves the head of the pending tracks to current and returns it. With
// nothing pending current becomes nil. The previous current track goes to
// the history.
func (q *Queue) Next() *track.Track {
	q.mu.Lock()
	if q.current != nil {
		q.pushHistoryLocked(q.current)
	}
	q.current = nil
	if len(q.pending) > 0 {
		q.current = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
	}
	current, n := q.current, len(q.pending)
	q.mu.Unlock()

	q.changed(n)
	return current
}

// Clear drops the pending tracks and returns how many there were. The
// current track is kept.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.logger.Info("Queue cleared", slog.Int("dropped", dropped))
	q.changed(0)
	return dropped
}

// Previous takes the last played track out of the history and puts it at
// the head of the pending tracks, followed by the current track. Nothing is
// current afterwards, so the next call to Next returns the previous track.
func (q *Queue) Previous() (*track.Track, error) {
	q.mu.Lock()
	if len(q.history) == 0 {
		q.mu.Unlock()
		return nil, ErrNoHistory
	}
	last := len(q.history) - 1
	prev := q.history[last]
	q.history[last] = nil
	q.history = q.history[:last]

	head := []*track.Track{prev}
	if q.current != nil {
		head = append(head, q.current)
		q.current = nil
	}
	q.pending = append(head, q.pending...)
	n := len(q.pending)
	q.mu.Unlock()

	logger.WithTrack(q.logger, prev.ID).Info("Rewound to previous track")
	q.changed(n)
	return prev, nil
}

// Jump moves the pending track at rank, counted from zero, to the head of
// the pending tracks. The current track goes to the history as with Next.
func (q *Queue) Jump(rank int) (*track.Track, error) {
	q.mu.Lock()
	if rank < 0 || rank >= len(q.pending) {
		n := len(q.pending)
		q.mu.Unlock()
		return nil, fmt.Errorf("%w %d of %d", ErrRankRange, rank, n)
	}
	t := q.pending[rank]
	copy(q.pending[1:rank+1], q.pending[:rank])
	q.pending[0] = t
	if q.current != nil {
		q.pushHistoryLocked(q.current)
		q.current = nil
	}
	n := len(q.pending)
	q.mu.Unlock()

	logger.WithTrack(q.logger, t.ID).Info("Jumped to pending track", slog.Int("rank", rank))
	q.changed(n)
	return t, nil
}

// Current returns the track being played, or nil.
func (q *Queue) Current() *track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.current
}

// IsEmpty is true when nothing is pending and nothing is current.
func (q *Queue) IsEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending) == 0 && q.current == nil
}

// Len returns the number of pending tracks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// Tracks returns a copy of the pending tracks in order.
func (q *Queue) Tracks() []*track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*track.Track(nil), q.pending...)
}

// History returns the last played tracks, oldest first.
func (q *Queue) History() []*track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*track.Track(nil), q.history...)
}

func (q *Queue) pushHistoryLocked(t *track.Track) {
	q.history = append(q.history, t)
	if len(q.history) > maxHistorySize {
		q.history = q.history[len(q.history)-maxHistorySize:]
	}
}

func (q *Queue) changed(pending int) {
	q.metrics.Queued(pending)
	q.mu.RLock()
	fn := q.onChange
	q.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
