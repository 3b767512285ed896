package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/metrics"
)

// Fetcher downloads and decodes track streams into their buffers.
type Fetcher struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFetcher creates a fetcher. A nil client means http.DefaultClient.
func NewFetcher(client *http.Client, log *slog.Logger, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client:  client,
		logger:  logger.WithComponent(log, "fetcher"),
		metrics: m,
	}
}

// Fetch resets t and fills its buffer, returning when the stream is done.
func (f *Fetcher) Fetch(ctx context.Context, t *Track) error {
	gen, buf := t.begin()
	return f.run(ctx, t, gen, buf)
}

// Start resets t and fetches it in the background. The returned channel
// yields the fetch result once and is then closed.
func (f *Fetcher) Start(ctx context.Context, t *Track) <-chan error {
	gen, buf := t.begin()
	return f.spawn(ctx, t, gen, buf)
}

// Ensure starts a background fetch unless t is already fetching or fetched.
// A failed track is fetched again.
func (f *Fetcher) Ensure(ctx context.Context, t *Track) (<-chan error, bool) {
	gen, buf, ok := t.claim()
	if !ok {
		return nil, false
	}
	return f.spawn(ctx, t, gen, buf), true
}

func (f *Fetcher) spawn(ctx context.Context, t *Track, gen uint64, buf []byte) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- f.run(ctx, t, gen, buf)
	}()
	return done
}

func (f *Fetcher) run(ctx context.Context, t *Track, gen uint64, buf []byte) error {
	log := logger.WithTrack(f.logger, t.ID)
	logger.LogFetchEvent(log, slog.LevelDebug, "Fetch started",
		slog.Uint64("generation", gen),
		slog.Int64("size", t.Size),
		slog.String("quality", string(t.Quality)))

	err := f.stream(ctx, t, gen, buf, log)
	switch {
	case err == nil:
		f.metrics.State(int(StateFetched))
		logger.LogFetchEvent(log, slog.LevelInfo, "Fetch complete",
			slog.Int64("bytes", t.Size))
		return nil
	case errors.Is(err, ErrStaleGeneration):
		log.Debug("Fetch superseded by a reset", slog.Uint64("generation", gen))
		return err
	case ctx.Err() != nil:
		// Failed so that the next cast fetches again from the start.
		t.fail(gen, err)
		log.Info("Fetch cancelled", slog.Int64("fetched", t.Fetched()))
		return err
	default:
		t.fail(gen, err)
		f.metrics.FetchFailed()
		f.metrics.State(int(StateFailed))
		logger.LogFetchEvent(log, slog.LevelError, "Fetch failed",
			slog.String("error", err.Error()),
			slog.Int64("fetched", t.Fetched()))
		return err
	}
}

func (f *Fetcher) stream(ctx context.Context, t *Track, gen uint64, buf []byte, log *slog.Logger) error {
	resp, err := f.open(ctx, t.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	started := time.Now()
	group := make([]byte, GroupSize)
	var written int64
	for written < t.Size {
		n, readErr := io.ReadFull(resp.Body, group)
		if n > 0 {
			chunk := group[:n]
			t.codec.DecodeInPlace(chunk)
			// Bytes past the advertised size are dropped.
			chunk = chunk[:min(int64(n), t.Size-written)]
			copy(buf[written:], chunk)
			written += int64(len(chunk))

			before := t.State()
			after, err := t.advance(gen, len(chunk))
			if err != nil {
				return err
			}
			f.metrics.Fetched(len(chunk))
			if after != before {
				f.transitioned(log, t, before, after, started)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read stream: %w", readErr)
		}
	}

	if written < t.Size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, written, t.Size)
	}
	return t.finish(gen)
}

// open issues the GET request. Redirects are followed by the client.
func (f *Fetcher) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrFetchStatus, resp.Status)
	}
	return resp, nil
}

func (f *Fetcher) transitioned(log *slog.Logger, t *Track, from, to State, started time.Time) {
	f.metrics.State(int(to))
	if to == StatePlayable {
		f.metrics.Playable(time.Since(started).Seconds())
	}
	log.Debug("Track state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int64("fetched", t.Fetched()),
		slog.Int64("threshold", t.BufferThreshold))
}
