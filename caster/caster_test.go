package caster_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/ipv4"

	"github.com/aposazhennikov/lancast/caster"
	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/metrics"
	"github.com/aposazhennikov/lancast/track"
)

// TestMain sets up goroutine leak detection for the package.
func TestMain(m *testing.M) {
	opts := []goleak.Option{
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}

	goleak.VerifyTestMain(m, opts...)
}

var testSecret = []byte("g4el58wc0zvf9na1")

// recordingSender keeps every datagram and checks the ordering invariant at
// the moment of each send.
type recordingSender struct {
	mu         sync.Mutex
	tr         *track.Track
	datagrams  [][]byte
	violations []string
	failWith   error
}

func (s *recordingSender) WriteTo(b []byte, _ net.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	fetched, streamed := s.tr.Fetched(), s.tr.Streamed()
	if streamed+int64(len(b)) > fetched || fetched > s.tr.Size {
		s.violations = append(s.violations, "sent past fetched")
	}
	s.datagrams = append(s.datagrams, bytes.Clone(b))
	return len(b), nil
}

func (s *recordingSender) payload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.datagrams, nil)
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.datagrams)
}

// lockedBuffer is a log sink safe for concurrent writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), msg)
}

type fixture struct {
	track   *track.Track
	plain   []byte
	sender  *recordingSender
	release chan struct{}
	logs    *lockedBuffer
	metrics *metrics.Metrics
	caster  *caster.Caster
}

// newFixture serves an encoded random track; the server sends gateAt bytes
// and then waits for release. gateAt < 0 disables the gate.
func newFixture(t *testing.T, size int64, duration time.Duration, bufferSeconds float64, gateAt int) *fixture {
	t.Helper()

	info := &catalog.TrackInfo{
		ID:        "3135556",
		Duration:  duration,
		Qualities: []catalog.Quality{catalog.QualityMP3128},
		Sizes:     map[catalog.Quality]int64{catalog.QualityMP3128: size},
	}
	tr, err := track.FromInfo(info, catalog.QualityMP3128, "", track.Config{Secret: testSecret, BufferSeconds: bufferSeconds})
	require.NoError(t, err)

	plain := make([]byte, size)
	_, err = rand.Read(plain)
	require.NoError(t, err)
	codec, err := track.NewCodec(tr.Key)
	require.NoError(t, err)
	body := codec.EncodeStream(plain)

	release := make(chan struct{})
	if gateAt < 0 {
		close(release)
		gateAt = len(body)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body[:gateAt])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write(body[gateAt:])
	}))
	t.Cleanup(srv.Close)
	tr.URL = srv.URL

	logs := &lockedBuffer{}
	log := logger.NewLogger(&logger.Config{Level: logger.LevelDebug, Output: logs, DisableSampling: true})
	m := metrics.New(prometheus.NewRegistry())
	sender := &recordingSender{tr: tr}
	fetcher := track.NewFetcher(srv.Client(), log, m)

	return &fixture{
		track:   tr,
		plain:   plain,
		sender:  sender,
		release: release,
		logs:    logs,
		metrics: m,
		caster: caster.New(sender, &net.UDPAddr{IP: net.IPv4(239, 255, 0, 1), Port: 5000}, fetcher,
			caster.WithLogger(log), caster.WithMetrics(m)),
	}
}

func TestCast_SendsWholeTrackInOrder(t *testing.T) {
	f := newFixture(t, 30000, 300*time.Millisecond, 0.5, -1)

	require.NoError(t, f.caster.Cast(context.Background(), f.track))

	assert.Equal(t, f.plain, f.sender.payload())
	assert.Equal(t, 30, f.sender.count(), "29 full chunks and a 304 byte tail")
	assert.Empty(t, f.sender.violations)
	assert.Equal(t, f.track.Size, f.track.Streamed())
	assert.Equal(t, track.StateFetched, f.track.State())
	assert.Equal(t, 30000.0, testutil.ToFloat64(f.metrics.CastBytes))
	assert.Zero(t, f.logs.count("Slow connection"))
}

func TestCast_Pacing(t *testing.T) {
	// 10 chunks at 100 KB/s is about 100ms of audio.
	f := newFixture(t, 10240, 100*time.Millisecond, 0.5, -1)

	start := time.Now()
	require.NoError(t, f.caster.Cast(context.Background(), f.track))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCast_UnderrunWarnsOncePerEpisode(t *testing.T) {
	// Threshold is 1500 bytes at 100000 B/s. The fetcher stalls after the first
	// group so the caster stops at 5120 where only 1024 bytes are ahead.
	f := newFixture(t, 30000, 300*time.Millisecond, 0.015, track.GroupSize)

	done := make(chan error, 1)
	go func() { done <- f.caster.Cast(context.Background(), f.track) }()

	require.Eventually(t, func() bool {
		return f.logs.count("Slow connection") == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.track.Streamed() == 5120
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(5120), f.track.Streamed(), "nothing sent while stalled")
	assert.Equal(t, 1, f.logs.count("Slow connection"))

	close(f.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cast did not resume")
	}

	assert.Equal(t, f.plain, f.sender.payload())
	assert.Empty(t, f.sender.violations)
	assert.Equal(t, 1, f.logs.count("Slow connection"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Underruns))
}

func TestCast_TailNeverPassesFetched(t *testing.T) {
	// The whole track fits in the threshold so every chunk is in the tail.
	f := newFixture(t, 5000, 50*time.Millisecond, 1, 2500)

	done := make(chan error, 1)
	go func() { done <- f.caster.Cast(context.Background(), f.track) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.sender.count(), "not playable before the whole tail is fetched")

	close(f.release)
	require.NoError(t, <-done)
	assert.Equal(t, f.plain, f.sender.payload())
	assert.Empty(t, f.sender.violations)
}

func TestCast_ContextCancelStopsUnderrunWait(t *testing.T) {
	f := newFixture(t, 30000, 300*time.Millisecond, 0.015, track.GroupSize)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.caster.Cast(ctx, f.track) }()

	require.Eventually(t, func() bool {
		return f.logs.count("Slow connection") == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cast ignored cancellation")
	}
	assert.Less(t, f.track.Streamed(), f.track.Size)
}

func TestCast_FetchFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, 30000, 300*time.Millisecond, 0.5, -1)
	f.track.URL = srv.URL

	err := f.caster.Cast(context.Background(), f.track)
	require.ErrorIs(t, err, track.ErrFetchStatus)
	assert.Equal(t, track.StateFailed, f.track.State())
	assert.Zero(t, f.sender.count())
}

func TestCast_SendErrorAborts(t *testing.T) {
	f := newFixture(t, 30000, 300*time.Millisecond, 0.5, -1)
	boom := errors.New("no route to host")
	f.sender.failWith = boom

	err := f.caster.Cast(context.Background(), f.track)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.track.Streamed())
}

func TestCast_AlreadyFetchedTrack(t *testing.T) {
	f := newFixture(t, 8192, 80*time.Millisecond, 0.5, -1)
	fetcher := track.NewFetcher(nil, nil, nil)
	require.NoError(t, fetcher.Fetch(context.Background(), f.track))
	gen := f.track.Generation()

	require.NoError(t, f.caster.Cast(context.Background(), f.track))
	assert.Equal(t, gen, f.track.Generation(), "no second fetch")
	assert.Equal(t, f.plain, f.sender.payload())
	http.DefaultClient.CloseIdleConnections()
}

func TestCast_AfterExplicitReset(t *testing.T) {
	f := newFixture(t, 30000, 300*time.Millisecond, 0.5, -1)
	f.track.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.caster.Cast(ctx, f.track))
	assert.Equal(t, f.plain, f.sender.payload())

	// A finished track plays again from the start once reset.
	f.track.Reset()
	require.NoError(t, f.caster.Cast(ctx, f.track))
	assert.Equal(t, append(bytes.Clone(f.plain), f.plain...), f.sender.payload())
	assert.Empty(t, f.sender.violations)
	assert.Equal(t, track.StateFetched, f.track.State())
}

func TestCast_ResetDuringCastAborts(t *testing.T) {
	f := newFixture(t, 30000, 300*time.Millisecond, 0.015, track.GroupSize)

	done := make(chan error, 1)
	go func() { done <- f.caster.Cast(context.Background(), f.track) }()

	require.Eventually(t, func() bool {
		return f.logs.count("Slow connection") == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.track.Reset()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, track.ErrStaleGeneration)
	case <-time.After(time.Second):
		t.Fatal("cast did not notice the reset")
	}
	assert.Empty(t, f.sender.violations)

	// The next cast fetches the new generation from the start.
	close(f.release)
	sent := len(f.sender.payload())
	require.NoError(t, f.caster.Cast(context.Background(), f.track))
	assert.Equal(t, f.plain, f.sender.payload()[sent:])
}

func TestDial_SetsTTL(t *testing.T) {
	sock, err := caster.Dial("239.255.10.10:50007")
	require.NoError(t, err)
	defer sock.Close()

	ttl, err := ipv4.NewPacketConn(sock.Conn).MulticastTTL()
	require.NoError(t, err)
	assert.Equal(t, 1, ttl)
	assert.Equal(t, 50007, sock.Group.Port)
}

func TestDial_RejectsUnicast(t *testing.T) {
	_, err := caster.Dial("127.0.0.1:50007")
	assert.ErrorIs(t, err, caster.ErrNotMulticast)

	_, err = caster.Dial("not an address")
	assert.Error(t, err)
}
