package track_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/track"
)

var testSecret = []byte("g4el58wc0zvf9na1")

func testInfo(id string, size int64, duration time.Duration) *catalog.TrackInfo {
	return &catalog.TrackInfo{
		ID:        id,
		Token:     "token-" + id,
		Duration:  duration,
		Artist:    "Artist",
		Title:     "Title " + id,
		Album:     "Album",
		Qualities: []catalog.Quality{catalog.QualityMP3128},
		Sizes:     map[catalog.Quality]int64{catalog.QualityMP3128: size},
	}
}

func newTestTrack(t *testing.T, size int64, duration time.Duration, url string) *track.Track {
	t.Helper()
	tr, err := track.FromInfo(testInfo("3135556", size, duration), catalog.QualityMP3128, url, track.Config{Secret: testSecret})
	require.NoError(t, err)
	return tr
}

// encodedStream returns a random plaintext and its encoded form for tr.
func encodedStream(t *testing.T, tr *track.Track, n int) ([]byte, []byte) {
	t.Helper()
	codec, err := track.NewCodec(tr.Key)
	require.NoError(t, err)
	plain := randomBytes(t, n)
	return plain, codec.EncodeStream(plain)
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeCatalog struct {
	infos map[string]*catalog.TrackInfo
	urls  map[catalog.Quality]string
	asked []catalog.Quality
}

func (c *fakeCatalog) ResolveTrack(_ context.Context, id string) (*catalog.TrackInfo, error) {
	info, ok := c.infos[id]
	if !ok {
		return nil, catalog.ErrTrackNotFound
	}
	return info, nil
}

func (c *fakeCatalog) StreamURL(_ context.Context, _ string, quality catalog.Quality) (string, error) {
	c.asked = append(c.asked, quality)
	return c.urls[quality], nil
}

func (c *fakeCatalog) Search(context.Context, catalog.SearchQuery) ([]catalog.SearchResult, error) {
	return nil, nil
}
