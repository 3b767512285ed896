package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aposazhennikov/lancast/catalog"
)

type fakeDeezer struct {
	t     *testing.T
	songs map[string]map[string]any

	mu        sync.Mutex
	lastQuery string
	arlSeen   string
}

func (f *fakeDeezer) setQuery(q string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
}

func (f *fakeDeezer) query() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

func (f *fakeDeezer) arl() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arlSeen
}

func (f *fakeDeezer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/gw", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("arl"); err == nil {
			f.mu.Lock()
			f.arlSeen = c.Value
			f.mu.Unlock()
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Query().Get("method") {
		case "deezer.getUserData":
			if f.arl() != "good-arl" {
				writeJSON(w, map[string]any{"error": []any{}, "results": map[string]any{
					"checkForm": "", "USER": map[string]any{"USER_ID": 0},
				}})
				return
			}
			writeJSON(w, map[string]any{"error": []any{}, "results": map[string]any{
				"checkForm": "api-token",
				"USER": map[string]any{
					"USER_ID": 42,
					"OPTIONS": map[string]any{"license_token": "license"},
				},
			}})
		case "song.getData":
			assert.Equal(f.t, "api-token", r.URL.Query().Get("api_token"))
			id, _ := body["sng_id"].(string)
			song, ok := f.songs[id]
			if !ok {
				writeJSON(w, map[string]any{
					"error":   map[string]any{"DATA_ERROR": "song not found"},
					"results": map[string]any{},
				})
				return
			}
			writeJSON(w, map[string]any{"error": []any{}, "results": song})
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LicenseToken string   `json:"license_token"`
			TrackTokens  []string `json:"track_tokens"`
			Media        []struct {
				Formats []struct {
					Cipher string `json:"cipher"`
					Format string `json:"format"`
				} `json:"formats"`
			} `json:"media"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "license", body.LicenseToken)
		format := body.Media[0].Formats[0]
		assert.Equal(f.t, "BF_CBC_STRIPE", format.Cipher)
		if format.Format == "FLAC" {
			writeJSON(w, map[string]any{"data": []any{map[string]any{
				"errors": []any{map[string]any{"code": 2002, "message": "Track token has no sufficient rights"}},
			}}})
			return
		}
		writeJSON(w, map[string]any{"data": []any{map[string]any{
			"media": []any{map[string]any{"sources": []any{
				map[string]any{"url": "https://cdn.example/" + body.TrackTokens[0] + "/" + format.Format},
			}}},
		}}})
	})
	mux.HandleFunc("/api/search/track", func(w http.ResponseWriter, r *http.Request) {
		f.setQuery(r.URL.Query().Get("q"))
		writeJSON(w, map[string]any{"data": []any{map[string]any{
			"id": 3135556, "title": "Harder, Better, Faster, Stronger",
			"artist": map[string]any{"id": 27, "name": "Daft Punk"},
			"album":  map[string]any{"id": 302127, "title": "Discovery"},
		}}})
	})
	mux.HandleFunc("/api/search/artist", func(w http.ResponseWriter, r *http.Request) {
		f.setQuery(r.URL.Query().Get("q"))
		writeJSON(w, map[string]any{"data": []any{map[string]any{"id": 27, "name": "Daft Punk"}}})
	})
	mux.HandleFunc("/api/search/album", func(w http.ResponseWriter, r *http.Request) {
		f.setQuery(r.URL.Query().Get("q"))
		writeJSON(w, map[string]any{"data": []any{map[string]any{
			"id": 302127, "title": "Discovery", "artist": map[string]any{"id": 27, "name": "Daft Punk"},
		}}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeCatalog(t *testing.T, arl string) (*catalog.Deezer, *fakeDeezer) {
	t.Helper()
	fake := &fakeDeezer{t: t, songs: map[string]map[string]any{
		"3135556": {
			"SNG_ID": "3135556", "TRACK_TOKEN": "tok", "DURATION": "224",
			"ART_NAME": "Daft Punk", "SNG_TITLE": "Harder, Better, Faster, Stronger",
			"ALB_TITLE": "Discovery", "ALB_PICTURE": "abc",
			"FILESIZE_MP3_128": "3585152", "FILESIZE_MP3_320": "8962880", "FILESIZE_FLAC": "0",
		},
		"1": {
			"SNG_ID": "1", "TRACK_TOKEN": "old", "DURATION": "100",
			"ART_NAME": "A", "SNG_TITLE": "T", "ALB_TITLE": "B",
			"FILESIZE_MP3_128": "10", "FILESIZE_MP3_320": "0", "FILESIZE_FLAC": "0",
			"FALLBACK": map[string]any{
				"SNG_ID": 2, "TRACK_TOKEN": "new", "DURATION": 90, "VERSION": "(Remastered)",
				"ART_NAME": "A", "SNG_TITLE": "T", "ALB_TITLE": "B",
				"FILESIZE_MP3_128": 20, "FILESIZE_MP3_320": 50, "FILESIZE_FLAC": 100,
			},
		},
		"99": {
			"SNG_ID": "99", "TRACK_TOKEN": "x", "DURATION": "10",
			"ART_NAME": "A", "SNG_TITLE": "T", "ALB_TITLE": "B",
			"FILESIZE_MP3_128": "0", "FILESIZE_MP3_320": "0", "FILESIZE_FLAC": "0",
		},
	}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	d, err := catalog.NewDeezer(arl,
		catalog.WithHTTPClient(srv.Client()),
		catalog.WithEndpoints(srv.URL+"/gw", srv.URL+"/media", srv.URL+"/api"),
	)
	require.NoError(t, err)
	return d, fake
}

func TestDeezer_ResolveTrack(t *testing.T) {
	d, fake := newFakeCatalog(t, "good-arl")

	info, err := d.ResolveTrack(context.Background(), "3135556")
	require.NoError(t, err)
	assert.Equal(t, "good-arl", fake.arl())

	assert.Equal(t, "3135556", info.ID)
	assert.Equal(t, "tok", info.Token)
	assert.Equal(t, 224*time.Second, info.Duration)
	assert.Equal(t, []catalog.Quality{catalog.QualityMP3128, catalog.QualityMP3320}, info.Qualities)
	assert.Equal(t, int64(8962880), info.Sizes[catalog.QualityMP3320])
	assert.False(t, info.Has(catalog.QualityFLAC))
	assert.Equal(t, "Daft Punk - Harder, Better, Faster, Stronger (Discovery)", info.FullTitle())
}

func TestDeezer_ResolveTrackUsesFallbackSong(t *testing.T) {
	d, _ := newFakeCatalog(t, "good-arl")

	info, err := d.ResolveTrack(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "2", info.ID)
	assert.Equal(t, "new", info.Token)
	assert.Equal(t, "T (Remastered)", info.Title)
	assert.Equal(t, catalog.Qualities, info.Qualities)
}

func TestDeezer_ResolveTrackErrors(t *testing.T) {
	d, _ := newFakeCatalog(t, "good-arl")

	_, err := d.ResolveTrack(context.Background(), "404")
	assert.ErrorIs(t, err, catalog.ErrTrackNotFound)

	_, err = d.ResolveTrack(context.Background(), "99")
	assert.ErrorIs(t, err, catalog.ErrNoFormats)

	bad, _ := newFakeCatalog(t, "bad-arl")
	_, err = bad.ResolveTrack(context.Background(), "3135556")
	assert.ErrorIs(t, err, catalog.ErrNotAuthenticated)
}

func TestDeezer_StreamURL(t *testing.T) {
	d, _ := newFakeCatalog(t, "good-arl")

	u, err := d.StreamURL(context.Background(), "tok", catalog.QualityMP3320)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/tok/MP3_320", u)

	_, err = d.StreamURL(context.Background(), "tok", catalog.QualityFLAC)
	assert.ErrorIs(t, err, catalog.ErrNoFormats)
}

func TestDeezer_Search(t *testing.T) {
	d, fake := newFakeCatalog(t, "good-arl")
	ctx := context.Background()

	results, err := d.Search(ctx, catalog.SearchQuery{Track: "harder"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "3135556", results[0].TrackID)
	assert.Equal(t, "Daft Punk", results[0].Artist)
	assert.Equal(t, "harder", fake.query())

	results, err = d.Search(ctx, catalog.SearchQuery{Artist: "daft punk", Track: "harder"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, `artist:"daft punk" track:"harder"`, fake.query())

	results, err = d.Search(ctx, catalog.SearchQuery{Artist: "daft"})
	require.NoError(t, err)
	assert.Equal(t, []catalog.SearchResult{{ArtistID: "27", Artist: "Daft Punk"}}, results)

	results, err = d.Search(ctx, catalog.SearchQuery{Album: "discovery"})
	require.NoError(t, err)
	assert.Equal(t, "302127", results[0].AlbumID)
	assert.Equal(t, "27", results[0].ArtistID)

	_, err = d.Search(ctx, catalog.SearchQuery{})
	assert.ErrorIs(t, err, catalog.ErrEmptyQuery)
}

func TestParseQuality(t *testing.T) {
	q, err := catalog.ParseQuality("mp3_320")
	require.NoError(t, err)
	assert.Equal(t, catalog.QualityMP3320, q)

	_, err = catalog.ParseQuality("OGG")
	assert.ErrorIs(t, err, catalog.ErrUnknownQuality)
}
