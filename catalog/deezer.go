package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultGatewayURL = "https://www.deezer.com/ajax/gw-light.php"
	defaultMediaURL   = "https://media.deezer.com/v1/get_url"
	defaultAPIURL     = "https://api.deezer.com"
	streamCipher      = "BF_CBC_STRIPE"
	maxErrorBody      = 512
)

// Deezer is a Catalog backed by the Deezer gateway and public APIs.
type Deezer struct {
	arl        string
	client     *http.Client
	gatewayURL string
	mediaURL   string
	apiURL     string
	logger     *slog.Logger

	mu           sync.Mutex
	apiToken     string
	licenseToken string
}

// DeezerOption configures a Deezer adapter.
type DeezerOption func(*Deezer)

// WithHTTPClient sets the HTTP client. The adapter uses a copy carrying its own cookie jar.
func WithHTTPClient(client *http.Client) DeezerOption {
	return func(d *Deezer) {
		d.client = client
	}
}

// WithEndpoints overrides the gateway, media and public API base URLs.
func WithEndpoints(gatewayURL, mediaURL, apiURL string) DeezerOption {
	return func(d *Deezer) {
		d.gatewayURL = gatewayURL
		d.mediaURL = mediaURL
		d.apiURL = strings.TrimRight(apiURL, "/")
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) DeezerOption {
	return func(d *Deezer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDeezer creates an adapter authenticated by the given arl cookie.
func NewDeezer(arl string, opts ...DeezerOption) (*Deezer, error) {
	d := &Deezer{
		arl:        arl,
		client:     &http.Client{Timeout: 30 * time.Second},
		gatewayURL: defaultGatewayURL,
		mediaURL:   defaultMediaURL,
		apiURL:     defaultAPIURL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	gw, err := url.Parse(d.gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL %q: %w", d.gatewayURL, err)
	}
	jar.SetCookies(gw, []*http.Cookie{{Name: "arl", Value: arl, Path: "/"}})
	client := *d.client
	client.Jar = jar
	d.client = &client

	return d, nil
}

// gatewayResponse is the envelope of every gateway call. Error is an empty
// array on success and an object on failure.
type gatewayResponse struct {
	Error   json.RawMessage `json:"error"`
	Results json.RawMessage `json:"results"`
}

func (r *gatewayResponse) err() error {
	raw := bytes.TrimSpace(r.Error)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return nil
	}
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s: %v", k, v))
	}
	return fmt.Errorf("gateway error: %s", strings.Join(parts, ", "))
}

// flexInt decodes integers sent either as JSON numbers or as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

type deezerSong struct {
	SongID         flexInt     `json:"SNG_ID"`
	TrackToken     string      `json:"TRACK_TOKEN"`
	Duration       flexInt     `json:"DURATION"`
	ArtistName     string      `json:"ART_NAME"`
	SongTitle      string      `json:"SNG_TITLE"`
	Version        string      `json:"VERSION"`
	AlbumTitle     string      `json:"ALB_TITLE"`
	AlbumPicture   string      `json:"ALB_PICTURE"`
	FilesizeMP3128 flexInt     `json:"FILESIZE_MP3_128"`
	FilesizeMP3320 flexInt     `json:"FILESIZE_MP3_320"`
	FilesizeFLAC   flexInt     `json:"FILESIZE_FLAC"`
	Fallback       *deezerSong `json:"FALLBACK"`
}

func (s *deezerSong) trackInfo() *TrackInfo {
	title := s.SongTitle
	if s.Version != "" {
		title = s.SongTitle + " " + s.Version
	}
	info := &TrackInfo{
		ID:       strconv.FormatInt(int64(s.SongID), 10),
		Token:    s.TrackToken,
		Duration: time.Duration(s.Duration) * time.Second,
		Artist:   s.ArtistName,
		Title:    title,
		Album:    s.AlbumTitle,
		Picture:  s.AlbumPicture,
		Sizes:    make(map[Quality]int64, len(Qualities)),
	}
	sizes := map[Quality]flexInt{
		QualityMP3128: s.FilesizeMP3128,
		QualityMP3320: s.FilesizeMP3320,
		QualityFLAC:   s.FilesizeFLAC,
	}
	for _, q := range Qualities {
		if size := int64(sizes[q]); size > 0 {
			info.Qualities = append(info.Qualities, q)
			info.Sizes[q] = size
		}
	}
	return info
}

// login fetches the api and license tokens. It is a no-op once done.
func (d *Deezer) login(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.apiToken != "" {
		return nil
	}

	var data struct {
		CheckForm string `json:"checkForm"`
		User      struct {
			UserID  flexInt `json:"USER_ID"`
			Options struct {
				LicenseToken string `json:"license_token"`
			} `json:"OPTIONS"`
		} `json:"USER"`
	}
	if err := d.gateway(ctx, "deezer.getUserData", "", map[string]any{}, &data); err != nil {
		return fmt.Errorf("failed to get user data: %w", err)
	}
	if data.User.UserID == 0 || data.CheckForm == "" {
		return fmt.Errorf("%w: invalid arl", ErrNotAuthenticated)
	}

	d.apiToken = data.CheckForm
	d.licenseToken = data.User.Options.LicenseToken
	d.logger.Debug("Logged in to the catalog", slog.Int64("user_id", int64(data.User.UserID)))
	return nil
}

func (d *Deezer) tokens() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiToken, d.licenseToken
}

// gateway calls a gateway method and decodes its results into out.
func (d *Deezer) gateway(ctx context.Context, method, apiToken string, body any, out any) error {
	query := url.Values{}
	query.Set("method", method)
	query.Set("input", "3")
	query.Set("api_version", "1.0")
	query.Set("api_token", apiToken)

	var envelope gatewayResponse
	if err := d.postJSON(ctx, d.gatewayURL+"?"+query.Encode(), body, &envelope); err != nil {
		return err
	}
	if err := envelope.err(); err != nil {
		return err
	}
	if err := json.Unmarshal(envelope.Results, out); err != nil {
		return fmt.Errorf("failed to decode %s results: %w", method, err)
	}
	return nil
}

// ResolveTrack fetches the metadata of one track.
func (d *Deezer) ResolveTrack(ctx context.Context, id string) (*TrackInfo, error) {
	if err := d.login(ctx); err != nil {
		return nil, err
	}
	apiToken, _ := d.tokens()

	var song deezerSong
	err := d.gateway(ctx, "song.getData", apiToken, map[string]string{"sng_id": id}, &song)
	if err != nil {
		if strings.Contains(err.Error(), "DATA_ERROR") {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
		}
		return nil, fmt.Errorf("failed to resolve track %s: %w", id, err)
	}
	if song.SongID == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
	}

	if song.Fallback != nil && song.Fallback.SongID != 0 {
		d.logger.Warn("Using fallback track",
			slog.String("track_id", id),
			slog.Int64("fallback_id", int64(song.Fallback.SongID)))
		song = *song.Fallback
	}

	info := song.trackInfo()
	if len(info.Qualities) == 0 {
		return nil, fmt.Errorf("%w: track %s", ErrNoFormats, id)
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("%w: track %s has no duration", ErrNoFormats, id)
	}
	return info, nil
}

// StreamURL resolves the encrypted stream URL of a track token.
func (d *Deezer) StreamURL(ctx context.Context, token string, quality Quality) (string, error) {
	if err := d.login(ctx); err != nil {
		return "", err
	}
	_, licenseToken := d.tokens()

	request := map[string]any{
		"license_token": licenseToken,
		"media": []map[string]any{{
			"type":    "FULL",
			"formats": []map[string]string{{"cipher": streamCipher, "format": string(quality)}},
		}},
		"track_tokens": []string{token},
	}
	var response struct {
		Data []struct {
			Media []struct {
				Sources []struct {
					URL string `json:"url"`
				} `json:"sources"`
			} `json:"media"`
			Errors []struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"data"`
	}
	if err := d.postJSON(ctx, d.mediaURL, request, &response); err != nil {
		return "", fmt.Errorf("failed to get stream url: %w", err)
	}
	for _, item := range response.Data {
		if len(item.Errors) > 0 {
			return "", fmt.Errorf("%w: %s (%d)", ErrNoFormats, item.Errors[0].Message, item.Errors[0].Code)
		}
		for _, media := range item.Media {
			for _, source := range media.Sources {
				if source.URL != "" {
					return source.URL, nil
				}
			}
		}
	}
	return "", fmt.Errorf("%w: no source for quality %s", ErrNoFormats, quality)
}

type apiArtist struct {
	ID   flexInt `json:"id"`
	Name string  `json:"name"`
}

type apiAlbum struct {
	ID     flexInt    `json:"id"`
	Title  string     `json:"title"`
	Artist *apiArtist `json:"artist"`
}

type apiTrack struct {
	ID     flexInt   `json:"id"`
	Title  string    `json:"title"`
	Artist apiArtist `json:"artist"`
	Album  apiAlbum  `json:"album"`
}

func itoa(n flexInt) string {
	return strconv.FormatInt(int64(n), 10)
}

// Search queries the public API. Several criteria trigger an advanced track
// search; a single one searches artists, albums or tracks.
func (d *Deezer) Search(ctx context.Context, query SearchQuery) ([]SearchResult, error) {
	criteria := 0
	for _, v := range []string{query.Artist, query.Album, query.Track} {
		if v != "" {
			criteria++
		}
	}

	switch {
	case criteria > 1:
		var parts []string
		if query.Artist != "" {
			parts = append(parts, fmt.Sprintf("artist:%q", query.Artist))
		}
		if query.Album != "" {
			parts = append(parts, fmt.Sprintf("album:%q", query.Album))
		}
		if query.Track != "" {
			parts = append(parts, fmt.Sprintf("track:%q", query.Track))
		}
		return d.searchTracks(ctx, strings.Join(parts, " "), query.Strict)
	case query.Artist != "":
		var response struct {
			Data []apiArtist `json:"data"`
		}
		if err := d.getAPI(ctx, "/search/artist", query.Artist, query.Strict, &response); err != nil {
			return nil, err
		}
		results := make([]SearchResult, 0, len(response.Data))
		for _, a := range response.Data {
			results = append(results, SearchResult{ArtistID: itoa(a.ID), Artist: a.Name})
		}
		return results, nil
	case query.Album != "":
		var response struct {
			Data []apiAlbum `json:"data"`
		}
		if err := d.getAPI(ctx, "/search/album", query.Album, query.Strict, &response); err != nil {
			return nil, err
		}
		results := make([]SearchResult, 0, len(response.Data))
		for _, a := range response.Data {
			result := SearchResult{AlbumID: itoa(a.ID), Album: a.Title}
			if a.Artist != nil {
				result.ArtistID = itoa(a.Artist.ID)
				result.Artist = a.Artist.Name
			}
			results = append(results, result)
		}
		return results, nil
	case query.Track != "":
		return d.searchTracks(ctx, query.Track, query.Strict)
	default:
		return nil, ErrEmptyQuery
	}
}

func (d *Deezer) searchTracks(ctx context.Context, q string, strict bool) ([]SearchResult, error) {
	var response struct {
		Data []apiTrack `json:"data"`
	}
	if err := d.getAPI(ctx, "/search/track", q, strict, &response); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(response.Data))
	for _, t := range response.Data {
		results = append(results, SearchResult{
			TrackID:  itoa(t.ID),
			Title:    t.Title,
			ArtistID: itoa(t.Artist.ID),
			Artist:   t.Artist.Name,
			AlbumID:  itoa(t.Album.ID),
			Album:    t.Album.Title,
		})
	}
	return results, nil
}

func (d *Deezer) getAPI(ctx context.Context, path, q string, strict bool, out any) error {
	values := url.Values{}
	values.Set("q", q)
	if strict {
		values.Set("strict", "on")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+path+"?"+values.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return d.do(req, out)
}

func (d *Deezer) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, out)
}

func (d *Deezer) do(req *http.Request, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, req.URL.Path, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}
