// Package catalog defines the narrow view lancast has of the remote music catalog:
// track metadata, stream URLs and search.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Quality is a wire-compatible stream quality identifier.
type Quality string

const (
	QualityMP3128 Quality = "MP3_128"
	QualityMP3320 Quality = "MP3_320"
	QualityFLAC   Quality = "FLAC"
)

// Qualities lists every known quality in ascending order.
var Qualities = []Quality{QualityMP3128, QualityMP3320, QualityFLAC}

var (
	ErrTrackNotFound    = errors.New("track not found")
	ErrNoFormats        = errors.New("no usable stream format")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnknownQuality   = errors.New("unknown quality")
	ErrEmptyQuery       = errors.New("empty search query")
)

// ParseQuality validates a quality name, case-insensitively.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Qualities {
		if q == known {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQuality, s)
}

// TrackInfo is the resolved metadata of one track.
type TrackInfo struct {
	ID       string
	Token    string
	Duration time.Duration
	Artist   string
	Title    string
	Album    string
	Picture  string
	// Qualities is ordered ascending and only holds qualities with a known size.
	Qualities []Quality
	Sizes     map[Quality]int64
}

// FullTitle returns "artist - title (album)".
func (i *TrackInfo) FullTitle() string {
	return fmt.Sprintf("%s - %s (%s)", i.Artist, i.Title, i.Album)
}

// Has reports whether the quality is available for this track.
func (i *TrackInfo) Has(q Quality) bool {
	for _, available := range i.Qualities {
		if available == q {
			return true
		}
	}
	return false
}

// SearchQuery holds the search criteria. When more than one of Artist, Album
// and Track is set an advanced search is issued.
type SearchQuery struct {
	Artist string
	Album  string
	Track  string
	Strict bool
}

// SearchResult is a track, an artist or an album depending on the query.
type SearchResult struct {
	TrackID  string `json:"track_id,omitempty"`
	Title    string `json:"title,omitempty"`
	ArtistID string `json:"artist_id,omitempty"`
	Artist   string `json:"artist,omitempty"`
	AlbumID  string `json:"album_id,omitempty"`
	Album    string `json:"album,omitempty"`
}

// Catalog is implemented by catalog service adapters.
type Catalog interface {
	ResolveTrack(ctx context.Context, id string) (*TrackInfo, error)
	StreamURL(ctx context.Context, token string, quality Quality) (string, error)
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)
}
