package player

import "github.com/aposazhennikov/lancast/track"

// TrackView is the JSON form of a track.
type TrackView struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist,omitempty"`
	Album    string  `json:"album,omitempty"`
	Quality  string  `json:"quality"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration_seconds"`
	State    string  `json:"state"`
	Fetched  int64   `json:"fetched"`
	Streamed int64   `json:"streamed"`
}

// View snapshots t.
func View(t *track.Track) TrackView {
	v := TrackView{
		ID:       t.ID,
		Title:    t.ID,
		Quality:  string(t.Quality),
		Size:     t.Size,
		Duration: t.Duration.Seconds(),
		State:    t.State().String(),
		Fetched:  t.Fetched(),
		Streamed: t.Streamed(),
	}
	if t.Info != nil {
		v.Title, v.Artist, v.Album = t.Info.Title, t.Info.Artist, t.Info.Album
	}
	return v
}

// Views snapshots every track.
func Views(tracks []*track.Track) []TrackView {
	out := make([]TrackView, len(tracks))
	for i, t := range tracks {
		out[i] = View(t)
	}
	return out
}
