package main

import (
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aposazhennikov/lancast/catalog"
)

// resultID is the id to feed back to play: the track, else the album, else
// the artist.
func resultID(r catalog.SearchResult) string {
	switch {
	case r.TrackID != "":
		return r.TrackID
	case r.AlbumID != "":
		return r.AlbumID
	default:
		return r.ArtistID
	}
}

func renderResults(results []catalog.SearchResult) string {
	if len(results) == 0 {
		return "No results"
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Title", "Artist", "Album"})
	for _, r := range results {
		tw.AppendRow(table.Row{resultID(r), r.Title, r.Artist, r.Album})
	}
	return tw.Render()
}
