package carbridge

import (
	"testing"

	"carbridge/internal/message"
)

func TestMediaRetentionKeepsLastGoodValues(t *testing.T) {
	var r mediaRetention

	got := r.merge(message.MediaData{AppName: "Spotify", SongTitle: "First Song", Artist: "Alice"})
	if got.SongTitle != "First Song" || got.Artist != "Alice" {
		t.Fatalf("got %+v, want first update reflected verbatim", got)
	}

	// A lyric-only refresh (title only) must not blank out Artist/Album.
	got = r.merge(message.MediaData{AppName: "Spotify", SongTitle: "Second Song"})
	if got.SongTitle != "Second Song" {
		t.Fatalf("SongTitle = %q, want updated", got.SongTitle)
	}
	if got.Artist != "Alice" {
		t.Fatalf("Artist = %q, want retained from the prior update", got.Artist)
	}
}

func TestMediaRetentionClearsOnAppChange(t *testing.T) {
	var r mediaRetention

	r.merge(message.MediaData{AppName: "Spotify", SongTitle: "First Song", Artist: "Alice"})
	got := r.merge(message.MediaData{AppName: "Maps", SongTitle: "Turn left"})

	if got.Artist != "" {
		t.Fatalf("Artist = %q, want cleared when AppName changes", got.Artist)
	}
	if got.SongTitle != "Turn left" || got.AppName != "Maps" {
		t.Fatalf("got %+v, want the new app's update", got)
	}
}

func TestMediaRetentionAlbumArt(t *testing.T) {
	var r mediaRetention

	art := []byte{1, 2, 3}
	r.merge(message.MediaData{AppName: "Spotify", AlbumArt: art})
	got := r.merge(message.MediaData{AppName: "Spotify", SongTitle: "Next"})

	if len(got.AlbumArt) != len(art) {
		t.Fatalf("AlbumArt = %v, want retained across an update that omits it", got.AlbumArt)
	}
}
