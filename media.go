package carbridge

import (
	"sync"

	"carbridge/internal/message"
)

// mediaRetention merges partial MediaMetadata updates: a field the adapter
// omits from one update (the zero value) keeps whatever value the previous
// update set, so a lyric-only refresh doesn't blank out the song title.
// Everything is cleared when AppName changes, since that means a different
// app took over now-playing (§3 MediaMetadata).
type mediaRetention struct {
	mu   sync.Mutex
	last message.MediaData
}

func (r *mediaRetention) merge(update message.MediaData) message.MediaData {
	r.mu.Lock()
	defer r.mu.Unlock()

	if update.AppName != "" && update.AppName != r.last.AppName {
		r.last = message.MediaData{}
	}

	if update.SongTitle != "" {
		r.last.SongTitle = update.SongTitle
	}
	if update.Artist != "" {
		r.last.Artist = update.Artist
	}
	if update.Album != "" {
		r.last.Album = update.Album
	}
	if update.AppName != "" {
		r.last.AppName = update.AppName
	}
	if len(update.AlbumArt) != 0 {
		r.last.AlbumArt = update.AlbumArt
	}
	if update.DurationMs != 0 {
		r.last.DurationMs = update.DurationMs
	}

	return r.last
}
