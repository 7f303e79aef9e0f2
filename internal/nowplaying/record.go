// Package nowplaying turns AzuraCast "np" payloads into comparable
// now-playing records and decides which of them are worth announcing.
package nowplaying

import (
	"fmt"
	"time"
)

// Record is an immutable snapshot of what a station is playing.
//
// Compare records with Equal, not ==: timing fields and artwork change on
// every update for the same track.
type Record struct {
	DJ   string
	Live bool

	DurationSeconds int64
	ElapsedSeconds  int64
	Start           time.Time

	Artist     string
	Track      string
	Album      string
	ArtworkURL string
}

// Equal reports whether a and b describe the same track on the same stream.
// Duration, elapsed, start time and artwork are ignored.
func Equal(a, b Record) bool {
	return a.DJ == b.DJ &&
		a.Live == b.Live &&
		a.Artist == b.Artist &&
		a.Track == b.Track &&
		a.Album == b.Album
}

func (r Record) DurationClock() string { return FormatClock(r.DurationSeconds) }
func (r Record) ElapsedClock() string  { return FormatClock(r.ElapsedSeconds) }

// LiveMarker returns "[LIVE]" for live shows and "" otherwise.
func (r Record) LiveMarker() string {
	if r.Live {
		return "[LIVE]"
	}
	return ""
}

// String renders a one-line console summary.
func (r Record) String() string {
	onAlbum := ""
	if r.Album != "" {
		onAlbum = fmt.Sprintf(" on %q", r.Album)
	}
	s := fmt.Sprintf("[%s] %q, by %s%s %s/%s DJ: %s",
		r.Start.Format("2006-01-02 15:04:05"), r.Track, r.Artist, onAlbum,
		r.ElapsedClock(), r.DurationClock(), r.DJ)
	if r.Live {
		s += " " + r.LiveMarker()
	}
	return s
}

// FormatClock renders seconds as zero-padded HH:MM:SS. Hours do not roll
// over into days; negative input is treated as zero.
func FormatClock(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	seconds %= 3600
	m := seconds / 60
	seconds %= 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, seconds)
}
