package nowplaying

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when an np payload lacks a required
// section or carries a field of the wrong type.
var ErrMalformedPayload = errors.New("malformed now-playing payload")

const (
	DefaultDJ      = "Spud the Ambient Robot"
	titleSeparator = " - "
)

// Quirks normalizes known upstream metadata problems.
type Quirks struct {
	// SwapStreamers lists live streamers whose software sends the track
	// title in the artist field and vice versa.
	SwapStreamers []string
	// SplitTitleAlbum splits "Track - Album" titles when album is empty.
	SplitTitleAlbum bool
}

func DefaultQuirks() Quirks {
	return Quirks{
		SwapStreamers:   []string{"Cypress Rosewood"},
		SplitTitleAlbum: true,
	}
}

// Decoder maps raw np payloads to Records. It holds configuration only and
// is safe for concurrent use.
type Decoder struct {
	DefaultDJ string
	Location  *time.Location
	Quirks    Quirks
}

func NewDecoder() *Decoder {
	return &Decoder{DefaultDJ: DefaultDJ, Location: time.Local, Quirks: DefaultQuirks()}
}

type npPayload struct {
	Live       *npLive       `json:"live"`
	NowPlaying *npNowPlaying `json:"now_playing"`
}

type npLive struct {
	IsLive       bool   `json:"is_live"`
	StreamerName string `json:"streamer_name"`
}

type npNowPlaying struct {
	Duration int64   `json:"duration"`
	Elapsed  int64   `json:"elapsed"`
	PlayedAt int64   `json:"played_at"`
	Song     *npSong `json:"song"`
}

type npSong struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Album  string `json:"album"`
	Art    string `json:"art"`
}

// Decode converts one np object into a Record.
func (d *Decoder) Decode(raw json.RawMessage) (Record, error) {
	var np npPayload
	if err := json.Unmarshal(raw, &np); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case np.Live == nil:
		return Record{}, fmt.Errorf("%w: missing live", ErrMalformedPayload)
	case np.NowPlaying == nil:
		return Record{}, fmt.Errorf("%w: missing now_playing", ErrMalformedPayload)
	case np.NowPlaying.Song == nil:
		return Record{}, fmt.Errorf("%w: missing now_playing.song", ErrMalformedPayload)
	}

	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	dj := strings.TrimSpace(d.DefaultDJ)
	if dj == "" {
		dj = DefaultDJ
	}
	if np.Live.IsLive {
		dj = np.Live.StreamerName
	}

	song := np.NowPlaying.Song
	r := Record{
		DJ:              dj,
		Live:            np.Live.IsLive,
		DurationSeconds: max(0, np.NowPlaying.Duration),
		ElapsedSeconds:  max(0, np.NowPlaying.Elapsed),
		Start:           time.Unix(np.NowPlaying.PlayedAt, 0).In(loc),
		Artist:          song.Artist,
		Track:           song.Title,
		Album:           song.Album,
		ArtworkURL:      song.Art,
	}
	d.Quirks.apply(&r)
	return r, nil
}

func (q Quirks) apply(r *Record) {
	if r.Live && q.swaps(r.DJ) {
		r.Artist, r.Track = r.Track, r.Artist
	}
	if q.SplitTitleAlbum && r.Album == "" {
		if track, album, ok := strings.Cut(r.Track, titleSeparator); ok {
			r.Track = strings.TrimSpace(track)
			r.Album = strings.TrimSpace(album)
		}
	}
}

func (q Quirks) swaps(streamer string) bool {
	for _, s := range q.SwapStreamers {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(streamer)) {
			return true
		}
	}
	return false
}
