package nowplaying

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func samplePayload(t *testing.T, mutate func(m map[string]any)) json.RawMessage {
	t.Helper()
	m := map[string]any{
		"live": map[string]any{
			"is_live":       false,
			"streamer_name": "",
		},
		"now_playing": map[string]any{
			"duration":  225,
			"elapsed":   80,
			"played_at": 1704110400,
			"song": map[string]any{
				"artist": "Test Artist",
				"title":  "Test Track",
				"album":  "Test Album",
				"art":    "https://example.com/art.jpg",
			},
		},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func song(m map[string]any) map[string]any {
	return m["now_playing"].(map[string]any)["song"].(map[string]any)
}

func TestFormatClock(t *testing.T) {
	cases := map[int64]string{
		0:      "00:00:00",
		45:     "00:00:45",
		125:    "00:02:05",
		3665:   "01:01:05",
		7265:   "02:01:05",
		360000: "100:00:00",
		-5:     "00:00:00",
	}
	for in, want := range cases {
		if got := FormatClock(in); got != want {
			t.Errorf("FormatClock(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatClockRoundTrip(t *testing.T) {
	for s := int64(0); s < 100000; s += 37 {
		parts := strings.Split(FormatClock(s), ":")
		if len(parts) != 3 {
			t.Fatalf("FormatClock(%d) has %d parts", s, len(parts))
		}
		var sum int64
		for i, p := range parts {
			if len(p) < 2 {
				t.Fatalf("FormatClock(%d) part %q not zero-padded", s, p)
			}
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				t.Fatalf("FormatClock(%d) part %q: %v", s, p, err)
			}
			sum += v * []int64{3600, 60, 1}[i]
		}
		if sum != s {
			t.Fatalf("FormatClock(%d) = %v, sums to %d", s, parts, sum)
		}
	}
}

func TestDecodeBasic(t *testing.T) {
	d := NewDecoder()
	d.Location = time.UTC

	r, err := d.Decode(samplePayload(t, nil))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Artist != "Test Artist" || r.Track != "Test Track" || r.Album != "Test Album" {
		t.Fatalf("unexpected song fields: %+v", r)
	}
	if r.ArtworkURL != "https://example.com/art.jpg" {
		t.Fatalf("artwork = %q", r.ArtworkURL)
	}
	if r.Live || r.DJ != DefaultDJ {
		t.Fatalf("expected automated stream with default DJ, got live=%v dj=%q", r.Live, r.DJ)
	}
	if r.DurationClock() != "00:03:45" || r.ElapsedClock() != "00:01:20" {
		t.Fatalf("clocks = %s/%s", r.ElapsedClock(), r.DurationClock())
	}
	if want := time.Unix(1704110400, 0).UTC(); !r.Start.Equal(want) || r.Start.Location() != time.UTC {
		t.Fatalf("start = %v, want %v", r.Start, want)
	}
}

func TestDecodeLiveStream(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) {
		m["live"] = map[string]any{"is_live": true, "streamer_name": "Live DJ"}
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !r.Live || r.DJ != "Live DJ" || r.LiveMarker() != "[LIVE]" {
		t.Fatalf("got live=%v dj=%q", r.Live, r.DJ)
	}
}

func TestDecodeSwappedStreamer(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) {
		m["live"] = map[string]any{"is_live": true, "streamer_name": "Cypress Rosewood"}
		s := song(m)
		s["artist"] = "Track Name"
		s["title"] = "Artist Name"
		s["album"] = ""
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Artist != "Artist Name" || r.Track != "Track Name" {
		t.Fatalf("swap not applied: artist=%q track=%q", r.Artist, r.Track)
	}
}

func TestDecodeSwapOnlyWhenLive(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) {
		m["live"] = map[string]any{"is_live": false, "streamer_name": "Cypress Rosewood"}
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Artist != "Test Artist" {
		t.Fatalf("swap applied to automated stream: %+v", r)
	}
}

func TestDecodeSplitsTitleAlbum(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) {
		s := song(m)
		s["title"] = "Track Name - Album Name"
		s["album"] = ""
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Track != "Track Name" || r.Album != "Album Name" {
		t.Fatalf("split not applied: track=%q album=%q", r.Track, r.Album)
	}
}

func TestDecodeKeepsDashWhenAlbumPresent(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) {
		song(m)["title"] = "Track - Remix"
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Track != "Track - Remix" || r.Album != "Test Album" {
		t.Fatalf("unexpected split: %+v", r)
	}
}

func TestDecodeEmptyAlbum(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) { song(m)["album"] = "" }))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Album != "" {
		t.Fatalf("album = %q, want empty", r.Album)
	}
}

func TestDecodeToleratesElapsedPastDuration(t *testing.T) {
	d := NewDecoder()
	r, err := d.Decode(samplePayload(t, func(m map[string]any) {
		np := m["now_playing"].(map[string]any)
		np["elapsed"] = 900
		np["duration"] = 0
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.ElapsedClock() != "00:15:00" || r.DurationClock() != "00:00:00" {
		t.Fatalf("clocks = %s/%s", r.ElapsedClock(), r.DurationClock())
	}
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDecoder()
	cases := map[string]json.RawMessage{
		"not json":      json.RawMessage(`{`),
		"missing live":  samplePayload(t, func(m map[string]any) { delete(m, "live") }),
		"missing np":    samplePayload(t, func(m map[string]any) { delete(m, "now_playing") }),
		"missing song":  samplePayload(t, func(m map[string]any) { delete(m["now_playing"].(map[string]any), "song") }),
		"wrong type":    samplePayload(t, func(m map[string]any) { m["now_playing"].(map[string]any)["duration"] = "long" }),
		"live is array": samplePayload(t, func(m map[string]any) { m["live"] = []int{1} }),
	}
	for name, raw := range cases {
		if _, err := d.Decode(raw); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: err = %v, want ErrMalformedPayload", name, err)
		}
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	d := NewDecoder()
	raw := samplePayload(t, nil)
	a, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !Equal(a, b) {
		t.Fatalf("decoding twice gave different records: %+v vs %+v", a, b)
	}
}

func TestEqualIgnoresTimingFields(t *testing.T) {
	a := Record{
		DJ: "DJ Test", DurationSeconds: 225, ElapsedSeconds: 80,
		Start:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Artist: "Artist", Track: "Track", Album: "Album", ArtworkURL: "url1",
	}
	b := a
	b.DurationSeconds = 300
	b.ElapsedSeconds = 150
	b.Start = a.Start.Add(time.Hour)
	b.ArtworkURL = "url2"
	if !Equal(a, b) {
		t.Fatal("records differing only in timing fields should be equal")
	}

	c := a
	c.Artist = "Someone Else"
	if Equal(a, c) {
		t.Fatal("records with different artists should not be equal")
	}

	l := a
	l.Live = true
	if Equal(a, l) {
		t.Fatal("live flag is part of equality")
	}
}

func TestChangeFilterSequence(t *testing.T) {
	r1 := Record{DJ: "dj", Artist: "a", Track: "one"}
	r2 := Record{DJ: "dj", Artist: "a", Track: "two"}
	r1Later := r1
	r1Later.ElapsedSeconds = 42

	var f ChangeFilter
	seq := []Record{r1, r1Later, r2, r2, r2, r1}
	want := []bool{true, false, true, false, false, true}
	for i, r := range seq {
		if got := f.ShouldEmit(r); got != want[i] {
			t.Fatalf("step %d: ShouldEmit = %v, want %v", i, got, want[i])
		}
	}

	last, ok := f.Last()
	if !ok || !Equal(last, r1) {
		t.Fatalf("baseline = %+v (ok=%v), want r1", last, ok)
	}
	f.Reset()
	if !f.ShouldEmit(r1) {
		t.Fatal("first call after Reset should emit")
	}
}

func TestChangeFilterFirstCallEmitsZeroRecord(t *testing.T) {
	var f ChangeFilter
	if !f.ShouldEmit(Record{}) {
		t.Fatal("first call must always emit")
	}
	if f.ShouldEmit(Record{}) {
		t.Fatal("repeat of zero record must be suppressed")
	}
}
