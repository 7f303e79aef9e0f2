package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nprelay/internal/nowplaying"
	"nprelay/pkg/logx"
)

const npJSON = `{"live":{"is_live":false,"streamer_name":""},"now_playing":{"duration":225,"elapsed":80,"played_at":1704110400,"song":{"artist":"Artist","title":"%s","album":"Album","art":""}}}`

func np(track string) string { return fmt.Sprintf(npJSON, track) }

func recoveryEvent(channel, track string) string {
	return fmt.Sprintf(`{"connect":{"subs":{%q:{"publications":[{"data":{"np":%s}}]}}}}`, channel, np(track))
}

func incrementalEvent(channel, track string) string {
	return fmt.Sprintf(`{"channel":%q,"pub":{"data":{"np":%s}}}`, channel, np(track))
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("radio.example.com", "test_station")
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	prefix := "https://radio.example.com/api/live/nowplaying/sse?cf_connect="
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("url = %q", got)
	}
	raw, err := url.QueryUnescape(strings.TrimPrefix(got, prefix))
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	if want := `{"subs":{"station:test_station":{"recover":true}}}`; raw != want {
		t.Fatalf("cf_connect = %s, want %s", raw, want)
	}

	if _, err := BuildURL("", "x"); err == nil {
		t.Fatal("expected error for empty server")
	}
	if got, _ := BuildURL("http://localhost:8080/", "a"); !strings.HasPrefix(got, "http://localhost:8080/api/") {
		t.Fatalf("explicit scheme not kept: %q", got)
	}
}

func TestExtractNowPlaying(t *testing.T) {
	ch := ChannelName("radio")
	cases := []struct {
		name string
		data string
		ok   bool
		err  bool
	}{
		{"recovery", recoveryEvent(ch, "T"), true, false},
		{"recovery single other channel", recoveryEvent("station:other", "T"), true, false},
		{"incremental", incrementalEvent(ch, "T"), true, false},
		{"keepalive", `{}`, false, false},
		{"empty", ``, false, false},
		{"unrelated", `{"ping":1}`, false, false},
		{"no publications", `{"connect":{"subs":{"station:radio":{"publications":[]}}}}`, false, false},
		{"pub without np", `{"channel":"station:radio","pub":{"data":{}}}`, false, false},
		{"invalid json", `{"channel":`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, ok, err := ExtractNowPlaying([]byte(tc.data), ch)
			if (err != nil) != tc.err {
				t.Fatalf("err = %v, want err=%v", err, tc.err)
			}
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && !strings.Contains(string(raw), `"now_playing"`) {
				t.Fatalf("np = %s", raw)
			}
		})
	}
}

func TestExtractNowPlayingPrefersConfiguredChannel(t *testing.T) {
	data := fmt.Sprintf(`{"connect":{"subs":{"station:a":{"publications":[{"data":{"np":%s}}]},"station:b":{"publications":[{"data":{"np":%s}}]}}}}`, np("A"), np("B"))
	raw, ok, err := ExtractNowPlaying([]byte(data), "station:b")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !strings.Contains(string(raw), `"title":"B"`) {
		t.Fatalf("picked wrong channel: %s", raw)
	}
	if _, ok, _ := ExtractNowPlaying([]byte(data), "station:c"); ok {
		t.Fatal("ambiguous recovery envelope should be ignored")
	}
}

// fakeSource replays a fixed list of events and then returns end.
type fakeSource struct {
	mu     sync.Mutex
	events []Event
	end    error
	closed bool
}

func (f *fakeSource) Next() (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return Event{}, f.end
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func data(s ...string) []Event {
	out := make([]Event, 0, len(s))
	for i, d := range s {
		out = append(out, Event{ID: fmt.Sprint(i), Data: d})
	}
	return out
}

func TestSessionConsumeEmitsDistinctTracks(t *testing.T) {
	ch := ChannelName("radio")
	src := &fakeSource{
		events: data(
			recoveryEvent(ch, "One"),
			`{}`,
			incrementalEvent(ch, "One"),
			`not json`,
			`{"channel":"station:radio","pub":{"data":{"np":{"now_playing":{}}}}}`,
			incrementalEvent(ch, "Two"),
			incrementalEvent(ch, "Two"),
			incrementalEvent(ch, "One"),
		),
		end: io.EOF,
	}

	var got []string
	s := NewSession(ch, nil, nil, logx.Nop())
	err := s.Consume(context.Background(), src, func(r nowplaying.Record) { got = append(got, r.Track) })
	if !errors.Is(err, ErrCleanClose) {
		t.Fatalf("err = %v, want ErrCleanClose", err)
	}
	if want := []string{"One", "Two", "One"}; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	if s.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", s.Skipped)
	}
}

func TestSessionFilterSurvivesSessions(t *testing.T) {
	ch := ChannelName("radio")
	filter := &nowplaying.ChangeFilter{}
	var got []string
	emit := func(r nowplaying.Record) { got = append(got, r.Track) }

	first := &fakeSource{events: data(incrementalEvent(ch, "One")), end: io.EOF}
	_ = NewSession(ch, nil, filter, logx.Nop()).Consume(context.Background(), first, emit)

	second := &fakeSource{events: data(recoveryEvent(ch, "One"), incrementalEvent(ch, "Two")), end: io.EOF}
	_ = NewSession(ch, nil, filter, logx.Nop()).Consume(context.Background(), second, emit)

	if strings.Join(got, ",") != "One,Two" {
		t.Fatalf("emitted %v", got)
	}
}

func TestSessionTransportError(t *testing.T) {
	src := &fakeSource{end: errors.New("connection reset")}
	err := NewSession("station:x", nil, nil, logx.Nop()).Consume(context.Background(), src, nil)
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "read" {
		t.Fatalf("err = %v, want read ConnectionError", err)
	}
}

// blockingSource blocks in Next until closed.
type blockingSource struct {
	done chan struct{}
	once sync.Once
}

func (b *blockingSource) Next() (Event, error) {
	<-b.done
	return Event{}, errors.New("use of closed connection")
}

func (b *blockingSource) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func TestSessionCancelAbortsRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingSource{done: make(chan struct{})}

	errc := make(chan error, 1)
	go func() { errc <- NewSession("station:x", nil, nil, logx.Nop()).Consume(ctx, src, nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestClientOpenAndRead(t *testing.T) {
	ch := ChannelName("radio")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("Cache-Control") != "no-store" {
			t.Errorf("Cache-Control = %q", r.Header.Get("Cache-Control"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": welcome\n\n")
		fmt.Fprintf(w, "id: 1\ndata: %s\n\n", recoveryEvent(ch, "One"))
		fmt.Fprint(w, "event: multi\ndata: line1\ndata: line2\n\n")
		fmt.Fprint(w, "data: {}\n\n")
	}))
	defer server.Close()

	c := NewClient(ClientConfig{URL: server.URL, ConnectTimeout: 5 * time.Second})
	src, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	ev, err := src.Next()
	if err != nil || ev.ID != "1" || !strings.HasPrefix(ev.Data, `{"connect"`) {
		t.Fatalf("first event = %+v, err = %v", ev, err)
	}
	ev, err = src.Next()
	if err != nil || ev.Name != "multi" || ev.Data != "line1\nline2" {
		t.Fatalf("second event = %+v, err = %v", ev, err)
	}
	if ev, err = src.Next(); err != nil || ev.Data != "{}" {
		t.Fatalf("third event = %+v, err = %v", ev, err)
	}
	if _, err = src.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestClientOpenRejectsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(ClientConfig{URL: server.URL}).Open(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Status != http.StatusServiceUnavailable || ce.Op != "open" {
		t.Fatalf("err = %v, want open ConnectionError with 503", err)
	}
}

func TestClientOpenRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := NewClient(ClientConfig{URL: addr, ConnectTimeout: time.Second}).Open(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Err == nil {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
}

func TestOversizedEventIsSkipped(t *testing.T) {
	ch := ChannelName("radio")
	huge := strings.Repeat("x", maxEventLine+10)
	body := "data: " + incrementalEvent(ch, "One") + "\n\n" +
		"id: big\ndata: " + huge + "\ndata: tail\n\n" +
		"data: " + incrementalEvent(ch, "Two") + "\r\n\r\n"

	r := newEventReader(io.NopCloser(strings.NewReader(body)), "test")
	if ev, err := r.Next(); err != nil || !strings.Contains(ev.Data, `"One"`) {
		t.Fatalf("first event = %+v, err = %v", ev, err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrEventTooLarge) {
		t.Fatalf("err = %v, want ErrEventTooLarge", err)
	}
	if ev, err := r.Next(); err != nil || !strings.Contains(ev.Data, `"Two"`) || strings.HasSuffix(ev.Data, "\r") {
		t.Fatalf("third event = %+v, err = %v", ev, err)
	}

	var got []string
	s := NewSession(ch, nil, nil, logx.Nop())
	err := s.Consume(context.Background(), newEventReader(io.NopCloser(strings.NewReader(body)), "test"),
		func(rec nowplaying.Record) { got = append(got, rec.Track) })
	if !errors.Is(err, ErrCleanClose) {
		t.Fatalf("err = %v, want ErrCleanClose", err)
	}
	if strings.Join(got, ",") != "One,Two" || s.Skipped != 1 {
		t.Fatalf("emitted %v, skipped %d", got, s.Skipped)
	}
}
