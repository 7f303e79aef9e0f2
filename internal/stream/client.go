// Package stream reads the AzuraCast now-playing SSE feed.
//
// Client opens one connection and exposes it as an EventSource; Session
// consumes an EventSource, decodes recognized envelopes and hands novel
// records to a callback. Reconnection is the runner's job, not this package's.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCleanClose reports that the server ended the stream without a transport error.
var ErrCleanClose = errors.New("stream closed by server")

// ErrEventTooLarge is returned by Next for an event with a line longer than
// maxEventLine. The event has been consumed and the source stays usable.
var ErrEventTooLarge = errors.New("event exceeds line limit")

// ConnectionError is a transport-level failure while opening or reading the feed.
type ConnectionError struct {
	Op     string // "open" or "read"
	URL    string
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelName is the subscription key for a station shortcode.
func ChannelName(shortcode string) string { return "station:" + shortcode }

// BuildURL returns the SSE subscription URL for a station:
//
//	https://{server}/api/live/nowplaying/sse?cf_connect={"subs":{"station:{shortcode}":{"recover":true}}}
func BuildURL(server, shortcode string) (string, error) {
	server = strings.TrimSpace(server)
	shortcode = strings.TrimSpace(shortcode)
	if server == "" || shortcode == "" {
		return "", errors.New("server and shortcode are required")
	}

	type sub struct {
		Recover bool `json:"recover"`
	}
	connect := struct {
		Subs map[string]sub `json:"subs"`
	}{Subs: map[string]sub{ChannelName(shortcode): {Recover: true}}}

	b, err := json.Marshal(connect)
	if err != nil {
		return "", fmt.Errorf("encode cf_connect: %w", err)
	}

	base := server
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimRight(base, "/")
	return base + "/api/live/nowplaying/sse?cf_connect=" + url.QueryEscape(string(b)), nil
}

// Event is one server-sent event.
type Event struct {
	ID   string
	Name string
	Data string
}

// EventSource yields events from one connection. It is lazy and cannot be
// restarted: Next returns io.EOF once the server closes the stream.
type EventSource interface {
	Next() (Event, error)
	Close() error
}

// Opener opens a fresh EventSource.
type Opener interface {
	Open(ctx context.Context) (EventSource, error)
}

type ClientConfig struct {
	URL            string
	ConnectTimeout time.Duration
	Headers        map[string]string
}

// Client opens SSE connections to one URL.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   0, // No total timeout for streaming
		},
	}
}

func (c *Client) URL() string { return c.cfg.URL }

func (c *Client) Open(ctx context.Context) (EventSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "open", URL: c.cfg.URL, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: "open", URL: c.cfg.URL, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ConnectionError{Op: "open", URL: c.cfg.URL, Status: resp.StatusCode}
	}

	return newEventReader(resp.Body, c.cfg.URL), nil
}

// eventReader parses the text/event-stream format.
type eventReader struct {
	body io.ReadCloser
	br   *bufio.Reader
	url  string
}

const maxEventLine = 1 << 20

func newEventReader(body io.ReadCloser, url string) *eventReader {
	return &eventReader{body: body, br: bufio.NewReaderSize(body, 64*1024), url: url}
}

// Next blocks until a complete event (terminated by a blank line) arrives.
func (r *eventReader) Next() (Event, error) {
	var (
		ev        Event
		data      []string
		pending   bool
		oversized bool
	)
	for {
		line, tooLong, err := r.readLine()
		if err == io.EOF {
			// A final event without a trailing blank line is discarded, as browsers do.
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, &ConnectionError{Op: "read", URL: r.url, Err: err}
		}
		if tooLong {
			oversized = true
			continue
		}
		if line == "" {
			if oversized {
				return Event{}, ErrEventTooLarge
			}
			if pending {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			pending = true
		case "event":
			ev.Name = value
			pending = true
		case "id":
			ev.ID = value
			pending = true
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxEventLine is read to its end and reported as tooLong with no content.
func (r *eventReader) readLine() (string, bool, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxEventLine {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", false, err
		}
		break
	}
	if tooLong {
		return "", true, nil
	}
	buf = buf[:len(buf)-1]
	if n := len(buf); n > 0 && buf[n-1] == '\r' {
		buf = buf[:n-1]
	}
	return string(buf), false, nil
}

func (r *eventReader) Close() error { return r.body.Close() }
