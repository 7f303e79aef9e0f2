// Package discord posts now-playing cards and log lines to a Discord
// channel webhook.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nprelay/internal/notifier"
	"nprelay/pkg/logx"
)

// contentLimit is Discord's maximum message content length.
const contentLimit = 2000

type Config struct {
	WebhookURL string
	Username   string
	// Timeout bounds one HTTP request; callers usually pass a tighter ctx.
	Timeout time.Duration
}

// Webhook implements notifier.Sink and logx.ChatSender.
type Webhook struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Webhook, error) {
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	if cfg.WebhookURL == "" {
		return nil, errors.New("discord webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (w *Webhook) Name() string { return "discord" }

type embed struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Thumbnail   *thumbnail `json:"thumbnail,omitempty"`
}

type thumbnail struct {
	URL string `json:"url"`
}

type payload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

// Send posts c as a single embed.
func (w *Webhook) Send(ctx context.Context, c notifier.Card) error {
	e := embed{Title: c.Title, Description: c.Description}
	if !c.Timestamp.IsZero() {
		e.Timestamp = c.Timestamp.Format(time.RFC3339)
	}
	if c.ThumbnailURL != "" {
		e.Thumbnail = &thumbnail{URL: c.ThumbnailURL}
	}
	return w.post(ctx, payload{Username: w.cfg.Username, Embeds: []embed{e}})
}

// SendText posts plain text, split to fit Discord's content limit.
func (w *Webhook) SendText(ctx context.Context, text string) error {
	for _, chunk := range splitRunes(text, contentLimit) {
		if err := w.post(ctx, payload{Username: w.cfg.Username, Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, p payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return notifier.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(b))
	if err != nil {
		return notifier.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 == 2 {
		return nil
	}

	var out struct {
		Message    string  `json:"message"`
		Code       int     `json:"code"`
		RetryAfter float64 `json:"retry_after"`
	}
	_ = json.Unmarshal(body, &out)

	err = fmt.Errorf("discord webhook: http=%d", resp.StatusCode)
	if out.Message != "" {
		err = fmt.Errorf("discord webhook: %s (code=%d http=%d)", out.Message, out.Code, resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after := time.Duration(out.RetryAfter * float64(time.Second))
		if after <= 0 {
			after = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		}
		w.log.Debug("discord rate limited", logx.Duration("retry_after", after))
		return notifier.RetryAfter(err, after)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return notifier.NoRetry(err)
	default:
		return err
	}
}

func parseRetryAfterHeader(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

func splitRunes(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for len(rs) > 0 {
		n := min(limit, len(rs))
		out = append(out, string(rs[:n]))
		rs = rs[n:]
	}
	return out
}
