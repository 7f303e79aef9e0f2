// Package telegram delivers now-playing cards and log lines to a Telegram
// chat through the Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"nprelay/internal/notifier"
	"nprelay/pkg/logx"
)

// captionLimit is the Bot API limit for media captions.
const captionLimit = 1024

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org.
	APIURL string
	// Offline skips the getMe handshake so startup does not depend on
	// Telegram being reachable.
	Offline bool
}

// Sender implements notifier.Sink and logx.ChatSender. It only sends; it
// never polls for updates.
type Sender struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   strings.TrimSpace(cfg.Token),
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (s *Sender) Name() string { return "telegram" }

func (s *Sender) options() *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	}
}

// Render formats c for HTML parse mode.
func Render(c notifier.Card) H {
	var line H
	switch {
	case c.Album != "":
		line = "from " + I(c.Album) + " by " + Esc(c.Artist)
	case c.Artist != "" || c.Clock != "":
		line = Esc(c.Artist)
	default:
		line = Esc(c.Description)
	}
	if c.Clock != "" {
		line += Esc(" (" + c.Clock + ")")
	}
	var dj H
	if c.Live && c.DJ != "" {
		dj = "live with " + B(c.DJ)
	}
	return JoinH("\n", B(c.Title), line, dj)
}

// Send posts c as a photo with caption when artwork is present and the
// caption fits, and as a text message otherwise.
func (s *Sender) Send(ctx context.Context, c notifier.Card) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := string(Render(c))
	if c.ThumbnailURL != "" && len([]rune(text)) <= captionLimit {
		photo := &tele.Photo{File: tele.FromURL(c.ThumbnailURL), Caption: text}
		_, err := s.bot.Send(s.chat, photo, s.options())
		if err == nil {
			return nil
		}
		if !isMediaError(err) {
			return classify(err)
		}
		// Telegram refuses some artwork hosts; fall back to text.
		s.log.Debug("telegram photo rejected, sending text", logx.Err(err))
	}
	return s.sendChunks(ctx, text)
}

// SendText sends a plain log line.
func (s *Sender) SendText(ctx context.Context, text string) error {
	return s.sendChunks(ctx, string(Esc(text)))
}

func (s *Sender) sendChunks(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(s.chat, chunk, s.options()); err != nil {
			return classify(err)
		}
	}
	return nil
}

// classify maps Bot API errors onto notifier retry semantics.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return notifier.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	if code, _, ok := apiError(err); ok && code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return notifier.NoRetry(err)
	}
	return err
}

// apiErrText matches errors telebot builds for descriptions it has no
// sentinel for.
var apiErrText = regexp.MustCompile(`^telegram: (.*) \((\d{3})\)$`)

func apiError(err error) (code int, desc string, ok bool) {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code, te.Description, true
	}
	if m := apiErrText.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[2])
		return code, m[1], true
	}
	return 0, "", false
}

func isMediaError(err error) bool {
	code, desc, ok := apiError(err)
	if !ok || code != http.StatusBadRequest {
		return false
	}
	desc = strings.ToLower(desc)
	for _, m := range []string{"wrong file", "wrong http url", "failed to get http url content", "wrong type of the web page content", "image_process_failed", "photo_invalid"} {
		if strings.Contains(desc, m) {
			return true
		}
	}
	return false
}
