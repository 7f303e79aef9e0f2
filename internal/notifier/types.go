package notifier

import (
	"context"
	"time"
)

// Config controls the delivery pipeline. Zero values take defaults.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// WorkerRestarts bounds restarts of a crashed worker; 0 restarts forever.
	WorkerRestarts int
}

// Card is a rendered now-playing announcement.
type Card struct {
	Title        string
	Description  string
	Timestamp    time.Time // zero means none
	ThumbnailURL string
	Live         bool
	DJ           string

	// Raw parts of Description for sinks with their own markup.
	Artist string
	Album  string
	Clock  string
}

// Sink delivers cards to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, c Card) error
}

type HistoryItem struct {
	At       time.Time
	Sink     string
	Title    string
	Attempts int
	Err      string
}

type Counters struct {
	Queued  uint64
	Sent    uint64
	Failed  uint64
	Dropped uint64
}
