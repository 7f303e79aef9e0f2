package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database at Path (modernc.org/sqlite, no cgo)
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Delivery records one notification attempt sequence for one sink.
type Delivery struct {
	At          time.Time `json:"at"`
	Sink        string    `json:"sink"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Attempts    int       `json:"attempts"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}
