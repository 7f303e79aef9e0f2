package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" INFO ":   zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"critical": zerolog.ErrorLevel,
		"bogus":    zerolog.TraceLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.TraceLevel); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	if log.Enabled(LevelDebug) || !log.Enabled(LevelInfo) {
		t.Fatal("Enabled does not follow the writer level")
	}
	log.Debug("hidden")
	log.Info("shown", Int("n", 3), Err(nil), Duration("d", time.Second))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written: %s", out)
	}
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"shown"`, `"caller":"logging_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, `"err"`) {
		t.Fatalf("nil error logged: %s", out)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not zero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop should not report zero")
	}
}

func TestFormatChatLine(t *testing.T) {
	line := `{"level":"error","time":"x","caller":"a.go:1","message":"stream connection failed","url":"https://r","err":"eof"}`
	got := formatChatLine([]byte(line))
	want := "[ERROR] stream connection failed\n- err=eof\n- url=https://r"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestChatForwardingRespectsMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		Chat:    ChatConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("forwarded", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 || !strings.HasPrefix(sender.msgs[0], "[ERROR] forwarded") {
		t.Fatalf("msgs = %q", sender.msgs)
	}
}
