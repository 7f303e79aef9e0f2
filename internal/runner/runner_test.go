package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nprelay/internal/eventbus"
	"nprelay/internal/nowplaying"
	"nprelay/internal/stream"
	"nprelay/pkg/logx"
)

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(Config{}, fixedRand(0.5))
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 128, 256, 300, 300, 300}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("step %d: Next = %v, want %v", i, got, w*time.Second)
		}
		if c := b.Current(); c < b.Initial || c > b.Max {
			t.Fatalf("step %d: current %v outside [%v, %v]", i, c, b.Initial, b.Max)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after Reset, Next = %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := Config{InitialBackoff: 10 * time.Second, MaxBackoff: 10 * time.Second}
	low := NewBackoff(cfg, fixedRand(0)).Next()
	high := NewBackoff(cfg, fixedRand(0.999999)).Next()
	if low != 8*time.Second {
		t.Fatalf("low = %v, want 8s", low)
	}
	if high < 11990*time.Millisecond || high > 12*time.Second {
		t.Fatalf("high = %v, want just under 12s", high)
	}

	b := NewBackoff(Config{}, nil)
	for i := 0; i < 500; i++ {
		base := b.Current()
		d := b.Next()
		lo := max(time.Duration(float64(base)*0.8), time.Second)
		hi := time.Duration(float64(base) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("iteration %d: delay %v outside [%v, %v]", i, d, lo, hi)
		}
		if i%12 == 11 {
			b.Reset()
		}
	}
}

func TestBackoffMinDelayFloor(t *testing.T) {
	b := NewBackoff(Config{InitialBackoff: time.Second}, fixedRand(0))
	if got := b.Next(); got != time.Second {
		t.Fatalf("Next = %v, want floor of 1s", got)
	}
}

// scriptedOpener returns one step per Open call; the last step repeats.
type scriptedOpener struct {
	mu    sync.Mutex
	steps []func() (stream.EventSource, error)
	calls int
}

func (o *scriptedOpener) Open(ctx context.Context) (stream.EventSource, error) {
	o.mu.Lock()
	i := min(o.calls, len(o.steps)-1)
	o.calls++
	step := o.steps[i]
	o.mu.Unlock()
	return step()
}

func (o *scriptedOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func failOpen() (stream.EventSource, error) {
	return nil, &stream.ConnectionError{Op: "open", URL: "test", Err: errors.New("connection refused")}
}

type listSource struct {
	events []stream.Event
	end    func() error
}

func (s *listSource) Next() (stream.Event, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	return stream.Event{}, s.end()
}

func (s *listSource) Close() error { return nil }

func trackEvent(track string) stream.Event {
	return stream.Event{Data: fmt.Sprintf(`{"channel":"station:t","pub":{"data":{"np":{"live":{"is_live":false},"now_playing":{"duration":1,"elapsed":0,"played_at":0,"song":{"artist":"A","title":%q,"album":""}}}}}}`, track)}
}

func fastConfig() Config {
	return Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     8 * time.Millisecond,
		MinDelay:       time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	}
}

func runWithTimeout(t *testing.T, r *Runner, ctx context.Context, shutdown ShutdownFunc) int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- r.Run(ctx, shutdown) }()
	select {
	case code := <-done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return -1
	}
}

func TestRunShutdownBeforeStart(t *testing.T) {
	op := &scriptedOpener{steps: []func() (stream.EventSource, error){failOpen}}
	r := New(op, Options{Config: fastConfig()})
	if code := r.Run(context.Background(), func() bool { return true }); code != ExitShutdown {
		t.Fatalf("code = %d, want 0", code)
	}
	if op.Calls() != 0 {
		t.Fatalf("opened %d connections, want none", op.Calls())
	}
	if s := r.Snapshot(); s.Phase != PhaseStopped {
		t.Fatalf("phase = %v", s.Phase)
	}
}

func TestRunMaxRetriesExhausted(t *testing.T) {
	op := &scriptedOpener{steps: []func() (stream.EventSource, error){failOpen}}
	cfg := fastConfig()
	cfg.MaxRetries = 3
	r := New(op, Options{Config: cfg, Log: logx.Nop()})

	if code := runWithTimeout(t, r, context.Background(), nil); code != ExitExhausted {
		t.Fatalf("code = %d, want 1", code)
	}
	if op.Calls() != 3 {
		t.Fatalf("open calls = %d, want 3", op.Calls())
	}
	s := r.Snapshot()
	if s.RetryCount != 3 || s.Phase != PhaseStopped || s.ExitCode != ExitExhausted {
		t.Fatalf("state = %+v", s)
	}
}

func TestRunResetsAfterSuccessfulSession(t *testing.T) {
	for _, tc := range []struct {
		name string
		end  func() error
	}{
		{"clean close", func() error { return io.EOF }},
		{"read error", func() error { return errors.New("connection reset by peer") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				r       *Runner
				stop    atomic.Bool
				after   State
				emitted []string
			)
			op := &scriptedOpener{steps: []func() (stream.EventSource, error){
				failOpen, failOpen, failOpen,
				func() (stream.EventSource, error) {
					return &listSource{events: []stream.Event{trackEvent("One")}, end: tc.end}, nil
				},
				func() (stream.EventSource, error) {
					after = r.Snapshot()
					stop.Store(true)
					return failOpen()
				},
			}}
			cfg := fastConfig()
			cfg.MaxRetries = 10
			r = New(op, Options{
				Config:  cfg,
				Channel: "station:t",
				Emit:    func(rec nowplaying.Record) { emitted = append(emitted, rec.Track) },
			})

			if code := runWithTimeout(t, r, context.Background(), stop.Load); code != ExitShutdown {
				t.Fatalf("code = %d, want 0", code)
			}
			if op.Calls() != 5 {
				t.Fatalf("open calls = %d, want 5", op.Calls())
			}
			if after.RetryCount != 0 {
				t.Fatalf("RetryCount = %d after the session completed, want 0", after.RetryCount)
			}
			if after.CurrentBackoff != cfg.InitialBackoff {
				t.Fatalf("CurrentBackoff = %v after the session completed, want %v", after.CurrentBackoff, cfg.InitialBackoff)
			}
			if after.Sessions != 1 || after.Emitted != 1 || len(emitted) != 1 || emitted[0] != "One" {
				t.Fatalf("state = %+v emitted = %v", after, emitted)
			}
		})
	}
}

func TestRunFlappingConnectionExhaustsRetries(t *testing.T) {
	op := &scriptedOpener{steps: []func() (stream.EventSource, error){
		func() (stream.EventSource, error) {
			return &listSource{end: func() error {
				return &stream.ConnectionError{Op: "read", URL: "test", Err: errors.New("connection reset by peer")}
			}}, nil
		},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	cfg := fastConfig()
	cfg.MaxRetries = 4
	r := New(op, Options{Config: cfg, Bus: bus, Rand: fixedRand(0.5)})

	if code := runWithTimeout(t, r, context.Background(), nil); code != ExitExhausted {
		t.Fatalf("code = %d, want 1", code)
	}
	if op.Calls() != 4 {
		t.Fatalf("open calls = %d, want 4", op.Calls())
	}
	s := r.Snapshot()
	if s.RetryCount != 4 || s.Sessions != 4 {
		t.Fatalf("state = %+v", s)
	}
	if s.CurrentBackoff != cfg.MaxBackoff {
		t.Fatalf("CurrentBackoff = %v, want %v", s.CurrentBackoff, cfg.MaxBackoff)
	}

	var delays []time.Duration
	for len(delays) < 3 {
		e := waitFor(t, events, eventbus.RunnerBackoff)
		info := e.Data.(eventbus.BackoffInfo)
		if info.RetryCount != len(delays)+1 {
			t.Fatalf("backoff %d: RetryCount = %d", len(delays), info.RetryCount)
		}
		delays = append(delays, info.Delay)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestRunCleanCloseCountsAsFailure(t *testing.T) {
	op := &scriptedOpener{steps: []func() (stream.EventSource, error){
		func() (stream.EventSource, error) {
			return &listSource{end: func() error { return io.EOF }}, nil
		},
	}}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	r := New(op, Options{Config: cfg})

	if code := runWithTimeout(t, r, context.Background(), nil); code != ExitExhausted {
		t.Fatalf("code = %d, want 1", code)
	}
	if s := r.Snapshot(); s.LastError != stream.ErrCleanClose.Error() {
		t.Fatalf("LastError = %q", s.LastError)
	}
}

func TestRunShutdownDuringBackoff(t *testing.T) {
	op := &scriptedOpener{steps: []func() (stream.EventSource, error){failOpen}}
	cfg := Config{
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
		PollInterval:   10 * time.Millisecond,
	}
	var stop atomic.Bool
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	r := New(op, Options{Config: cfg, Bus: bus})
	done := make(chan int, 1)
	go func() { done <- r.Run(context.Background(), stop.Load) }()

	waitFor(t, events, eventbus.RunnerBackoff)
	requested := time.Now()
	stop.Store(true)

	select {
	case code := <-done:
		if code != ExitShutdown {
			t.Fatalf("code = %d, want 0", code)
		}
		if elapsed := time.Since(requested); elapsed > 500*time.Millisecond {
			t.Fatalf("shutdown took %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe shutdown during backoff")
	}
	waitFor(t, events, eventbus.RunnerStopped)
}

func TestRunContextCancelStopsStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	op := &scriptedOpener{steps: []func() (stream.EventSource, error){
		func() (stream.EventSource, error) {
			return &listSource{end: func() error {
				<-block
				return errors.New("read: use of closed network connection")
			}}, nil
		},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	r := New(op, Options{Config: fastConfig(), Bus: bus})
	done := make(chan int, 1)
	go func() { done <- r.Run(ctx, nil) }()

	waitFor(t, events, eventbus.SessionOpened)
	cancel()
	close(block)

	select {
	case code := <-done:
		if code != ExitShutdown {
			t.Fatalf("code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseBackoff.String() != "backoff" || Phase(42).String() != "phase(42)" {
		t.Fatal("unexpected phase names")
	}
}
