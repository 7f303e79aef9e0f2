package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nprelay/internal/eventbus"
	"nprelay/internal/nowplaying"
	rtsup "nprelay/internal/runtime/supervisor"
	"nprelay/internal/storage"
	"nprelay/pkg/logx"
)

const historySize = 50

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sinks []Sink
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqWG     sync.WaitGroup
	queue     chan Card
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	queued, sent, failed, dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:   log,
		sinks: sinks,
		bus:   bus,
		store: store,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates pacing and retry settings. Enabled and QueueSize take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.WorkerRestarts = max(cfg.WorkerRestarts, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSinks replaces the destinations used for subsequent sends.
func (s *Service) SetSinks(sinks []Sink) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

func (s *Service) SinkNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		names = append(names, sk.Name())
	}
	return names
}

// Start launches the worker. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Card, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	sup, q, cfg := s.sup, s.queue, s.cfg
	s.mu.Unlock()

	sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		if c.Err() != nil || s.stopping() {
			return nil
		}
		return errors.New("notifier worker exited unexpectedly")
	}, rtsup.WithRestartBackoff(cfg.RetryBase, cfg.RetryMaxDelay), rtsup.WithMaxRestarts(cfg.WorkerRestarts))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop refuses new cards and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Enqueue formats r and queues it for delivery. It never blocks; a full
// queue drops the card.
func (s *Service) Enqueue(r nowplaying.Record) error {
	return s.EnqueueCard(CardFor(r))
}

func (s *Service) EnqueueCard(c Card) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	select {
	case q <- c:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("notification dropped", logx.String("title", c.Title), logx.Err(ErrQueueFull))
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyDropped, Data: eventbus.DeliveryInfo{
			Title: c.Title, Err: ErrQueueFull.Error(),
		}})
		return ErrQueueFull
	}
}

func (s *Service) Counters() Counters {
	return Counters{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

// History returns recent outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Card) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-q:
			if !ok {
				return
			}
			s.mu.Lock()
			sinks := s.sinks
			s.mu.Unlock()
			for _, sk := range sinks {
				s.deliver(ctx, sk, c)
			}
		}
	}
}

// deliver sends c to one sink with rate limiting and retry.
func (s *Service) deliver(ctx context.Context, sk Sink, c Card) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	started := time.Now()
	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempts < maxAttempts {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sk.Send(callCtx, c)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", sk.Name()), logx.Err(err), logx.Int("attempt", attempts))

		if IsNoRetry(err) || attempts >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempts, err))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	h := HistoryItem{At: time.Now(), Sink: sk.Name(), Title: c.Title, Attempts: attempts}
	info := eventbus.DeliveryInfo{Sink: sk.Name(), Title: c.Title, Attempts: attempts}
	if lastErr == nil {
		s.sent.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: info})
	} else {
		s.failed.Add(1)
		h.Err = lastErr.Error()
		info.Err = h.Err
		s.log.Warn("notification failed", logx.String("sink", sk.Name()), logx.String("title", c.Title),
			logx.Int("attempts", attempts), logx.Err(lastErr))
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: info})
	}
	s.appendHistory(h)
	s.journal(sk.Name(), c, h, time.Since(started))
}

func (s *Service) journal(sink string, c Card, h HistoryItem, took time.Duration) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err := s.store.AppendDelivery(ctx, storage.Delivery{
		At:          h.At,
		Sink:        sink,
		Title:       c.Title,
		Description: c.Description,
		Attempts:    h.Attempts,
		OK:          h.Err == "",
		Error:       h.Err,
		TookMS:      took.Milliseconds(),
	})
	if err != nil {
		s.log.Debug("delivery journal append failed", logx.Err(err))
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) with 0.7..1.3
// jitter, or the sink's RetryAfter hint, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return min(ra.RetryAfter(), cfg.RetryMaxDelay)
	}
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
