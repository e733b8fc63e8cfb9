// Package tracking records the outcome of every gated call off the request path. Record never
// blocks: when the queue is full the call is dropped and counted.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Call is one gated request and the decision it received.
type Call struct {
	ID            uuid.UUID
	At            time.Time
	Method        string
	Endpoint      string
	IdentityKind  string
	Identity      string
	Tier          string
	Status        int
	Outcome       string
	Latency       time.Duration
	PaymentTxHash string
	// IP is used for enrichment only and is not persisted by the bundled sinks.
	IP      string
	Country string
}

// Sink persists a batch of calls.
type Sink interface {
	Write(ctx context.Context, calls []Call) error
}

// MultiSink writes every batch to each sink in order.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, calls []Call) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, calls); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type TrackerConfig struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Sink          Sink
	Countries     CountryResolver
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (cfg *TrackerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return nil
}

// Tracker batches calls to a Sink from a single background worker.
type Tracker struct {
	log *slog.Logger
	cfg TrackerConfig

	mu     sync.RWMutex
	closed bool
	queue  chan Call
	done   chan struct{}

	dropped atomic.Uint64
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		log:   cfg.Logger,
		cfg:   cfg,
		queue: make(chan Call, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Record enqueues c. It fills in ID and At when unset.
func (t *Tracker) Record(c Call) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.At.IsZero() {
		c.At = t.cfg.Clock.Now().UTC()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.drop("closed")
		return
	}
	select {
	case t.queue <- c:
	default:
		t.drop("queue_full")
	}
}

func (t *Tracker) drop(reason string) {
	t.dropped.Add(1)
	CallsDroppedTotal.WithLabelValues(reason).Inc()
}

// Dropped is the number of calls discarded since start.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}

// Close stops accepting calls and waits until queued calls are written or ctx ends.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracking: close: %w", ctx.Err())
	}
}

func (t *Tracker) run() {
	defer close(t.done)

	ticker := t.cfg.Clock.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Call, 0, t.cfg.BatchSize)
	for {
		select {
		case c, ok := <-t.queue:
			if !ok {
				t.flush(batch)
				return
			}
			batch = append(batch, t.enrich(c))
			if len(batch) >= t.cfg.BatchSize {
				t.flush(batch)
				batch = make([]Call, 0, t.cfg.BatchSize)
			}
		case <-ticker.Chan():
			if len(batch) > 0 {
				t.flush(batch)
				batch = make([]Call, 0, t.cfg.BatchSize)
			}
		}
	}
}

func (t *Tracker) enrich(c Call) Call {
	if c.Country != "" || c.IP == "" || t.cfg.Countries == nil {
		return c
	}
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return c
	}
	country, err := t.cfg.Countries.Country(ip)
	if err != nil {
		t.log.Debug("tracking: country lookup failed", "ip", c.IP, "error", err)
		return c
	}
	c.Country = country
	return c
}

// flush writes batch. A failing or panicking sink loses the batch but never stops the worker.
func (t *Tracker) flush(batch []Call) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			SinkErrorsTotal.Inc()
			t.log.Error("tracking: sink panicked", "panic", r, "calls", len(batch))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()
	if err := t.cfg.Sink.Write(ctx, batch); err != nil {
		SinkErrorsTotal.Inc()
		t.log.Warn("tracking: failed to write calls", "calls", len(batch), "error", err)
		return
	}
	CallsWrittenTotal.Add(float64(len(batch)))
}
