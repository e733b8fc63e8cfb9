package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
)

type ServiceConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Verifier     ChainVerifier
	Store        ConsumedStore
	Requirements Requirements
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Verifier == nil {
		return errors.New("verifier is required")
	}
	if cfg.Store == nil {
		return errors.New("consumed store is required")
	}
	if err := cfg.Requirements.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service verifies payment proofs and consumes each at most once.
type Service struct {
	log   *slog.Logger
	cfg   ServiceConfig
	locks hashLocks
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg, locks: hashLocks{m: make(map[string]*hashLock)}}, nil
}

// Requirements is what a payment must satisfy.
func (s *Service) Requirements() Requirements {
	return s.cfg.Requirements
}

// Challenge builds the 402 challenge for resource.
func (s *Service) Challenge(resource, header string) Challenge {
	return s.cfg.Requirements.Challenge(resource, header)
}

// Verify checks hash on chain and consumes it for resource. Concurrent calls with one hash yield
// exactly one success within this process; the store's insert-if-absent extends that across
// processes.
//
// A verifier error leaves the hash unconsumed, so the caller may retry. A store error after a
// successful chain check is ambiguous: Status tells whether the consume landed.
func (s *Service) Verify(ctx context.Context, hash, resource string) (Transfer, error) {
	transfer, err := s.verify(ctx, hash, resource)
	VerificationsTotal.WithLabelValues(Reason(err)).Inc()
	return transfer, err
}

func (s *Service) verify(ctx context.Context, hash, resource string) (Transfer, error) {
	normalized, err := s.cfg.Verifier.NormalizeTxHash(hash)
	if err != nil {
		return Transfer{}, err
	}

	unlock := s.locks.lock(normalized)
	defer unlock()

	if _, consumed, err := s.cfg.Store.Lookup(ctx, normalized); err != nil {
		return Transfer{}, unavailable("lookup", err)
	} else if consumed {
		return Transfer{}, fmt.Errorf("%w: %s", ErrAlreadyConsumed, normalized)
	}

	transfer, err := s.cfg.Verifier.Verify(ctx, normalized, s.cfg.Requirements)
	if err != nil {
		s.log.Debug("payment: verification failed", "tx_hash", normalized, "error", err)
		return Transfer{}, err
	}

	amount := "0"
	if transfer.Amount != nil {
		amount = transfer.Amount.Dec()
	}
	ok, err := s.cfg.Store.Consume(ctx, Consumption{
		TxHash:     normalized,
		Payer:      transfer.From,
		Amount:     amount,
		Resource:   resource,
		ConsumedAt: s.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		s.log.Error("payment: consume failed after verification", "tx_hash", normalized, "error", err)
		return Transfer{}, unavailable("consume", err)
	}
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrAlreadyConsumed, normalized)
	}

	s.log.Info("payment: consumed", "tx_hash", normalized, "payer", transfer.From, "amount", amount, "resource", resource)
	return transfer, nil
}

// Status reports whether hash has been consumed. It never consumes and is safe to retry.
func (s *Service) Status(ctx context.Context, hash string) (Consumption, bool, error) {
	normalized, err := s.cfg.Verifier.NormalizeTxHash(hash)
	if err != nil {
		return Consumption{}, false, err
	}
	c, ok, err := s.cfg.Store.Lookup(ctx, normalized)
	if err != nil {
		return Consumption{}, false, unavailable("lookup", err)
	}
	return c, ok, nil
}

// Consume records hash as used without a chain check, for operator use after manual review.
func (s *Service) Consume(ctx context.Context, hash, payer, note string) (bool, error) {
	normalized, err := s.cfg.Verifier.NormalizeTxHash(hash)
	if err != nil {
		return false, err
	}
	unlock := s.locks.lock(normalized)
	defer unlock()
	return s.cfg.Store.Consume(ctx, Consumption{
		TxHash:     normalized,
		Payer:      payer,
		Amount:     "0",
		Resource:   note,
		ConsumedAt: s.cfg.Clock.Now().UTC(),
	})
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

// hashLocks is a mutex per key, dropped when no goroutine holds or waits on it.
type hashLocks struct {
	mu sync.Mutex
	m  map[string]*hashLock
}

func (l *hashLocks) lock(key string) func() {
	l.mu.Lock()
	hl, ok := l.m[key]
	if !ok {
		hl = &hashLock{}
		l.m[key] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
