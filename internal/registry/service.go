// Package registry implements the MRV verification registry and the credit
// ledger on top of the transactional store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/aggregation"
	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/metrics"
	"carbon-scribe/mrv-registry/internal/store"
	"carbon-scribe/mrv-registry/pkg/workflows"
)

// Service provides registry business logic
type Service struct {
	store   store.Store
	bus     *events.Bus
	stats   *aggregation.Aggregator
	machine *workflows.StateMachine
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for timestamps and the vintage check.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new registry service. The aggregator is subscribed to
// the bus so cached statistics follow every committed change.
func NewService(st store.Store, bus *events.Bus, stats *aggregation.Aggregator, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		bus:     bus,
		stats:   stats,
		machine: workflows.NewStateMachine(),
		metrics: metrics.NewRegistry(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	bus.Subscribe(stats.HandleEvent)
	return s
}

// Bus returns the event bus the service publishes to.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Aggregator returns the statistics aggregator.
func (s *Service) Aggregator() *aggregation.Aggregator {
	return s.stats
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// mutate runs fn in a write transaction. The events fn returns are sealed
// into the chain in the same transaction and published after commit.
func (s *Service) mutate(ctx context.Context, op string, fn func(tx store.Tx) ([]events.Event, error)) error {
	started := time.Now()
	var committed []events.Event
	err := s.store.Update(ctx, func(tx store.Tx) error {
		pending, err := fn(tx)
		if err != nil {
			return err
		}
		for i := range pending {
			if pending[i].OccurredAt.IsZero() {
				pending[i].OccurredAt = s.timestamp()
			}
		}
		committed, err = tx.AppendEvents(pending)
		return err
	})
	err = s.translate(op, err)
	s.observe(op, err, started)
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, committed...)
	return nil
}

// read runs fn against a snapshot.
func (s *Service) read(ctx context.Context, op string, fn func(tx store.ReadTx) error) error {
	started := time.Now()
	err := s.translate(op, s.store.View(ctx, fn))
	s.observe(op, err, started)
	return err
}

func (s *Service) observe(op string, err error, started time.Time) {
	kind := string(KindOf(err))
	if err != nil && kind == "" {
		kind = "internal"
		s.logger.Error("Registry operation failed", zap.String("operation", op), zap.Error(err))
	}
	s.metrics.Observe(op, kind, started)
}

// translate maps store sentinels onto registry errors and leaves typed errors untouched.
func (s *Service) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundErr("%s", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		return conflictErr("", "%s", err.Error())
	case errors.Is(err, store.ErrNegativeBalance):
		return validationErr(ReasonInsufficientBalance, "%s", err.Error())
	case errors.Is(err, store.ErrOverflow):
		return validationErr(ReasonAmountOverflow, "%s", err.Error())
	case errors.Is(err, store.ErrConcurrentWrite):
		return conflictErr(ReasonConcurrentUpdate, "%s", err.Error())
	}
	return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
}

// MaxEventPage caps the number of events returned by ListEvents.
const MaxEventPage = 1000

// ListEvents returns up to limit committed events after the given sequence
// together with the current chain head.
func (s *Service) ListEvents(ctx context.Context, after uint64, limit int) ([]events.Event, string, error) {
	if limit <= 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	var (
		out  []events.Event
		head string
	)
	err := s.read(ctx, "list_events", func(tx store.ReadTx) error {
		var err error
		if out, err = tx.ListEvents(after, limit); err != nil {
			return err
		}
		_, head, err = tx.EventTail()
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return out, head, nil
}

func checkNotPaused(tx store.ReadTx) error {
	paused, err := tx.Paused()
	if err != nil {
		return err
	}
	if paused {
		return errPaused
	}
	return nil
}

func requireCaller(caller store.Identity) error {
	if strings.TrimSpace(string(caller)) == "" {
		return notAuthorizedErr("caller identity is required")
	}
	return nil
}

func requireRole(tx store.ReadTx, role store.Role, caller store.Identity) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	ok, err := tx.HasRole(role, caller)
	if err != nil {
		return err
	}
	if !ok {
		return notAuthorizedErr("%s does not hold role %s", caller, role)
	}
	return nil
}

// guard is the common prologue of mutating operations: pause check, then
// role check.
func guard(tx store.ReadTx, role store.Role, caller store.Identity) error {
	if err := checkNotPaused(tx); err != nil {
		return err
	}
	return requireRole(tx, role, caller)
}
