package taskflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrRepositoryUnavailable is returned while the repository breaker is open.
var ErrRepositoryUnavailable = errors.New("taskflow: repository unavailable")

// BreakerRepository guards a TaskRepository with a circuit breaker. After
// FailureThreshold consecutive failures calls fail fast until OpenTimeout
// has passed; Ready reports false while the breaker is open.
type BreakerRepository struct {
	repo TaskRepository
	cb   *gobreaker.CircuitBreaker
	log  Logger
}

var (
	_ TaskRepository   = (*BreakerRepository)(nil)
	_ ReadinessChecker = (*BreakerRepository)(nil)
)

// NewBreakerRepository wraps repo.
func NewBreakerRepository(repo TaskRepository, cfg BreakerConfig, log Logger) *BreakerRepository {
	d := DefaultConfig().Breaker
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = d.HalfOpenRequests
	}
	b := &BreakerRepository{repo: repo, log: orNoop(log)}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "repository",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.log.Warnf("%s breaker %s -> %s", name, from, to)
				return
			}
			b.log.Infof("%s breaker %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Misses and caller cancellation say nothing about repository health.
			return err == nil ||
				errors.Is(err, ErrTaskNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	})
	return b
}

// Ready reports whether calls are currently let through.
func (b *BreakerRepository) Ready() bool { return b.cb.State() != gobreaker.StateOpen }

// State is the breaker state name: closed, half-open or open.
func (b *BreakerRepository) State() string { return b.cb.State().String() }

// Counts exposes the breaker's request counters for the current interval.
func (b *BreakerRepository) Counts() gobreaker.Counts { return b.cb.Counts() }

func guarded[T any](b *BreakerRepository, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.cb.Execute(func() (interface{}, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	return res.(T), nil
}

func (b *BreakerRepository) Initialize(ctx context.Context) error {
	_, err := guarded(b, func() (struct{}, error) { return struct{}{}, b.repo.Initialize(ctx) })
	return err
}

func (b *BreakerRepository) FindByID(ctx context.Context, id TaskID) (*TaskRecord, error) {
	return guarded(b, func() (*TaskRecord, error) { return b.repo.FindByID(ctx, id) })
}

func (b *BreakerRepository) FindByIdempotencyKey(ctx context.Context, key IdempotencyKey) (*TaskRecord, error) {
	return guarded(b, func() (*TaskRecord, error) { return b.repo.FindByIdempotencyKey(ctx, key) })
}

func (b *BreakerRepository) FindStaleTasks(ctx context.Context, olderThan time.Time, typ TaskType, limit int) ([]*TaskRecord, error) {
	return guarded(b, func() ([]*TaskRecord, error) { return b.repo.FindStaleTasks(ctx, olderThan, typ, limit) })
}

func (b *BreakerRepository) GetEvents(ctx context.Context, id TaskID) ([]TaskEvent, error) {
	return guarded(b, func() ([]TaskEvent, error) { return b.repo.GetEvents(ctx, id) })
}

func (b *BreakerRepository) ExecuteBatch(ctx context.Context, ops []Op) error {
	_, err := guarded(b, func() (struct{}, error) { return struct{}{}, b.repo.ExecuteBatch(ctx, ops) })
	return err
}

func (b *BreakerRepository) HealthCheck(ctx context.Context) error {
	_, err := guarded(b, func() (struct{}, error) { return struct{}{}, b.repo.HealthCheck(ctx) })
	return err
}

// Close closes the wrapped repository without going through the breaker.
func (b *BreakerRepository) Close() error { return b.repo.Close() }
