package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/medina-market/api/internal/repositories"
)

const (
	orderNumberPrefix = "ORD"
	orderNumberDigits = 6
	orderNumberMax    = 999999
)

var (
	// ErrCounterInvalidInput indicates a malformed counter id or configuration.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted means the day's order number range is used up.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
	// Location decides where the business day starts; UTC when nil.
	Location *time.Location
}

type counterService struct {
	repo     repositories.CounterRepository
	clock    func() time.Time
	location *time.Location

	mu sync.Mutex
	// day counters already bounded in Firestore by this instance
	bounded map[string]struct{}
}

// NewCounterService constructs the order number issuer.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &counterService{
		repo:     deps.Repository,
		clock:    clock,
		location: loc,
		bounded:  make(map[string]struct{}),
	}, nil
}

// NextOrderNumber returns ORD-YYYYMMDD-NNNNNN. The sequence restarts every business day and is
// capped at 999999 orders per day.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	day := s.clock().In(s.location).Format("20060102")
	counterID := "orders:" + day

	if err := s.ensureBounded(ctx, counterID); err != nil {
		return "", err
	}

	value, err := s.repo.Next(ctx, counterID, 1)
	if err != nil {
		return "", translateCounterError(err)
	}
	return formatOrderNumber(day, value), nil
}

// ensureBounded writes the daily maximum once per counter and process. Configure merges, so
// concurrent instances racing on the same day are harmless.
func (s *counterService) ensureBounded(ctx context.Context, counterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bounded[counterID]; ok {
		return nil
	}
	limit := int64(orderNumberMax)
	if err := s.repo.Configure(ctx, counterID, repositories.CounterConfig{Step: 1, MaxValue: &limit}); err != nil {
		return translateCounterError(err)
	}
	// yesterday's entry is never needed again
	for id := range s.bounded {
		delete(s.bounded, id)
	}
	s.bounded[counterID] = struct{}{}
	return nil
}

func formatOrderNumber(day string, value int64) string {
	return fmt.Sprintf("%s-%s-%0*d", orderNumberPrefix, day, orderNumberDigits, value)
}

func translateCounterError(err error) error {
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) {
		return err
	}
	switch counterErr.Code {
	case repositories.CounterErrorInvalidInput:
		return fmt.Errorf("%w: %s", ErrCounterInvalidInput, strings.TrimSpace(counterErr.Message))
	case repositories.CounterErrorExhausted:
		return fmt.Errorf("%w: %s", ErrCounterExhausted, strings.TrimSpace(counterErr.Message))
	default:
		return err
	}
}
