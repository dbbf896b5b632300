package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"proxy-service/pkg/models"
)

// ErrEmptyPool matches every SelectionError.
var ErrEmptyPool = errors.New("no proxy available in pool")

// SelectionError is returned when selecting from an empty pool.
type SelectionError struct {
	Target string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("select proxy for target %s: %v", e.Target, ErrEmptyPool)
}

func (e *SelectionError) Is(target error) bool {
	return target == ErrEmptyPool
}

// Selector picks the next proxy of a pool. Random picks are independent per call;
// round-robin advances the cursor stored on the pool snapshot.
type Selector struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	logger *slog.Logger
}

// New returns a Selector drawing from src. A nil src is seeded from the clock.
func New(src rand.Source, logger *slog.Logger) *Selector {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		rnd:    rand.New(src),
		logger: logger,
	}
}

func (s *Selector) Next(pool *models.Pool, strategy models.Strategy) (models.ProxyRecord, error) {
	if pool.Empty() {
		target := ""
		if pool != nil {
			target = pool.Target
		}
		return models.ProxyRecord{}, &SelectionError{Target: target}
	}

	switch strategy {
	case models.StrategyRoundRobin:
		return pool.Records[pool.Advance()], nil
	case models.StrategyRandom:
	default:
		s.logger.Warn("unknown selection strategy, using default",
			"strategy", strategy,
			"default", models.DefaultStrategy)
	}

	s.mu.Lock()
	i := s.rnd.Intn(len(pool.Records))
	s.mu.Unlock()
	return pool.Records[i], nil
}
