package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"proxy-service/pkg/models"
)

// ErrPoolUnavailable is returned when no pool is cached for a target and loading it failed.
var ErrPoolUnavailable = errors.New("proxy pool unavailable")

// Fetcher is implemented by the directory client.
type Fetcher interface {
	Fetch(ctx context.Context, target string, filters models.Filters, excluded []models.ProxyID) (*models.Pool, error)
}

// Store keeps the current pool of every target. Pools are replaced wholesale, never
// mutated, so readers may hold on to a snapshot while a refresh is in flight.
type Store struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu      sync.RWMutex
	targets map[string]*entry

	loads singleflight.Group
}

type entry struct {
	pool atomic.Pointer[models.Pool]

	mu       sync.Mutex
	filters  models.Filters
	sticky   bool
	excluded map[models.ProxyID]struct{}
}

func NewStore(fetcher Fetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fetcher: fetcher,
		logger:  logger,
		targets: make(map[string]*entry),
	}
}

// Configure sets the filters reused on every fetch for target. With sticky set,
// exclusion refreshes send every id excluded since the last unfiltered load.
func (s *Store) Configure(target string, filters models.Filters, sticky bool) {
	e := s.entry(target)
	e.mu.Lock()
	e.filters = filters
	e.sticky = sticky
	e.mu.Unlock()
}

func (s *Store) entry(target string) *entry {
	s.mu.RLock()
	e, ok := s.targets[target]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.targets[target]; !ok {
		e = &entry{excluded: make(map[models.ProxyID]struct{})}
		s.targets[target] = e
	}
	return e
}

// Current returns the cached pool for target without fetching, or nil.
func (s *Store) Current(target string) *models.Pool {
	s.mu.RLock()
	e, ok := s.targets[target]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.pool.Load()
}

// GetOrLoad returns the cached pool for target, fetching it with no exclusions when
// nothing non-empty is cached. Concurrent misses for the same target share one fetch,
// which outlives the cancellation of whichever caller started it; a caller whose ctx
// ends stops waiting without affecting the others.
func (s *Store) GetOrLoad(ctx context.Context, target string) (*models.Pool, error) {
	e := s.entry(target)
	if p := e.pool.Load(); !p.Empty() {
		return p, nil
	}

	loaded := s.loads.DoChan(target, func() (interface{}, error) {
		if p := e.pool.Load(); !p.Empty() {
			return p, nil
		}
		e.mu.Lock()
		filters := e.filters
		e.mu.Unlock()

		p, err := s.fetcher.Fetch(context.WithoutCancel(ctx), target, filters, nil)
		if err != nil {
			e.pool.Store(nil)
			return nil, err
		}

		e.mu.Lock()
		clear(e.excluded)
		e.mu.Unlock()
		e.pool.Store(p)

		s.logger.Info("proxy pool loaded", "target", target, "size", p.Len())
		return p, nil
	})

	select {
	case res := <-loaded:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: target %s: %w", ErrPoolUnavailable, target, res.Err)
		}
		return res.Val.(*models.Pool), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: target %s: %w", ErrPoolUnavailable, target, ctx.Err())
	}
}

// RefreshExcluding always fetches a new pool for target with the given ids excluded and
// stores it, even when it comes back empty.
func (s *Store) RefreshExcluding(ctx context.Context, target string, excluded []models.ProxyID) (*models.Pool, error) {
	e := s.entry(target)

	e.mu.Lock()
	filters := e.filters
	ids := excluded
	if e.sticky {
		for _, id := range excluded {
			e.excluded[id] = struct{}{}
		}
		ids = make([]models.ProxyID, 0, len(e.excluded))
		for id := range e.excluded {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	e.mu.Unlock()

	p, err := s.fetcher.Fetch(ctx, target, filters, ids)
	if err != nil {
		return nil, err
	}
	e.pool.Store(p)

	s.logger.Info("proxy pool refreshed",
		"target", target,
		"excluded", models.JoinIDs(ids),
		"size", p.Len())
	return p, nil
}

// Invalidate drops the cached pool so the next GetOrLoad fetches again.
func (s *Store) Invalidate(target string) {
	s.mu.RLock()
	e, ok := s.targets[target]
	s.mu.RUnlock()
	if ok {
		e.pool.Store(nil)
	}
}

// Remove forgets everything known about target.
func (s *Store) Remove(target string) {
	s.mu.Lock()
	delete(s.targets, target)
	s.mu.Unlock()
	s.loads.Forget(target)
}
