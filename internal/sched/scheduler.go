// Package sched drives the background work of the daemon: periodic token
// refresh, periodic cache refresh, and search index rebuilds. The two loops
// run independently so a slow cache pass never delays a token refresh.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/qbsyncd/internal/auth"
	"github.com/kalambet/qbsyncd/internal/cache"
	"github.com/kalambet/qbsyncd/internal/config"
	"github.com/kalambet/qbsyncd/internal/metrics"
	"github.com/kalambet/qbsyncd/internal/qbo"
	"github.com/kalambet/qbsyncd/internal/search"
)

// TokenKeeper is the token lifecycle surface the scheduler needs. Satisfied
// by *auth.Manager.
type TokenKeeper interface {
	Authenticated() bool
	RefreshIfNeeded(ctx context.Context, buffer time.Duration) (bool, error)
}

// DataCache is the refreshable cache surface. Satisfied by *cache.Cache.
type DataCache interface {
	Refresh(ctx context.Context) cache.RefreshResult
	Snapshot() *cache.Snapshot
}

// Scheduler owns the current search index and runs the refresh loops.
type Scheduler struct {
	tokens TokenKeeper
	cache  DataCache
	logger *slog.Logger

	tokenInterval time.Duration
	cacheInterval time.Duration
	refreshBuffer time.Duration

	flight singleflight.Group
	index  atomic.Pointer[search.Index]
}

func New(cfg config.Config, tokens TokenKeeper, data DataCache) *Scheduler {
	s := &Scheduler{
		tokens:        tokens,
		cache:         data,
		logger:        slog.Default(),
		tokenInterval: cfg.Sync.TokenCheckInterval,
		cacheInterval: cfg.Sync.CacheRefreshInterval,
		refreshBuffer: cfg.Sync.RefreshBuffer,
	}
	s.index.Store(search.Build(data.Snapshot()))
	return s
}

// Index returns the current search index. Never nil.
func (s *Scheduler) Index() *search.Index {
	return s.index.Load()
}

// Rebuild replaces the index from the current snapshot without fetching,
// e.g. after the cache has been cleared.
func (s *Scheduler) Rebuild() {
	s.index.Store(search.Build(s.cache.Snapshot()))
}

// Run starts both loops plus an initial cache refresh and blocks until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if s.tokens.Authenticated() {
			s.refresh(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		s.tokenLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.cacheLoop(ctx)
	}()
	wg.Wait()
}

// TriggerRefreshNow runs a refresh immediately. Concurrent callers, and a
// timer tick already in flight, join the same pass and receive its result.
func (s *Scheduler) TriggerRefreshNow(ctx context.Context) (cache.RefreshResult, error) {
	if !s.tokens.Authenticated() {
		return cache.RefreshResult{}, auth.ErrNotAuthenticated
	}
	return s.refresh(ctx), nil
}

func (s *Scheduler) tokenLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tokenInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tokens.Authenticated() {
				continue
			}
			refreshed, err := s.tokens.RefreshIfNeeded(ctx, s.refreshBuffer)
			if err != nil {
				s.logger.Error("scheduled token refresh failed", "error", err)
			}
			if refreshed || err != nil {
				metrics.ObserveTokenRefresh(err)
			}
		}
	}
}

func (s *Scheduler) cacheLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cacheInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tokens.Authenticated() {
				s.logger.Warn("skipping cache refresh, not authenticated")
				continue
			}
			s.refresh(ctx)
		}
	}
}

// refresh runs one refresh-then-rebuild pass through singleflight. The
// rebuild reads the snapshot the refresh just produced; both happen inside
// the flight so joiners observe a completed swap.
func (s *Scheduler) refresh(ctx context.Context) cache.RefreshResult {
	v, _, _ := s.flight.Do("cache-refresh", func() (any, error) {
		run := uuid.New().String()[:8]
		s.logger.Info("cache refresh started", "run", run)
		result := s.cache.Refresh(ctx)
		s.logger.Info("cache refresh finished",
			"run", run, "status", string(result.Status()), "duration", result.Duration)
		if result.Status() != cache.StatusFailed {
			snap := s.cache.Snapshot()
			s.index.Store(search.Build(snap))
			for _, entity := range qbo.EntityTypes {
				metrics.SetEntityRecords(string(entity), snap.Count(entity))
			}
		}
		metrics.ObserveRefresh(string(result.Status()), result.Duration)
		return result, nil
	})
	return v.(cache.RefreshResult)
}
