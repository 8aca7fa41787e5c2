package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callback-scheduler/internal/marks"
)

// Lease optionally serializes ticks across scheduler instances. The
// conditional UPDATE predicates remain the real duplicate-submission guard;
// the lease only keeps a standby instance from doing redundant polling.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Loop drives the scheduler: every Interval it reloads the category enable
// flags, runs one dispatch pass per enabled category and then one redial
// pass. One tick runs to completion before the next begins; there are no
// concurrent ticks.
//
// No category failure stops the loop or its sibling categories. The loop has
// no terminal state of its own; it runs until the context is canceled.
type Loop struct {
	Engine   *Engine
	Redialer *Redialer
	Repo     marks.Repository

	Interval time.Duration
	Lease    Lease
	Log      *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats is a snapshot of loop activity for the admin API.
type Stats struct {
	StartedAt time.Time                `json:"started_at"`
	LastTick  time.Time                `json:"last_tick"`
	Ticks     uint64                   `json:"ticks"`
	Submitted map[marks.Category]int64 `json:"submitted"`
	Errors    uint64                   `json:"errors"`
}

func (l *Loop) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// Run blocks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.stats.StartedAt = time.Now()
	l.stats.Submitted = make(map[marks.Category]int64, 4)
	l.mu.Unlock()

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.logger().Info("poll loop started", "interval", l.Interval.String())
	for {
		select {
		case <-ctx.Done():
			l.logger().Info("poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	log := l.logger()

	if l.Lease != nil {
		ok, err := l.Lease.Acquire(ctx)
		if err != nil {
			log.Error("tick lease acquire failed", "err", err)
			l.countError()
			return
		}
		if !ok {
			log.Debug("tick skipped: lease held by another scheduler")
			return
		}
		defer func() {
			if err := l.Lease.Release(ctx); err != nil {
				log.Error("tick lease release failed", "err", err)
			}
		}()
	}

	enabled, err := l.Repo.EnabledCategories(ctx)
	if err != nil {
		log.Error("enable flags load failed, tick skipped", "err", err)
		l.countError()
		return
	}

	for _, cat := range marks.Categories() {
		if !enabled[cat] {
			continue
		}
		n, err := l.Engine.Dispatch(ctx, cat)
		if err != nil {
			log.Error("dispatch failed", "category", string(cat), "err", err)
			l.countError()
			// next category still runs; source state is unchanged
			continue
		}
		if n > 0 {
			l.countSubmitted(cat, n)
		}
	}

	if l.Redialer != nil {
		if err := l.Redialer.Redial(ctx); err != nil {
			log.Error("redial failed", "err", err)
			l.countError()
		}
	}

	l.mu.Lock()
	l.stats.Ticks++
	l.stats.LastTick = time.Now()
	l.mu.Unlock()
}

func (l *Loop) countSubmitted(cat marks.Category, n int) {
	l.mu.Lock()
	if l.stats.Submitted == nil {
		l.stats.Submitted = make(map[marks.Category]int64, 4)
	}
	l.stats.Submitted[cat] += int64(n)
	l.mu.Unlock()
}

func (l *Loop) countError() {
	l.mu.Lock()
	l.stats.Errors++
	l.mu.Unlock()
}

// Stats returns a copy safe for concurrent readers (the admin API).
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.stats
	out.Submitted = make(map[marks.Category]int64, len(l.stats.Submitted))
	for c, n := range l.stats.Submitted {
		out.Submitted[c] = n
	}
	return out
}
