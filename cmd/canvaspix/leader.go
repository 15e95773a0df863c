package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"canvaspix/internal/events"
	"canvaspix/internal/sharedcfg"
	"canvaspix/internal/store"
)

type rankingSnapshotter interface {
	Snapshot(ctx context.Context, day time.Time) error
	Rotate(ctx context.Context, finished time.Time) error
}

var _ rankingSnapshotter = (*store.Rankings)(nil)

// leaderDuties runs the singleton work of the cluster. Every shard ticks; only
// the current main shard acts.
type leaderDuties struct {
	bus      events.Bus
	rankings rankingSnapshotter
	shared   *sharedcfg.Store
	logger   zerolog.Logger
	day      time.Time
}

func utcDay(t time.Time) time.Time { return t.UTC().Truncate(24 * time.Hour) }

func (l *leaderDuties) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.tick(ctx, now)
		}
	}
}

// tick refreshes today's ranking snapshot, or rotates the daily board when
// the day has turned, and re-announces the shared config.
func (l *leaderDuties) tick(ctx context.Context, now time.Time) {
	today := utcDay(now)
	if !l.bus.IsMain() {
		l.day = today
		return
	}
	var err error
	if today.After(l.day) {
		err = l.rankings.Rotate(ctx, l.day)
	} else {
		err = l.rankings.Snapshot(ctx, today)
	}
	if err != nil {
		l.logger.Error().Err(err).Msg("ranking snapshot")
	} else {
		l.day = today
	}
	if err := l.shared.Announce(); err != nil {
		l.logger.Error().Err(err).Msg("announce shared config")
	}
}
