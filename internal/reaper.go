package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"wispchat/internal/storage"
)

// Reaper removes expired messages and abandoned rooms on a cron schedule.
// Rooms with recent request activity are exempt from the empty-room sweep
// even when they hold no live messages.
type Reaper struct {
	store    *storage.Store
	activity *RoomActivity
	metrics  *Metrics
	log      *slog.Logger
	cron     string
}

// NewReaper validates the cron expression up front. An empty expression
// defaults to hourly.
func NewReaper(store *storage.Store, activity *RoomActivity, metrics *Metrics, log *slog.Logger, cron string) (*Reaper, error) {
	if cron == "" {
		cron = "0 * * * *"
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid prune cron expression: %s", cron)
	}
	return &Reaper{store: store, activity: activity, metrics: metrics, log: log, cron: cron}, nil
}

// RunOnce performs a single prune pass.
func (rp *Reaper) RunOnce(ctx context.Context) (storage.PruneStats, error) {
	grace := rp.store.MessageTTL()
	stats, err := rp.store.PruneExpired(ctx, func(code string) bool {
		return rp.activity.ActiveWithin(code, grace)
	})
	if err != nil {
		return stats, err
	}
	for _, code := range stats.RoomCodes {
		rp.activity.Forget(code)
	}
	remaining, err := rp.store.RoomCount(ctx)
	if err != nil {
		return stats, err
	}
	rp.metrics.ObservePrune(stats.Messages, stats.Rooms, remaining)
	rp.log.Info("prune finished", "messages", stats.Messages, "rooms", stats.Rooms, "remaining_rooms", remaining)
	return stats, nil
}

// Run sleeps until each next cron tick and prunes, until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	rp.log.Info("reaper started", "cron", rp.cron)
	for {
		next, err := gronx.NextTickAfter(rp.cron, time.Now().UTC(), false)
		if err != nil {
			rp.log.Error("cron tick computation failed", "err", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if _, err := rp.RunOnce(ctx); err != nil {
				rp.log.Error("prune failed", "err", err)
			}
		case <-ctx.Done():
			rp.log.Info("reaper stopping")
			return
		}
	}
}
