// Package reaper is Bay's expiry sweeper (C5): a background loop that
// stops Ships whose TTL has lapsed and clears out Sessions whose own
// expiry has lapsed, plus optional grace-period permanent deletion.
//
// Grounded on the same periodicMetricExport ticker shape
// (cmd/docker-mcp/internal/gateway/run.go) as internal/warmpool.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/shipservice"
	"github.com/shipyard/bay/internal/store"
)

// Reaper periodically stops expired Ships and drops expired Sessions.
type Reaper struct {
	store *store.Store
	ships *shipservice.Service
	cfg   config.Config
	log   *logrus.Entry
}

func New(st *store.Store, ships *shipservice.Service, cfg config.Config, log *logrus.Entry) *Reaper {
	return &Reaper{store: st, ships: ships, cfg: cfg, log: log}
}

// Run blocks, sweeping every REAPER_INTERVAL until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.log.WithError(err).Warn("reaper tick failed")
			}
		}
	}
}

func (r *Reaper) tick(ctx context.Context) error {
	if err := r.reapExpiredShips(ctx); err != nil {
		return err
	}
	if err := r.reapExpiredSessions(ctx); err != nil {
		return err
	}
	if r.cfg.ShipDeleteVolumeGraceSeconds > 0 {
		return r.reapGraceExpiredShips(ctx)
	}
	return nil
}

// reapExpiredShips stops every Running Ship whose expires_at has lapsed
// (driver stop + mark Stopped + drop its Sessions, via the same path a
// user-initiated Stop takes).
func (r *Reaper) reapExpiredShips(ctx context.Context) error {
	expired, err := r.store.Q().ListExpiredRunning(ctx)
	if err != nil {
		return err
	}
	for _, ship := range expired {
		if err := r.ships.Stop(ctx, ship.ID); err != nil {
			r.log.WithError(err).WithField("ship_id", ship.ID).Warn("failed to reap expired ship")
		}
	}
	return nil
}

// reapExpiredSessions drops Sessions whose own expiry has lapsed. A Session
// can lapse on its own schedule even when the Ship it's bound to remains
// alive under a different extension.
func (r *Reaper) reapExpiredSessions(ctx context.Context) error {
	expired, err := r.store.Q().ListExpiredSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if err := r.store.Q().DeleteSession(ctx, sess.SessionID); err != nil {
			r.log.WithError(err).WithField("session_id", sess.SessionID).Warn("failed to reap expired session")
		}
	}
	return nil
}

// reapGraceExpiredShips permanently deletes Ships that have been Stopped
// for longer than SHIP_DELETE_VOLUME_GRACE_SECONDS. Disabled by default
// (grace=0 never deletes) — volume cleanup favors retention over reclaiming
// disk unless an operator opts in.
func (r *Reaper) reapGraceExpiredShips(ctx context.Context) error {
	ships, err := r.store.Q().ListAllShips(ctx)
	if err != nil {
		return err
	}
	grace := time.Duration(r.cfg.ShipDeleteVolumeGraceSeconds) * time.Second
	now := time.Now().UTC()
	for _, ship := range ships {
		if ship.Status != store.ShipStopped {
			continue
		}
		if now.Sub(ship.UpdatedAt) < grace {
			continue
		}
		if err := r.ships.DeletePermanent(ctx, ship.ID); err != nil {
			r.log.WithError(err).WithField("ship_id", ship.ID).Warn("failed to grace-delete stopped ship")
			continue
		}
		if err := r.ships.DeleteShipVolume(ctx, ship.ID); err != nil {
			r.log.WithError(err).WithField("ship_id", ship.ID).Warn("failed to delete stale ship data volume")
		}
	}
	return nil
}
