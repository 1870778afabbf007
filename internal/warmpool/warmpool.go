// Package warmpool is Bay's warm-pool replenisher (C4): a background loop
// that keeps a standing reserve of Running, unbound Ships ready to be
// claimed instantly by shipservice.Service.Acquire instead of paying
// container-create latency on every request.
//
// Grounded on the teacher's periodicMetricExport
// (cmd/docker-mcp/internal/gateway/run.go) for the ticker/select/ctx.Done
// shape of a long-running background loop; clientpool.go itself has no
// ticker of its own (it only acquires on demand), so the replenish loop's
// control flow comes from the gateway's own periodic task instead.
package warmpool

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/driver"
	"github.com/shipyard/bay/internal/idgen"
	"github.com/shipyard/bay/internal/shipclient"
	"github.com/shipyard/bay/internal/store"
)

// Replenisher periodically tops the pool up to MinSize (bounded by the
// global MAX_SHIP_NUM cap) and shrinks it back down to MaxSize, oldest
// pool Ships evicted first.
type Replenisher struct {
	store  *store.Store
	driver driver.Driver
	cfg    config.Config
	log    *logrus.Entry

	// wake is called after a pool Ship is evicted, releasing one capacity
	// waiter blocked in shipservice.Service.Acquire's wait path.
	wake func()
}

func New(st *store.Store, drv driver.Driver, cfg config.Config, log *logrus.Entry, wake func()) *Replenisher {
	return &Replenisher{store: st, driver: drv, cfg: cfg, log: log, wake: wake}
}

// Run blocks, replenishing and shrinking the pool every
// WARM_POOL_REPLENISH_INTERVAL, until ctx is cancelled.
func (r *Replenisher) Run(ctx context.Context) {
	if !r.cfg.WarmPoolEnabled {
		r.log.Info("warm pool disabled, replenisher not starting")
		return
	}

	ticker := time.NewTicker(r.cfg.WarmPoolReplenishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.log.WithError(err).Warn("warm pool tick failed")
			}
		}
	}
}

func (r *Replenisher) tick(ctx context.Context) error {
	if err := r.replenish(ctx); err != nil {
		return err
	}
	return r.shrink(ctx)
}

// replenish creates pool Ships up to WarmPoolMinSize, never pushing the
// global non-Stopped count past MaxShipNum.
func (r *Replenisher) replenish(ctx context.Context) error {
	poolSize, err := r.store.Q().CountWarmPoolRunning(ctx)
	if err != nil {
		return err
	}
	if poolSize >= r.cfg.WarmPoolMinSize {
		return nil
	}

	total, err := r.store.Q().CountNonStopped(ctx)
	if err != nil {
		return err
	}

	toCreate := r.cfg.WarmPoolMinSize - poolSize
	headroom := r.cfg.MaxShipNum - total
	if headroom < toCreate {
		toCreate = headroom
	}
	if toCreate <= 0 {
		if headroom <= 0 {
			r.log.Debug("warm pool below min size but MAX_SHIP_NUM leaves no headroom, skipping this tick")
		}
		return nil
	}

	for i := 0; i < toCreate; i++ {
		if err := r.createOne(ctx); err != nil {
			r.log.WithError(err).Warn("failed to create warm pool ship")
			// One failed create shouldn't abandon the rest of this tick's
			// headroom; try the next one.
			continue
		}
	}
	return nil
}

func (r *Replenisher) createOne(ctx context.Context) error {
	shipID := idgen.NewShipID()
	spec := store.ResourceSpec{CPUs: 1, Memory: "512m"}

	err := r.store.Atomic(ctx, func(q *store.Queries) error {
		return q.InsertCreating(ctx, shipID, spec, r.cfg.WarmPoolDefaultTTLSeconds, true)
	})
	if err != nil {
		return err
	}

	info, err := r.driver.Create(ctx, shipID, driver.Spec{
		Image:     r.cfg.DockerImage,
		CPUs:      spec.CPUs,
		Memory:    spec.Memory,
		Network:   r.cfg.DockerNetwork,
		Namespace: r.cfg.KubeNamespace,
		Port:      r.cfg.ShipContainerPort,
	})
	if err != nil {
		_ = r.store.Q().DeleteShip(ctx, shipID)
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ShipHealthCheckTimeout)
	defer cancel()
	client := shipclient.New(info.Endpoint, r.cfg.ShipHealthCheckTimeout)
	if err := client.WaitReady(probeCtx, r.cfg.ShipHealthCheckInterval); err != nil {
		_ = r.driver.Stop(ctx, shipID)
		_ = r.store.Atomic(ctx, func(q *store.Queries) error { return q.MarkStopped(ctx, shipID) })
		return err
	}

	return r.store.Atomic(ctx, func(q *store.Queries) error {
		return q.MarkRunning(ctx, shipID, info.ContainerID, info.Endpoint, r.cfg.WarmPoolDefaultTTLSeconds)
	})
}

// shrink evicts pool Ships down to WarmPoolMaxSize, oldest first. Eviction
// goes through the same driver.Stop + MarkStopped path as an ordinary Stop,
// keeping the data volume around.
func (r *Replenisher) shrink(ctx context.Context) error {
	poolSize, err := r.store.Q().CountWarmPoolRunning(ctx)
	if err != nil {
		return err
	}
	if poolSize <= r.cfg.WarmPoolMaxSize {
		return nil
	}

	excess := poolSize - r.cfg.WarmPoolMaxSize
	ships, err := r.store.Q().ListWarmPoolOldest(ctx, excess)
	if err != nil {
		return err
	}

	for _, ship := range ships {
		if err := r.driver.Stop(ctx, ship.ID); err != nil {
			r.log.WithError(err).WithField("ship_id", ship.ID).Warn("failed to stop excess warm pool ship")
			continue
		}
		if err := r.store.Atomic(ctx, func(q *store.Queries) error {
			return q.MarkStopped(ctx, ship.ID)
		}); err != nil {
			r.log.WithError(err).WithField("ship_id", ship.ID).Warn("failed to mark excess warm pool ship stopped")
			continue
		}
		if r.wake != nil {
			r.wake()
		}
	}
	return nil
}
