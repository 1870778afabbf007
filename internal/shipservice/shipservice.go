// Package shipservice is Bay's allocation core (C6): the single operation
// acquire(session_id, ttl, spec) and the policy — existing binding, stopped
// recovery, warm-pool claim, fresh creation under MAX_SHIP_NUM — that backs
// it.
//
// Grounded on the teacher's clientpool.go AcquireClient (a single
// acquire-or-create entrypoint fronting a cache, a provisioner, and a
// capacity policy) generalized from its in-memory keptClients map to C1's
// transactional row-level locking, since Bay's allocation decision must
// survive process restarts and be safe across concurrent requests rather
// than just concurrent goroutines sharing one map.
package shipservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/driver"
	"github.com/shipyard/bay/internal/errs"
	"github.com/shipyard/bay/internal/idgen"
	"github.com/shipyard/bay/internal/shipclient"
	"github.com/shipyard/bay/internal/store"
)

// errFallThrough signals "this step doesn't apply, try the next one" across
// the acquire() steps; never returned to a caller.
var errFallThrough = errors.New("shipservice: fall through to next allocation step")

// errCapacityRace signals the in-transaction cap check found the
// non-Stopped count already at MAX_SHIP_NUM; the caller then rejects or
// waits per BEHAVIOR_AFTER_MAX_SHIP.
var errCapacityRace = errors.New("shipservice: capacity check lost race, retry")

// Service is the allocation core. One Service per Bay process.
type Service struct {
	store  *store.Store
	driver driver.Driver
	cfg    config.Config
	log    *logrus.Entry

	waitMu  sync.Mutex
	waiters []chan struct{} // FIFO: index 0 is woken first
}

func New(st *store.Store, drv driver.Driver, cfg config.Config, log *logrus.Entry) *Service {
	return &Service{store: st, driver: drv, cfg: cfg, log: log}
}

// Acquire implements the four-step allocation algorithm: existing binding,
// stopped-ship revival, warm-pool claim, fresh creation. forceCreate skips
// the first three steps and jumps straight to fresh creation.
func (s *Service) Acquire(ctx context.Context, sessionID string, ttlSeconds int, spec store.ResourceSpec, forceCreate bool) (*store.Ship, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = s.cfg.ExecTimeoutSeconds
	}

	if !forceCreate {
		ship, err := s.tryExistingBinding(ctx, sessionID, ttlSeconds)
		switch {
		case err == nil:
			return ship, nil
		case !errors.Is(err, errFallThrough):
			return nil, err
		}

		ship, err = s.tryPoolClaim(ctx, sessionID, ttlSeconds)
		switch {
		case err == nil:
			return ship, nil
		case !errors.Is(err, errFallThrough):
			return nil, err
		}
	}

	return s.createFresh(ctx, sessionID, ttlSeconds, spec)
}

// tryExistingBinding is allocation step 1 (plus the stopped-recovery
// fallback of step 2, since both hinge on a pre-existing Session row).
func (s *Service) tryExistingBinding(ctx context.Context, sessionID string, ttlSeconds int) (*store.Ship, error) {
	sess, err := s.store.Q().GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errFallThrough
	}
	if err != nil {
		return nil, fmt.Errorf("shipservice: get session: %w", err)
	}

	ship, err := s.store.Q().GetShip(ctx, sess.ShipID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errFallThrough
	}
	if err != nil {
		return nil, fmt.Errorf("shipservice: get ship: %w", err)
	}

	if ship.Status == store.ShipRunning {
		info, inspectErr := s.driver.Inspect(ctx, ship.ID)
		if inspectErr == nil && info.Running {
			candidate := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
			err := s.store.Atomic(ctx, func(q *store.Queries) error {
				if err := q.ExtendExpiry(ctx, ship.ID, candidate, ttlSeconds); err != nil {
					return err
				}
				return q.TouchActivity(ctx, sessionID, candidate)
			})
			if err != nil {
				return nil, fmt.Errorf("shipservice: extend existing binding: %w", err)
			}
			return s.store.Q().GetShip(ctx, ship.ID)
		}

		// Driver disagrees with our record: the Ship is no longer
		// reachable despite a Running row. Mark it Stopped, drop its stale
		// Session binding (as Stop does), and fall into the recovery
		// attempt below in this same call (data volume permitting).
		_ = s.store.Atomic(ctx, func(q *store.Queries) error {
			if err := q.MarkStopped(ctx, ship.ID); err != nil {
				return err
			}
			return q.DeleteSessionsForShip(ctx, ship.ID)
		})
		ship.Status = store.ShipStopped
	}

	if ship.Status == store.ShipStopped {
		if revived, err := s.tryRevive(ctx, sessionID, ship, ttlSeconds); err == nil {
			return revived, nil
		}
		// Revival is best-effort: fall through to pool claim / fresh
		// creation rather than surfacing the revival failure.
	}

	return nil, errFallThrough
}

// tryRevive is allocation step 2: recreate a container against a Stopped
// Ship's preserved data volume.
func (s *Service) tryRevive(ctx context.Context, sessionID string, ship *store.Ship, ttlSeconds int) (*store.Ship, error) {
	exists, err := s.driver.DataExists(ctx, ship.ID)
	if err != nil || !exists {
		return nil, errFallThrough
	}

	spec, err := ship.UnmarshalSpec()
	if err != nil {
		return nil, errFallThrough
	}

	info, err := s.driver.Create(ctx, ship.ID, toDriverSpec(spec, s.cfg))
	if err != nil {
		s.log.WithError(err).WithField("ship_id", ship.ID).Warn("stopped ship revival failed, falling through")
		return nil, errFallThrough
	}

	if err := s.waitShipReady(ctx, info.Endpoint); err != nil {
		_ = s.driver.Stop(ctx, ship.ID)
		return nil, errFallThrough
	}

	err = s.store.Atomic(ctx, func(q *store.Queries) error {
		if err := q.MarkRunning(ctx, ship.ID, info.ContainerID, info.Endpoint, ttlSeconds); err != nil {
			return err
		}
		return q.CreateSession(ctx, sessionID, ship.ID, ttlSeconds)
	})
	if err != nil {
		return nil, fmt.Errorf("shipservice: bind revived ship: %w", err)
	}
	return s.store.Q().GetShip(ctx, ship.ID)
}

// tryPoolClaim is allocation step 3.
func (s *Service) tryPoolClaim(ctx context.Context, sessionID string, ttlSeconds int) (*store.Ship, error) {
	var claimed *store.Ship
	err := s.store.Atomic(ctx, func(q *store.Queries) error {
		ship, err := q.ClaimWarmPoolShip(ctx, ttlSeconds)
		if errors.Is(err, store.ErrNotFound) {
			return errFallThrough
		}
		if err != nil {
			return err
		}
		if err := q.CreateSession(ctx, sessionID, ship.ID, ttlSeconds); err != nil {
			return err
		}
		claimed = ship
		return nil
	})
	if errors.Is(err, errFallThrough) {
		return nil, errFallThrough
	}
	if err != nil {
		return nil, fmt.Errorf("shipservice: claim pool ship: %w", err)
	}
	return claimed, nil
}

// createFresh is allocation step 4: cap check, Creating row, driver create
// outside the transaction, readiness probe, then bind.
func (s *Service) createFresh(ctx context.Context, sessionID string, ttlSeconds int, spec store.ResourceSpec) (*store.Ship, error) {
	for {
		shipID := idgen.NewShipID()
		err := s.store.Atomic(ctx, func(q *store.Queries) error {
			n, err := q.CountNonStopped(ctx)
			if err != nil {
				return err
			}
			if n >= s.cfg.MaxShipNum {
				return errCapacityRace
			}
			return q.InsertCreating(ctx, shipID, spec, ttlSeconds, false)
		})

		if errors.Is(err, errCapacityRace) {
			waited, waitErr := s.awaitCapacity(ctx)
			if waitErr != nil {
				return nil, waitErr
			}
			if !waited {
				return nil, errs.New(errs.KindCapacityExhaustedReject, "MAX_SHIP_NUM reached")
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shipservice: insert creating ship: %w", err)
		}

		info, err := s.driver.Create(ctx, shipID, toDriverSpec(spec, s.cfg))
		if err != nil {
			_ = s.store.Q().DeleteShip(ctx, shipID)
			s.wakeOneWaiter()
			return nil, err
		}

		if err := s.waitShipReady(ctx, info.Endpoint); err != nil {
			_ = s.driver.Stop(ctx, shipID)
			_ = s.store.Atomic(ctx, func(q *store.Queries) error { return q.MarkStopped(ctx, shipID) })
			s.wakeOneWaiter()
			return nil, errs.Wrap(errs.KindShipUnready, "ship did not pass readiness probe", err)
		}

		err = s.store.Atomic(ctx, func(q *store.Queries) error {
			if err := q.MarkRunning(ctx, shipID, info.ContainerID, info.Endpoint, ttlSeconds); err != nil {
				return err
			}
			return q.CreateSession(ctx, sessionID, shipID, ttlSeconds)
		})
		if err != nil {
			return nil, fmt.Errorf("shipservice: bind fresh ship: %w", err)
		}
		return s.store.Q().GetShip(ctx, shipID)
	}
}

// awaitCapacity blocks until either capacity frees (returns true, caller
// should retry the cap check) or the behavior is reject / ctx is done
// (returns false / error). Waiters are released FIFO.
func (s *Service) awaitCapacity(ctx context.Context) (bool, error) {
	if s.cfg.BehaviorAfterMaxShip == config.BehaviorReject {
		return false, nil
	}

	ch := make(chan struct{})
	s.waitMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.waitMu.Unlock()

	select {
	case <-ctx.Done():
		s.removeWaiter(ch)
		return false, errs.Wrap(errs.KindCapacityExhaustedWaitTimeout, "timed out waiting for ship capacity", ctx.Err())
	case <-ch:
		return true, nil
	}
}

func (s *Service) removeWaiter(ch chan struct{}) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// WakeOneWaiter releases the oldest capacity waiter, if any. Exported so
// internal/warmpool can release a waiter when it evicts a pool Ship, since
// that eviction also frees one MAX_SHIP_NUM slot.
func (s *Service) WakeOneWaiter() {
	s.wakeOneWaiter()
}

// wakeOneWaiter releases the oldest waiter, if any. Called whenever a Ship
// transitions out of the non-Stopped budget (stop, delete, failed create).
func (s *Service) wakeOneWaiter() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if len(s.waiters) == 0 {
		return
	}
	ch := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(ch)
}

func (s *Service) waitShipReady(ctx context.Context, endpoint string) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ShipHealthCheckTimeout)
	defer cancel()
	client := shipclient.New(endpoint, s.cfg.ShipHealthCheckTimeout)
	return client.WaitReady(probeCtx, s.cfg.ShipHealthCheckInterval)
}

func toDriverSpec(spec store.ResourceSpec, cfg config.Config) driver.Spec {
	return driver.Spec{
		Image:     cfg.DockerImage,
		Env:       map[string]string{},
		CPUs:      spec.CPUs,
		Memory:    spec.Memory,
		Disk:      spec.Disk,
		Network:   cfg.DockerNetwork,
		Namespace: cfg.KubeNamespace,
		Port:      cfg.ShipContainerPort,
	}
}

// ExtendTTL extends a Ship's expiry. Monotonic (never shortens expires_at),
// idempotent, and a silent no-op on a Stopped Ship.
func (s *Service) ExtendTTL(ctx context.Context, shipID string, ttlSeconds int) (*store.Ship, error) {
	candidate := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
	if err := s.store.Q().ExtendExpiry(ctx, shipID, candidate, ttlSeconds); err != nil {
		return nil, fmt.Errorf("shipservice: extend ttl: %w", err)
	}
	return s.store.Q().GetShip(ctx, shipID)
}

// Stop drives the container to a halt, marks the Ship Stopped, and keeps
// the data volume and the row.
func (s *Service) Stop(ctx context.Context, shipID string) error {
	ship, err := s.store.Q().GetShip(ctx, shipID)
	if err != nil {
		return err
	}
	if err := s.driver.Stop(ctx, shipID); err != nil {
		return err
	}
	err = s.store.Atomic(ctx, func(q *store.Queries) error {
		if err := q.MarkStopped(ctx, shipID); err != nil {
			return err
		}
		return q.DeleteSessionsForShip(ctx, shipID)
	})
	if err != nil {
		return fmt.Errorf("shipservice: stop ship: %w", err)
	}
	_ = ship
	s.wakeOneWaiter()
	return nil
}

// DeletePermanent deletes a Ship's row and its dependent Sessions. The
// backing volume is left in place by design — an operator can always recover
// it, but a careless delete can never destroy it.
func (s *Service) DeletePermanent(ctx context.Context, shipID string) error {
	ship, err := s.store.Q().GetShip(ctx, shipID)
	if err != nil {
		return err
	}
	if ship.Status == store.ShipRunning {
		_ = s.driver.Stop(ctx, shipID)
	}
	err = s.store.Atomic(ctx, func(q *store.Queries) error {
		if err := q.DeleteSessionsForShip(ctx, shipID); err != nil {
			return err
		}
		return q.DeleteShip(ctx, shipID)
	})
	if err != nil {
		return fmt.Errorf("shipservice: delete ship: %w", err)
	}
	s.wakeOneWaiter()
	return nil
}

// DeleteShipVolume permanently removes a Stopped Ship's backing data
// volume/directory. Never called by the ordinary HTTP delete path — only the
// reaper's opt-in grace-period sweep (SHIP_DELETE_VOLUME_GRACE_SECONDS > 0)
// calls this, after the row is already gone.
func (s *Service) DeleteShipVolume(ctx context.Context, shipID string) error {
	if err := s.driver.DeleteVolume(ctx, shipID); err != nil {
		return fmt.Errorf("shipservice: delete ship volume: %w", err)
	}
	return nil
}

// Execute authorizes the session↔ship pair, touches last_activity, forwards
// the request to the Ship's HTTP agent, records the outcome in execution
// history, and returns it. Timing is wall-clock around the forwarded call.
func (s *Service) Execute(ctx context.Context, shipID, sessionID string, req shipclient.ExecRequest) (*shipclient.ExecResponse, error) {
	sess, err := s.store.Q().GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.NotFound("session", sessionID)
	}
	if sess.ShipID != shipID {
		return nil, errs.New(errs.KindForbidden, "session is not bound to this ship")
	}

	ship, err := s.store.Q().GetShip(ctx, shipID)
	if err != nil {
		return nil, errs.NotFound("ship", shipID)
	}
	if ship.Status != store.ShipRunning {
		return nil, errs.New(errs.KindShipUnready, "ship is not running")
	}

	now := time.Now().UTC()
	_ = s.store.Q().TouchActivity(ctx, sessionID, now.Add(time.Duration(sess.InitialTTL)*time.Second))

	client := shipclient.New(ship.Endpoint, time.Duration(s.cfg.ExecTimeoutMaxSeconds)*time.Second)

	start := time.Now()
	resp, execErr := client.Exec(ctx, req)
	elapsed := time.Since(start)

	s.recordExecution(ctx, sessionID, shipID, req, resp, execErr, elapsed)

	if execErr != nil {
		return nil, execErr
	}
	return resp, nil
}

// recordExecution writes one ExecutionHistory row. Only the two
// code/command dispatch types (ipython/exec, shell/exec) map onto
// the exec_type enum ExecutionHistory persists; other tagged requests
// (shell/processes, fs/*, ...) are forwarded and returned to the caller but
// produce no history row, since there is no python/shell code to log.
func (s *Service) recordExecution(ctx context.Context, sessionID, shipID string, req shipclient.ExecRequest, resp *shipclient.ExecResponse, execErr error, elapsed time.Duration) {
	execType, ok := req.HistoryExecType()
	if !ok {
		return
	}

	rec := store.ExecutionRecord{
		ID:              idgen.NewExecutionID(),
		SessionID:       sessionID,
		ShipID:          shipID,
		ExecType:        store.ExecType(execType),
		Code:            req.CodeOrCommand(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}

	truncate := s.cfg.HistoryOutputTruncateBytes
	if resp != nil {
		rec.Success = resp.Success
		if len(resp.Data) > 0 {
			rec.Output = truncatePtr(string(resp.Data), truncate)
		}
		if resp.Error != "" {
			rec.Error = truncatePtr(resp.Error, truncate)
		}
	}
	if execErr != nil {
		rec.Success = false
		msg := execErr.Error()
		rec.Error = truncatePtr(msg, truncate)
	}

	// Recording never fails the user request; errors are logged.
	if err := s.store.Q().InsertExecution(ctx, rec); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("failed to record execution history")
	}
}

func truncatePtr(s string, max int) *string {
	if max > 0 && len(s) > max {
		truncated := fmt.Sprintf("%s...[truncated, original length %d]", s[:max], len(s))
		return &truncated
	}
	return &s
}
