// Package coordinator implements the Coordinator (spec §4.7): the top-level
// state machine that composes the Gateway, Health Monitor, Schema Tracker,
// Document Replicator, Auth Replicator, Reconciler and Event Bus behind a
// single entry point, serializes every run against concurrent triggers, and
// persists counters and watermarks after each attempt so a restart resumes
// rather than re-running from scratch.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/docreplica/replicator/internal/authsync"
	"github.com/docreplica/replicator/internal/events"
	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/health"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
	"github.com/docreplica/replicator/internal/reconcile"
	"github.com/docreplica/replicator/internal/replicate"
	"github.com/docreplica/replicator/internal/schema"
	"github.com/docreplica/replicator/internal/statsfile"
)

// ReconcileEvery is the cadence (in completed forward runs) at which the
// Coordinator folds an implicit Reconcile pass into RunOnce, per spec §4.8.
const ReconcileEvery = 10

// ActionResult is the outcome of one admin-triggered or scheduled action.
type ActionResult struct {
	Success bool
	Message string
	Stats   Stats
}

// ReconcileResult is the outcome of a Reconcile pass.
type ReconcileResult struct {
	Collections []model.IntegrityReport
	Auth        model.AuthIntegrityReport
}

// Stats is a point-in-time snapshot of everything Stats() reports.
type Stats struct {
	State         model.RunState
	Counters      model.RunCounters
	Watermarks    map[string]model.Watermark
	AuthWatermark string
	Health        model.HealthSnapshot
}

// Coordinator is the engine's single top-level entry point. It owns no
// backend connections itself; everything goes through gw.
type Coordinator struct {
	gw          *gateway.Gateway
	healthMon   *health.Monitor
	bus         *events.Bus
	replicator  *replicate.Replicator
	auth        *authsync.Replicator
	reconciler  *reconcile.Reconciler
	log         obslog.Logger
	statsPath   string
	hash        model.HashParams

	// runMu serializes RunOnce/ForceFull/ForceAuth/Recover/Reconcile (spec
	// §5: at most one run active at a time). TryLock makes a concurrent
	// trigger fail fast with ErrBusy instead of queueing.
	runMu sync.Mutex

	// stateMu guards everything below, which Stats() and the health-gate
	// checks inside a run read and write from different goroutines.
	stateMu       sync.Mutex
	state         model.RunState
	counters      model.RunCounters
	watermarks    map[string]model.Watermark
	authWatermark string
	forwardRuns   int64
}

// New constructs a Coordinator, loading any persisted counters/watermarks
// from statsPath (spec §4.7: "otherwise start from zero" on first run or a
// missing file). chunkSize is passed through to the Document Replicator's
// MultiGet/duplicate-suppression chunking (spec §6 BATCH_SIZE).
func New(gw *gateway.Gateway, monitor *health.Monitor, bus *events.Bus, tracker *schema.Tracker, log obslog.Logger, statsPath string, chunkSize int, hash model.HashParams) (*Coordinator, error) {
	if log == nil {
		log = obslog.Discard{}
	}
	snap, err := statsfile.Load(statsPath)
	if err != nil {
		return nil, err
	}
	if snap.Watermarks == nil {
		snap.Watermarks = map[string]model.Watermark{}
	}
	return &Coordinator{
		gw:            gw,
		healthMon:     monitor,
		bus:           bus,
		replicator:    replicate.New(gw, bus, tracker, log, chunkSize),
		auth:          authsync.New(gw, bus, log),
		reconciler:    reconcile.New(gw),
		log:           log,
		statsPath:     statsPath,
		hash:          hash,
		state:         model.Idle,
		counters:      snap.Counters,
		watermarks:    snap.Watermarks,
		authWatermark: snap.AuthWatermark,
	}, nil
}

// RunOnce performs one incremental forward replication pass: health gate,
// collection discovery, per-collection incremental replication, auth sync,
// and persistence (spec §4.7).
func (c *Coordinator) RunOnce(ctx context.Context) (ActionResult, error) {
	return c.runForward(ctx, model.Incremental)
}

// ForceFull clears every forward watermark and runs a full pass, so every
// document is re-evaluated against the target regardless of its recorded
// watermark (spec §4.7's force-full-restart operation; see spec §8's
// idempotence law this must preserve: a ForceFull is equivalent to fresh
// replication, never a destructive wipe of the target).
func (c *Coordinator) ForceFull(ctx context.Context) (ActionResult, error) {
	return c.runForward(ctx, model.Full)
}

func (c *Coordinator) runForward(ctx context.Context, mode model.Mode) (ActionResult, error) {
	if !c.runMu.TryLock() {
		return ActionResult{Success: false, Message: "a run is already in progress"}, model.ErrBusy
	}
	defer c.runMu.Unlock()

	c.setState(model.Running)

	snap := c.healthMon.Refresh(ctx)
	c.bus.Publish(events.TypeHealth, events.HealthPayload{
		PrimaryDB: snap.PrimaryDB, StandbyDB: snap.StandbyDB,
		PrimaryAuth: snap.PrimaryAuth, StandbyAuth: snap.StandbyAuth,
	})

	switch snap.Gate() {
	case model.GatePaused:
		c.setState(model.Paused)
		c.persist()
		return ActionResult{Success: false, Message: "paused: primary database unavailable", Stats: c.Stats()}, nil
	case model.GateError:
		c.withCounters(func(ct *model.RunCounters) { ct.Errors++ })
		c.setState(model.Error)
		c.persist()
		return ActionResult{Success: false, Message: "error: standby database unavailable", Stats: c.Stats()}, nil
	}
	gate := snap.Gate()

	collections, err := c.gw.ListCollections(ctx, model.Primary)
	if err != nil {
		c.withCounters(func(ct *model.RunCounters) { ct.Errors++ })
		c.setState(model.Error)
		c.persist()
		return ActionResult{Success: false, Message: "error: " + err.Error(), Stats: c.Stats()}, err
	}

	if mode == model.Full {
		c.withState(func() {
			for _, name := range collections {
				wm := c.watermarks[name]
				wm.Forward = ""
				c.watermarks[name] = wm
			}
		})
	}

	paused := false
	for _, name := range collections {
		since := ""
		if mode == model.Incremental {
			since = c.watermarkOf(name).Forward
		}
		healthy := func() bool { return c.healthMon.Current().PrimaryDB }

		res, err := c.replicator.ReplicateCollection(ctx, name, mode, since, healthy)
		if err != nil {
			c.withCounters(func(ct *model.RunCounters) { ct.Errors++ })
			continue
		}
		c.withState(func() {
			wm := c.watermarks[name]
			c.watermarks[name] = wm.With(model.Forward, res.NewWatermark)
		})
		c.withCounters(func(ct *model.RunCounters) {
			ct.TotalDocumentsWritten += int64(res.WrittenCount)
			ct.DuplicatesSkipped += int64(res.DuplicatesSkipped)
			ct.Errors += int64(res.Errors)
		})
		if res.Outcome == replicate.Paused {
			paused = true
			break
		}
	}

	switch gate {
	case model.GateFull:
		c.runAuthPhase(ctx, model.Forward, mode)
	case model.GateAuthError:
		c.withCounters(func(ct *model.RunCounters) { ct.Auth.AuthErrors++ })
	}

	now := time.Now()
	c.withCounters(func(ct *model.RunCounters) {
		ct.LastRunAt = now
		if mode == model.Full {
			ct.LastFullRunAt = now
		} else {
			ct.IncrementalRunCount++
		}
	})

	finalState := model.Idle
	if paused {
		finalState = model.Paused
	}
	c.setState(finalState)

	var reconciled *ReconcileResult
	if !paused {
		runs := c.incrementForwardRuns()
		if runs%ReconcileEvery == 0 {
			result := c.runReconcile(ctx, collections)
			reconciled = &result
		}
	}

	c.persist()
	result := c.Stats()
	c.bus.Publish(events.TypeStats, result.Counters)
	c.bus.Publish(events.TypeRunCompleted, result.Counters)

	msg := "ok"
	if paused {
		msg = "paused: primary database became unavailable mid-run"
	}
	if reconciled != nil {
		msg = "ok (implicit reconcile ran)"
	}
	return ActionResult{Success: true, Message: msg, Stats: result}, nil
}

func (c *Coordinator) runAuthPhase(ctx context.Context, direction model.Direction, mode model.Mode) {
	since := c.getAuthWatermark()
	res, err := c.authReplicate(ctx, direction, mode, since)
	if err != nil {
		c.withCounters(func(ct *model.RunCounters) { ct.Auth.AuthErrors++ })
		return
	}
	now := time.Now()
	c.withCounters(func(ct *model.RunCounters) {
		ct.Auth.TotalUsers = res.TotalUsers
		ct.Auth.SyncedUsers += res.SyncedUsers
		ct.Auth.CustomClaimsPropagated += res.CustomClaimsPropagated
		ct.Auth.AuthErrors += res.Errors
		ct.Auth.LastAuthRunAt = now
	})
	c.setAuthWatermark(now.Format(time.RFC3339Nano))
}

// Result mirrors authsync.Result; aliased here so runAuthPhase doesn't need
// to import authsync's package name twice under two different directions.
type Result = authsync.Result

func (c *Coordinator) authReplicate(ctx context.Context, direction model.Direction, mode model.Mode, since string) (Result, error) {
	if direction == model.Recover {
		return c.auth.RecoverAuth(ctx, mode, c.hash, since)
	}
	return c.auth.ReplicateAuth(ctx, mode, c.hash, since)
}

// ForceAuth runs a full, immediate auth-only replication pass, bypassing
// the document-collection phase entirely (spec §4.7).
func (c *Coordinator) ForceAuth(ctx context.Context) (ActionResult, error) {
	if !c.runMu.TryLock() {
		return ActionResult{Success: false, Message: "a run is already in progress"}, model.ErrBusy
	}
	defer c.runMu.Unlock()

	c.setState(model.Running)
	snap := c.healthMon.Refresh(ctx)
	if !snap.PrimaryAuth || !snap.StandbyAuth {
		c.withCounters(func(ct *model.RunCounters) { ct.Auth.AuthErrors++ })
		c.setState(model.Error)
		c.persist()
		return ActionResult{Success: false, Message: "error: an auth endpoint is unavailable", Stats: c.Stats()}, nil
	}

	c.runAuthPhase(ctx, model.Forward, model.Full)
	c.setState(model.Idle)
	c.persist()
	return ActionResult{Success: true, Message: "ok", Stats: c.Stats()}, nil
}

// Recover drives the failback path (spec §4.5/§4.7): per-collection
// recovery from standby to primary, an incremental auth pass in the same
// direction, and a closing reconciliation so the operator sees the
// resulting drift (if any) immediately.
func (c *Coordinator) Recover(ctx context.Context) (ActionResult, error) {
	if !c.runMu.TryLock() {
		return ActionResult{Success: false, Message: "a run is already in progress"}, model.ErrBusy
	}
	defer c.runMu.Unlock()

	c.setState(model.Recovering)
	snap := c.healthMon.Refresh(ctx)
	if !snap.StandbyDB || !snap.PrimaryDB {
		c.withCounters(func(ct *model.RunCounters) { ct.Errors++ })
		c.setState(model.Error)
		c.persist()
		return ActionResult{Success: false, Message: "error: a database endpoint is unavailable", Stats: c.Stats()}, nil
	}

	collections, err := c.gw.ListCollections(ctx, model.Standby)
	if err != nil {
		c.withCounters(func(ct *model.RunCounters) { ct.Errors++ })
		c.setState(model.Error)
		c.persist()
		return ActionResult{Success: false, Message: "error: " + err.Error(), Stats: c.Stats()}, err
	}

	healthy := func() bool { return c.healthMon.Current().PrimaryDB }
	for _, name := range collections {
		since := c.watermarkOf(name).Recover
		res, err := c.replicator.RecoverCollection(ctx, name, since, healthy)
		if err != nil {
			c.withCounters(func(ct *model.RunCounters) { ct.Errors++ })
			continue
		}
		c.withState(func() {
			wm := c.watermarks[name]
			c.watermarks[name] = wm.With(model.Recover, res.NewWatermark)
		})
		c.withCounters(func(ct *model.RunCounters) {
			ct.TotalDocumentsWritten += int64(res.WrittenCount)
			ct.DuplicatesSkipped += int64(res.DuplicatesSkipped)
			ct.Errors += int64(res.Errors)
		})
	}

	if snap.PrimaryAuth && snap.StandbyAuth {
		c.runAuthPhase(ctx, model.Recover, model.Incremental)
	}

	c.runReconcile(ctx, collections)

	c.setState(model.Idle)
	c.persist()
	return ActionResult{Success: true, Message: "ok", Stats: c.Stats()}, nil
}

// Reconcile runs an on-demand integrity pass over every known collection
// plus the auth directory, without mutating any counters or watermarks
// (spec §4.8: reconciliation is report-only).
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if !c.runMu.TryLock() {
		return ReconcileResult{}, model.ErrBusy
	}
	defer c.runMu.Unlock()

	collections, err := c.gw.ListCollections(ctx, model.Primary)
	if err != nil {
		return ReconcileResult{}, err
	}
	return c.runReconcile(ctx, collections), nil
}

func (c *Coordinator) runReconcile(ctx context.Context, collections []string) ReconcileResult {
	var result ReconcileResult
	for _, name := range collections {
		report, err := c.reconciler.Collection(ctx, name)
		if err != nil {
			continue
		}
		result.Collections = append(result.Collections, report)
		c.bus.Publish(events.TypeIntegrityReport, report)
	}
	authReport, err := c.reconciler.Auth(ctx)
	if err == nil {
		result.Auth = authReport
		c.bus.Publish(events.TypeAuthIntegrityReport, authReport)
	}
	return result
}

// Stats returns a snapshot of the Coordinator's current counters,
// watermarks and health picture.
func (c *Coordinator) Stats() Stats {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	watermarks := make(map[string]model.Watermark, len(c.watermarks))
	for k, v := range c.watermarks {
		watermarks[k] = v
	}
	return Stats{
		State:         c.state,
		Counters:      c.counters,
		Watermarks:    watermarks,
		AuthWatermark: c.authWatermark,
		Health:        c.healthMon.Current(),
	}
}

// ResetStats zeroes the cumulative counters (watermarks are left intact,
// since resetting them would force a redundant full re-scan) and publishes
// statsReset.
func (c *Coordinator) ResetStats() {
	c.stateMu.Lock()
	c.counters = model.RunCounters{}
	c.stateMu.Unlock()
	c.persist()
	c.bus.Publish(events.TypeStatsReset, nil)
}

func (c *Coordinator) setState(s model.RunState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Coordinator) withCounters(fn func(*model.RunCounters)) {
	c.stateMu.Lock()
	fn(&c.counters)
	c.stateMu.Unlock()
}

func (c *Coordinator) withState(fn func()) {
	c.stateMu.Lock()
	fn()
	c.stateMu.Unlock()
}

func (c *Coordinator) watermarkOf(collection string) model.Watermark {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.watermarks[collection]
}

func (c *Coordinator) getAuthWatermark() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.authWatermark
}

func (c *Coordinator) setAuthWatermark(v string) {
	c.stateMu.Lock()
	c.authWatermark = v
	c.stateMu.Unlock()
}

func (c *Coordinator) incrementForwardRuns() int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.forwardRuns++
	return c.forwardRuns
}

func (c *Coordinator) persist() {
	if c.statsPath == "" {
		return
	}
	c.stateMu.Lock()
	snap := statsfile.Snapshot{
		Counters:      c.counters,
		Watermarks:    make(map[string]model.Watermark, len(c.watermarks)),
		AuthWatermark: c.authWatermark,
	}
	for k, v := range c.watermarks {
		snap.Watermarks[k] = v
	}
	c.stateMu.Unlock()

	if err := statsfile.Save(c.statsPath, snap); err != nil {
		c.log.WithError(err).WithField("path", c.statsPath).Error("statsfile save failed")
	}
}
