// Package replicate implements the Document Replicator and its symmetric
// Recovery operation (spec §4.4/§4.5): an incremental, watermark-driven
// copy of a single collection from one side to the other, with duplicate
// suppression against the target and bounded-batch commits.
package replicate

import (
	"context"

	"github.com/docreplica/replicator/internal/events"
	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
	"github.com/docreplica/replicator/internal/schema"
)

// Outcome is the terminal state of a single ReplicateCollection/Recover
// call, per the per-run state machine in spec §4.4.
type Outcome int

const (
	Completed Outcome = iota
	Paused
	Errored
)

// Result summarizes one collection's replication pass.
type Result struct {
	Collection        string
	WrittenCount      int
	DuplicatesSkipped int
	Errors            int
	NewWatermark      string
	Outcome           Outcome
}

// waiter is the subset of *microbatch.JobResult[...] the Replicator needs;
// using a local interface lets it hold a result without naming the
// unexported job type *gateway.WriteBatcher's generic instantiation uses.
type waiter interface {
	Wait(ctx context.Context) error
}

// Replicator drives ReplicateCollection and RecoverCollection against a
// Gateway, reporting progress and completion through the Event Bus and
// maintaining the Schema Tracker as it scans.
type Replicator struct {
	gw        *gateway.Gateway
	bus       *events.Bus
	schema    *schema.Tracker
	log       obslog.Logger
	chunkSize int
}

// New constructs a Replicator. chunkSize is BATCH_SIZE (spec §6), the
// MultiGet/duplicate-suppression read-chunk size (default 100); the
// write-batch commit cap (450) is fixed inside the Gateway.
func New(gw *gateway.Gateway, bus *events.Bus, tracker *schema.Tracker, log obslog.Logger, chunkSize int) *Replicator {
	if log == nil {
		log = obslog.Discard{}
	}
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Replicator{gw: gw, bus: bus, schema: tracker, log: log, chunkSize: chunkSize}
}

// ReplicateCollection copies collection from primary to standby (spec
// §4.4). healthy is polled between read-chunks; once it returns false the
// pass stops scheduling further chunks and returns Paused, leaving any
// batch already submitted to complete.
func (r *Replicator) ReplicateCollection(ctx context.Context, collection string, mode model.Mode, since string, healthy func() bool) (Result, error) {
	return r.run(ctx, collection, model.Forward, mode, since, healthy)
}

// RecoverCollection copies collection from standby to primary (spec §4.5),
// using the recover-direction watermark so it never re-propagates what
// forward replication already covered in the opposite direction. Recovery
// is upsert-merge only: it is symmetric to ReplicateCollection and relies
// on the same "target's updatedAt is newer or equal" duplicate suppression
// to implement "recovery writes only if standby's copy is newer."
func (r *Replicator) RecoverCollection(ctx context.Context, collection string, since string, healthy func() bool) (Result, error) {
	return r.run(ctx, collection, model.Recover, model.Incremental, since, healthy)
}

func (r *Replicator) run(ctx context.Context, collection string, direction model.Direction, mode model.Mode, since string, healthy func() bool) (Result, error) {
	sourceSide, targetSide := model.Primary, model.Standby
	if direction == model.Recover {
		sourceSide, targetSide = model.Standby, model.Primary
	}

	hasSince := mode == model.Incremental && since != ""
	if mode == model.Full {
		since = ""
	}

	docs, err := r.gw.ScanSince(ctx, sourceSide, collection, since, hasSince)
	if err != nil {
		return Result{Collection: collection, NewWatermark: since, Outcome: Errored}, err
	}
	if len(docs) == 0 {
		return Result{Collection: collection, NewWatermark: since, Outcome: Completed}, nil
	}

	if change, changed := r.schema.Observe(collection, docs); changed {
		r.bus.Publish(events.TypeSchemaChange, change)
	}

	progressType := events.TypeCollectionProgress
	completedType := events.TypeCollectionCompleted
	if direction == model.Recover {
		progressType = events.TypeRecoveryProgress
		completedType = events.TypeCollectionRecovered
	}

	var writtenSoFar int
	wb := r.gw.NewWriteBatcher(targetSide, collection, func(committed int, commitErr error) {
		if commitErr != nil {
			return
		}
		writtenSoFar += committed
		r.bus.Publish(progressType, events.CollectionProgressPayload{
			Collection:   collection,
			WrittenSoFar: writtenSoFar,
			OfTotal:      len(docs),
			Phase:        "writing",
		})
	})

	type pendingWrite struct {
		doc model.Document
		res waiter
	}
	var pending []pendingWrite
	var duplicatesSkipped, scheduleErrors int
	outcome := Completed

chunkLoop:
	for start := 0; start < len(docs); start += r.chunkSize {
		if healthy != nil && !healthy() {
			outcome = Paused
			break chunkLoop
		}

		end := start + r.chunkSize
		if end > len(docs) {
			end = len(docs)
		}
		chunk := docs[start:end]

		ids := make([]string, len(chunk))
		for i, d := range chunk {
			ids[i] = d.ID
		}
		targets, err := r.gw.MultiGet(ctx, targetSide, collection, ids)
		if err != nil {
			scheduleErrors += len(chunk)
			continue
		}

		for _, d := range chunk {
			target, exists := targets[d.ID]
			if shouldSkip(d, target, exists) {
				duplicatesSkipped++
				continue
			}
			res, err := wb.Submit(ctx, d)
			if err != nil {
				scheduleErrors++
				continue
			}
			pending = append(pending, pendingWrite{doc: d, res: res})
		}
	}

	_ = wb.Close(ctx)

	var writtenCount, commitErrors int
	newWatermark := since
	for _, p := range pending {
		if err := p.res.Wait(ctx); err != nil {
			commitErrors++
			continue
		}
		writtenCount++
		if p.doc.HasTimestamp() {
			newWatermark = model.MaxTimestamp(newWatermark, p.doc.EffectiveTimestamp())
		}
	}

	r.bus.Publish(completedType, events.CollectionCompletedPayload{
		Collection:   collection,
		WrittenCount: writtenCount,
		Incremental:  mode == model.Incremental,
	})

	return Result{
		Collection:        collection,
		WrittenCount:      writtenCount,
		DuplicatesSkipped: duplicatesSkipped,
		Errors:            scheduleErrors + commitErrors,
		NewWatermark:      newWatermark,
		Outcome:           outcome,
	}, nil
}

// shouldSkip implements the duplicate-suppression rule from spec §4.4/§3.
// A document without a timestamp is written on first encounter (no target
// yet) but, lacking any way to tell a later source change from a no-op
// rescan, is never rewritten once the target has absorbed it -- otherwise
// it would be recopied on every single run forever. A timestamped document
// is skipped when the target exists and its effective timestamp is greater
// than or equal to the source's.
func shouldSkip(src, target model.Document, targetExists bool) bool {
	if !targetExists {
		return false
	}
	if !src.HasTimestamp() {
		return true
	}
	return model.CompareTimestamps(target.EffectiveTimestamp(), src.EffectiveTimestamp()) >= 0
}
