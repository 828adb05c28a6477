// Package authsync implements the Auth Replicator (spec §4.6): a full or
// incremental export of the primary authentication directory, bulk import
// into the standby directory with password-hash parameters preserved
// opaquely, and custom-claims propagation.
package authsync

import (
	"context"

	"github.com/docreplica/replicator/internal/events"
	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
)

// PageSize is the number of users submitted per ImportUsers call. ListUsers
// pagination is left to the backend; this constant does not set its page
// size.
const PageSize = 1000

// Result summarizes one ReplicateAuth pass.
type Result struct {
	TotalUsers             int64
	SyncedUsers            int64
	CustomClaimsPropagated int64
	Errors                 int64
}

// Replicator drives ReplicateAuth against a Gateway, publishing progress
// and completion through the Event Bus.
type Replicator struct {
	gw  *gateway.Gateway
	bus *events.Bus
	log obslog.Logger
}

// New constructs a Replicator.
func New(gw *gateway.Gateway, bus *events.Bus, log obslog.Logger) *Replicator {
	if log == nil {
		log = obslog.Discard{}
	}
	return &Replicator{gw: gw, bus: bus, log: log}
}

// ReplicateAuth performs a full or incremental pass from primary to
// standby. since is only consulted when mode is Incremental; the
// directory's list API cannot be filtered by time, so the incremental path
// reads every user and filters client-side on creationTime/lastSignInTime
// (spec §4.6).
func (r *Replicator) ReplicateAuth(ctx context.Context, mode model.Mode, hash model.HashParams, since string) (Result, error) {
	return r.run(ctx, model.Forward, mode, hash, since)
}

// RecoverAuth performs the symmetric pass from standby to primary, used by
// the Recover operation (spec §4.5) to bring the primary directory back up
// to date after a failover.
func (r *Replicator) RecoverAuth(ctx context.Context, mode model.Mode, hash model.HashParams, since string) (Result, error) {
	return r.run(ctx, model.Recover, mode, hash, since)
}

func (r *Replicator) run(ctx context.Context, direction model.Direction, mode model.Mode, hash model.HashParams, since string) (Result, error) {
	sourceSide, targetSide := model.Primary, model.Standby
	if direction == model.Recover {
		sourceSide, targetSide = model.Standby, model.Primary
	}

	var (
		result Result
		all    []model.User
	)

	pageToken := ""
	for {
		users, next, err := r.gw.ListUsers(ctx, sourceSide, pageToken)
		if err != nil {
			return result, err
		}
		r.bus.Publish(events.TypeAuthProgress, events.AuthProgressPayload{
			Phase:     "export",
			UserCount: len(users),
		})
		all = append(all, users...)
		if next == "" {
			break
		}
		pageToken = next
	}
	result.TotalUsers = int64(len(all))

	if mode == model.Incremental {
		all = filterIncremental(all, since)
	}

	for start := 0; start < len(all); start += PageSize {
		end := start + PageSize
		if end > len(all) {
			end = len(all)
		}
		chunk := all[start:end]

		r.bus.Publish(events.TypeAuthProgress, events.AuthProgressPayload{
			Phase:     "import",
			UserCount: len(chunk),
			OfTotal:   len(all),
		})

		imported, err := r.gw.ImportUsers(ctx, targetSide, chunk, hash)
		if err != nil {
			result.Errors += int64(len(chunk))
			continue
		}
		result.SyncedUsers += int64(imported.SuccessCount)
		result.Errors += int64(imported.FailureCount)

		failed := map[int]struct{}{}
		for _, e := range imported.Errors {
			failed[e.Index] = struct{}{}
		}

		for i, u := range chunk {
			if _, wasFailure := failed[i]; wasFailure {
				continue
			}
			if len(u.CustomClaims) == 0 {
				continue
			}
			if err := r.gw.SetCustomClaims(ctx, targetSide, u.UID, u.CustomClaims); err != nil {
				result.Errors++
				continue
			}
			result.CustomClaimsPropagated++
		}
	}

	r.bus.Publish(events.TypeAuthCompleted, events.AuthCompletedPayload{
		TotalUsers:             result.TotalUsers,
		SyncedUsers:            result.SyncedUsers,
		CustomClaimsPropagated: result.CustomClaimsPropagated,
		Errors:                 result.Errors,
	})

	return result, nil
}

func filterIncremental(users []model.User, since string) []model.User {
	if since == "" {
		return users
	}
	var out []model.User
	for _, u := range users {
		if model.CompareTimestamps(u.CreationTime, since) > 0 || model.CompareTimestamps(u.LastSignInTime, since) > 0 {
			out = append(out, u)
		}
	}
	return out
}
