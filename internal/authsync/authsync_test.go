package authsync_test

import (
	"context"
	"testing"

	"github.com/docreplica/replicator/internal/authsync"
	"github.com/docreplica/replicator/internal/events"
	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/gateway/fake"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
)

func newHarness() (*authsync.Replicator, *fake.Backend) {
	backend := fake.New()
	gw := gateway.New(backend, obslog.Discard{}, 1)
	bus := events.New(context.Background())
	return authsync.New(gw, bus, obslog.Discard{}), backend
}

func TestReplicateAuthFullImportsAllUsersAndClaims(t *testing.T) {
	r, backend := newHarness()
	backend.PutUser(model.Primary, model.User{UID: "u1", Email: "a@x.com", CustomClaims: map[string]any{"role": "admin"}})
	backend.PutUser(model.Primary, model.User{UID: "u2", Email: "b@x.com"})

	res, err := r.ReplicateAuth(context.Background(), model.Full, model.HashParams{Algorithm: "SCRYPT"}, "")
	if err != nil {
		t.Fatalf("ReplicateAuth: %v", err)
	}
	if res.TotalUsers != 2 || res.SyncedUsers != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if res.CustomClaimsPropagated != 1 {
		t.Errorf("expected 1 claims propagation, got %d", res.CustomClaimsPropagated)
	}
	if _, ok := backend.User(model.Standby, "u1"); !ok {
		t.Error("expected u1 imported to standby")
	}
	if claims := backend.Claims(model.Standby, "u1"); claims["role"] != "admin" {
		t.Errorf("expected role claim propagated, got %v", claims)
	}
}

func TestReplicateAuthIncrementalFiltersBySignInTime(t *testing.T) {
	r, backend := newHarness()
	backend.PutUser(model.Primary, model.User{UID: "old", CreationTime: "2025-01-01T00:00:00Z", LastSignInTime: "2025-01-01T00:00:00Z"})
	backend.PutUser(model.Primary, model.User{UID: "new", CreationTime: "2025-01-01T00:00:00Z", LastSignInTime: "2026-06-01T00:00:00Z"})

	res, err := r.ReplicateAuth(context.Background(), model.Incremental, model.HashParams{}, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("ReplicateAuth: %v", err)
	}
	if res.SyncedUsers != 1 {
		t.Errorf("expected only the recently-active user synced, got %+v", res)
	}
	if _, ok := backend.User(model.Standby, "new"); !ok {
		t.Error("expected 'new' user synced")
	}
	if _, ok := backend.User(model.Standby, "old"); ok {
		t.Error("expected 'old' user not synced")
	}
}

func TestReplicateAuthCountsImportFailures(t *testing.T) {
	r, backend := newHarness()
	backend.PutUser(model.Primary, model.User{UID: ""}) // fake backend rejects empty UID

	res, err := r.ReplicateAuth(context.Background(), model.Full, model.HashParams{}, "")
	if err != nil {
		t.Fatalf("ReplicateAuth: %v", err)
	}
	if res.Errors != 1 {
		t.Errorf("expected 1 import error, got %d", res.Errors)
	}
}
