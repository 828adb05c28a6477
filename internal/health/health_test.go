package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/gateway/fake"
	"github.com/docreplica/replicator/internal/health"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
)

func TestRefreshAllHealthy(t *testing.T) {
	backend := fake.New()
	gw := gateway.New(backend, obslog.Discard{}, 0)
	mon := health.New(gw, obslog.Discard{}, time.Second)

	snap := mon.Refresh(context.Background())
	if !snap.PrimaryDB || !snap.StandbyDB || !snap.PrimaryAuth || !snap.StandbyAuth {
		t.Errorf("expected all-healthy snapshot, got %+v", snap)
	}
	if snap.Gate() != model.GateFull {
		t.Errorf("expected GateFull, got %v", snap.Gate())
	}
}

func TestRefreshDetectsPrimaryDBDown(t *testing.T) {
	backend := fake.New()
	backend.SetDBDown(model.Primary, true)
	gw := gateway.New(backend, obslog.Discard{}, 0)
	mon := health.New(gw, obslog.Discard{}, time.Second)

	snap := mon.Refresh(context.Background())
	if snap.PrimaryDB {
		t.Errorf("expected PrimaryDB false")
	}
	if snap.Gate() != model.GatePaused {
		t.Errorf("expected GatePaused, got %v", snap.Gate())
	}
}

func TestRefreshDetectsStandbyAuthDown(t *testing.T) {
	backend := fake.New()
	backend.SetAuthDown(model.Standby, true)
	gw := gateway.New(backend, obslog.Discard{}, 0)
	mon := health.New(gw, obslog.Discard{}, time.Second)

	snap := mon.Refresh(context.Background())
	if snap.StandbyAuth {
		t.Errorf("expected StandbyAuth false")
	}
	if snap.Gate() != model.GateAuthError {
		t.Errorf("expected GateAuthError, got %v", snap.Gate())
	}
}

func TestSubscribeReceivesRefresh(t *testing.T) {
	backend := fake.New()
	gw := gateway.New(backend, obslog.Discard{}, 0)
	mon := health.New(gw, obslog.Discard{}, time.Second)

	ch := mon.Subscribe()
	mon.Refresh(context.Background())

	select {
	case snap := <-ch:
		if !snap.PrimaryDB {
			t.Errorf("expected healthy snapshot on subscriber channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber snapshot")
	}
}

func TestCurrentReflectsLatestSnapshot(t *testing.T) {
	backend := fake.New()
	gw := gateway.New(backend, obslog.Discard{}, 0)
	mon := health.New(gw, obslog.Discard{}, time.Second)

	if mon.Current().Gate() != model.GatePaused {
		t.Errorf("expected initial zero-value snapshot to gate paused")
	}
	mon.Refresh(context.Background())
	if mon.Current().Gate() != model.GateFull {
		t.Errorf("expected Current to reflect the just-published refresh")
	}
}
