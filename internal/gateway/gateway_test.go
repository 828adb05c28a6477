package gateway_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/gateway/fake"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
)

func TestScanSinceFiltersByTimestamp(t *testing.T) {
	backend := fake.New()
	backend.PutDocument(model.Primary, "appointments", model.Document{ID: "a", UpdatedAt: "2026-01-01T00:00:00Z"})
	backend.PutDocument(model.Primary, "appointments", model.Document{ID: "b", UpdatedAt: "2026-02-01T00:00:00Z"})

	gw := gateway.New(backend, obslog.Discard{}, 3)

	docs, err := gw.ScanSince(context.Background(), model.Primary, "appointments", "2026-01-15T00:00:00Z", true)
	if err != nil {
		t.Fatalf("ScanSince: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Errorf("expected only doc b, got %+v", docs)
	}
}

func TestWriteBatcherFlushesAtCap(t *testing.T) {
	backend := fake.New()
	gw := gateway.New(backend, obslog.Discard{}, 3)

	var commits int32
	wb := gw.NewWriteBatcher(model.Standby, "appointments", func(committed int, err error) {
		if err != nil {
			t.Errorf("unexpected commit error: %v", err)
		}
		atomic.AddInt32(&commits, 1)
	})

	ctx := context.Background()
	const total = 451 // one full 450-cap batch plus a residual of 1
	results := make([]interface{ Wait(context.Context) error }, 0, total)
	for i := 0; i < total; i++ {
		res, err := wb.Submit(ctx, model.Document{ID: idOf(i), UpdatedAt: "2026-01-01T00:00:00Z"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		results = append(results, res)
	}
	for _, r := range results {
		if err := r.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if err := wb.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := atomic.LoadInt32(&commits); got != 2 {
		t.Errorf("expected 2 commits (450 + 1 residual), got %d", got)
	}
	for i := 0; i < total; i++ {
		if _, ok := backend.Document(model.Standby, "appointments", idOf(i)); !ok {
			t.Errorf("document %d missing after batched commit", i)
		}
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	backend := &flakyBackend{Backend: fake.New(), failures: 2}
	gw := gateway.New(backend, obslog.Discard{}, 3)

	_, err := gw.ListCollections(context.Background(), model.Primary)
	if err != nil {
		t.Fatalf("expected eventual success after transient failures, got %v", err)
	}
	if backend.failures != 0 {
		t.Errorf("expected all failures consumed, got %d remaining", backend.failures)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	backend := &flakyBackend{Backend: fake.New(), failures: 100}
	gw := gateway.New(backend, obslog.Discard{}, 2)

	_, err := gw.ListCollections(context.Background(), model.Primary)
	if !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after exhausting retries, got %v", err)
	}
}

func idOf(i int) string {
	return "doc-" + strconv.Itoa(i)
}

// flakyBackend wraps fake.Backend, failing the first N ListCollections calls
// with a transient error to exercise Gateway's retry path.
type flakyBackend struct {
	*fake.Backend
	failures int
}

func (f *flakyBackend) ListCollections(ctx context.Context, side model.Side) ([]string, error) {
	if f.failures > 0 {
		f.failures--
		return nil, model.ErrUnavailable
	}
	return f.Backend.ListCollections(ctx, side)
}
