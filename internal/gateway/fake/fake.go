// Package fake provides an in-memory gateway.Backend double, standing in
// for the two document-store sides and the two auth directories so the
// engine can be tested without a live backend.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/model"
)

type sideState struct {
	collections map[string]map[string]model.Document // collection -> id -> doc
	users       map[string]model.User
	claims      map[string]map[string]any
	dbDown      bool
	authDown    bool
}

func newSideState() *sideState {
	return &sideState{
		collections: map[string]map[string]model.Document{},
		users:       map[string]model.User{},
		claims:      map[string]map[string]any{},
	}
}

// Backend is an in-memory, concurrency-safe gateway.Backend.
type Backend struct {
	mu      sync.Mutex
	primary *sideState
	standby *sideState
}

var _ gateway.Backend = (*Backend)(nil)

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{primary: newSideState(), standby: newSideState()}
}

func (b *Backend) state(side model.Side) *sideState {
	if side == model.Standby {
		return b.standby
	}
	return b.primary
}

// SetDBDown / SetAuthDown simulate an outage for health-probe tests.
func (b *Backend) SetDBDown(side model.Side, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(side).dbDown = down
}

func (b *Backend) SetAuthDown(side model.Side, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(side).authDown = down
}

// PutDocument seeds a document directly, bypassing replication, for test
// setup.
func (b *Backend) PutDocument(side model.Side, collection string, doc model.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.collections[collection] == nil {
		s.collections[collection] = map[string]model.Document{}
	}
	s.collections[collection][doc.ID] = doc
}

// Document returns a seeded/written document for assertions.
func (b *Backend) Document(side model.Side, collection, id string) (model.Document, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.state(side).collections[collection][id]
	return d, ok
}

// PutUser seeds a user directly for test setup.
func (b *Backend) PutUser(side model.Side, u model.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(side).users[u.UID] = u
}

func (b *Backend) User(side model.Side, uid string) (model.User, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.state(side).users[uid]
	return u, ok
}

func (b *Backend) Claims(side model.Side, uid string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(side).claims[uid]
}

func (b *Backend) ListCollections(ctx context.Context, side model.Side) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.dbDown {
		return nil, model.ErrUnavailable
	}
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names, nil
}

func (b *Backend) ScanSince(ctx context.Context, side model.Side, collection, since string, hasSince bool) ([]model.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.dbDown {
		return nil, model.ErrUnavailable
	}
	var out []model.Document
	for _, doc := range s.collections[collection] {
		if hasSince && doc.HasTimestamp() && model.CompareTimestamps(doc.EffectiveTimestamp(), since) <= 0 {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (b *Backend) MultiGet(ctx context.Context, side model.Side, collection string, ids []string) (map[string]model.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.dbDown {
		return nil, model.ErrUnavailable
	}
	out := map[string]model.Document{}
	for _, id := range ids {
		if d, ok := s.collections[collection][id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (b *Backend) CommitWrite(ctx context.Context, side model.Side, collection string, docs []model.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.dbDown {
		return model.ErrUnavailable
	}
	if len(docs) == 0 {
		return nil
	}
	if s.collections[collection] == nil {
		s.collections[collection] = map[string]model.Document{}
	}
	for _, d := range docs {
		existing, ok := s.collections[collection][d.ID]
		if !ok {
			s.collections[collection][d.ID] = d
			continue
		}
		merged := existing
		for k, v := range d.Data {
			if merged.Data == nil {
				merged.Data = map[string]any{}
			}
			merged.Data[k] = v
		}
		merged.UpdatedAt = d.UpdatedAt
		merged.CreatedAt = d.CreatedAt
		s.collections[collection][d.ID] = merged
	}
	return nil
}

func (b *Backend) ListUsers(ctx context.Context, side model.Side, pageToken string) ([]model.User, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.authDown {
		return nil, "", model.ErrUnavailable
	}
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	// Pagination is not meaningfully exercised by an in-memory map; all
	// users are returned on the first page, matching a single-page result.
	return out, "", nil
}

func (b *Backend) ImportUsers(ctx context.Context, side model.Side, users []model.User, hash model.HashParams) (gateway.ImportResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.authDown {
		return gateway.ImportResult{}, model.ErrUnavailable
	}
	res := gateway.ImportResult{}
	for i, u := range users {
		if u.UID == "" {
			res.FailureCount++
			res.Errors = append(res.Errors, gateway.ImportError{Index: i, Reason: "missing uid"})
			continue
		}
		s.users[u.UID] = u
		res.SuccessCount++
	}
	return res, nil
}

func (b *Backend) SetCustomClaims(ctx context.Context, side model.Side, uid string, claims map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	if s.authDown {
		return model.ErrUnavailable
	}
	if _, ok := s.users[uid]; !ok {
		return fmt.Errorf("%w: unknown uid %q", model.ErrInvalid, uid)
	}
	if s.claims[uid] == nil {
		s.claims[uid] = map[string]any{}
	}
	for k, v := range claims {
		s.claims[uid][k] = v
	}
	return nil
}

func (b *Backend) Probe(ctx context.Context, side model.Side, kind gateway.ProbeKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(side)
	switch kind {
	case gateway.ProbeAuth:
		if s.authDown {
			return model.ErrUnavailable
		}
	default:
		if s.dbDown {
			return model.ErrUnavailable
		}
	}
	return nil
}
