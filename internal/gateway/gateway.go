// Package gateway implements the DB Gateway (spec §4.1): a thin capability
// wrapper over each backend document-store handle and each authentication-
// directory handle. It is grounded on DBAShand-cdc-sink-redshift/sink.go's
// shape (a Sink wrapping a *sql.DB handle, exposing upsert/probe operations)
// generalized from relational rows to documents, plus microbatch.Batcher
// for bounded-batch write accumulation and go-catrate for retry pacing.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docreplica/replicator/internal/config"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
)

var tracer = otel.Tracer("github.com/docreplica/replicator/internal/gateway")

// ProbeKind identifies which of the four endpoints a Probe call targets.
type ProbeKind int

const (
	ProbeDB ProbeKind = iota
	ProbeAuth
)

// ImportResult is the outcome of a bulk ImportUsers call (spec §4.1/§4.6).
type ImportResult struct {
	SuccessCount int
	FailureCount int
	Errors       []ImportError
}

// ImportError names one failed record within a bulk import.
type ImportError struct {
	Index  int
	Reason string
}

// Backend is the capability surface a concrete document-store / auth-
// directory driver must implement. The engine never talks to a backend
// directly; it always goes through a Gateway, which adds retries, batching
// and tracing.
type Backend interface {
	ListCollections(ctx context.Context, side model.Side) ([]string, error)
	// ScanSince streams documents from collection. If hasSince is false,
	// all documents are returned; otherwise only those with
	// UpdatedAt > since (server-side filtered).
	ScanSince(ctx context.Context, side model.Side, collection string, since string, hasSince bool) ([]model.Document, error)
	MultiGet(ctx context.Context, side model.Side, collection string, ids []string) (map[string]model.Document, error)
	// CommitWrite performs one atomic, merge-semantics batch write. The
	// caller (Gateway) guarantees len(docs) <= config.BatchWriteCap.
	CommitWrite(ctx context.Context, side model.Side, collection string, docs []model.Document) error
	ListUsers(ctx context.Context, side model.Side, pageToken string) (users []model.User, nextPageToken string, err error)
	ImportUsers(ctx context.Context, side model.Side, users []model.User, hash model.HashParams) (ImportResult, error)
	SetCustomClaims(ctx context.Context, side model.Side, uid string, claims map[string]any) error
	Probe(ctx context.Context, side model.Side, kind ProbeKind) error
}

// Gateway wraps a Backend with retry-with-backoff (spec §7), bounded batch
// writes (spec §4.1), and tracing.
type Gateway struct {
	backend    Backend
	log        obslog.Logger
	maxRetries int
	retryPacer *catrate.Limiter
}

// New constructs a Gateway. maxRetries is MAX_RETRY_ATTEMPTS (spec §6).
func New(backend Backend, log obslog.Logger, maxRetries int) *Gateway {
	if log == nil {
		log = obslog.Discard{}
	}
	return &Gateway{
		backend:    backend,
		log:        log,
		maxRetries: maxRetries,
		// paces retry attempts per (side,collection,op) category: at most
		// 5 retries per second, 30 per minute, so a misbehaving endpoint
		// can't be hammered by a hot retry loop.
		retryPacer: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		}),
	}
}

func isTransient(err error) bool {
	return errors.Is(err, model.ErrUnavailable) || errors.Is(err, model.ErrThrottled)
}

// withRetry retries fn while it returns a transient error (spec §7),
// pacing attempts with the Gateway's catrate limiter so repeated failures
// back off instead of hammering the endpoint.
func (g *Gateway) withRetry(ctx context.Context, category string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= g.maxRetries {
			return err
		}
		wait := time.Duration(attempt+1) * 100 * time.Millisecond
		if next, ok := g.retryPacer.Allow(category); !ok {
			if until := time.Until(next); until > wait {
				wait = until
			}
		}
		g.log.WithField("category", category).WithField("attempt", attempt+1).WithError(err).Warn("gateway: retrying after transient error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (g *Gateway) ListCollections(ctx context.Context, side model.Side) ([]string, error) {
	ctx, span := startSpan(ctx, "gateway.ListCollections", attribute.String("side", side.String()))
	defer func() { endSpan(span, nil) }()

	var out []string
	err := g.withRetry(ctx, "list:"+side.String(), func(ctx context.Context) error {
		var err error
		out, err = g.backend.ListCollections(ctx, side)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (g *Gateway) ScanSince(ctx context.Context, side model.Side, collection, since string, hasSince bool) ([]model.Document, error) {
	ctx, span := startSpan(ctx, "gateway.ScanSince",
		attribute.String("side", side.String()),
		attribute.String("collection", collection),
	)
	defer func() { endSpan(span, nil) }()

	var out []model.Document
	err := g.withRetry(ctx, "scan:"+side.String()+":"+collection, func(ctx context.Context) error {
		var err error
		out, err = g.backend.ScanSince(ctx, side, collection, since, hasSince)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (g *Gateway) MultiGet(ctx context.Context, side model.Side, collection string, ids []string) (map[string]model.Document, error) {
	ctx, span := startSpan(ctx, "gateway.MultiGet",
		attribute.String("side", side.String()),
		attribute.String("collection", collection),
		attribute.Int("ids", len(ids)),
	)
	defer func() { endSpan(span, nil) }()

	var out map[string]model.Document
	err := g.withRetry(ctx, "multiget:"+side.String()+":"+collection, func(ctx context.Context) error {
		var err error
		out, err = g.backend.MultiGet(ctx, side, collection, ids)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// commitWrite performs exactly one atomic batch commit of docs. It does not
// split an oversized slice; its only caller is WriteBatcher.process, whose
// batches never exceed config.BatchWriteCap.
func (g *Gateway) commitWrite(ctx context.Context, side model.Side, collection string, docs []model.Document) error {
	ctx, span := startSpan(ctx, "gateway.CommitWrite",
		attribute.String("side", side.String()),
		attribute.String("collection", collection),
		attribute.Int("docs", len(docs)),
	)
	defer func() { endSpan(span, nil) }()

	err := g.withRetry(ctx, "write:"+side.String()+":"+collection, func(ctx context.Context) error {
		return g.backend.CommitWrite(ctx, side, collection, docs)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (g *Gateway) ListUsers(ctx context.Context, side model.Side, pageToken string) ([]model.User, string, error) {
	ctx, span := startSpan(ctx, "gateway.ListUsers", attribute.String("side", side.String()))
	defer func() { endSpan(span, nil) }()

	var (
		users []model.User
		next  string
	)
	err := g.withRetry(ctx, "listusers:"+side.String(), func(ctx context.Context) error {
		var err error
		users, next, err = g.backend.ListUsers(ctx, side, pageToken)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return users, next, err
}

func (g *Gateway) ImportUsers(ctx context.Context, side model.Side, users []model.User, hash model.HashParams) (ImportResult, error) {
	ctx, span := startSpan(ctx, "gateway.ImportUsers",
		attribute.String("side", side.String()),
		attribute.Int("users", len(users)),
	)
	defer func() { endSpan(span, nil) }()

	var res ImportResult
	err := g.withRetry(ctx, "importusers:"+side.String(), func(ctx context.Context) error {
		var err error
		res, err = g.backend.ImportUsers(ctx, side, users, hash)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (g *Gateway) SetCustomClaims(ctx context.Context, side model.Side, uid string, claims map[string]any) error {
	ctx, span := startSpan(ctx, "gateway.SetCustomClaims", attribute.String("side", side.String()), attribute.String("uid", uid))
	defer func() { endSpan(span, nil) }()

	err := g.withRetry(ctx, "claims:"+side.String(), func(ctx context.Context) error {
		return g.backend.SetCustomClaims(ctx, side, uid, claims)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (g *Gateway) Probe(ctx context.Context, side model.Side, kind ProbeKind) error {
	ctx, span := startSpan(ctx, "gateway.Probe", attribute.String("side", side.String()), attribute.Int("kind", int(kind)))
	defer func() { endSpan(span, nil) }()

	err := g.backend.Probe(ctx, side, kind)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// writeJob is one pending document write, submitted to a WriteBatcher.
type writeJob struct {
	doc model.Document
}

// WriteBatcher accumulates documents destined for one (side, collection)
// and commits them in atomic chunks of at most config.BatchWriteCap
// operations, using github.com/joeycumines/go-microbatch. It implements the
// "accumulate until 450, then commit; commit the final residual on close"
// behavior from spec §4.4 step 3c/4.
type WriteBatcher struct {
	batcher    *microbatch.Batcher[*writeJob]
	gw         *Gateway
	side       model.Side
	collection string
	onCommit   func(committed int, err error)
}

// NewWriteBatcher creates a WriteBatcher for one collection on one side.
// onCommit, if non-nil, is invoked once per successful or failed batch
// commit with the number of documents in that batch; it is the hook
// internal/replicate uses to emit progress events only after the batch
// commit that produced them.
func (g *Gateway) NewWriteBatcher(side model.Side, collection string, onCommit func(committed int, err error)) *WriteBatcher {
	wb := &WriteBatcher{gw: g, side: side, collection: collection, onCommit: onCommit}
	wb.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize: config.BatchWriteCap,
		// time-based flush is unnecessary: the caller always Close()s the
		// batcher at the end of its scan, which flushes any residual.
		FlushInterval:  -1,
		MaxConcurrency: 1, // preserves commit order within a collection, per spec §5
	}, wb.process)
	return wb
}

func (wb *WriteBatcher) process(ctx context.Context, jobs []*writeJob) error {
	docs := make([]model.Document, len(jobs))
	for i, j := range jobs {
		docs[i] = j.doc
	}
	err := wb.gw.commitWrite(ctx, wb.side, wb.collection, docs)
	if wb.onCommit != nil {
		wb.onCommit(len(docs), err)
	}
	return err
}

// Submit schedules doc for write. The returned JobResult's Wait method
// reports whether the batch this document landed in committed
// successfully.
func (wb *WriteBatcher) Submit(ctx context.Context, doc model.Document) (*microbatch.JobResult[*writeJob], error) {
	return wb.batcher.Submit(ctx, &writeJob{doc: doc})
}

// Close flushes any residual (<cap) batch and waits for all in-flight
// commits to finish.
func (wb *WriteBatcher) Close(ctx context.Context) error {
	return wb.batcher.Shutdown(ctx)
}

