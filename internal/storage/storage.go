// Package storage defines the single capability set that abstracts
// over the two concrete backends (embedded sqlite, networked
// postgres), per spec.md §4.1 and Design Note §9 "Two backends with
// one capability set".
//
// Grounded on nodestorage/v2's Storage[T] interface (storage.go):
// the same FindOne/FindMany/Upsert/Update/Delete/Watch shape,
// generalized from a generic Mongo-backed Cachable[T] type to the
// schema-less JSON Document this spec requires, and from a BSON
// change stream to a SQL change-log table.
package storage

import (
	"context"
	"time"

	"github.com/livetable/livetable/internal/document"
)

// Adapter is the uniform CRUD + change-stream capability set spec.md
// §4.1 requires. Both concrete backends (sqlite.Adapter,
// postgres.Adapter) implement it.
type Adapter interface {
	// Insert assigns an identifier, persists the document, and emits
	// a change record of kind insert — atomically with the write.
	Insert(ctx context.Context, collection string, payload []byte) (document.Document, error)

	// Get retrieves a document by id. Returns an error whose
	// protoerr.KindOf is KindNotFound if absent.
	Get(ctx context.Context, collection, id string) (document.Document, error)

	// Update replaces a document's payload wholesale and emits a
	// change record carrying both the old and new payload.
	Update(ctx context.Context, collection, id string, payload []byte) (document.Document, error)

	// Delete removes a document and emits a change record carrying
	// the old payload.
	Delete(ctx context.Context, collection, id string) (document.Document, error)

	// List executes a pre-compiled SQL fragment (as produced by
	// compiler.Compile) constrained to collection.
	List(ctx context.Context, collection string, whereSQL string, args []any, order *ListOrder, limit *int64) ([]document.Document, error)

	// ListCollections returns each currently non-empty collection
	// name with its document count.
	ListCollections(ctx context.Context) ([]document.CollectionStats, error)

	// OpenChangeStream returns an ordered, at-most-once-per-subscriber
	// channel of change records with sequence strictly greater than
	// afterSeq. Nothing more is sent once ctx is done; the channel
	// itself is not closed on ctx done, so readers watch ctx too.
	OpenChangeStream(ctx context.Context, afterSeq int64) (<-chan document.ChangeRecord, error)

	// HighestSequence returns the current highest committed change
	// sequence number, used to establish a subscription's snapshot
	// watermark (spec.md §4.6 step 2).
	HighestSequence(ctx context.Context) (int64, error)

	// JSONPathCompiler exposes the one capability whose SQL text
	// differs per backend.
	JSONPathCompiler

	// Close releases adapter resources (connection pool, file
	// handle, background listener goroutine).
	Close() error
}

// ListOrder is a single-field ORDER BY clause resolved to backend SQL
// by JSONPathCompiler.FieldSQL; direction is applied by the adapter.
type ListOrder struct {
	SQL       string // e.g. json_extract(payload, '$.a.b')
	Ascending bool
}

// JSONPathCompiler is the only per-backend divergence point spec.md
// Design Note §9 calls out: translating a dotted field path into the
// backend's JSON-extraction SQL expression.
type JSONPathCompiler interface {
	// FieldSQL returns the SQL expression extracting path from the
	// payload column. numeric requests a numeric-typed extraction
	// (for numeric comparisons); otherwise text is returned.
	FieldSQL(path []string, numeric bool) string

	// Placeholder returns the positional parameter placeholder for
	// argument index n (1-based): "?" for sqlite, "$n" for postgres.
	Placeholder(n int) string
}

// RetryPolicy bounds the backoff used by adapters for
// protoerr.ErrBackendTransient, grounded on nodestorage/v2's
// EditOptions retry shape (MaxRetries/RetryDelay/MaxRetryDelay/
// RetryJitter), repurposed here for adapter-level transient backend
// errors rather than optimistic-concurrency retries.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	Deadline      time.Duration
}

// DefaultRetryPolicy mirrors the bounded-exponential-backoff behavior
// spec.md §4.1 "Failure" requires.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       0.2,
		Deadline:     10 * time.Second,
	}
}
