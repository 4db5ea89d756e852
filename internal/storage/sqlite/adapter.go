// Package sqlite implements the embedded single-file storage backend
// (spec.md §4.1) on top of modernc.org/sqlite, the pure-Go driver
// hazyhaar-GoClode's core.Engine uses for its own single-file SQL
// store. The WAL/busy_timeout pragma string and the change-log-table
// idiom below are grounded on that file (internal/core/db.go).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/protoerr"
	"github.com/livetable/livetable/internal/storage"
	"go.uber.org/zap"
)

// Adapter is the sqlite-backed storage.Adapter. A single *sql.DB is
// safe for concurrent use; it is limited to one open connection, so
// reads and writes are serialized through it.
type Adapter struct {
	db  *sql.DB
	log *zap.Logger

	mu        sync.RWMutex
	listeners map[int]chan document.ChangeRecord
	nextLisID int
}

// Open opens (creating if absent) a sqlite database file at path with
// the pragmas hazyhaar-GoClode's engine sets for its own store: WAL
// journaling so readers never block on a writer, NORMAL synchronous
// (durable enough with WAL, much cheaper than FULL), and a
// busy_timeout so concurrent writers retry in-driver instead of
// surfacing SQLITE_BUSY immediately.
func Open(path string, log *zap.Logger) (*Adapter, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The pure-Go driver serializes writes internally; a single
	// connection avoids spurious SQLITE_BUSY under our own load.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	a := &Adapter{db: db, log: log, listeners: make(map[int]chan document.ChangeRecord)}
	if err := a.initSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL,
		collection TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		document_id TEXT NOT NULL,
		op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
		old_payload TEXT,
		new_payload TEXT,
		captured_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_seq ON change_log(seq);
	`
	_, err := a.db.Exec(schema)
	return err
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	for _, ch := range a.listeners {
		close(ch)
	}
	a.listeners = nil
	a.mu.Unlock()
	return a.db.Close()
}

// FieldSQL extracts a dotted JSON path from the payload column.
// modernc.org/sqlite's json_extract unboxes scalars directly; the
// numeric flag only matters for backends where extraction is
// text-typed by default (postgres), so sqlite ignores it.
func (Adapter) FieldSQL(path []string, _ bool) string {
	return fmt.Sprintf("json_extract(payload, '$.%s')", strings.Join(path, "."))
}

func (Adapter) Placeholder(int) string { return "?" }

func (a *Adapter) Insert(ctx context.Context, collection string, payload []byte) (document.Document, error) {
	doc := document.Document{
		ID:         document.NewID(),
		Collection: collection,
		Data:       json.RawMessage(payload),
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now

	err := a.withTx(ctx, func(tx *sql.Tx, stage *txStage) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, collection, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			doc.ID.String(), collection, string(doc.Data), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return wrapSQLErr(err)
		}
		return a.appendChange(ctx, tx, stage, collection, doc.ID.String(), document.OpInsert, nil, doc.Data, now)
	})
	if err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

func (a *Adapter) Get(ctx context.Context, collection, id string) (document.Document, error) {
	var doc document.Document
	var payload string
	var createdUnix, updatedUnix int64
	row := a.db.QueryRowContext(ctx,
		`SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	var idStr, collStr string
	if err := row.Scan(&idStr, &collStr, &payload, &createdUnix, &updatedUnix); err != nil {
		if err == sql.ErrNoRows {
			return document.Document{}, protoerr.Wrap(protoerr.KindNotFound, err, "document %s/%s not found", collection, id)
		}
		return document.Document{}, wrapSQLErr(err)
	}
	parsedID, err := document.ParseID(idStr)
	if err != nil {
		return document.Document{}, protoerr.Wrap(protoerr.KindInternal, err, "corrupt document id %q", idStr)
	}
	doc.ID = parsedID
	doc.Collection = collStr
	doc.Data = json.RawMessage(payload)
	doc.CreatedAt = time.UnixMilli(createdUnix).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedUnix).UTC()
	return doc, nil
}

func (a *Adapter) Update(ctx context.Context, collection, id string, payload []byte) (document.Document, error) {
	var result document.Document
	err := a.withTx(ctx, func(tx *sql.Tx, stage *txStage) error {
		var oldPayload string
		row := tx.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection = ? AND id = ?`, collection, id)
		if err := row.Scan(&oldPayload); err != nil {
			if err == sql.ErrNoRows {
				return protoerr.Wrap(protoerr.KindNotFound, err, "document %s/%s not found", collection, id)
			}
			return wrapSQLErr(err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET payload = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(payload), now.UnixMilli(), collection, id)
		if err != nil {
			return wrapSQLErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return protoerr.New(protoerr.KindNotFound, "document %s/%s not found", collection, id)
		}

		parsedID, err := document.ParseID(id)
		if err != nil {
			return protoerr.Wrap(protoerr.KindInvalidIdentifier, err, "invalid document id %q", id)
		}
		result = document.Document{
			ID:         parsedID,
			Collection: collection,
			Data:       json.RawMessage(payload),
			UpdatedAt:  now,
		}
		return a.appendChange(ctx, tx, stage, collection, id, document.OpUpdate, json.RawMessage(oldPayload), result.Data, now)
	})
	if err != nil {
		return document.Document{}, err
	}
	return result, nil
}

func (a *Adapter) Delete(ctx context.Context, collection, id string) (document.Document, error) {
	var result document.Document
	err := a.withTx(ctx, func(tx *sql.Tx, stage *txStage) error {
		var oldPayload string
		row := tx.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection = ? AND id = ?`, collection, id)
		if err := row.Scan(&oldPayload); err != nil {
			if err == sql.ErrNoRows {
				return protoerr.Wrap(protoerr.KindNotFound, err, "document %s/%s not found", collection, id)
			}
			return wrapSQLErr(err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return wrapSQLErr(err)
		}

		now := time.Now().UTC()
		parsedID, err := document.ParseID(id)
		if err != nil {
			return protoerr.Wrap(protoerr.KindInvalidIdentifier, err, "invalid document id %q", id)
		}
		result = document.Document{ID: parsedID, Collection: collection, Data: json.RawMessage(oldPayload), UpdatedAt: now}
		return a.appendChange(ctx, tx, stage, collection, id, document.OpDelete, json.RawMessage(oldPayload), nil, now)
	})
	if err != nil {
		return document.Document{}, err
	}
	return result, nil
}

// List runs a pre-compiled WHERE fragment against one collection. The
// collection equality predicate spec.md §4.4 calls mandatory is
// always added here, never left to the caller.
func (a *Adapter) List(ctx context.Context, collection string, whereSQL string, args []any, order *storage.ListOrder, limit *int64) ([]document.Document, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = ?`)
	allArgs := []any{collection}
	if whereSQL != "" {
		q.WriteString(" AND ")
		q.WriteString(whereSQL)
		allArgs = append(allArgs, args...)
	}
	// Deterministic tie-break by document id, per spec.md §4.4
	// testable property 4.
	if order != nil {
		dir := "ASC"
		if !order.Ascending {
			dir = "DESC"
		}
		fmt.Fprintf(&q, " ORDER BY %s %s, id ASC", order.SQL, dir)
	} else {
		q.WriteString(" ORDER BY id ASC")
	}
	if limit != nil {
		q.WriteString(" LIMIT ?")
		allArgs = append(allArgs, *limit)
	}

	rows, err := a.db.QueryContext(ctx, q.String(), allArgs...)
	if err != nil {
		return nil, wrapSQLErr(err)
	}
	defer rows.Close()

	var out []document.Document
	for rows.Next() {
		var idStr, collStr, payload string
		var createdUnix, updatedUnix int64
		if err := rows.Scan(&idStr, &collStr, &payload, &createdUnix, &updatedUnix); err != nil {
			return nil, wrapSQLErr(err)
		}
		parsedID, err := document.ParseID(idStr)
		if err != nil {
			continue
		}
		out = append(out, document.Document{
			ID:         parsedID,
			Collection: collStr,
			Data:       json.RawMessage(payload),
			CreatedAt:  time.UnixMilli(createdUnix).UTC(),
			UpdatedAt:  time.UnixMilli(updatedUnix).UTC(),
		})
	}
	return out, rows.Err()
}

func (a *Adapter) ListCollections(ctx context.Context) ([]document.CollectionStats, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM documents GROUP BY collection ORDER BY collection`)
	if err != nil {
		return nil, wrapSQLErr(err)
	}
	defer rows.Close()

	var out []document.CollectionStats
	for rows.Next() {
		var stats document.CollectionStats
		if err := rows.Scan(&stats.Name, &stats.Count); err != nil {
			return nil, wrapSQLErr(err)
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

func (a *Adapter) HighestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	row := a.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`)
	if err := row.Scan(&seq); err != nil {
		return 0, wrapSQLErr(err)
	}
	return seq.Int64, nil
}

// OpenChangeStream registers an in-process listener fed by
// appendChange. Because the sqlite backend only ever runs inside a
// single process, there is no cross-process notification mechanism to
// bridge — the channel is fed directly at commit time, grounded on
// StorageImpl's subscriber-map broadcast pattern
// (nodestorage/v2/storage_impl.go) generalized from "one type T" to
// "any collection name".
func (a *Adapter) OpenChangeStream(ctx context.Context, afterSeq int64) (<-chan document.ChangeRecord, error) {
	// The listener must be registered before the backfill query runs:
	// otherwise a write committing in between is visible to neither,
	// a gap the §4.6 exactly-once guarantee forbids. Registering first
	// can instead double-deliver a write that lands in both the
	// backfill rows and the live channel, so the merge goroutine below
	// drops anything off the live channel at or below the highest seq
	// backfill already delivered.
	raw := make(chan document.ChangeRecord, 256)
	a.mu.Lock()
	id := a.nextLisID
	a.nextLisID++
	a.listeners[id] = raw
	a.mu.Unlock()

	unregister := func() {
		a.mu.Lock()
		if a.listeners != nil {
			delete(a.listeners, id)
		}
		a.mu.Unlock()
	}

	backfill, err := a.changesAfter(ctx, afterSeq)
	if err != nil {
		unregister()
		return nil, err
	}

	out := make(chan document.ChangeRecord, 256)
	go func() {
		maxBackfillSeq := afterSeq
		for _, rec := range backfill {
			select {
			case out <- rec:
				maxBackfillSeq = rec.Seq
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case rec, ok := <-raw:
				if !ok {
					return
				}
				if rec.Seq <= maxBackfillSeq {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		unregister()
	}()

	return out, nil
}

func (a *Adapter) changesAfter(ctx context.Context, afterSeq int64) ([]document.ChangeRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT seq, collection, document_id, op, old_payload, new_payload, captured_at FROM change_log WHERE seq > ? ORDER BY seq ASC`,
		afterSeq)
	if err != nil {
		return nil, wrapSQLErr(err)
	}
	defer rows.Close()

	var out []document.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeRow(rows rowScanner) (document.ChangeRecord, error) {
	var rec document.ChangeRecord
	var idStr, op string
	var oldPayload, newPayload sql.NullString
	var capturedUnix int64
	if err := rows.Scan(&rec.Seq, &rec.Collection, &idStr, &op, &oldPayload, &newPayload, &capturedUnix); err != nil {
		return document.ChangeRecord{}, wrapSQLErr(err)
	}
	parsedID, err := document.ParseID(idStr)
	if err != nil {
		return document.ChangeRecord{}, protoerr.Wrap(protoerr.KindInternal, err, "corrupt change_log document id %q", idStr)
	}
	rec.DocumentID = parsedID
	rec.Op = document.Op(op)
	if oldPayload.Valid {
		rec.OldPayload = json.RawMessage(oldPayload.String)
	}
	if newPayload.Valid {
		rec.NewPayload = json.RawMessage(newPayload.String)
	}
	rec.CapturedAt = time.UnixMilli(capturedUnix).UTC()
	return rec, nil
}

// appendChange writes one change_log row in the same transaction as
// the document mutation (spec.md §4.2 "atomic with the write") and
// stages the resulting record on stage, a slice local to this one
// withTx call. withTx only broadcasts staged records after its
// transaction commits, so a subscriber never observes a change a
// concurrent crash could still roll back.
func (a *Adapter) appendChange(ctx context.Context, tx *sql.Tx, stage *txStage, collection, id string, op document.Op, oldPayload, newPayload json.RawMessage, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (collection, document_id, op, old_payload, new_payload, captured_at) VALUES (?, ?, ?, ?, ?, ?)`,
		collection, id, string(op), nullableText(oldPayload), nullableText(newPayload), at.UnixMilli())
	if err != nil {
		return wrapSQLErr(err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return wrapSQLErr(err)
	}

	docID, _ := document.ParseID(id)
	stage.recs = append(stage.recs, document.ChangeRecord{
		Seq: seq, Collection: collection, DocumentID: docID, Op: op,
		OldPayload: oldPayload, NewPayload: newPayload, CapturedAt: at,
	})
	return nil
}

func nullableText(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func (a *Adapter) broadcast(rec document.ChangeRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.listeners {
		select {
		case ch <- rec:
		default:
			a.log.Warn("change listener overrun, dropping", zap.Int64("seq", rec.Seq))
		}
	}
}

// txStage accumulates change records a transaction's callback stages
// via appendChange; it lives only for the duration of one withTx
// call, so concurrent callers never share mutable state.
type txStage struct {
	recs []document.ChangeRecord
}

// withTx wraps fn in a transaction and, only on successful commit,
// broadcasts any change records fn staged via appendChange.
func (a *Adapter) withTx(ctx context.Context, fn func(tx *sql.Tx, stage *txStage) error) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	stage := &txStage{}
	if err = fn(tx, stage); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return wrapSQLErr(err)
	}
	for _, rec := range stage.recs {
		a.broadcast(rec)
	}
	return nil
}

func wrapSQLErr(err error) error {
	if err == nil {
		return nil
	}
	// modernc.org/sqlite surfaces lock contention as a driver error
	// whose text names the busy/locked condition; WithRetry treats
	// that as transient rather than fatal.
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return protoerr.Wrap(protoerr.KindBackendTransient, err, "sqlite busy")
	}
	return protoerr.Wrap(protoerr.KindBackendFatal, err, "sqlite error")
}
