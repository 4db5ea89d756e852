// Package postgres implements the networked relational storage
// backend (spec.md §4.1) on github.com/lib/pq. The document table
// uses a jsonb payload column; change capture rides Postgres's
// LISTEN/NOTIFY via pq.Listener rather than the in-process broadcast
// the sqlite backend uses, since multiple server processes may share
// one Postgres instance.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/protoerr"
	"github.com/livetable/livetable/internal/storage"
	"go.uber.org/zap"
)

const notifyChannel = "livetable_changes"

// Config configures an Adapter's connection pool. PoolSize mirrors
// the teacher's driver convention of a small, explicit pool rather
// than database/sql's unbounded default.
type Config struct {
	DSN      string
	PoolSize int
}

type Adapter struct {
	db  *sql.DB
	log *zap.Logger

	listener *pq.Listener

	mu        sync.RWMutex
	listeners map[int]chan document.ChangeRecord
	nextLisID int

	closeOnce sync.Once
	done      chan struct{}
}

// Open establishes the connection pool, ensures the schema exists,
// and starts the LISTEN/NOTIFY bridge goroutine.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Adapter, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	a := &Adapter{
		db:        db,
		log:       log,
		listeners: make(map[int]chan document.ChangeRecord),
		done:      make(chan struct{}),
	}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(cfg.DSN, 10*time.Second, time.Minute, a.onListenerEvent)
	if err := listener.Listen(notifyChannel); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: listen %s: %w", notifyChannel, err)
	}
	a.listener = listener
	go a.pumpNotifications()

	return a, nil
}

func (a *Adapter) onListenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		a.log.Warn("postgres listener event", zap.Error(err))
	}
}

func (a *Adapter) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		id UUID NOT NULL,
		collection TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS change_log (
		seq BIGSERIAL PRIMARY KEY,
		collection TEXT NOT NULL,
		document_id UUID NOT NULL,
		op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
		old_payload JSONB,
		new_payload JSONB,
		captured_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_seq ON change_log (seq);
	`
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		if a.listener != nil {
			err = a.listener.Close()
		}
		a.mu.Lock()
		for _, ch := range a.listeners {
			close(ch)
		}
		a.listeners = nil
		a.mu.Unlock()
		if dbErr := a.db.Close(); err == nil {
			err = dbErr
		}
	})
	return err
}

// FieldSQL extracts a dotted JSON path from the jsonb payload column.
// `payload->'a'->'b'` stays jsonb at every intermediate step;
// `->>'last'` turns the final hop into text. numeric requests a
// numeric cast of that text, since jsonb has no native typed
// extraction-to-numeric operator usable inside a WHERE comparison.
func (Adapter) FieldSQL(path []string, numeric bool) string {
	var b strings.Builder
	b.WriteString("payload")
	for i, seg := range path {
		escaped := strings.ReplaceAll(seg, "'", "''")
		if i == len(path)-1 {
			fmt.Fprintf(&b, "->>'%s'", escaped)
		} else {
			fmt.Fprintf(&b, "->'%s'", escaped)
		}
	}
	if numeric {
		return "((" + b.String() + ")::numeric)"
	}
	return b.String()
}

func (Adapter) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

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
			`INSERT INTO documents (id, collection, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			doc.ID, collection, string(doc.Data), now, now)
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
	var idStr, collStr, payload string
	var createdAt, updatedAt time.Time
	row := a.db.QueryRowContext(ctx,
		`SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	if err := row.Scan(&idStr, &collStr, &payload, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return document.Document{}, protoerr.Wrap(protoerr.KindNotFound, err, "document %s/%s not found", collection, id)
		}
		return document.Document{}, wrapSQLErr(err)
	}
	parsedID, err := document.ParseID(idStr)
	if err != nil {
		return document.Document{}, protoerr.Wrap(protoerr.KindInternal, err, "corrupt document id %q", idStr)
	}
	return document.Document{
		ID: parsedID, Collection: collStr, Data: json.RawMessage(payload),
		CreatedAt: createdAt.UTC(), UpdatedAt: updatedAt.UTC(),
	}, nil
}

func (a *Adapter) Update(ctx context.Context, collection, id string, payload []byte) (document.Document, error) {
	var result document.Document
	err := a.withTx(ctx, func(tx *sql.Tx, stage *txStage) error {
		var oldPayload string
		row := tx.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, id)
		if err := row.Scan(&oldPayload); err != nil {
			if err == sql.ErrNoRows {
				return protoerr.Wrap(protoerr.KindNotFound, err, "document %s/%s not found", collection, id)
			}
			return wrapSQLErr(err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET payload = $1, updated_at = $2 WHERE collection = $3 AND id = $4`,
			string(payload), now, collection, id)
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
		result = document.Document{ID: parsedID, Collection: collection, Data: json.RawMessage(payload), UpdatedAt: now}
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
		row := tx.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, id)
		if err := row.Scan(&oldPayload); err != nil {
			if err == sql.ErrNoRows {
				return protoerr.Wrap(protoerr.KindNotFound, err, "document %s/%s not found", collection, id)
			}
			return wrapSQLErr(err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
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

func (a *Adapter) List(ctx context.Context, collection string, whereSQL string, args []any, order *storage.ListOrder, limit *int64) ([]document.Document, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = $1`)
	allArgs := []any{collection}
	if whereSQL != "" {
		q.WriteString(" AND ")
		q.WriteString(whereSQL)
		allArgs = append(allArgs, args...)
	}
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
		fmt.Fprintf(&q, " LIMIT $%d", len(allArgs)+1)
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
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&idStr, &collStr, &payload, &createdAt, &updatedAt); err != nil {
			return nil, wrapSQLErr(err)
		}
		parsedID, err := document.ParseID(idStr)
		if err != nil {
			continue
		}
		out = append(out, document.Document{
			ID: parsedID, Collection: collStr, Data: json.RawMessage(payload),
			CreatedAt: createdAt.UTC(), UpdatedAt: updatedAt.UTC(),
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

// OpenChangeStream backfills the caller up to the current highest
// sequence, then registers a live listener fed by pumpNotifications.
// Because Postgres NOTIFY payloads are capped at 8000 bytes, the
// notification itself carries only the new sequence number (spec.md
// §9 grounds this choice); the listener re-reads change_log by seq.
func (a *Adapter) OpenChangeStream(ctx context.Context, afterSeq int64) (<-chan document.ChangeRecord, error) {
	backfill, err := a.changesAfter(ctx, afterSeq)
	if err != nil {
		return nil, err
	}

	ch := make(chan document.ChangeRecord, 256)
	a.mu.Lock()
	id := a.nextLisID
	a.nextLisID++
	a.listeners[id] = ch
	a.mu.Unlock()

	go func() {
		for _, rec := range backfill {
			select {
			case ch <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-a.done:
		}
		a.mu.Lock()
		if a.listeners != nil {
			delete(a.listeners, id)
		}
		a.mu.Unlock()
	}()

	return ch, nil
}

func (a *Adapter) changesAfter(ctx context.Context, afterSeq int64) ([]document.ChangeRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT seq, collection, document_id, op, old_payload, new_payload, captured_at FROM change_log WHERE seq > $1 ORDER BY seq ASC`,
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
	var capturedAt time.Time
	if err := rows.Scan(&rec.Seq, &rec.Collection, &idStr, &op, &oldPayload, &newPayload, &capturedAt); err != nil {
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
	rec.CapturedAt = capturedAt.UTC()
	return rec, nil
}

type txStage struct {
	lastSeq int64
	staged  bool
}

func (a *Adapter) appendChange(ctx context.Context, tx *sql.Tx, stage *txStage, collection, id string, op document.Op, oldPayload, newPayload json.RawMessage, at time.Time) error {
	var seq int64
	row := tx.QueryRowContext(ctx,
		`INSERT INTO change_log (collection, document_id, op, old_payload, new_payload, captured_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		collection, id, string(op), nullableText(oldPayload), nullableText(newPayload), at)
	if err := row.Scan(&seq); err != nil {
		return wrapSQLErr(err)
	}
	// NOTIFY fires only after commit per Postgres semantics, so this
	// is safe to issue inside the same transaction as the write —
	// the change-log-as-source-of-truth invariant spec.md §4.2
	// requires.
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, fmt.Sprintf("%d", seq)); err != nil {
		return wrapSQLErr(err)
	}
	stage.lastSeq = seq
	stage.staged = true
	return nil
}

func nullableText(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// withTx differs from the sqlite backend's: it does not need to
// collect the full ChangeRecord to broadcast locally, since
// pg_notify already handed the new sequence number to every listening
// process (including this one) through the wire protocol. The txStage
// it hands to fn is not read after commit.
func (a *Adapter) withTx(ctx context.Context, fn func(tx *sql.Tx, stage *txStage) error) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stage := &txStage{}
	if err = fn(tx, stage); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return wrapSQLErr(err)
	}
	return nil
}

// pumpNotifications bridges pq.Listener's notification channel into
// per-subscriber fan-out, re-reading change_log by the notified
// sequence so every listener sees the full record, not just its
// number.
func (a *Adapter) pumpNotifications() {
	for {
		select {
		case <-a.done:
			return
		case n, ok := <-a.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Connection-loss notification: pq.Listener already
				// reconnects and re-issues LISTEN; a resubscribing
				// client resumes from its own watermark so no gap is
				// introduced here.
				continue
			}
			a.handleNotification(n.Extra)
		}
	}
}

func (a *Adapter) handleNotification(payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seq int64
	if _, err := fmt.Sscanf(payload, "%d", &seq); err != nil {
		a.log.Warn("postgres: malformed notify payload", zap.String("payload", payload))
		return
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT seq, collection, document_id, op, old_payload, new_payload, captured_at FROM change_log WHERE seq = $1`,
		seq)
	if err != nil {
		a.log.Warn("postgres: re-read change_log after notify failed", zap.Error(err))
		return
	}
	defer rows.Close()
	if !rows.Next() {
		return
	}
	rec, err := scanChangeRow(rows)
	if err != nil {
		a.log.Warn("postgres: scan change_log row failed", zap.Error(err))
		return
	}

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

func wrapSQLErr(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, transaction rollback, insufficient resources, operator intervention
			return protoerr.Wrap(protoerr.KindBackendTransient, err, "postgres transient error")
		}
	}
	return protoerr.Wrap(protoerr.KindBackendFatal, err, "postgres error")
}
