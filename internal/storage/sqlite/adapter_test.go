package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/document"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livetable.db")
	a, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapter_InsertGetRoundTrips(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	doc, err := a.Insert(ctx, "users", []byte(`{"name":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "users", doc.Collection)
	assert.JSONEq(t, `{"name":"alice"}`, string(doc.Data))

	got, err := a.Get(ctx, "users", doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.JSONEq(t, `{"name":"alice"}`, string(got.Data))
}

func TestAdapter_GetMissingDocumentIsNotFound(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Get(context.Background(), "users", document.NewID().String())
	assert.Error(t, err)
}

func TestAdapter_UpdateReplacesPayload(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	doc, err := a.Insert(ctx, "users", []byte(`{"name":"alice"}`))
	require.NoError(t, err)

	updated, err := a.Update(ctx, "users", doc.ID.String(), []byte(`{"name":"alicia"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alicia"}`, string(updated.Data))

	got, err := a.Get(ctx, "users", doc.ID.String())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alicia"}`, string(got.Data))
}

func TestAdapter_UpdateMissingDocumentIsNotFound(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Update(context.Background(), "users", document.NewID().String(), []byte(`{}`))
	assert.Error(t, err)
}

func TestAdapter_DeleteRemovesDocument(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	doc, err := a.Insert(ctx, "users", []byte(`{"name":"alice"}`))
	require.NoError(t, err)

	deleted, err := a.Delete(ctx, "users", doc.ID.String())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alice"}`, string(deleted.Data))

	_, err = a.Get(ctx, "users", doc.ID.String())
	assert.Error(t, err)
}

func TestAdapter_ListScopesToCollection(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "users", []byte(`{"name":"alice"}`))
	require.NoError(t, err)
	_, err = a.Insert(ctx, "users", []byte(`{"name":"bob"}`))
	require.NoError(t, err)
	_, err = a.Insert(ctx, "orders", []byte(`{"total":5}`))
	require.NoError(t, err)

	rows, err := a.List(ctx, "users", "", nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "users", row.Collection)
	}
}

func TestAdapter_ListAppliesWhereSQLAndLimit(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "users", []byte(`{"age":10}`))
	require.NoError(t, err)
	_, err = a.Insert(ctx, "users", []byte(`{"age":30}`))
	require.NoError(t, err)

	where := "json_extract(payload, '$.age') >= ?"
	limit := int64(10)
	rows, err := a.List(ctx, "users", where, []any{18}, nil, &limit)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"age":30}`, string(rows[0].Data))
}

func TestAdapter_ListCollectionsCountsDocuments(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "users", []byte(`{}`))
	require.NoError(t, err)
	_, err = a.Insert(ctx, "users", []byte(`{}`))
	require.NoError(t, err)
	_, err = a.Insert(ctx, "orders", []byte(`{}`))
	require.NoError(t, err)

	stats, err := a.ListCollections(ctx)
	require.NoError(t, err)

	byName := map[string]int64{}
	for _, s := range stats {
		byName[s.Name] = s.Count
	}
	assert.EqualValues(t, 2, byName["users"])
	assert.EqualValues(t, 1, byName["orders"])
}

func TestAdapter_OpenChangeStreamDeliversInsertUpdateDelete(t *testing.T) {
	a := openTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := a.OpenChangeStream(ctx, 0)
	require.NoError(t, err)

	doc, err := a.Insert(ctx, "users", []byte(`{"name":"alice"}`))
	require.NoError(t, err)
	_, err = a.Update(ctx, "users", doc.ID.String(), []byte(`{"name":"alicia"}`))
	require.NoError(t, err)
	_, err = a.Delete(ctx, "users", doc.ID.String())
	require.NoError(t, err)

	var ops []document.Op
	for i := 0; i < 3; i++ {
		select {
		case rec := <-changes:
			ops = append(ops, rec.Op)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for change record")
		}
	}
	assert.Equal(t, []document.Op{document.OpInsert, document.OpUpdate, document.OpDelete}, ops)
}

func TestAdapter_OpenChangeStreamBackfillsFromAfterSeq(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "users", []byte(`{"n":1}`))
	require.NoError(t, err)
	highest, err := a.HighestSequence(ctx)
	require.NoError(t, err)

	_, err = a.Insert(ctx, "users", []byte(`{"n":2}`))
	require.NoError(t, err)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, err := a.OpenChangeStream(streamCtx, highest)
	require.NoError(t, err)

	select {
	case rec := <-changes:
		assert.JSONEq(t, `{"n":2}`, string(rec.NewPayload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backfilled change record")
	}
}

func TestAdapter_HighestSequenceStartsAtZero(t *testing.T) {
	a := openTestAdapter(t)
	seq, err := a.HighestSequence(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestAdapter_FieldSQLAndPlaceholder(t *testing.T) {
	a := Adapter{}
	assert.Equal(t, "json_extract(payload, '$.a.b')", a.FieldSQL([]string{"a", "b"}, false))
	assert.Equal(t, "?", a.Placeholder(3))
}
