package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/changefeed"
	"github.com/livetable/livetable/internal/compiler"
	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/query"
	"github.com/livetable/livetable/internal/storage"
)

// fakeAdapter stubs just enough of storage.Adapter for the
// subscription manager: a fixed snapshot for List, a manually fed
// channel for OpenChangeStream, and a fixed watermark.
type fakeAdapter struct {
	storage.Adapter
	snapshot []document.Document
	watermark int64
	stream    chan document.ChangeRecord
}

func (f *fakeAdapter) List(ctx context.Context, collection string, whereSQL string, args []any, order *storage.ListOrder, limit *int64) ([]document.Document, error) {
	return f.snapshot, nil
}

func (f *fakeAdapter) HighestSequence(ctx context.Context) (int64, error) {
	return f.watermark, nil
}

func (f *fakeAdapter) OpenChangeStream(ctx context.Context, afterSeq int64) (<-chan document.ChangeRecord, error) {
	return f.stream, nil
}

func newTestManager(fa *fakeAdapter) *Manager {
	capture := changefeed.New(fa, zap.NewNop())
	return NewManager(capture, fa, zap.NewNop())
}

func emptyPlanAndCompiled(collection string) (*query.Plan, *compiler.Compiled) {
	plan := &query.Plan{Collection: collection}
	return plan, &compiler.Compiled{}
}

func TestManager_OpenDeliversSnapshotThenStreams(t *testing.T) {
	id := document.NewID()
	fa := &fakeAdapter{
		snapshot: []document.Document{{ID: id, Collection: "users", Data: json.RawMessage(`{"name":"alice"}`)}},
		stream:   make(chan document.ChangeRecord, 16),
	}
	m := newTestManager(fa)
	plan, compiled := emptyPlanAndCompiled("users")

	sub, err := m.Open(context.Background(), "sub1", "users", plan, compiled)
	require.NoError(t, err)

	select {
	case d := <-sub.Outbound():
		assert.Equal(t, KindInitial, d.Kind)
		require.NotNil(t, d.New)
		assert.Equal(t, id, d.New.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot delivery")
	}

	fa.stream <- document.ChangeRecord{
		Seq: 1, Collection: "users", DocumentID: document.NewID(),
		Op: document.OpInsert, NewPayload: json.RawMessage(`{"name":"bob"}`),
	}

	select {
	case d := <-sub.Outbound():
		assert.Equal(t, KindInsert, d.Kind)
		require.NotNil(t, d.New)
		assert.JSONEq(t, `{"name":"bob"}`, string(d.New.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live change delivery")
	}

	m.Close(sub.ID)
}

func TestManager_IgnoresChangesForOtherCollections(t *testing.T) {
	fa := &fakeAdapter{stream: make(chan document.ChangeRecord, 16)}
	m := newTestManager(fa)
	plan, compiled := emptyPlanAndCompiled("users")

	sub, err := m.Open(context.Background(), "sub1", "users", plan, compiled)
	require.NoError(t, err)
	defer m.Close(sub.ID)

	fa.stream <- document.ChangeRecord{
		Seq: 1, Collection: "orders", DocumentID: document.NewID(),
		Op: document.OpInsert, NewPayload: json.RawMessage(`{}`),
	}

	select {
	case d := <-sub.Outbound():
		t.Fatalf("unexpected delivery for unrelated collection: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_UpdateCarriesMergePatch(t *testing.T) {
	fa := &fakeAdapter{stream: make(chan document.ChangeRecord, 16)}
	m := newTestManager(fa)
	plan, compiled := emptyPlanAndCompiled("users")

	sub, err := m.Open(context.Background(), "sub1", "users", plan, compiled)
	require.NoError(t, err)
	defer m.Close(sub.ID)

	fa.stream <- document.ChangeRecord{
		Seq: 1, Collection: "users", DocumentID: document.NewID(), Op: document.OpUpdate,
		OldPayload: json.RawMessage(`{"name":"alice","age":30}`),
		NewPayload: json.RawMessage(`{"name":"alicia","age":30}`),
	}

	select {
	case d := <-sub.Outbound():
		require.NotEmpty(t, d.Patch)
		assert.JSONEq(t, `{"name":"alicia"}`, string(d.Patch))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update delivery")
	}
}

func TestManager_UpdateBecomingVisibleIsDeliveredAsInsert(t *testing.T) {
	fa := &fakeAdapter{stream: make(chan document.ChangeRecord, 16)}
	m := newTestManager(fa)
	plan := &query.Plan{Collection: "users", Filter: &query.Comparison{
		Op:    query.CmpGe,
		Left:  &query.FieldPath{Path: []string{"age"}},
		Right: &query.Literal{Kind: query.LiteralNumber, Num: 18},
	}}
	compiled := &compiler.Compiled{}

	sub, err := m.Open(context.Background(), "sub1", "users", plan, compiled)
	require.NoError(t, err)
	defer m.Close(sub.ID)

	fa.stream <- document.ChangeRecord{
		Seq: 1, Collection: "users", DocumentID: document.NewID(), Op: document.OpUpdate,
		OldPayload: json.RawMessage(`{"age":10}`),
		NewPayload: json.RawMessage(`{"age":21}`),
	}

	select {
	case d := <-sub.Outbound():
		assert.Equal(t, KindInsert, d.Kind)
		require.NotNil(t, d.New)
		assert.JSONEq(t, `{"age":21}`, string(d.New.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relabeled insert delivery")
	}
}

func TestManager_UpdateBecomingInvisibleIsDeliveredAsDelete(t *testing.T) {
	fa := &fakeAdapter{stream: make(chan document.ChangeRecord, 16)}
	m := newTestManager(fa)
	plan := &query.Plan{Collection: "users", Filter: &query.Comparison{
		Op:    query.CmpGe,
		Left:  &query.FieldPath{Path: []string{"age"}},
		Right: &query.Literal{Kind: query.LiteralNumber, Num: 18},
	}}
	compiled := &compiler.Compiled{}

	sub, err := m.Open(context.Background(), "sub1", "users", plan, compiled)
	require.NoError(t, err)
	defer m.Close(sub.ID)

	fa.stream <- document.ChangeRecord{
		Seq: 1, Collection: "users", DocumentID: document.NewID(), Op: document.OpUpdate,
		OldPayload: json.RawMessage(`{"age":21}`),
		NewPayload: json.RawMessage(`{"age":10}`),
	}

	select {
	case d := <-sub.Outbound():
		assert.Equal(t, KindDelete, d.Kind)
		require.NotNil(t, d.Old)
		assert.JSONEq(t, `{"age":21}`, string(d.Old.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relabeled delete delivery")
	}
}

func TestManager_CloseTwiceIsNoop(t *testing.T) {
	fa := &fakeAdapter{stream: make(chan document.ChangeRecord, 16)}
	m := newTestManager(fa)
	plan, compiled := emptyPlanAndCompiled("users")

	sub, err := m.Open(context.Background(), "sub1", "users", plan, compiled)
	require.NoError(t, err)

	m.Close(sub.ID)
	assert.NotPanics(t, func() { m.Close(sub.ID) })

	_, err = m.Get(sub.ID)
	assert.Error(t, err)
}

func TestManager_GetUnknownSubscriptionIsNotFound(t *testing.T) {
	fa := &fakeAdapter{stream: make(chan document.ChangeRecord, 16)}
	m := newTestManager(fa)

	_, err := m.Get("does-not-exist")
	assert.Error(t, err)
}
