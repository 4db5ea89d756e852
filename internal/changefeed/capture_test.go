package changefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/storage"
)

// fakeAdapter is a minimal storage.Adapter stub exercising only the
// two methods Capture calls, modeled on how eventsync's own storage
// listener tests stub just the Watch side of the interface.
type fakeAdapter struct {
	storage.Adapter

	mu         sync.Mutex
	streams    []chan document.ChangeRecord
	afterSeqs  []int64
	openCalls  int32
	highest    int64
}

func (f *fakeAdapter) OpenChangeStream(ctx context.Context, afterSeq int64) (<-chan document.ChangeRecord, error) {
	atomic.AddInt32(&f.openCalls, 1)
	ch := make(chan document.ChangeRecord, 16)
	f.mu.Lock()
	f.streams = append(f.streams, ch)
	f.afterSeqs = append(f.afterSeqs, afterSeq)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeAdapter) lastAfterSeq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterSeqs[len(f.afterSeqs)-1]
}

func (f *fakeAdapter) HighestSequence(ctx context.Context) (int64, error) {
	return f.highest, nil
}

func (f *fakeAdapter) currentStream() chan document.ChangeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

func (f *fakeAdapter) openCount() int {
	return int(atomic.LoadInt32(&f.openCalls))
}

func TestCapture_ForwardsRecordsFromInnerStream(t *testing.T) {
	fa := &fakeAdapter{}
	c := New(fa, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := c.Subscribe(ctx, 0)
	require.NoError(t, err)

	inner := fa.currentStream()
	inner <- document.ChangeRecord{Seq: 1, Op: document.OpInsert}

	select {
	case rec := <-out:
		assert.EqualValues(t, 1, rec.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded record")
	}
}

func TestCapture_ReconnectsAfterInnerStreamCloses(t *testing.T) {
	fa := &fakeAdapter{}
	c := New(fa, zap.NewNop())
	c.backoffInitial = time.Millisecond
	c.backoffMax = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := c.Subscribe(ctx, 0)
	require.NoError(t, err)

	first := fa.currentStream()
	first <- document.ChangeRecord{Seq: 1, Op: document.OpInsert}
	require.EqualValues(t, 1, (<-out).Seq)

	close(first) // simulate a dropped connection

	assert.Eventually(t, func() bool { return fa.openCount() == 2 }, time.Second, time.Millisecond)

	second := fa.currentStream()
	second <- document.ChangeRecord{Seq: 2, Op: document.OpInsert}

	select {
	case rec := <-out:
		assert.EqualValues(t, 2, rec.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record after reconnect")
	}
}

func TestCapture_ResumesFromLastDeliveredSequence(t *testing.T) {
	fa := &fakeAdapter{}
	c := New(fa, zap.NewNop())
	c.backoffInitial = time.Millisecond
	c.backoffMax = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := c.Subscribe(ctx, 0)
	require.NoError(t, err)

	first := fa.currentStream()
	first <- document.ChangeRecord{Seq: 7, Op: document.OpInsert}
	require.EqualValues(t, 7, (<-out).Seq)
	close(first)

	assert.Eventually(t, func() bool { return fa.openCount() == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 7, fa.lastAfterSeq())
}

func TestCapture_ClosesOutputWhenContextDone(t *testing.T) {
	fa := &fakeAdapter{}
	c := New(fa, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	out, err := c.Subscribe(ctx, 0)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output channel to close")
	}
}

func TestCapture_HighestSequenceDelegatesToAdapter(t *testing.T) {
	fa := &fakeAdapter{highest: 42}
	c := New(fa, zap.NewNop())

	seq, err := c.HighestSequence(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, seq)
}
