// Package changefeed implements C2 of spec.md: a resilience layer in
// front of a storage.Adapter's raw change stream that restarts with
// backoff on a transient backend disconnect and resumes from the
// highest sequence it already delivered, so a consumer downstream
// (the subscription manager, C6) never has to know the backend
// connection dropped.
//
// Grounded on eventsync.StorageListener's Start/Stop/ctx+cancel+wg
// lifecycle (storage_listener.go), generalized from a single MongoDB
// change-stream watch to a restart-on-failure loop over
// storage.Adapter.OpenChangeStream.
package changefeed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/storage"
)

// Capture wraps one storage.Adapter and exposes a single continuous
// change stream per subscriber, re-establishing the adapter-level
// stream transparently on failure.
type Capture struct {
	adapter storage.Adapter
	log     *zap.Logger

	backoffInitial time.Duration
	backoffMax     time.Duration
}

// New creates a Capture over adapter with the default restart
// backoff (mirrors storage.DefaultRetryPolicy's shape).
func New(adapter storage.Adapter, log *zap.Logger) *Capture {
	return &Capture{adapter: adapter, log: log, backoffInitial: 50 * time.Millisecond, backoffMax: 5 * time.Second}
}

// Subscribe returns a channel of change records with sequence
// strictly greater than afterSeq, staying open across any number of
// adapter-level reconnects until ctx is done.
func (c *Capture) Subscribe(ctx context.Context, afterSeq int64) (<-chan document.ChangeRecord, error) {
	out := make(chan document.ChangeRecord, 256)

	inner, err := c.adapter.OpenChangeStream(ctx, afterSeq)
	if err != nil {
		return nil, err
	}

	go c.pump(ctx, out, inner, afterSeq)
	return out, nil
}

func (c *Capture) pump(ctx context.Context, out chan<- document.ChangeRecord, inner <-chan document.ChangeRecord, lastSeq int64) {
	defer close(out)

	attempt := 0
	for {
		var rec document.ChangeRecord
		var ok bool
		select {
		case rec, ok = <-inner:
		case <-ctx.Done():
			return
		}
		if ok {
			attempt = 0
			lastSeq = rec.Seq
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			continue
		}

		// inner closed: the adapter's underlying connection dropped
		// (adapters do not close the channel on ctx done, so ctx is
		// watched above). Check ctx once more, then retry with backoff.
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := c.backoffDelay(attempt)
		attempt++
		c.log.Warn("change stream disconnected, restarting", zap.Int64("resume_after_seq", lastSeq), zap.Duration("backoff", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := c.adapter.OpenChangeStream(ctx, lastSeq)
		if err != nil {
			c.log.Warn("change stream restart failed", zap.Error(err))
			continue
		}
		inner = next
	}
}

func (c *Capture) backoffDelay(attempt int) time.Duration {
	d := c.backoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > c.backoffMax {
			return c.backoffMax
		}
	}
	return d
}

// HighestSequence exposes the adapter's current watermark, used by
// the subscription manager to pin a new subscription's snapshot
// boundary (spec.md §4.6 step 2).
func (c *Capture) HighestSequence(ctx context.Context) (int64, error) {
	return c.adapter.HighestSequence(ctx)
}
