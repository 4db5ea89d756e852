// Package subscription implements C6 of spec.md: the live-query
// subscription lifecycle (initializing -> streaming -> closed),
// snapshot-then-stream delivery ordering, and the bounded
// drop-on-overrun outbound queue spec.md §4.6 requires.
//
// Grounded on eventsync.SyncServiceImpl's documentID -> clientID ->
// client registry (sync_service.go), generalized here from "clients
// watching one document" to "subscriptions watching one collection",
// and its RegisterClient/UnregisterClient/BroadcastEvent shape.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/changefeed"
	"github.com/livetable/livetable/internal/compiler"
	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/eval"
	"github.com/livetable/livetable/internal/protoerr"
	"github.com/livetable/livetable/internal/query"
	"github.com/livetable/livetable/internal/storage"
)

// State is a subscription's lifecycle position, per spec.md §4.6.
type State int32

const (
	StateInitializing State = iota
	StateStreaming
	StateClosed
)

// Kind is the change frame discriminator spec.md §6 names for a
// "change" payload: a snapshot row delivered during the initializing
// phase is "initial", everything streamed afterward is insert, update
// or delete.
type Kind string

const (
	KindInitial Kind = "initial"
	KindInsert  Kind = "insert"
	KindUpdate  Kind = "update"
	KindDelete  Kind = "delete"
)

// Delivery is one outbound message the session gateway (C7) forwards
// to its client as a "change" frame. New is the post-change document
// (initial/insert/update), Old the pre-change document (update/delete).
type Delivery struct {
	SubscriptionID string
	Kind           Kind
	New            *document.Document
	Old            *document.Document
	Patch          json.RawMessage // RFC 7396 merge patch, old -> new, present only for updates
	Overrun        bool            // queue was full; this delivery reports the drop, not a change
}

const outboundQueueCapacity = 256

// Subscription tracks one standing query's live-match delivery.
type Subscription struct {
	ID         string
	Collection string
	plan       *query.Plan
	compiled   *compiler.Compiled
	residual   *eval.Residual

	state    atomic.Int32
	out      chan Delivery
	cancel   context.CancelFunc
	dropped  atomic.Int64
	warnOnce sync.Once
	log      *zap.Logger
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Outbound is the channel the session gateway drains to forward
// deliveries to its client. It is closed when the subscription
// transitions to StateClosed.
func (s *Subscription) Outbound() <-chan Delivery { return s.out }

// Dropped returns the running count of deliveries dropped due to
// outbound queue overrun, per spec.md §4.6's per-subscription counter.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) send(d Delivery) {
	select {
	case s.out <- d:
	default:
		s.dropped.Add(1)
		s.warnOnce.Do(func() {
			s.log.Warn("subscription outbound queue overrun", zap.String("subscription_id", s.ID))
		})
		select {
		case s.out <- Delivery{SubscriptionID: s.ID, Overrun: true}:
		default:
		}
	}
}

func (s *Subscription) matches(doc document.Document) bool {
	if s.plan.Filter == nil && s.plan.Residual == "" {
		return true
	}
	if s.residual != nil {
		return eval.Evaluate(s.residual, doc.Data, warnLogger{s.log})
	}
	return eval.EvaluateExpr(s.plan.Filter, doc.Data)
}

type warnLogger struct{ log *zap.Logger }

func (w warnLogger) Warn(msg string) { w.log.Warn(msg) }

// Manager owns the collection -> subscription-set index and the
// single changefeed.Capture each collection's subscriptions share.
type Manager struct {
	capture *changefeed.Capture
	storage storage.Adapter
	log     *zap.Logger

	mu   sync.RWMutex
	byID map[string]*Subscription
	byCo map[string]map[string]*Subscription
}

func NewManager(capture *changefeed.Capture, adapter storage.Adapter, log *zap.Logger) *Manager {
	return &Manager{
		capture: capture,
		storage: adapter,
		log:     log,
		byID:    make(map[string]*Subscription),
		byCo:    make(map[string]map[string]*Subscription),
	}
}

// Open starts a new subscription: it snapshots the collection at the
// current watermark, delivers the snapshot rows, then transitions to
// streaming live changes with sequence greater than that watermark —
// the ordering guarantee spec.md §4.6 step 2 requires so a client
// never misses or double-delivers a row straddling the snapshot
// boundary.
func (m *Manager) Open(ctx context.Context, id, collection string, plan *query.Plan, compiled *compiler.Compiled) (*Subscription, error) {
	sub := &Subscription{
		ID:         id,
		Collection: collection,
		plan:       plan,
		compiled:   compiled,
		out:        make(chan Delivery, outboundQueueCapacity),
		log:        m.log,
	}
	if compiled.Residual != "" {
		sub.residual = eval.CompileResidual(compiled.FilterParam, compiled.Residual)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub.cancel = cancel

	m.mu.Lock()
	m.byID[id] = sub
	if m.byCo[collection] == nil {
		m.byCo[collection] = make(map[string]*Subscription)
	}
	m.byCo[collection][id] = sub
	m.mu.Unlock()

	watermark, err := m.capture.HighestSequence(ctx)
	if err != nil {
		m.Close(id)
		return nil, err
	}

	rows, err := m.storage.List(ctx, collection, compiled.WhereSQL, compiled.Args, compiled.Order, compiled.Limit)
	if err != nil {
		m.Close(id)
		return nil, err
	}

	go m.run(subCtx, sub, watermark, rows)
	return sub, nil
}

func (m *Manager) run(ctx context.Context, sub *Subscription, watermark int64, snapshot []document.Document) {
	for i := range snapshot {
		doc := snapshot[i]
		if sub.residual != nil && !sub.matches(doc) {
			continue
		}
		sub.send(Delivery{SubscriptionID: sub.ID, Kind: KindInitial, New: &doc})
	}

	changes, err := m.capture.Subscribe(ctx, watermark)
	if err != nil {
		m.log.Warn("subscription failed to open change stream", zap.String("subscription_id", sub.ID), zap.Error(err))
		m.Close(sub.ID)
		return
	}

	sub.state.Store(int32(StateStreaming))
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-changes:
			if !ok {
				return
			}
			if rec.Collection != sub.Collection {
				continue
			}
			m.deliverChange(sub, rec)
		}
	}
}

// deliverChange relabels a raw insert/update/delete change_log record
// into the frame kind the subscription's client should actually see.
// A plain insert/delete only needs the new/old payload to match the
// filter, but an update can also change whether a document matches at
// all: a document that becomes visible to the filter must be reported
// as an insert (the client never saw a prior row for it), and one that
// stops matching must be reported as a delete (per spec.md §4.6
// testable property 4 / scenario 5).
func (m *Manager) deliverChange(sub *Subscription, rec document.ChangeRecord) {
	var oldDoc, newDoc document.Document
	oldDoc.ID, newDoc.ID = rec.DocumentID, rec.DocumentID
	oldDoc.Collection, newDoc.Collection = rec.Collection, rec.Collection
	oldDoc.UpdatedAt, newDoc.UpdatedAt = rec.CapturedAt, rec.CapturedAt
	oldDoc.Data, newDoc.Data = rec.OldPayload, rec.NewPayload

	oldMatches := rec.OldPayload != nil && sub.matches(oldDoc)
	newMatches := rec.NewPayload != nil && sub.matches(newDoc)

	switch rec.Op {
	case document.OpInsert:
		if !newMatches {
			return
		}
		sub.send(Delivery{SubscriptionID: sub.ID, Kind: KindInsert, New: &newDoc})
	case document.OpDelete:
		if !oldMatches {
			return
		}
		sub.send(Delivery{SubscriptionID: sub.ID, Kind: KindDelete, Old: &oldDoc})
	case document.OpUpdate:
		switch {
		case !oldMatches && newMatches:
			sub.send(Delivery{SubscriptionID: sub.ID, Kind: KindInsert, New: &newDoc})
		case oldMatches && !newMatches:
			sub.send(Delivery{SubscriptionID: sub.ID, Kind: KindDelete, Old: &oldDoc})
		case oldMatches && newMatches:
			var patch json.RawMessage
			if p, err := jsonpatch.CreateMergePatch(rec.OldPayload, rec.NewPayload); err == nil {
				patch = p
			} else {
				m.log.Warn("merge patch computation failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			}
			sub.send(Delivery{SubscriptionID: sub.ID, Kind: KindUpdate, New: &newDoc, Old: &oldDoc, Patch: patch})
		}
	}
}

// Close tears down a subscription by id. Closing twice is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	sub, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		if set := m.byCo[sub.Collection]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byCo, sub.Collection)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if sub.state.Swap(int32(StateClosed)) != int32(StateClosed) {
		sub.cancel()
		close(sub.out)
	}
}

// CloseAll tears down every subscription, used on session gateway
// disconnect (spec.md §4.7 "session close cascades to its
// subscriptions").
func (m *Manager) CloseAll(ids []string) {
	for _, id := range ids {
		m.Close(id)
	}
}

// Get looks up a live subscription by id, or reports
// protoerr.ErrNotFound — used to validate an unsubscribe frame
// references a subscription this session still owns.
func (m *Manager) Get(id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[id]
	if !ok {
		return nil, protoerr.Wrap(protoerr.KindNotFound, protoerr.ErrNotFound, "subscription %q not found", id)
	}
	return sub, nil
}
