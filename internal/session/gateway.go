package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/compiler"
	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/eval"
	"github.com/livetable/livetable/internal/protoerr"
	"github.com/livetable/livetable/internal/query"
	"github.com/livetable/livetable/internal/storage"
	"github.com/livetable/livetable/internal/subscription"
)

// Limits bounds what one connection may do, enforced per spec.md §7
// (PayloadTooLarge, RateLimited, QueryTimeout, SnapshotTimeout).
type Limits struct {
	MaxFrameBytes    int
	MaxFramesPerSec  int
	QueryTimeout     time.Duration
	SnapshotTimeout  time.Duration
}

// DefaultLimits mirrors the conservative defaults nodestorage/v2's
// EditOptions applies when a caller doesn't override them.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:   1 << 20, // 1 MiB
		MaxFramesPerSec: 200,
		QueryTimeout:    5 * time.Second,
		SnapshotTimeout: 10 * time.Second,
	}
}

// Gateway is the shared, connection-independent state the C7 layer
// dispatches requests against: the storage backend, the subscription
// manager, and the frame-size/rate limits every connection enforces.
type Gateway struct {
	storage storage.Adapter
	subs    *subscription.Manager
	log     *zap.Logger
	limits  Limits

	upgrader websocket.Upgrader
}

func NewGateway(adapter storage.Adapter, subs *subscription.Manager, log *zap.Logger, limits Limits) *Gateway {
	return &Gateway{
		storage: adapter,
		subs:    subs,
		log:     log,
		limits:  limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades one HTTP request to a websocket session and
// drives it until the client disconnects, grounded on
// eventsync.WebSocketHandler.ServeHTTP.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sess := newSession(conn, g)
	sess.start()
}

// session is one connected client: its own receive loop, its own
// set of owned subscriptions, and its own rate limiter. Grounded on
// eventsync.WebSocketClient's ctx/cancel/mutex-guarded-write shape,
// generalized from one document's sync messages to the full frame
// dispatch table.
type session struct {
	id      string
	conn    *websocket.Conn
	gateway *Gateway
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*subscription.Subscription

	limiter *rateLimiter
}

func newSession(conn *websocket.Conn, g *Gateway) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		id:      id,
		conn:    conn,
		gateway: g,
		log:     g.log.With(zap.String("session_id", id)),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription.Subscription),
		limiter: newRateLimiter(g.limits.MaxFramesPerSec),
	}
}

func (s *session) start() {
	go s.receiveLoop()
}

func (s *session) receiveLoop() {
	defer s.close()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		if len(raw) > s.gateway.limits.MaxFrameBytes {
			s.sendFrame(Frame{Type: FrameError, Error: &ErrorPayload{
				Kind:    string(protoerr.KindPayloadTooLarge),
				Message: fmt.Sprintf("frame exceeds %d bytes", s.gateway.limits.MaxFrameBytes),
			}})
			continue
		}
		if !s.limiter.Allow() {
			s.sendFrame(Frame{Type: FrameError, Error: &ErrorPayload{
				Kind:    string(protoerr.KindRateLimited),
				Message: "too many frames",
			}})
			continue
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.sendFrame(Frame{Type: FrameError, Error: &ErrorPayload{
				Kind:    string(protoerr.KindProtocolViolation),
				Message: "malformed frame: " + err.Error(),
			}})
			continue
		}

		s.handle(f)
	}
}

func (s *session) handle(f Frame) {
	switch f.Type {
	case FramePing:
		s.sendFrame(Frame{ID: f.ID, Type: FramePong})
	case FrameQuery:
		s.handleQuery(f)
	case FrameSubscribe:
		s.handleSubscribe(f)
	case FrameUnsubscribe:
		s.handleUnsubscribe(f)
	case FrameInsert, FrameUpdate, FrameDelete:
		s.handleMutation(f)
	case FrameListCollections:
		s.handleListCollections(f)
	default:
		s.sendFrame(Frame{ID: f.ID, Type: FrameError, Error: &ErrorPayload{
			Kind:    string(protoerr.KindProtocolViolation),
			Message: fmt.Sprintf("unknown frame type %q", f.Type),
		}})
	}
}

func (s *session) handleQuery(f Frame) {
	plan, err := query.Parse(f.Query)
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}
	if plan.Terminal == query.TerminalChanges {
		s.sendErr(f.ID, protoerr.New(protoerr.KindBadTerminal, "changes() must be issued via a subscribe frame, not query"))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.gateway.limits.QueryTimeout)
	defer cancel()

	result, err := s.execute(ctx, plan)
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}
	s.sendFrame(Frame{ID: f.ID, Type: FrameResult, Result: result})
}

func (s *session) handleSubscribe(f Frame) {
	plan, err := query.Parse(f.Query)
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}
	if plan.Terminal != query.TerminalChanges {
		s.sendErr(f.ID, protoerr.New(protoerr.KindBadTerminal, "subscribe requires a changes() terminal"))
		return
	}

	compiled, err := compiler.Compile(plan, s.gateway.storage)
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.gateway.limits.SnapshotTimeout)
	defer cancel()

	subID := uuid.NewString()
	sub, err := s.gateway.subs.Open(ctx, subID, plan.Collection, plan, compiled)
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}

	s.subMu.Lock()
	s.subs[subID] = sub
	s.subMu.Unlock()

	go s.pumpSubscription(sub)

	s.sendFrame(Frame{ID: f.ID, Type: FrameSubscribed, SubscriptionID: subID})
}

// pumpSubscription forwards one subscription's deliveries as "change"
// frames. Every change frame's id echoes the subscription's id, per
// spec.md §6.
func (s *session) pumpSubscription(sub *subscription.Subscription) {
	for delivery := range sub.Outbound() {
		if delivery.Overrun {
			s.sendFrame(Frame{ID: delivery.SubscriptionID, Type: FrameChange, Change: &ChangePayload{Overrun: true}})
			continue
		}

		change := &ChangePayload{Type: string(delivery.Kind), Patch: delivery.Patch}
		if delivery.New != nil {
			if raw, err := json.Marshal(delivery.New); err == nil {
				change.New = raw
			} else {
				s.log.Error("failed to marshal change document", zap.Error(err))
			}
		}
		if delivery.Old != nil {
			if raw, err := json.Marshal(delivery.Old); err == nil {
				change.Old = raw
			} else {
				s.log.Error("failed to marshal change document", zap.Error(err))
			}
		}
		s.sendFrame(Frame{ID: delivery.SubscriptionID, Type: FrameChange, Change: change})
	}
}

func (s *session) handleUnsubscribe(f Frame) {
	s.subMu.Lock()
	_, ok := s.subs[f.SubscriptionID]
	delete(s.subs, f.SubscriptionID)
	s.subMu.Unlock()

	if !ok {
		s.sendErr(f.ID, protoerr.New(protoerr.KindNotFound, "subscription %q not found", f.SubscriptionID))
		return
	}
	s.gateway.subs.Close(f.SubscriptionID)
	s.sendFrame(Frame{ID: f.ID, Type: FrameUnsubscribed, SubscriptionID: f.SubscriptionID})
}

// handleMutation serves insert/update/delete frames. Unlike query and
// subscribe, these carry their collection/data/document_id as
// structured top-level fields rather than a query DSL string (spec.md
// §6), so they bypass query.Parse/execute entirely and call the
// storage backend directly.
func (s *session) handleMutation(f Frame) {
	ctx, cancel := context.WithTimeout(s.ctx, s.gateway.limits.QueryTimeout)
	defer cancel()

	var (
		doc document.Document
		err error
	)
	switch f.Type {
	case FrameInsert:
		doc, err = storage.WithRetryResult(ctx, storage.DefaultRetryPolicy(), func() (document.Document, error) {
			return s.gateway.storage.Insert(ctx, f.Collection, f.Data)
		})
	case FrameUpdate:
		doc, err = s.gateway.storage.Update(ctx, f.Collection, f.DocumentID, f.Data)
	case FrameDelete:
		doc, err = s.gateway.storage.Delete(ctx, f.Collection, f.DocumentID)
	}
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}

	result, err := json.Marshal(doc)
	if err != nil {
		s.sendErr(f.ID, protoerr.Wrap(protoerr.KindInternal, err, "marshal document"))
		return
	}
	s.sendFrame(Frame{ID: f.ID, Type: FrameResult, Result: result})
}

func (s *session) handleListCollections(f Frame) {
	ctx, cancel := context.WithTimeout(s.ctx, s.gateway.limits.QueryTimeout)
	defer cancel()

	stats, err := s.gateway.storage.ListCollections(ctx)
	if err != nil {
		s.sendErr(f.ID, err)
		return
	}
	out, err := json.Marshal(stats)
	if err != nil {
		s.sendErr(f.ID, protoerr.Wrap(protoerr.KindInternal, err, "marshal collection stats"))
		return
	}
	s.sendFrame(Frame{ID: f.ID, Type: FrameResult, Result: out})
}

// execute runs a non-subscribing plan (get/run/insert/update/delete)
// against the storage backend, compiling its filter through C4 first
// when it carries one.
func (s *session) execute(ctx context.Context, plan *query.Plan) (json.RawMessage, error) {
	switch plan.Terminal {
	case query.TerminalInsert:
		doc, err := storage.WithRetryResult(ctx, storage.DefaultRetryPolicy(), func() (document.Document, error) {
			return s.gateway.storage.Insert(ctx, plan.Collection, plan.Payload)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case query.TerminalGet:
		doc, err := s.gateway.storage.Get(ctx, plan.Collection, plan.TargetID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case query.TerminalUpdate:
		doc, err := s.gateway.storage.Update(ctx, plan.Collection, plan.TargetID, plan.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case query.TerminalDelete:
		doc, err := s.gateway.storage.Delete(ctx, plan.Collection, plan.TargetID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case query.TerminalRun:
		compiled, err := compiler.Compile(plan, s.gateway.storage)
		if err != nil {
			return nil, err
		}
		rows, err := s.gateway.storage.List(ctx, plan.Collection, compiled.WhereSQL, compiled.Args, compiled.Order, compiled.Limit)
		if err != nil {
			return nil, err
		}
		rows = filterResidual(rows, compiled.Residual, compiled.FilterParam)
		return json.Marshal(rows)
	default:
		return nil, protoerr.New(protoerr.KindBadTerminal, "unsupported terminal for this frame type")
	}
}

// filterResidual re-filters rows the backend already scoped to the
// collection (and to whatever SQL-compilable portion of the plan
// existed) against the uncompilable residual, per spec.md §4.5.
func filterResidual(rows []document.Document, residualSrc, param string) []document.Document {
	if residualSrc == "" {
		return rows
	}
	r := eval.CompileResidual(param, residualSrc)
	kept := rows[:0]
	for _, doc := range rows {
		if eval.Evaluate(r, doc.Data, eval.NopWarner{}) {
			kept = append(kept, doc)
		}
	}
	return kept
}

func (s *session) sendErr(id string, err error) {
	s.sendFrame(Frame{ID: id, Type: FrameError, Error: &ErrorPayload{
		Kind:    string(protoerr.KindOf(err)),
		Message: err.Error(),
	}})
}

func (s *session) sendFrame(f Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := json.Marshal(f)
	if err != nil {
		s.log.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.log.Warn("failed to write frame", zap.Error(err))
	}
}

func (s *session) close() {
	s.cancel()

	s.subMu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subs = nil
	s.subMu.Unlock()

	s.gateway.subs.CloseAll(ids)
	s.conn.Close()
}
