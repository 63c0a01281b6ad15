package usecase

import (
	"sync"

	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

// defaultDedupWindow bounds the recent-eventID window. Delivery is
// at-least-once, so the same event id can arrive twice (retransmit, or replay
// overlap after a reconnect); a repeat inside the window is a no-op.
const defaultDedupWindow = 200

// MetricsHandler receives decoded metrics.update events.
type MetricsHandler func(model.MetricsEvent)

// SyncCoordinator consumes push notifications and reconciles the entity
// cache. It is the privacy enforcement point on the client: an event for an
// entity outside the viewer's scope is dropped before it can touch any cache
// entry.
type SyncCoordinator struct {
	mu        sync.Mutex
	cache     *EntityCache
	matcher   *QueryMatcher
	seen      *eventWindow
	onMetrics MetricsHandler
	log       logger.Logger
}

// NewSyncCoordinator creates a coordinator over the given cache. The matcher
// may be nil, in which case created events stale every entry of their kind.
func NewSyncCoordinator(cache *EntityCache, matcher *QueryMatcher, log logger.Logger) *SyncCoordinator {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &SyncCoordinator{
		cache:   cache,
		matcher: matcher,
		seen:    newEventWindow(defaultDedupWindow),
		log:     log.WithComponent("sync_coordinator"),
	}
}

// SetDedupWindow resizes the recent-eventID window. Existing history is kept
// up to the new size.
func (sc *SyncCoordinator) SetDedupWindow(size int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.seen = sc.seen.resized(size)
}

// OnMetrics registers the handler for metrics.update events. Metrics are not
// entities and bypass the cache entirely.
func (sc *SyncCoordinator) OnMetrics(h MetricsHandler) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.onMetrics = h
}

// HandleWire dispatches one inbound push frame. Unknown types are ignored;
// malformed payloads are logged and dropped. Frames are processed in arrival
// order, which is the only ordering guarantee the engine gives.
func (sc *SyncCoordinator) HandleWire(msg model.WireMessage) {
	switch msg.Type {
	case model.MessageTypeAlertNew, model.MessageTypeAlertUpdated, model.MessageTypeDeviceStatus:
		ev, err := model.DecodeChangeEvent(msg)
		if err != nil {
			sc.log.Warnf("dropping malformed %s event %s: %v", msg.Type, msg.ID, err)
			return
		}
		sc.HandleChange(ev)

	case model.MessageTypeMetricsUpdate:
		ev, err := model.DecodeMetricsEvent(msg)
		if err != nil {
			sc.log.Warnf("dropping malformed metrics event %s: %v", msg.ID, err)
			return
		}
		sc.handleMetrics(ev)

	default:
		sc.log.Debugf("ignoring unknown push type %q", msg.Type)
	}
}

// HandleChange applies one decoded entity change: dedup, scope check, then
// cache reconciliation.
func (sc *SyncCoordinator) HandleChange(ev model.ChangeEvent) {
	sc.mu.Lock()
	if ev.EventID != "" && !sc.seen.admit(ev.EventID) {
		sc.mu.Unlock()
		sc.log.Debugf("duplicate event %s ignored", ev.EventID)
		return
	}
	sc.mu.Unlock()

	sc.apply(ev)
}

func (sc *SyncCoordinator) apply(ev model.ChangeEvent) {
	// Resolve the scope at delivery time, not subscription time: a role
	// switch between the two must win.
	currentScope := sc.cache.Scope()
	if !currentScope.Allows(ev.Entity.ScopeID()) {
		// Silent drop. Never surfaced to the UI; the drop itself would be a
		// privacy leak vector if observable. Debug log only.
		sc.log.Debugf("event %s for out-of-scope entity %s dropped", ev.EventID, ev.Entity.EntityID())
		return
	}

	server := ev.Entity
	patched := sc.cache.PatchEntity(server.Kind(), server.EntityID(), func(model.Entity) model.Entity {
		return server.Clone()
	})

	if patched > 0 {
		sc.log.Debugf("event %s patched %d cache entries", ev.EventID, patched)
		return
	}

	if ev.Kind != model.ChangeCreated {
		// An update for an entity nothing holds a page for. Nothing to do.
		return
	}

	// A created entity absent from every cached page. Speculative insertion
	// from a partial snapshot risks duplicate rows, so the relevant entries
	// are marked stale and refetch on their next read instead.
	staled := sc.cache.MarkStale(func(q model.QueryKey) bool {
		if q.Kind != server.Kind() {
			return false
		}
		if sc.matcher == nil {
			return true
		}
		return sc.matcher.Matches(q, server)
	})
	sc.log.Debugf("created event %s staled %d entries", ev.EventID, staled)
}

func (sc *SyncCoordinator) handleMetrics(ev model.MetricsEvent) {
	sc.mu.Lock()
	if ev.EventID != "" && !sc.seen.admit(ev.EventID) {
		sc.mu.Unlock()
		return
	}
	h := sc.onMetrics
	sc.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

// eventWindow is a bounded FIFO set of recently seen event ids.
type eventWindow struct {
	limit int
	order []string
	seen  map[string]struct{}
}

func newEventWindow(limit int) *eventWindow {
	if limit <= 0 {
		limit = defaultDedupWindow
	}
	return &eventWindow{
		limit: limit,
		order: make([]string, 0, limit),
		seen:  make(map[string]struct{}, limit),
	}
}

// admit records the id and reports true when it was not already present.
func (w *eventWindow) admit(id string) bool {
	if _, dup := w.seen[id]; dup {
		return false
	}
	if len(w.order) >= w.limit {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, id)
	w.seen[id] = struct{}{}
	return true
}

func (w *eventWindow) resized(limit int) *eventWindow {
	nw := newEventWindow(limit)
	start := 0
	if len(w.order) > nw.limit {
		start = len(w.order) - nw.limit
	}
	for _, id := range w.order[start:] {
		nw.admit(id)
	}
	return nw
}
