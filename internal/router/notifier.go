package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
)

// Notification is one downstream list_changed message.
type Notification struct {
	Kind   contracts.FeatureKind
	Method string
}

// kindState tracks de-duplication and throttling of one (session, kind).
type kindState struct {
	lastHash string
	limiter  *rate.Limiter
	pending  bool
}

// Watcher is one session's notification stream. Deliveries are queued per
// session, so a session that does not read never holds up another.
type Watcher struct {
	// C delivers notifications in order. It is closed after Close.
	C <-chan Notification

	SessionID string
	ClientID  string
	SpaceID   string

	r    *Router
	out  chan Notification
	wake chan struct{}
	done chan struct{}
	once sync.Once

	// mu serializes check and trailing and guards queue and kinds.
	mu    sync.Mutex
	queue []Notification
	kinds map[contracts.FeatureKind]*kindState
}

// Watch registers a session bound to spaceID for list_changed fan-out.
// The session's view at registration is the baseline, so only later
// changes notify. The watcher is registered before the baseline is taken:
// a change racing with Watch is either part of the baseline or notified.
func (r *Router) Watch(sessionID, clientID, spaceID string) *Watcher {
	w := &Watcher{
		SessionID: sessionID,
		ClientID:  clientID,
		SpaceID:   spaceID,
		r:         r,
		out:       make(chan Notification),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		kinds:     make(map[contracts.FeatureKind]*kindState),
	}
	w.C = w.out

	limit := rate.Inf
	if r.opts.Throttle > 0 {
		limit = rate.Every(r.opts.Throttle)
	}
	for _, kind := range contracts.FeatureKinds {
		w.kinds[kind] = &kindState{limiter: rate.NewLimiter(limit, 1)}
	}

	w.mu.Lock()
	r.mu.Lock()
	if old, ok := r.watchers[sessionID]; ok {
		old.stop()
	}
	r.watchers[sessionID] = w
	r.mu.Unlock()

	view := r.EffectiveCapabilities(clientID, spaceID)
	for _, kind := range contracts.FeatureKinds {
		w.kinds[kind].lastHash = view.Hash(kind)
	}
	w.mu.Unlock()

	go w.pump()
	return w
}

// Close unregisters the watcher and closes C.
func (w *Watcher) Close() {
	w.r.mu.Lock()
	if cur, ok := w.r.watchers[w.SessionID]; ok && cur == w {
		delete(w.r.watchers, w.SessionID)
	}
	w.r.mu.Unlock()
	w.stop()
}

func (w *Watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *Watcher) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		var next *Notification
		if len(w.queue) > 0 {
			n := w.queue[0]
			w.queue = w.queue[1:]
			next = &n
		}
		w.mu.Unlock()

		if next == nil {
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}
		select {
		case w.out <- *next:
		case <-w.done:
			return
		}
	}
}

// check recomputes the session's view and notifies every kind in kinds
// whose content changed, subject to the per-kind throttle.
func (w *Watcher) check(kinds []contracts.FeatureKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped() {
		return
	}
	view := w.r.EffectiveCapabilities(w.ClientID, w.SpaceID)
	for _, kind := range kinds {
		st := w.kinds[kind]
		if st.pending {
			continue
		}
		h := view.Hash(kind)
		if h == st.lastHash {
			continue
		}
		res := st.limiter.Reserve()
		if d := res.Delay(); d > 0 {
			st.pending = true
			k := kind
			time.AfterFunc(d, func() { w.trailing(k) })
			continue
		}
		st.lastHash = h
		w.emitLocked(kind)
	}
}

// trailing fires at the end of a throttle window and sends one
// notification if the content still differs from what was last announced.
func (w *Watcher) trailing(kind contracts.FeatureKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.kinds[kind]
	st.pending = false
	if w.stopped() {
		return
	}
	view := w.r.EffectiveCapabilities(w.ClientID, w.SpaceID)
	if h := view.Hash(kind); h != st.lastHash {
		st.lastHash = h
		w.emitLocked(kind)
	}
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Watcher) emitLocked(kind contracts.FeatureKind) {
	if w.stopped() {
		return
	}
	w.queue = append(w.queue, Notification{Kind: kind, Method: kind.ListChangedMethod()})
	select {
	case w.wake <- struct{}{}:
	default:
	}
	if w.r.opts.Recorder != nil {
		w.r.opts.Recorder.RecordNotification(kind)
	}
}

// OnBackendNotification re-evaluates the sessions of the backend's space
// after the backend's list of kind changed.
func (r *Router) OnBackendNotification(installationID string, kind contracts.FeatureKind) {
	inst, ok := r.access.Current().Installations[installationID]
	if !ok {
		return
	}
	r.fanOut(inst.SpaceID, "", []contracts.FeatureKind{kind})
}

// fanOut checks every watcher of a session bound to spaceID (any space
// when empty) and, when clientID is set, only that client's sessions.
func (r *Router) fanOut(spaceID, clientID string, kinds []contracts.FeatureKind) {
	r.mu.Lock()
	targets := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		if clientID != "" && w.ClientID != clientID {
			continue
		}
		if spaceID != "" && w.SpaceID != spaceID {
			continue
		}
		targets = append(targets, w)
	}
	r.mu.Unlock()

	for _, w := range targets {
		w.check(kinds)
	}
}

// Run consumes domain events and drives the fan-out until ctx is done.
func (r *Router) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe("router", func(e eventbus.Event) bool {
		switch e.Type {
		case eventbus.EventTypeCapabilityChanged,
			eventbus.EventTypeConnectionStateChanged,
			eventbus.EventTypeInstallationsChanged,
			eventbus.EventTypeFeatureSetsChanged,
			eventbus.EventTypeGrantsChanged,
			eventbus.EventTypeSpacesChanged:
			return true
		}
		return false
	})
	defer sub.Close()

	r.logger.Debug("Notification fan-out started")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			r.handle(evt)
		}
	}
}

func (r *Router) handle(evt eventbus.Event) {
	switch evt.Type {
	case eventbus.EventTypeCapabilityChanged:
		if evt.InstallationID != "" && evt.Kind.Valid() {
			r.OnBackendNotification(evt.InstallationID, evt.Kind)
		}
	case eventbus.EventTypeConnectionStateChanged, eventbus.EventTypeFeatureSetsChanged, eventbus.EventTypeInstallationsChanged:
		r.fanOut(evt.SpaceID, "", contracts.FeatureKinds)
	case eventbus.EventTypeGrantsChanged:
		r.fanOut("", evt.ClientID, contracts.FeatureKinds)
	default:
		r.fanOut("", "", contracts.FeatureKinds)
	}
	r.logger.Debug("Fan-out evaluated", zap.String("event", string(evt.Type)), zap.String("space", evt.SpaceID))
}

// Sessions returns the number of watched sessions.
func (r *Router) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}
