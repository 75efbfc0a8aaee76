// Package subscription keeps the set of destinations that must be active and
// replays them after every (re)connect.
package subscription

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/stomp"
)

// Broker issues broker-level subscribe calls. Session identifies the
// current connected session and is 0 while not connected.
type Broker interface {
	Subscribe(id, destination string) error
	Unsubscribe(id string) error
	Session() uint64
}

// Callback receives every frame delivered to a destination.
type Callback func(f *stomp.Frame)

// Handle identifies one attached callback.
type Handle struct {
	Destination string
	id          uint64
}

type listener struct {
	id uint64
	fn Callback
}

type entry struct {
	subID     string
	listeners []listener
	session   uint64 // session the broker subscribe was issued in
}

// Registry maps destinations to callbacks independent of connection state.
type Registry struct {
	broker      Broker
	replayDelay time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	bySubID map[string]string
	order   []string
	nextID  uint64
	nextSub int
}

// NewRegistry creates a Registry. replayDelay spaces out SUBSCRIBE frames
// during replay.
func NewRegistry(broker Broker, replayDelay time.Duration, l *zap.Logger) *Registry {
	return &Registry{
		broker:      broker,
		replayDelay: replayDelay,
		logger:      logger.OrNop(l).Named("subscription"),
		entries:     make(map[string]*entry),
		bySubID:     make(map[string]string),
	}
}

// Subscribe attaches fn to destination. The first callback for a
// destination issues the broker subscribe if connected; otherwise it is
// deferred to the next replay. A destination is subscribed at most once per
// session.
func (r *Registry) Subscribe(destination string, fn Callback) Handle {
	session := r.broker.Session()

	r.mu.Lock()
	r.nextID++
	h := Handle{Destination: destination, id: r.nextID}

	e, ok := r.entries[destination]
	if !ok {
		e = &entry{subID: "sub-" + strconv.Itoa(r.nextSub)}
		r.nextSub++
		r.entries[destination] = e
		r.bySubID[e.subID] = destination
		r.order = append(r.order, destination)
	}
	e.listeners = append(e.listeners, listener{id: h.id, fn: fn})
	subID := e.subID
	send := session != 0 && e.session != session
	if send {
		e.session = session
	}
	r.mu.Unlock()

	if send {
		if err := r.broker.Subscribe(subID, destination); err != nil {
			r.unmark(destination, subID, session)
			r.logger.Warn("subscribe deferred to next connect", zap.String("destination", destination), zap.Error(err))
		}
	}
	return h
}

// Unsubscribe detaches the callback. A destination with no callbacks left
// is dropped and unsubscribed at the broker.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	e, ok := r.entries[h.Destination]
	if !ok {
		r.mu.Unlock()
		return
	}
	for i, l := range e.listeners {
		if l.id == h.id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	if len(e.listeners) > 0 {
		r.mu.Unlock()
		return
	}
	r.dropLocked(h.Destination)
	subID := e.subID
	r.mu.Unlock()

	if err := r.broker.Unsubscribe(subID); err != nil {
		r.logger.Warn("unsubscribe failed", zap.String("destination", h.Destination), zap.Error(err))
	}
}

// Dispatch routes a MESSAGE frame to the callbacks of its destination, in
// attach order. The subscription header is preferred over destination.
func (r *Registry) Dispatch(f *stomp.Frame) {
	r.mu.Lock()
	dest, ok := r.bySubID[f.Get(stomp.HdrSubscription)]
	if !ok {
		dest = f.Get(stomp.HdrDestination)
	}
	var fns []Callback
	if e, ok := r.entries[dest]; ok {
		fns = make([]Callback, len(e.listeners))
		for i, l := range e.listeners {
			fns[i] = l.fn
		}
	}
	r.mu.Unlock()

	if len(fns) == 0 {
		r.logger.Debug("frame for unknown destination dropped", zap.String("destination", dest))
		return
	}
	for _, fn := range fns {
		fn(f)
	}
}

// Replay re-issues SUBSCRIBE for every destination with callbacks that was
// not already subscribed in the current session. It is registered as a
// connected hook on the transport.
func (r *Registry) Replay(ctx context.Context) {
	session := r.broker.Session()
	if session == 0 {
		return
	}

	r.mu.Lock()
	type pending struct{ subID, dest string }
	todo := make([]pending, 0, len(r.order))
	for _, dest := range r.order {
		todo = append(todo, pending{subID: r.entries[dest].subID, dest: dest})
	}
	r.mu.Unlock()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if r.replayDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(r.replayDelay), 1)
	}

	replayed := 0
	for _, p := range todo {
		if !r.mark(p.dest, p.subID, session) {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			r.unmark(p.dest, p.subID, session)
			return
		}
		if err := r.broker.Subscribe(p.subID, p.dest); err != nil {
			r.unmark(p.dest, p.subID, session)
			r.logger.Warn("replay interrupted", zap.String("destination", p.dest), zap.Error(err))
			return
		}
		replayed++
	}
	r.logger.Info("subscriptions replayed", zap.Int("count", replayed))
}

// Destinations lists active destinations in creation order.
func (r *Registry) Destinations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Close drops every destination and callback.
func (r *Registry) Close() {
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.bySubID = make(map[string]string)
	r.order = nil
	r.mu.Unlock()
}

// mark claims the broker subscribe of dest for session. It reports false
// when dest was dropped or is already subscribed in session.
func (r *Registry) mark(dest, subID string, session uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dest]
	if !ok || e.subID != subID || e.session == session {
		return false
	}
	e.session = session
	return true
}

func (r *Registry) unmark(dest, subID string, session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[dest]; ok && e.subID == subID && e.session == session {
		e.session = 0
	}
}

func (r *Registry) dropLocked(dest string) {
	e := r.entries[dest]
	delete(r.entries, dest)
	delete(r.bySubID, e.subID)
	for i, d := range r.order {
		if d == dest {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
