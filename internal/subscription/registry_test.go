package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/stomp"
)

type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	session      uint64
	subscribes   []string
	unsubscribes []string
	times        []time.Time
}

func (f *fakeBroker) Subscribe(id, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, destination)
	f.times = append(f.times, time.Now())
	return nil
}

func (f *fakeBroker) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, id)
	return nil
}

func (f *fakeBroker) Session() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0
	}
	return f.session + 1
}

// setConnected(true) opens a new session.
func (f *fakeBroker) setConnected(v bool) {
	f.mu.Lock()
	if v {
		f.session++
	}
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeBroker) subscribeCount(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.subscribes {
		if d == dest {
			n++
		}
	}
	return n
}

func message(subID, dest string) *stomp.Frame {
	return stomp.New(stomp.CmdMessage, stomp.HdrSubscription, subID, stomp.HdrDestination, dest)
}

func TestRegistry_TwoCallbacksOneSubscribe(t *testing.T) {
	b := &fakeBroker{connected: true}
	r := NewRegistry(b, 0, zap.NewNop())

	var first, second int
	r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) { first++ })
	r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) { second++ })

	if got := b.subscribeCount("/topic/chatrooms/1"); got != 1 {
		t.Fatalf("Expected 1 broker subscribe, got %d", got)
	}

	r.Dispatch(message("sub-0", "/topic/chatrooms/1"))
	r.Dispatch(message("sub-0", "/topic/chatrooms/1"))

	if first != 2 || second != 2 {
		t.Errorf("Expected both callbacks to fire twice, got %d and %d", first, second)
	}
}

func TestRegistry_DeferredUntilReplay(t *testing.T) {
	b := &fakeBroker{}
	r := NewRegistry(b, 0, zap.NewNop())

	r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) {})
	if got := b.subscribeCount("/topic/chatrooms/1"); got != 0 {
		t.Fatalf("Expected no broker subscribe while disconnected, got %d", got)
	}

	b.setConnected(true)
	r.Replay(context.Background())

	if got := b.subscribeCount("/topic/chatrooms/1"); got != 1 {
		t.Errorf("Expected subscribe on replay, got %d", got)
	}
}

func TestRegistry_ReplayAfterReconnect(t *testing.T) {
	b := &fakeBroker{connected: true}
	r := NewRegistry(b, 10*time.Millisecond, zap.NewNop())

	dests := []string{"/topic/chatrooms/1", "/topic/chatrooms/2", "/user/queue/unread"}
	for _, d := range dests {
		r.Subscribe(d, func(f *stomp.Frame) {})
	}

	b.setConnected(false)
	b.setConnected(true)
	r.Replay(context.Background())

	for _, d := range dests {
		if got := b.subscribeCount(d); got != 2 {
			t.Errorf("Expected %s subscribed twice, got %d", d, got)
		}
	}

	b.mu.Lock()
	replayed := b.times[len(dests):]
	b.mu.Unlock()
	for i := 1; i < len(replayed); i++ {
		if gap := replayed[i].Sub(replayed[i-1]); gap < 5*time.Millisecond {
			t.Errorf("Expected replay to be paced, gap %v", gap)
		}
	}
}

func TestRegistry_UnsubscribeDropsEmptyDestination(t *testing.T) {
	b := &fakeBroker{connected: true}
	r := NewRegistry(b, 0, zap.NewNop())

	var hits int
	h1 := r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) { hits++ })
	h2 := r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) { hits += 10 })

	r.Unsubscribe(h1)
	r.Dispatch(message("sub-0", "/topic/chatrooms/1"))
	if hits != 10 {
		t.Fatalf("Expected only the second callback, hits=%d", hits)
	}
	if len(b.unsubscribes) != 0 {
		t.Fatal("destination with callbacks left must stay subscribed")
	}

	r.Unsubscribe(h2)
	if len(b.unsubscribes) != 1 || b.unsubscribes[0] != "sub-0" {
		t.Fatalf("Expected broker unsubscribe of sub-0, got %v", b.unsubscribes)
	}
	if len(r.Destinations()) != 0 {
		t.Fatalf("Expected no destinations, got %v", r.Destinations())
	}

	r.Replay(context.Background())
	if got := b.subscribeCount("/topic/chatrooms/1"); got != 1 {
		t.Errorf("dropped destination must not be replayed, got %d subscribes", got)
	}
}

func TestRegistry_DispatchFallsBackToDestination(t *testing.T) {
	b := &fakeBroker{connected: true}
	r := NewRegistry(b, 0, zap.NewNop())

	var hits int
	r.Subscribe("/user/queue/errors", func(f *stomp.Frame) { hits++ })

	r.Dispatch(message("", "/user/queue/errors"))
	r.Dispatch(message("sub-99", "/user/queue/other"))

	if hits != 1 {
		t.Errorf("Expected 1 hit, got %d", hits)
	}
}

func TestRegistry_Close(t *testing.T) {
	b := &fakeBroker{connected: true}
	r := NewRegistry(b, 0, zap.NewNop())

	r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) {})
	r.Close()

	if len(r.Destinations()) != 0 {
		t.Fatal("Expected registry to be empty after Close")
	}
	r.Replay(context.Background())
	if got := b.subscribeCount("/topic/chatrooms/1"); got != 1 {
		t.Errorf("closed registry must not replay, got %d", got)
	}
}

func TestRegistry_SubscribedOncePerSession(t *testing.T) {
	b := &fakeBroker{}
	r := NewRegistry(b, 0, zap.NewNop())
	r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) {})

	// a room joined after connect but before the replay hook runs
	b.setConnected(true)
	r.Subscribe("/topic/chatrooms/2", func(f *stomp.Frame) {})
	if got := b.subscribeCount("/topic/chatrooms/2"); got != 1 {
		t.Fatalf("Expected immediate subscribe, got %d", got)
	}

	r.Replay(context.Background())
	r.Replay(context.Background())
	if got := b.subscribeCount("/topic/chatrooms/1"); got != 1 {
		t.Errorf("Expected deferred destination subscribed once, got %d", got)
	}
	if got := b.subscribeCount("/topic/chatrooms/2"); got != 1 {
		t.Errorf("Expected no second subscribe within the session, got %d", got)
	}

	b.setConnected(false)
	b.setConnected(true)
	r.Replay(context.Background())
	for _, d := range []string{"/topic/chatrooms/1", "/topic/chatrooms/2"} {
		if got := b.subscribeCount(d); got != 2 {
			t.Errorf("Expected %s resubscribed in the new session, got %d", d, got)
		}
	}
}

func TestRegistry_ReplayWhileDisconnectedIsNoop(t *testing.T) {
	b := &fakeBroker{}
	r := NewRegistry(b, 0, zap.NewNop())
	r.Subscribe("/topic/chatrooms/1", func(f *stomp.Frame) {})

	r.Replay(context.Background())
	if got := b.subscribeCount("/topic/chatrooms/1"); got != 0 {
		t.Errorf("Expected no subscribe while disconnected, got %d", got)
	}
}
