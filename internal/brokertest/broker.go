// Package brokertest runs an in-process STOMP-over-WebSocket broker for
// tests. It records every frame it receives and lets tests publish to
// subscribers, reject credentials, stall handshakes and drop sockets.
package brokertest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tullo/chatlink/internal/stomp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sent is a SEND frame received by the broker.
type Sent struct {
	Destination string
	Header      *stomp.Header
	Body        []byte
}

// SendHook reacts to a SEND frame, typically by publishing a reply.
type SendHook func(b *Broker, s Sent)

// Broker is a fake message broker.
type Broker struct {
	server *httptest.Server

	mu             sync.Mutex
	conns          map[*conn]struct{}
	subs           map[string]map[*conn]string
	subscribeCalls map[string]int
	sends          []Sent
	hooks          map[string]SendHook
	connects       int
	heartbeats     int
	upgradeHeaders []http.Header
	connectFrames  []*stomp.Frame
	acceptToken    func(token string) bool
	rejectUpgrade  int
	silent         bool
	heartBeat      string
	messageSeq     int
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(f *stomp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, f.Encode())
}

// New starts a broker on a random local port.
func New() *Broker {
	b := &Broker{
		conns:          make(map[*conn]struct{}),
		subs:           make(map[string]map[*conn]string),
		subscribeCalls: make(map[string]int),
		hooks:          make(map[string]SendHook),
		heartBeat:      "0,0",
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL returns the ws:// endpoint.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// Close drops every connection and stops the server.
func (b *Broker) Close() {
	b.DropConnections()
	b.server.Close()
}

// AcceptToken installs a credential check applied to CONNECT frames.
func (b *Broker) AcceptToken(fn func(token string) bool) {
	b.mu.Lock()
	b.acceptToken = fn
	b.mu.Unlock()
}

// RejectUpgrade makes the HTTP upgrade fail with status. 0 restores.
func (b *Broker) RejectUpgrade(status int) {
	b.mu.Lock()
	b.rejectUpgrade = status
	b.mu.Unlock()
}

// SetSilent stops the broker from answering CONNECT.
func (b *Broker) SetSilent(silent bool) {
	b.mu.Lock()
	b.silent = silent
	b.mu.Unlock()
}

// SetHeartBeat sets the heart-beat header sent in CONNECTED.
func (b *Broker) SetHeartBeat(v string) {
	b.mu.Lock()
	b.heartBeat = v
	b.mu.Unlock()
}

// OnSend registers a hook for SEND frames to destination.
func (b *Broker) OnSend(destination string, hook SendHook) {
	b.mu.Lock()
	b.hooks[destination] = hook
	b.mu.Unlock()
}

// Publish delivers body to every subscriber of destination and returns the
// number of subscribers reached.
func (b *Broker) Publish(destination string, body []byte) int {
	b.mu.Lock()
	targets := make(map[*conn]string, len(b.subs[destination]))
	for c, id := range b.subs[destination] {
		targets[c] = id
	}
	b.mu.Unlock()

	n := 0
	for c, id := range targets {
		b.mu.Lock()
		b.messageSeq++
		seq := b.messageSeq
		b.mu.Unlock()

		f := stomp.New(stomp.CmdMessage,
			stomp.HdrDestination, destination,
			stomp.HdrSubscription, id,
			stomp.HdrMessageID, "msg-"+strconv.Itoa(seq),
			stomp.HdrContentType, "application/json",
		)
		f.Body = body
		if err := c.write(f); err == nil {
			n++
		}
	}
	return n
}

// SendError writes an ERROR frame to every connection.
func (b *Broker) SendError(message string) {
	for _, c := range b.snapshotConns() {
		_ = c.write(stomp.New(stomp.CmdError, stomp.HdrMessage, message))
	}
}

// DropConnections closes every socket without a DISCONNECT.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// ConnectCount returns how many CONNECT frames were received.
func (b *Broker) ConnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// ConnectionCount returns the number of open sockets.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// HeartbeatCount returns the number of heartbeat EOLs received.
func (b *Broker) HeartbeatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeats
}

// SubscribeCalls returns how many SUBSCRIBE frames named destination.
func (b *Broker) SubscribeCalls(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeCalls[destination]
}

// Subscribed reports whether any live connection subscribes destination.
func (b *Broker) Subscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[destination]) > 0
}

// Sends returns the SEND frames received for destination. An empty
// destination returns all of them.
func (b *Broker) Sends(destination string) []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sent, 0)
	for _, s := range b.sends {
		if destination == "" || s.Destination == destination {
			out = append(out, s)
		}
	}
	return out
}

// LastUpgradeHeader returns the HTTP headers of the latest upgrade request.
func (b *Broker) LastUpgradeHeader() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.upgradeHeaders) == 0 {
		return nil
	}
	return b.upgradeHeaders[len(b.upgradeHeaders)-1]
}

// LastConnectFrame returns the latest CONNECT frame.
func (b *Broker) LastConnectFrame() *stomp.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connectFrames) == 0 {
		return nil
	}
	return b.connectFrames[len(b.connectFrames)-1]
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *Broker) snapshotConns() []*conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Broker) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.upgradeHeaders = append(b.upgradeHeaders, r.Header.Clone())
	reject := b.rejectUpgrade
	b.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{ws: ws}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer b.remove(c)
	b.readPump(c)
}

func (b *Broker) remove(c *conn) {
	b.mu.Lock()
	delete(b.conns, c)
	for dest, m := range b.subs {
		delete(m, c)
		if len(m) == 0 {
			delete(b.subs, dest)
		}
	}
	b.mu.Unlock()
	c.ws.Close()
}

func (b *Broker) readPump(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		f, err := stomp.Decode(data)
		if err != nil {
			continue
		}
		if f == nil {
			b.mu.Lock()
			b.heartbeats++
			b.mu.Unlock()
			continue
		}

		switch f.Command {
		case stomp.CmdConnect:
			if !b.handleConnect(c, f) {
				return
			}

		case stomp.CmdSubscribe:
			dest := f.Get(stomp.HdrDestination)
			b.mu.Lock()
			if b.subs[dest] == nil {
				b.subs[dest] = make(map[*conn]string)
			}
			b.subs[dest][c] = f.Get(stomp.HdrID)
			b.subscribeCalls[dest]++
			b.mu.Unlock()

		case stomp.CmdUnsubscribe:
			id := f.Get(stomp.HdrID)
			b.mu.Lock()
			for dest, m := range b.subs {
				if m[c] == id {
					delete(m, c)
				}
				if len(m) == 0 {
					delete(b.subs, dest)
				}
			}
			b.mu.Unlock()

		case stomp.CmdSend:
			s := Sent{Destination: f.Get(stomp.HdrDestination), Header: f.Header, Body: f.Body}
			b.mu.Lock()
			b.sends = append(b.sends, s)
			hook := b.hooks[s.Destination]
			b.mu.Unlock()
			if hook != nil {
				hook(b, s)
			}

		case stomp.CmdDisconnect:
			return
		}
	}
}

func (b *Broker) handleConnect(c *conn, f *stomp.Frame) bool {
	b.mu.Lock()
	b.connects++
	b.connectFrames = append(b.connectFrames, f)
	accept := b.acceptToken
	silent := b.silent
	hb := b.heartBeat
	b.mu.Unlock()

	if silent {
		return true
	}

	token := strings.TrimPrefix(f.Get(stomp.HdrAuthorization), "Bearer ")
	if accept != nil && !accept(token) {
		_ = c.write(stomp.New(stomp.CmdError, stomp.HdrMessage, "401 Unauthorized: token expired"))
		return false
	}

	return c.write(stomp.New(stomp.CmdConnected, stomp.HdrVersion, stomp.Version, stomp.HdrHeartBeat, hb)) == nil
}
