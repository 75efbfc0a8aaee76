// Package transport owns the single broker socket: handshake, heartbeats,
// failure detection and reconnection with backoff. It carries no chat logic.
package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/auth"
	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/stomp"
)

const (
	// Time allowed to write a frame to the broker
	writeWait = 10 * time.Second

	// Inbound silence tolerated, as a multiple of the negotiated interval
	heartbeatTolerance = 2

	// Buffered transitions per watcher before new ones are dropped
	watchBuffer = 16

	// Upper bound on the backoff exponent
	maxBackoffShift = 10
)

// Options configures a Connection.
type Options struct {
	URL            string
	Host           string
	ConnectTimeout time.Duration
	HeartbeatOut   time.Duration
	HeartbeatIn    time.Duration
	ReconnectBase  time.Duration
	MaxAttempts    int
	Dialer         Dialer
	Logger         *zap.Logger
}

// FrameHandler receives every MESSAGE frame in broker order.
type FrameHandler func(f *stomp.Frame)

// ConnectedHook runs after every successful connect. ctx is cancelled when
// that session ends.
type ConnectedHook func(ctx context.Context)

// Connection is the transport state machine. All state lives behind mu.
type Connection struct {
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	state         models.ConnectionState
	sock          Socket
	token         string
	epoch         uint64
	sessionCancel context.CancelFunc
	loopCancel    context.CancelFunc
	watchers      map[int]chan models.StateChange
	nextWatcher   int
	hooks         []ConnectedHook
	handler       FrameHandler

	writeMu sync.Mutex
}

// New creates a disconnected Connection.
func New(opts Options) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 12 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Host == "" {
		opts.Host = "/"
	}
	return &Connection{
		opts:     opts,
		logger:   logger.OrNop(opts.Logger).Named("transport"),
		state:    models.Disconnected,
		watchers: make(map[int]chan models.StateChange),
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}

// State returns the current connection state.
func (c *Connection) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can be sent right now.
func (c *Connection) Connected() bool {
	return c.State() == models.Connected
}

// Session identifies the current connected session. It is 0 while not
// connected and changes on every reconnect.
func (c *Connection) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.Connected {
		return 0
	}
	return c.epoch
}

// Watch subscribes to state transitions. The returned func unsubscribes and
// closes the channel.
func (c *Connection) Watch() (<-chan models.StateChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchLocked()
}

func (c *Connection) watchLocked() (<-chan models.StateChange, func()) {
	ch := make(chan models.StateChange, watchBuffer)
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// OnConnected registers a hook run after every successful connect, in
// registration order.
func (c *Connection) OnConnected(hook ConnectedHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// OnFrame sets the MESSAGE frame handler.
func (c *Connection) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Connect opens the socket and performs the STOMP handshake, blocking until
// CONNECTED arrives or the connect timeout elapses. Calling Connect while
// already connected with the same token is a no-op; while connecting it
// waits for the handshake in flight. A
// transient failure starts background reconnection and is still returned
// to the caller. Authentication failures are never retried.
func (c *Connection) Connect(ctx context.Context, token string) error {
	if err := auth.CheckExpiry(token, time.Now()); err != nil {
		c.mu.Lock()
		c.setStateLocked(models.Disconnected, 0, err)
		c.mu.Unlock()
		c.logger.Warn("refusing to connect with expired token", zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.state == models.Connected && c.token == token {
		c.mu.Unlock()
		c.logger.Debug("connect ignored, session already active")
		return nil
	}
	if c.state == models.Connecting && c.token == token {
		states, stop := c.watchLocked()
		c.mu.Unlock()
		defer stop()
		return awaitHandshake(ctx, states)
	}

	c.epoch++
	epoch := c.epoch
	c.token = token
	c.teardownLocked()
	c.setStateLocked(models.Connecting, 0, nil)
	c.mu.Unlock()

	err := c.attempt(ctx, epoch, token)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrAuth), ctx.Err() != nil:
		c.settle(epoch, models.Disconnected, err)
	default:
		c.startReconnect(epoch, err)
	}
	return err
}

// awaitHandshake waits for the handshake already in flight to settle.
func awaitHandshake(ctx context.Context, states <-chan models.StateChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sc, ok := <-states:
			if !ok {
				return models.ErrNotConnected
			}
			switch sc.To {
			case models.Connected:
				return nil
			case models.Disconnected, models.Reconnecting:
				if sc.Err == nil {
					return models.ErrNotConnected
				}
				return sc.Err
			}
		}
	}
}

// Retry reconnects with the last token, typically after reconnect attempts
// were exhausted.
func (c *Connection) Retry(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		return errors.Wrap(models.ErrAuth, "no token to retry with")
	}
	return c.Connect(ctx, token)
}

// Disconnect stops reconnection, sends DISCONNECT and closes the socket.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.epoch++
	sock := c.sock
	c.sock = nil
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	c.setStateLocked(models.Disconnected, 0, nil)
	c.mu.Unlock()

	if sock != nil {
		_ = c.writeTo(sock, stomp.New(stomp.CmdDisconnect).Encode())
		sock.Close()
	}
	c.logger.Info("disconnected")
}

// Send transmits a SEND frame.
func (c *Connection) Send(destination string, body []byte, headers map[string]string) error {
	f := stomp.New(stomp.CmdSend, stomp.HdrDestination, destination)
	for k, v := range headers {
		f.Set(k, v)
	}
	if f.Get(stomp.HdrContentType) == "" {
		f.Set(stomp.HdrContentType, "application/json")
	}
	f.Body = body
	return c.write(f)
}

// Subscribe sends a SUBSCRIBE frame.
func (c *Connection) Subscribe(id, destination string) error {
	return c.write(stomp.New(stomp.CmdSubscribe,
		stomp.HdrID, id,
		stomp.HdrDestination, destination,
		stomp.HdrAck, "auto",
	))
}

// Unsubscribe sends an UNSUBSCRIBE frame. It is a no-op while disconnected
// since the broker already dropped the subscription.
func (c *Connection) Unsubscribe(id string) error {
	if !c.Connected() {
		return nil
	}
	return c.write(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, id))
}

func (c *Connection) write(f *stomp.Frame) error {
	c.mu.Lock()
	sock, epoch, state := c.sock, c.epoch, c.state
	c.mu.Unlock()

	if state != models.Connected || sock == nil {
		return models.ErrNotConnected
	}

	if err := c.writeTo(sock, f.Encode()); err != nil {
		err = errors.Wrapf(models.ErrTransport, "write %s: %v", f.Command, err)
		go c.handleFailure(epoch, err)
		return err
	}
	return nil
}

func (c *Connection) writeTo(sock Socket, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sock.SetWriteDeadline(time.Now().Add(writeWait))
	return sock.WriteMessage(websocket.TextMessage, data)
}

// attempt runs one dial and handshake. On success the session goroutines
// are started unless a newer Connect or Disconnect superseded epoch.
func (c *Connection) attempt(ctx context.Context, epoch uint64, token string) error {
	sock, connected, err := c.handshake(ctx, token)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return errors.Wrap(models.ErrTransport, "connect superseded")
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	serverOut, serverIn, hbErr := stomp.ParseHeartBeat(connected.Get(stomp.HdrHeartBeat))
	if hbErr != nil {
		c.logger.Warn("ignoring broker heart-beat header", zap.Error(hbErr))
	}
	send, expect := stomp.NegotiateHeartBeat(c.opts.HeartbeatOut, c.opts.HeartbeatIn, serverOut, serverIn)

	sessCtx, cancel := context.WithCancel(context.Background())
	c.sock = sock
	c.sessionCancel = cancel
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.setStateLocked(models.Connected, 0, nil)
	hooks := append([]ConnectedHook(nil), c.hooks...)
	c.mu.Unlock()

	c.logger.Info("connected",
		zap.String("url", c.opts.URL),
		zap.String("version", connected.Get(stomp.HdrVersion)),
		zap.Duration("heartbeat_send", send),
		zap.Duration("heartbeat_expect", expect),
	)

	go c.readPump(sessCtx, epoch, sock, expect)
	if send > 0 {
		go c.heartbeatPump(sessCtx, sock, send)
	}
	go func() {
		for _, hook := range hooks {
			if sessCtx.Err() != nil {
				return
			}
			hook(sessCtx)
		}
	}()
	return nil
}

// handshake dials and waits for CONNECTED. The bearer token travels in the
// upgrade request and in the CONNECT frame since brokers differ in which
// one they read.
func (c *Connection) handshake(ctx context.Context, token string) (Socket, *stomp.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	bearer := auth.BearerHeader(token)
	header := http.Header{}
	header.Set(stomp.HdrAuthorization, bearer)

	sock, err := c.opts.Dialer.Dial(ctx, c.opts.URL, header)
	if err != nil {
		return nil, nil, err
	}

	// Unblocks ReadMessage when the timeout or the caller cancels.
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	fail := func(err error) (Socket, *stomp.Frame, error) {
		stop()
		sock.Close()
		if ctx.Err() != nil {
			return nil, nil, errors.Wrapf(models.ErrTransport, "handshake did not complete within %s", c.opts.ConnectTimeout)
		}
		return nil, nil, err
	}

	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, stomp.Version,
		stomp.HdrHost, c.opts.Host,
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(c.opts.HeartbeatOut, c.opts.HeartbeatIn),
		stomp.HdrAuthorization, bearer,
	)
	if err := c.writeTo(sock, connect.Encode()); err != nil {
		return fail(errors.Wrapf(models.ErrTransport, "write CONNECT: %v", err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		sock.SetReadDeadline(deadline)
	}

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return fail(errors.Wrapf(models.ErrTransport, "read CONNECTED: %v", err))
		}

		f, err := stomp.Decode(data)
		if err != nil {
			return fail(err)
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case stomp.CmdConnected:
			if !stop() {
				return fail(errors.Wrap(models.ErrTransport, "handshake cancelled"))
			}
			sock.SetReadDeadline(time.Time{})
			return sock, f, nil
		case stomp.CmdError:
			return fail(classifyError(f))
		default:
			c.logger.Debug("frame before CONNECTED ignored", zap.String("command", f.Command))
		}
	}
}

func (c *Connection) readPump(ctx context.Context, epoch uint64, sock Socket, expect time.Duration) {
	for {
		if expect > 0 {
			sock.SetReadDeadline(time.Now().Add(expect * heartbeatTolerance))
		}

		_, data, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.handleFailure(epoch, errors.Wrapf(models.ErrTransport, "read: %v", err))
			}
			return
		}

		f, err := stomp.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case stomp.CmdMessage:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(f)
			}
		case stomp.CmdError:
			c.handleFailure(epoch, classifyError(f))
			return
		case stomp.CmdReceipt:
			c.logger.Debug("receipt", zap.String("id", f.Get(stomp.HdrReceiptID)))
		default:
			c.logger.Debug("unexpected frame ignored", zap.String("command", f.Command))
		}
	}
}

func (c *Connection) heartbeatPump(ctx context.Context, sock Socket, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeTo(sock, stomp.Heartbeat); err != nil {
				// the read pump sees the broken socket and reports it
				return
			}
		}
	}
}

// handleFailure tears down a live session and starts reconnection, unless
// the session was already superseded.
func (c *Connection) handleFailure(epoch uint64, err error) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != models.Connected {
		c.mu.Unlock()
		return
	}
	c.epoch++
	epoch = c.epoch
	c.teardownLocked()
	c.mu.Unlock()

	if errors.Is(err, models.ErrAuth) {
		c.settle(epoch, models.Disconnected, err)
		return
	}
	c.logger.Warn("connection lost", zap.Error(err))
	c.startReconnect(epoch, err)
}

func (c *Connection) startReconnect(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	token := c.token
	c.setStateLocked(models.Reconnecting, 0, cause)
	c.mu.Unlock()

	go c.reconnectLoop(ctx, epoch, token)
}

func (c *Connection) reconnectLoop(ctx context.Context, epoch uint64, token string) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := Backoff(c.opts.ReconnectBase, attempt)
		c.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("backoff", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !c.announceAttempt(epoch, attempt, lastErr) {
			return
		}

		err := c.attempt(ctx, epoch, token)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, models.ErrAuth) {
			c.settle(epoch, models.Disconnected, err)
			return
		}
		lastErr = err
		c.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	c.settle(epoch, models.Disconnected,
		errors.Wrapf(models.ErrRetriesExhausted, "after %d attempts: %v", c.opts.MaxAttempts, lastErr))
}

// announceAttempt publishes the attempt number on the state stream. It
// reports false once epoch was superseded.
func (c *Connection) announceAttempt(epoch uint64, attempt int, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.setStateLocked(models.Reconnecting, attempt, cause)
	return true
}

// settle moves to a resting state if epoch is still current.
func (c *Connection) settle(epoch uint64, state models.ConnectionState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.setStateLocked(state, 0, err)
	if errors.Is(err, models.ErrAuth) {
		c.logger.Error("authentication failed, not retrying", zap.Error(err))
	}
}

func (c *Connection) teardownLocked() {
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

func (c *Connection) setStateLocked(to models.ConnectionState, attempt int, err error) {
	from := c.state
	if from == to && err == nil && attempt == 0 {
		return
	}
	c.state = to

	change := models.StateChange{From: from, To: to, Attempt: attempt, Err: err}
	for _, ch := range c.watchers {
		select {
		case ch <- change:
		default:
			c.logger.Warn("state watcher full, transition dropped", zap.Stringer("to", to))
		}
	}
}

// classifyError maps a broker ERROR frame onto the taxonomy.
func classifyError(f *stomp.Frame) error {
	msg := f.Get(stomp.HdrMessage)
	if msg == "" {
		msg = strings.TrimSpace(string(f.Body))
	}

	lower := strings.ToLower(msg + " " + string(f.Body))
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "expired", "invalid token", "authentication"} {
		if strings.Contains(lower, marker) {
			return errors.Wrapf(models.ErrAuth, "broker: %s", msg)
		}
	}
	return errors.Wrapf(models.ErrTransport, "broker error: %s", msg)
}
