// Package chat is the collaborator-facing surface of the transport core.
// It wires the connection, subscription registry, outbound dispatcher,
// upload coordinator and unread reconciler into one client.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/config"
	"github.com/tullo/chatlink/internal/auth"
	"github.com/tullo/chatlink/internal/inbound"
	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/outbound"
	"github.com/tullo/chatlink/internal/stomp"
	"github.com/tullo/chatlink/internal/subscription"
	"github.com/tullo/chatlink/internal/transport"
	"github.com/tullo/chatlink/internal/unread"
	"github.com/tullo/chatlink/internal/upload"
)

const (
	// Buffered messages per room before new ones are dropped
	roomBuffer = 256

	// Time allowed for a background token refresh and reconnect
	refreshTimeout = 30 * time.Second
)

// Option customizes a Client.
type Option func(*settings)

type settings struct {
	logger *zap.Logger
	dialer transport.Dialer
	store  outbound.DedupStore
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

// WithDedupStore shares the dedup window, typically through Redis.
func WithDedupStore(store outbound.DedupStore) Option {
	return func(s *settings) { s.store = store }
}

type room struct {
	id string

	mu     sync.Mutex
	handle subscription.Handle
	ch     chan models.InboundMessage
	closed bool
}

func (r *room) deliver(msg models.InboundMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	select {
	case r.ch <- msg:
		return true
	default:
		return false
	}
}

// attach records the room's subscription. It reports false if the room was
// closed in the meantime.
func (r *room) attach(h subscription.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.handle = h
	return true
}

// close closes the stream and returns the subscription to release.
func (r *room) close() subscription.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	h := r.handle
	r.handle = subscription.Handle{}
	return h
}

// Client is safe for concurrent use.
type Client struct {
	tokens     auth.TokenSource
	logger     *zap.Logger
	conn       *transport.Connection
	registry   *subscription.Registry
	dispatcher *outbound.Dispatcher
	uploads    *upload.Coordinator
	unread     *unread.Reconciler
	normalizer *inbound.Normalizer

	mu            sync.Mutex
	rooms         map[string]*room
	unreadHandles []subscription.Handle
	stopWatch     func()
	inConnect     int
	refreshed     bool
}

// New builds a disconnected Client from cfg.
func New(cfg *config.Config, tokens auth.TokenSource, opts ...Option) *Client {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	log := logger.OrNop(s.logger)

	conn := transport.New(transport.Options{
		URL:            cfg.Broker.URL,
		Host:           cfg.Broker.Host,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		HeartbeatOut:   cfg.Broker.HeartbeatOut,
		HeartbeatIn:    cfg.Broker.HeartbeatIn,
		ReconnectBase:  cfg.Broker.ReconnectBase,
		MaxAttempts:    cfg.Broker.ReconnectMaxAttempts,
		Dialer:         s.dialer,
		Logger:         log,
	})
	registry := subscription.NewRegistry(conn, cfg.Broker.SubscribeReplayDelay, log)
	dispatcher := outbound.NewDispatcher(conn, outbound.Options{
		DedupWindow:   cfg.Outbound.DedupWindow,
		ReplayDelay:   cfg.Outbound.ReplayDelay,
		RetryAttempts: cfg.Outbound.RetryAttempts,
		RetryBase:     cfg.Outbound.RetryBase,
		Store:         s.store,
		Logger:        log,
	})
	uploads := upload.NewCoordinator(registry, dispatcher, upload.Options{
		ChunkSize:            cfg.Upload.ChunkSize,
		MaxFileSize:          cfg.Upload.MaxFileSize,
		IDTimeout:            cfg.Upload.IDTimeout,
		CompletionPerMB:      cfg.Upload.CompletionPerMB,
		MinCompletionTimeout: cfg.Upload.MinCompletionTimeout,
		InterChunkDelay:      cfg.Upload.InterChunkDelay,
		Destination:          cfg.Upload.Destination,
		Logger:               log,
	})

	c := &Client{
		tokens:     tokens,
		logger:     log.Named("chat"),
		conn:       conn,
		registry:   registry,
		dispatcher: dispatcher,
		uploads:    uploads,
		unread:     unread.New(log),
		normalizer: inbound.New(log),
		rooms:      make(map[string]*room),
	}

	conn.OnFrame(registry.Dispatch)
	conn.OnConnected(registry.Replay)
	conn.OnConnected(c.rejoinRooms)
	conn.OnConnected(c.requestUnreadSnapshot)
	conn.OnConnected(dispatcher.Flush)
	return c
}

// Connect connects with the current token. If the broker rejects it the
// token is refreshed once and the connect retried; a second rejection is
// returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.inConnect++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inConnect--
		c.mu.Unlock()
	}()

	c.start()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = c.conn.Connect(ctx, token)
	if !errors.Is(err, models.ErrAuth) {
		return err
	}

	c.logger.Info("token rejected, refreshing once", zap.Error(err))
	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return err
	}
	return c.conn.Connect(ctx, token)
}

// Retry reconnects after automatic reconnection gave up.
func (c *Client) Retry(ctx context.Context) error {
	c.start()
	return c.conn.Retry(ctx)
}

// Disconnect leaves every room, cancels uploads and closes the socket.
// Room channels are closed. The client may Connect again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.rooms = make(map[string]*room)
	c.unreadHandles = nil
	stop := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()

	for _, r := range rooms {
		if err := c.dispatcher.SendLeave(r.id); err != nil && !errors.Is(err, models.ErrNotConnected) {
			c.logger.Warn("leave failed", zap.String("room", r.id), zap.Error(err))
		}
	}

	c.uploads.Close()
	c.registry.Close()
	c.conn.Disconnect()

	for _, r := range rooms {
		r.close()
	}
	if stop != nil {
		stop()
	}
}

// State returns the connection state.
func (c *Client) State() models.ConnectionState {
	return c.conn.State()
}

// States streams connection state transitions until the returned func is
// called.
func (c *Client) States() (<-chan models.StateChange, func()) {
	return c.conn.Watch()
}

// JoinRoom subscribes to roomID and returns its message stream. Joining a
// room twice returns the same stream.
func (c *Client) JoinRoom(roomID string) (<-chan models.InboundMessage, error) {
	if roomID == "" {
		return nil, errors.Wrap(models.ErrValidation, "room id is required")
	}

	c.mu.Lock()
	if r, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return r.ch, nil
	}
	r := &room{id: roomID, ch: make(chan models.InboundMessage, roomBuffer)}
	c.rooms[roomID] = r
	c.mu.Unlock()

	h := c.registry.Subscribe(models.RoomTopic(roomID), func(f *stomp.Frame) {
		msg, err := c.normalizer.NormalizeFrame(f)
		if err != nil {
			c.logger.Warn("dropping malformed room message", zap.String("room", roomID), zap.Error(err))
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		if !r.deliver(msg) {
			c.logger.Warn("room stream full, message dropped", zap.String("room", roomID), zap.String("id", msg.ID))
		}
	})
	if !r.attach(h) {
		// left or disconnected while subscribing
		c.registry.Unsubscribe(h)
		return r.ch, nil
	}

	if err := c.dispatcher.SendJoin(roomID); err != nil && !errors.Is(err, models.ErrNotConnected) {
		c.logger.Warn("join failed", zap.String("room", roomID), zap.Error(err))
	}
	return r.ch, nil
}

// LeaveRoom announces the leave, drops the subscription and closes the
// room's stream.
func (c *Client) LeaveRoom(roomID string) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.dispatcher.SendLeave(roomID); err != nil && !errors.Is(err, models.ErrNotConnected) {
		c.logger.Warn("leave failed", zap.String("room", roomID), zap.Error(err))
	}
	c.registry.Unsubscribe(r.close())
	if c.unread.Viewed() == roomID {
		c.unread.ClearViewed()
	}
}

// Rooms lists joined rooms.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// SendMessage sends a chat message. ErrQueued means it will be sent after
// the next connect.
func (c *Client) SendMessage(ctx context.Context, roomID, content, contentType string) error {
	return c.dispatcher.SendMessage(ctx, roomID, content, contentType)
}

// SendFile starts a chunked upload of src to roomID.
func (c *Client) SendFile(ctx context.Context, roomID string, src upload.Source, cb upload.Callbacks) (*upload.Upload, error) {
	return c.uploads.Start(ctx, roomID, src, cb)
}

// RetryUpload restarts a failed or cancelled upload.
func (c *Client) RetryUpload(ctx context.Context, uploadID string) (*upload.Upload, error) {
	return c.uploads.Retry(ctx, uploadID)
}

// Upload returns the state of an upload.
func (c *Client) Upload(uploadID string) (models.ChunkedUpload, bool) {
	return c.uploads.Get(uploadID)
}

// SetActiveRoom records the room on screen. The previous marker is always
// cleared first; an empty roomID only clears.
func (c *Client) SetActiveRoom(roomID string) {
	c.unread.ClearViewed()
	if roomID != "" {
		c.unread.MarkViewed(roomID)
	}
}

// ActiveRoom returns the room on screen, or "".
func (c *Client) ActiveRoom() string {
	return c.unread.Viewed()
}

// UnreadCount returns the unread counter of roomID.
func (c *Client) UnreadCount(roomID string) int {
	return c.unread.UnreadCount(roomID)
}

// TotalUnread sums unread counters over rooms not on screen.
func (c *Client) TotalUnread() int {
	return c.unread.Total()
}

// MarkRead clears the unread counter of roomID.
func (c *Client) MarkRead(roomID string) {
	c.unread.MarkRead(roomID)
}

// SyncUnread seeds unread counters from a bulk room list.
func (c *Client) SyncUnread(rooms []unread.Room) {
	c.unread.SyncFromBulkLoad(rooms)
}

// start subscribes the per-user unread queues and starts the state
// watcher, once per session.
func (c *Client) start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.unreadHandles) == 0 {
		c.unreadHandles = []subscription.Handle{
			c.registry.Subscribe(models.DestUnreadDeltas, c.onUnreadDelta),
			c.registry.Subscribe(models.DestUnreadSnapshot, c.onUnreadSnapshot),
		}
	}
	if c.stopWatch == nil {
		states, stop := c.conn.Watch()
		c.stopWatch = stop
		go c.watch(states)
	}
}

// watch refreshes the token once after a broker rejection that happened
// outside Connect, e.g. while reconnecting.
func (c *Client) watch(states <-chan models.StateChange) {
	for sc := range states {
		switch {
		case sc.To == models.Connected:
			c.mu.Lock()
			c.refreshed = false
			c.mu.Unlock()

		case sc.To == models.Disconnected && errors.Is(sc.Err, models.ErrAuth):
			if sc.From != models.Connected && sc.From != models.Reconnecting {
				continue
			}
			c.mu.Lock()
			skip := c.inConnect > 0 || c.refreshed
			c.refreshed = true
			c.mu.Unlock()
			if skip {
				c.logger.Error("authentication failed again, waiting for new credentials", zap.Error(sc.Err))
				continue
			}
			go c.refreshAndReconnect()
		}
	}
}

func (c *Client) refreshAndReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	token, err := c.tokens.Refresh(ctx)
	if err != nil {
		c.logger.Error("token refresh failed", zap.Error(err))
		return
	}
	if err := c.conn.Connect(ctx, token); err != nil {
		c.logger.Warn("reconnect with refreshed token failed", zap.Error(err))
	}
}

// rejoinRooms re-sends the join signal for every room after a connect.
func (c *Client) rejoinRooms(ctx context.Context) {
	for _, id := range c.Rooms() {
		if ctx.Err() != nil {
			return
		}
		if err := c.dispatcher.SendJoin(id); err != nil {
			c.logger.Warn("rejoin failed", zap.String("room", id), zap.Error(err))
			return
		}
	}
}

// requestUnreadSnapshot asks the broker for authoritative counts to cover
// the gap while disconnected.
func (c *Client) requestUnreadSnapshot(ctx context.Context) {
	if err := c.dispatcher.SendWithRetry(ctx, models.DestUnreadRequest, []byte("{}"), nil); err != nil {
		c.logger.Warn("unread snapshot request failed", zap.Error(err))
	}
}

func (c *Client) onUnreadDelta(f *stomp.Frame) {
	d, err := unread.DecodeDelta(f.Body)
	if err != nil {
		c.logger.Warn("dropping unread delta", zap.Error(err))
		return
	}
	c.unread.ApplyRealtimeDelta(d.RoomID, d.Delta, d.Reason)
}

func (c *Client) onUnreadSnapshot(f *stomp.Frame) {
	rooms, err := unread.DecodeRooms(f.Body)
	if err != nil {
		c.logger.Warn("dropping unread snapshot", zap.Error(err))
		return
	}
	c.unread.SyncFromBulkLoad(rooms)
}
