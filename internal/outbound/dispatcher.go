// Package outbound turns application sends into SEND frames. Identical
// sends within the dedup window are absorbed, and sends that cannot be
// transmitted wait in a FIFO queue until the next connect.
package outbound

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/models"
)

// Sender transmits frames. *transport.Connection satisfies it.
type Sender interface {
	Send(destination string, body []byte, headers map[string]string) error
	Connected() bool
}

// Envelope is a resolved send waiting for transmission.
type Envelope struct {
	Destination string
	Body        []byte
	Headers     map[string]string
	DedupKey    string
	EnqueuedAt  time.Time
}

// Options configures a Dispatcher.
type Options struct {
	DedupWindow   time.Duration
	ReplayDelay   time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	Store         DedupStore
	Logger        *zap.Logger
	Now           func() time.Time
}

// Dispatcher is the outbound pipeline. The queue is owned here and only
// mutated through its methods.
type Dispatcher struct {
	sender Sender
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	queue    []Envelope
	flushing bool
	session  context.Context // last ctx handed to Flush by the connected hook
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = NewMemoryDedup(opts.Now)
	}
	return &Dispatcher{
		sender: sender,
		opts:   opts,
		logger: logger.OrNop(opts.Logger).Named("outbound"),
	}
}

// SendMessage sends a chat message to roomID. It returns nil when the
// message was transmitted or absorbed as a duplicate and ErrQueued when it
// will be replayed on the next connect.
func (d *Dispatcher) SendMessage(ctx context.Context, roomID, content, contentType string) error {
	if roomID == "" {
		return errors.Wrap(models.ErrValidation, "room id is required")
	}
	if contentType == "" {
		contentType = "TEXT"
	}

	now := d.opts.Now()
	body, err := json.Marshal(models.ChatMessagePayload{
		ChatRoomID:  roomID,
		Content:     content,
		ContentType: contentType,
		Type:        models.SignalChat,
		Timestamp:   now.UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(err, "encode chat message")
	}

	env := Envelope{
		Destination: models.ResolveDestination(models.DestSendMessage, roomID),
		Body:        body,
		DedupKey:    DedupKey(roomID, content, contentType, now),
	}
	err = d.SendRaw(ctx, env)
	if errors.Is(err, models.ErrDuplicateSend) {
		d.logger.Debug("duplicate send absorbed", zap.String("room", roomID))
		return nil
	}
	return err
}

// SendRaw transmits env, or queues it when disconnected, when earlier
// envelopes are still queued, or when the write fails. A non-empty DedupKey
// seen within the window yields ErrDuplicateSend without transmitting.
func (d *Dispatcher) SendRaw(ctx context.Context, env Envelope) error {
	if env.DedupKey != "" {
		seen, err := d.opts.Store.SeenOnce(ctx, env.DedupKey, d.opts.DedupWindow)
		if err != nil {
			// fail open
			d.logger.Warn("dedup store unavailable", zap.Error(err))
		} else if seen {
			return models.ErrDuplicateSend
		}
	}
	env.EnqueuedAt = d.opts.Now()

	d.mu.Lock()
	if !d.sender.Connected() || len(d.queue) > 0 || d.flushing {
		d.queue = append(d.queue, env)
		session := d.session
		kick := d.sender.Connected() && !d.flushing && session != nil && session.Err() == nil
		d.mu.Unlock()
		if kick {
			go d.Flush(session)
		}
		d.logger.Debug("send queued", zap.String("destination", env.Destination))
		return models.ErrQueued
	}
	d.mu.Unlock()

	if err := d.sender.Send(env.Destination, env.Body, env.Headers); err != nil {
		d.mu.Lock()
		d.queue = append(d.queue, env)
		d.mu.Unlock()
		d.logger.Warn("send failed, queued for replay", zap.String("destination", env.Destination), zap.Error(err))
		return errors.Wrapf(models.ErrQueued, "send %s: %v", env.Destination, err)
	}
	return nil
}

// Flush transmits queued envelopes in FIFO order, one per ReplayDelay. A
// failed transmission puts the envelope back at the head of the queue and
// stops the flush. It is registered as the last connected hook; until it
// runs for a session, queued envelopes wait for it.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	d.session = ctx
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	pending := len(d.queue)
	d.mu.Unlock()

	if pending > 0 {
		d.logger.Info("replaying queued sends", zap.Int("count", pending))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if d.opts.ReplayDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(d.opts.ReplayDelay), 1)
	}

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.flushing = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if err := limiter.Wait(ctx); err != nil || !d.sender.Connected() {
			d.stopFlush()
			return
		}

		d.mu.Lock()
		env := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := d.sender.Send(env.Destination, env.Body, env.Headers); err != nil {
			d.mu.Lock()
			d.queue = append([]Envelope{env}, d.queue...)
			d.flushing = false
			d.mu.Unlock()
			d.logger.Warn("replay interrupted", zap.String("destination", env.Destination), zap.Error(err))
			return
		}
	}
}

func (d *Dispatcher) stopFlush() {
	d.mu.Lock()
	d.flushing = false
	d.mu.Unlock()
}

// SendWithRetry transmits synchronously with up to RetryAttempts tries and
// exponential delay between them. Nothing is queued.
func (d *Dispatcher) SendWithRetry(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	var lastErr error
	for attempt := 1; attempt <= d.opts.RetryAttempts; attempt++ {
		if d.sender.Connected() {
			lastErr = d.sender.Send(destination, body, headers)
			if lastErr == nil {
				return nil
			}
		} else {
			lastErr = models.ErrNotConnected
		}
		if attempt == d.opts.RetryAttempts {
			break
		}

		delay := d.opts.RetryBase << uint(attempt-1)
		d.logger.Debug("send retry", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return errors.Wrapf(lastErr, "send %s failed after %d attempts", destination, d.opts.RetryAttempts)
}

// SendJoin announces the local user in roomID. Joins are not queued since
// the facade re-sends them for every active room after a connect.
func (d *Dispatcher) SendJoin(roomID string) error {
	return d.sendSignal(models.DestAddUser, roomID, models.SignalJoin)
}

// SendLeave announces that the local user left roomID.
func (d *Dispatcher) SendLeave(roomID string) error {
	return d.sendSignal(models.DestLeaveRoom, roomID, models.SignalLeave)
}

func (d *Dispatcher) sendSignal(destination, roomID, signalType string) error {
	if !d.sender.Connected() {
		return models.ErrNotConnected
	}
	body, err := json.Marshal(models.NewRoomSignal(roomID, signalType))
	if err != nil {
		return errors.Wrap(err, "encode room signal")
	}
	return d.sender.Send(destination, body, nil)
}

// Pending returns a copy of the queued envelopes in replay order.
func (d *Dispatcher) Pending() []Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Envelope(nil), d.queue...)
}
