// Package upload drives the chunked file transfer protocol: validation,
// sequential base64 chunks, two-phase id assignment and correlation of
// progress, completion and error replies.
package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/subscription"
)

const (
	megabyte = 1 << 20

	// Finished uploads kept for status queries and Retry
	historySize = 32
)

// Subscriber attaches reply handlers. *subscription.Registry satisfies it.
type Subscriber interface {
	Subscribe(destination string, fn subscription.Callback) subscription.Handle
	Unsubscribe(h subscription.Handle)
}

// ChunkSender transmits one chunk synchronously. *outbound.Dispatcher
// satisfies it.
type ChunkSender interface {
	SendWithRetry(ctx context.Context, destination string, body []byte, headers map[string]string) error
}

// Options configures a Coordinator.
type Options struct {
	ChunkSize            int
	MaxFileSize          int64
	IDTimeout            time.Duration
	CompletionPerMB      time.Duration
	MinCompletionTimeout time.Duration
	InterChunkDelay      time.Duration
	Destination          string
	Types                map[string]string
	Logger               *zap.Logger
}

// Coordinator runs uploads one chunk at a time per upload.
type Coordinator struct {
	subs   Subscriber
	sender ChunkSender
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	active  map[string]*Upload
	order   []*Upload
	history []*Upload
	handles []subscription.Handle
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(subs Subscriber, sender ChunkSender, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 * 1024
	}
	if opts.IDTimeout <= 0 {
		opts.IDTimeout = 5 * time.Second
	}
	if opts.CompletionPerMB <= 0 {
		opts.CompletionPerMB = 20 * time.Second
	}
	if opts.MinCompletionTimeout <= 0 {
		opts.MinCompletionTimeout = 30 * time.Second
	}
	if opts.Destination == "" {
		opts.Destination = models.DestFilesUpload
	}
	if opts.Types == nil {
		opts.Types = DefaultTypes
	}
	return &Coordinator{
		subs:   subs,
		sender: sender,
		opts:   opts,
		logger: logger.OrNop(opts.Logger).Named("upload"),
		active: make(map[string]*Upload),
	}
}

// Start validates src and begins sending it to roomID in the background.
// Validation failures return immediately without any network call. The
// upload is cancelled when ctx is.
func (c *Coordinator) Start(ctx context.Context, roomID string, src Source, cb Callbacks) (*Upload, error) {
	if roomID == "" {
		return nil, errors.Wrap(models.ErrValidation, "room id is required")
	}
	contentType, err := validate(src, c.opts.MaxFileSize, c.opts.Types)
	if err != nil {
		return nil, err
	}

	u := newUpload(uuid.NewString(), roomID, contentType, c.opts.ChunkSize, src, cb)
	c.track(u)

	c.logger.Info("upload started",
		zap.String("upload_id", u.ID()),
		zap.String("file", src.Name()),
		zap.Int64("size", src.Size()),
		zap.Int("chunks", u.state.TotalChunks),
	)
	go c.run(ctx, u)
	return u, nil
}

// Retry restarts a failed or cancelled upload from its first chunk under a
// new id.
func (c *Coordinator) Retry(ctx context.Context, uploadID string) (*Upload, error) {
	prev, ok := c.lookup(uploadID)
	if !ok {
		return nil, errors.Errorf("upload %s not found", uploadID)
	}
	switch prev.Status() {
	case models.UploadFailed, models.UploadCancelled:
	default:
		return nil, errors.Errorf("upload %s is %s, only failed or cancelled uploads can be retried", uploadID, prev.Status())
	}
	return c.Start(ctx, prev.roomID, prev.src, prev.cb)
}

// Get returns the state of an active or recently finished upload.
func (c *Coordinator) Get(uploadID string) (models.ChunkedUpload, bool) {
	u, ok := c.lookup(uploadID)
	if !ok {
		return models.ChunkedUpload{}, false
	}
	return u.Snapshot(), true
}

// Active returns the number of uploads in flight.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close cancels every upload and drops the reply subscriptions. The next
// Start subscribes again, even while cancelled uploads are still winding
// down.
func (c *Coordinator) Close() {
	c.mu.Lock()
	uploads := append([]*Upload(nil), c.order...)
	for _, h := range c.handles {
		c.subs.Unsubscribe(h)
	}
	c.handles = nil
	c.mu.Unlock()

	for _, u := range uploads {
		u.Cancel()
	}
}

func (c *Coordinator) run(ctx context.Context, u *Upload) {
	defer c.release(u)

	r, err := u.src.Open()
	if err != nil {
		c.finish(u, models.UploadFailed, "", errors.Wrapf(models.ErrUploadFailed, "open %s: %v", u.src.Name(), err))
		return
	}
	defer r.Close()

	total := u.state.TotalChunks
	dest := models.ResolveDestination(c.opts.Destination, u.roomID)
	buf := make([]byte, c.opts.ChunkSize)

	for index := 1; index <= total; index++ {
		if u.cancelled() || ctx.Err() != nil {
			c.finish(u, models.UploadCancelled, "", errors.Wrapf(models.ErrCancelled, "after %d of %d chunks", index-1, total))
			return
		}
		select {
		case err := <-u.failCh:
			c.finish(u, models.UploadFailed, "", err)
			return
		default:
		}

		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			c.finish(u, models.UploadFailed, "", errors.Wrapf(models.ErrUploadFailed, "read chunk %d: %v", index, err))
			return
		}

		payload := models.ChunkPayload{
			FileName:    u.state.FileName,
			ContentType: u.state.ContentType,
			FileSize:    u.state.TotalSize,
			ChunkIndex:  index,
			TotalChunks: total,
			Data:        base64.StdEncoding.EncodeToString(buf[:n]),
			ChatRoomID:  u.roomID,
			UploadID:    u.wireIDPtr(),
		}
		if err := payload.Validate(); err != nil {
			c.finish(u, models.UploadFailed, "", errors.Wrap(models.ErrValidation, err.Error()))
			return
		}
		body, err := json.Marshal(payload)
		if err != nil {
			c.finish(u, models.UploadFailed, "", errors.Wrap(err, "encode chunk"))
			return
		}

		u.setChunk(index)
		if err := c.sender.SendWithRetry(ctx, dest, body, nil); err != nil {
			c.finish(u, models.UploadFailed, "", errors.Wrapf(models.ErrUploadFailed, "chunk %d of %d: %v", index, total, err))
			return
		}
		c.logger.Debug("chunk sent", zap.String("upload_id", u.ID()), zap.Int("chunk", index), zap.Int("of", total))
		c.localProgress(u, index, total)

		if index == total {
			break
		}
		if index == 1 {
			if err := c.awaitID(ctx, u); err != nil {
				c.finishErr(u, err)
				return
			}
		}
		if err := c.pause(ctx, u, c.opts.InterChunkDelay); err != nil {
			c.finishErr(u, err)
			return
		}
	}

	u.setStatus(models.UploadAwaitingCompletion)
	ceiling := c.completionTimeout(u.state.TotalSize)
	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case url := <-u.completeCh:
		c.finish(u, models.UploadCompleted, url, nil)
	case err := <-u.failCh:
		c.finish(u, models.UploadFailed, "", err)
	case <-timer.C:
		c.finish(u, models.UploadFailed, "", errors.Wrapf(models.ErrUploadTimeout, "no completion for %s within %s", u.state.FileName, ceiling))
	case <-u.cancelCh:
		c.finish(u, models.UploadCancelled, "", errors.Wrap(models.ErrCancelled, "while awaiting completion"))
	case <-ctx.Done():
		c.finish(u, models.UploadCancelled, "", errors.Wrap(models.ErrCancelled, ctx.Err().Error()))
	}
}

// awaitID waits for the broker to assign an id after the first chunk and
// falls back to a local id when none arrives in time.
func (c *Coordinator) awaitID(ctx context.Context, u *Upload) error {
	timer := time.NewTimer(c.opts.IDTimeout)
	defer timer.Stop()

	select {
	case id := <-u.idCh:
		c.logger.Debug("broker assigned upload id", zap.String("upload_id", u.ID()), zap.String("server_id", id))
		return nil
	case <-timer.C:
		u.mu.Lock()
		if u.wireID == "" {
			u.wireID = models.LocalUploadIDPrefix + u.state.UploadID
		}
		u.idSettled = true
		wire := u.wireID
		u.mu.Unlock()
		c.logger.Warn("no upload id from broker, continuing with local id",
			zap.String("upload_id", u.ID()), zap.String("wire_id", wire))
		return nil
	case err := <-u.failCh:
		return err
	case <-u.cancelCh:
		return errors.Wrap(models.ErrCancelled, "while awaiting upload id")
	case <-ctx.Done():
		return errors.Wrap(models.ErrCancelled, ctx.Err().Error())
	}
}

func (c *Coordinator) pause(ctx context.Context, u *Upload, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case err := <-u.failCh:
		return err
	case <-u.cancelCh:
		return nil // picked up before the next chunk
	case <-ctx.Done():
		return nil
	}
}

func (c *Coordinator) completionTimeout(size int64) time.Duration {
	mb := (size + megabyte - 1) / megabyte
	return max(c.opts.MinCompletionTimeout, c.opts.CompletionPerMB*time.Duration(mb))
}

func (c *Coordinator) localProgress(u *Upload, index, total int) {
	u.mu.Lock()
	skip := u.brokerProgress
	snap := u.state
	u.mu.Unlock()

	if !skip && u.cb.OnProgress != nil {
		u.cb.OnProgress(snap, float64(index)/float64(total))
	}
}

func (c *Coordinator) finishErr(u *Upload, err error) {
	if errors.Is(err, models.ErrCancelled) {
		c.finish(u, models.UploadCancelled, "", err)
		return
	}
	c.finish(u, models.UploadFailed, "", err)
}

func (c *Coordinator) finish(u *Upload, status models.UploadStatus, url string, err error) {
	u.mu.Lock()
	if u.state.Status.Terminal() {
		u.mu.Unlock()
		return
	}
	u.state.Status = status
	u.state.URL = url
	u.err = err
	snap := u.state
	u.mu.Unlock()
	close(u.done)

	switch status {
	case models.UploadCompleted:
		c.logger.Info("upload completed", zap.String("upload_id", snap.UploadID), zap.String("url", url))
		if u.cb.OnComplete != nil {
			u.cb.OnComplete(snap, url)
		}
	default:
		c.logger.Warn("upload ended", zap.String("upload_id", snap.UploadID), zap.Stringer("status", status), zap.Error(err))
		if u.cb.OnError != nil {
			u.cb.OnError(snap, err)
		}
	}
}

// track registers u and subscribes the reply queues for the first active
// upload.
func (c *Coordinator) track(u *Upload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active[u.ID()] = u
	c.order = append(c.order, u)
	if len(c.handles) > 0 {
		return
	}
	c.handles = []subscription.Handle{
		c.subs.Subscribe(models.DestUploadProgress, c.onProgress),
		c.subs.Subscribe(models.DestUploadComplete, c.onComplete),
		c.subs.Subscribe(models.DestErrors, c.onError),
	}
}

// release forgets u and drops the reply subscriptions once nothing is in
// flight.
func (c *Coordinator) release(u *Upload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.active, u.ID())
	for i, a := range c.order {
		if a == u {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.history = append(c.history, u)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}

	if len(c.active) == 0 {
		for _, h := range c.handles {
			c.subs.Unsubscribe(h)
		}
		c.handles = nil
	}
}

func (c *Coordinator) lookup(id string) (*Upload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.active[id]; ok {
		return u, true
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ID() == id {
			return c.history[i], true
		}
	}
	return nil, false
}
