package upload

import (
	"context"
	"sync"

	"github.com/tullo/chatlink/internal/models"
)

// Callbacks receive the outcome of one upload. They may run on the
// transport's read goroutine and must not block.
type Callbacks struct {
	OnProgress func(u models.ChunkedUpload, fraction float64)
	OnComplete func(u models.ChunkedUpload, url string)
	OnError    func(u models.ChunkedUpload, err error)
}

// Upload is the handle of one transfer.
type Upload struct {
	src    Source
	cb     Callbacks
	roomID string

	mu             sync.Mutex
	state          models.ChunkedUpload
	wireID         string // "" until the broker assigns one or the local fallback is taken
	idSettled      bool
	brokerProgress bool
	err            error

	idCh       chan string
	completeCh chan string
	failCh     chan error
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newUpload(id, roomID, contentType string, chunkSize int, src Source, cb Callbacks) *Upload {
	return &Upload{
		src:    src,
		cb:     cb,
		roomID: roomID,
		state: models.ChunkedUpload{
			UploadID:    id,
			RoomID:      roomID,
			FileName:    src.Name(),
			ContentType: contentType,
			TotalSize:   src.Size(),
			ChunkSize:   chunkSize,
			TotalChunks: models.TotalChunks(src.Size(), chunkSize),
			Status:      models.UploadPreparing,
		},
		idCh:       make(chan string, 1),
		completeCh: make(chan string, 1),
		failCh:     make(chan error, 1),
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the client-generated correlation id.
func (u *Upload) ID() string {
	return u.state.UploadID
}

// Snapshot returns the current state.
func (u *Upload) Snapshot() models.ChunkedUpload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Status returns the current lifecycle state.
func (u *Upload) Status() models.UploadStatus {
	return u.Snapshot().Status
}

// Cancel stops the upload before its next chunk. Chunks already sent are
// not recalled.
func (u *Upload) Cancel() {
	u.cancelOnce.Do(func() { close(u.cancelCh) })
}

// Done is closed once the upload reaches a terminal state.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Err returns the failure of a finished upload.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Wait blocks until the upload finishes or ctx is done and returns the
// attachment URL.
func (u *Upload) Wait(ctx context.Context) (string, error) {
	select {
	case <-u.done:
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.state.URL, u.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (u *Upload) cancelled() bool {
	select {
	case <-u.cancelCh:
		return true
	default:
		return false
	}
}

// matches reports whether id names this upload under any of its ids.
func (u *Upload) matches(id string) bool {
	if id == "" {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.matchesLocked(id)
}

func (u *Upload) matchesLocked(id string) bool {
	return id == u.state.UploadID || id == u.wireID || id == u.state.ServerID
}

func (u *Upload) wireIDPtr() *string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.wireID == "" {
		return nil
	}
	id := u.wireID
	return &id
}

func (u *Upload) setChunk(index int) {
	u.mu.Lock()
	u.state.Status = models.UploadSending
	u.state.CurrentChunkIndex = index
	u.mu.Unlock()
}

func (u *Upload) setStatus(s models.UploadStatus) {
	u.mu.Lock()
	u.state.Status = s
	u.mu.Unlock()
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
