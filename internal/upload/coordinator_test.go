package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/stomp"
	"github.com/tullo/chatlink/internal/subscription"
)

const testChunk = 4096

// fakeBus stands in for the registry and the dispatcher. Chunk hooks run on
// the uploading goroutine, like replies racing the next chunk.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]subscription.Callback
	chunks   []models.ChunkPayload
	dests    []string
	onChunk  func(b *fakeBus, p models.ChunkPayload)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]subscription.Callback)}
}

func (b *fakeBus) Subscribe(destination string, fn subscription.Callback) subscription.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[destination] = append(b.handlers[destination], fn)
	return subscription.Handle{Destination: destination}
}

func (b *fakeBus) Unsubscribe(h subscription.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, h.Destination)
}

func (b *fakeBus) SendWithRetry(_ context.Context, destination string, body []byte, _ map[string]string) error {
	var p models.ChunkPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return err
	}
	b.mu.Lock()
	b.chunks = append(b.chunks, p)
	b.dests = append(b.dests, destination)
	hook := b.onChunk
	b.mu.Unlock()

	if hook != nil {
		hook(b, p)
	}
	return nil
}

func (b *fakeBus) setHook(hook func(b *fakeBus, p models.ChunkPayload)) {
	b.mu.Lock()
	b.onChunk = hook
	b.mu.Unlock()
}

func (b *fakeBus) publish(destination, body string) {
	b.mu.Lock()
	fns := append([]subscription.Callback(nil), b.handlers[destination]...)
	b.mu.Unlock()

	f := stomp.New(stomp.CmdMessage, stomp.HdrDestination, destination)
	f.Body = []byte(body)
	for _, fn := range fns {
		fn(f)
	}
}

func (b *fakeBus) sent() []models.ChunkPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.ChunkPayload(nil), b.chunks...)
}

func (b *fakeBus) subscribed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func testOptions() Options {
	return Options{
		ChunkSize:            testChunk,
		MaxFileSize:          1 << 20,
		IDTimeout:            time.Second,
		MinCompletionTimeout: time.Second,
		CompletionPerMB:      time.Second,
		Logger:               zap.NewNop(),
	}
}

func textFile(name string, size int) *BytesSource {
	line := "the quick brown fox jumps over the lazy dog\n"
	data := []byte(strings.Repeat(line, size/len(line)+1))[:size]
	return NewBytesSource(name, data)
}

func waitUpload(t *testing.T, u *Upload) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url, err := u.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "upload did not finish")
	return url, err
}

func TestCoordinator_ChunksWithAssignedID(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(bus, bus, testOptions())
	src := textFile("notes.txt", testChunk*2+testChunk/2)

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		if p.ChunkIndex == 1 {
			b.publish(models.DestUploadProgress, `{"uploadId":"srv-1","fileName":"notes.txt","chunkIndex":1}`)
		}
		if p.ChunkIndex == p.TotalChunks {
			b.publish(models.DestUploadComplete, `{"uploadId":"srv-1","url":"https://cdn/notes.txt"}`)
		}
	})

	u, err := c.Start(context.Background(), "42", src, Callbacks{})
	require.NoError(t, err)

	url, err := waitUpload(t, u)
	require.NoError(t, err)
	require.Equal(t, "https://cdn/notes.txt", url)

	chunks := bus.sent()
	require.Len(t, chunks, models.TotalChunks(src.Size(), testChunk))
	require.Len(t, chunks, 3)

	var data bytes.Buffer
	for i, p := range chunks {
		require.Equal(t, i+1, p.ChunkIndex)
		require.Equal(t, 3, p.TotalChunks)
		require.Equal(t, "42", p.ChatRoomID)
		require.Equal(t, "text/plain", p.ContentType)
		require.Equal(t, src.Size(), p.FileSize)
		raw, err := base64.StdEncoding.DecodeString(p.Data)
		require.NoError(t, err)
		data.Write(raw)
	}
	require.Nil(t, chunks[0].UploadID)
	require.Equal(t, "srv-1", *chunks[1].UploadID)
	require.Equal(t, "srv-1", *chunks[2].UploadID)
	require.Equal(t, src.data, data.Bytes())

	snap := u.Snapshot()
	require.Equal(t, models.UploadCompleted, snap.Status)
	require.Equal(t, "srv-1", snap.ServerID)
	require.Equal(t, "/app/files.upload/42", bus.dests[0])

	require.Eventually(t, func() bool { return bus.subscribed() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, c.Active())
}

func TestCoordinator_FallsBackToLocalIDAndFileName(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.IDTimeout = 20 * time.Millisecond
	c := NewCoordinator(bus, bus, opts)

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		if p.ChunkIndex == p.TotalChunks {
			b.publish(models.DestUploadComplete, `{"fileName":"notes.txt","fileUrl":"https://cdn/n"}`)
		}
	})

	u, err := c.Start(context.Background(), "1", textFile("notes.txt", testChunk*3), Callbacks{})
	require.NoError(t, err)

	url, err := waitUpload(t, u)
	require.NoError(t, err)
	require.Equal(t, "https://cdn/n", url)

	chunks := bus.sent()
	require.Len(t, chunks, 3)
	require.Nil(t, chunks[0].UploadID)
	for _, p := range chunks[1:] {
		require.NotNil(t, p.UploadID)
		require.True(t, models.IsLocalUploadID(*p.UploadID), *p.UploadID)
		require.Equal(t, models.LocalUploadIDPrefix+u.ID(), *p.UploadID)
	}
}

func TestCoordinator_LateIDEchoIsIgnored(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.IDTimeout = 10 * time.Millisecond
	c := NewCoordinator(bus, bus, opts)

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		switch p.ChunkIndex {
		case 2:
			b.publish(models.DestUploadProgress, `{"uploadId":"srv-late","fileName":"notes.txt"}`)
		case p.TotalChunks:
			b.publish(models.DestUploadComplete, `{"uploadId":"srv-late","fileName":"notes.txt","url":"u"}`)
		}
	})

	u, err := c.Start(context.Background(), "1", textFile("notes.txt", testChunk*3), Callbacks{})
	require.NoError(t, err)
	_, err = waitUpload(t, u)
	require.NoError(t, err)

	chunks := bus.sent()
	require.Equal(t, models.LocalUploadIDPrefix+u.ID(), *chunks[2].UploadID)
	require.Empty(t, u.Snapshot().ServerID)
}

func TestCoordinator_SingleChunkSkipsIDWait(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.IDTimeout = time.Hour
	c := NewCoordinator(bus, bus, opts)

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		b.publish(models.DestUploadComplete, `{"fileName":"a.txt","url":"https://cdn/a"}`)
	})

	u, err := c.Start(context.Background(), "1", textFile("a.txt", 100), Callbacks{})
	require.NoError(t, err)

	url, err := waitUpload(t, u)
	require.NoError(t, err)
	require.Equal(t, "https://cdn/a", url)
	require.Len(t, bus.sent(), 1)
}

func TestCoordinator_ErrorFrameAborts(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(bus, bus, testOptions())

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		b.publish(models.DestErrors, `{"message":"quota exceeded"}`)
	})

	var mu sync.Mutex
	var gotErr error
	u, err := c.Start(context.Background(), "1", textFile("notes.txt", testChunk*4), Callbacks{
		OnError: func(_ models.ChunkedUpload, err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	_, err = waitUpload(t, u)
	require.ErrorIs(t, err, models.ErrUploadFailed)
	require.Contains(t, err.Error(), "quota exceeded")
	require.Equal(t, models.UploadFailed, u.Status())
	require.Len(t, bus.sent(), 1)

	mu.Lock()
	require.ErrorIs(t, gotErr, models.ErrUploadFailed)
	mu.Unlock()
}

func TestCoordinator_TimeoutThenRetry(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.MinCompletionTimeout = 30 * time.Millisecond
	opts.CompletionPerMB = time.Millisecond
	c := NewCoordinator(bus, bus, opts)

	u, err := c.Start(context.Background(), "1", textFile("a.txt", 100), Callbacks{})
	require.NoError(t, err)

	_, err = waitUpload(t, u)
	require.ErrorIs(t, err, models.ErrUploadTimeout)
	require.Equal(t, models.UploadFailed, u.Status())

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		b.publish(models.DestUploadComplete, `{"fileName":"a.txt","url":"https://cdn/a"}`)
	})
	require.Eventually(t, func() bool { return c.Active() == 0 }, time.Second, 5*time.Millisecond)

	retry, err := c.Retry(context.Background(), u.ID())
	require.NoError(t, err)
	require.NotEqual(t, u.ID(), retry.ID())

	url, err := waitUpload(t, retry)
	require.NoError(t, err)
	require.Equal(t, "https://cdn/a", url)

	_, err = c.Retry(context.Background(), retry.ID())
	require.Error(t, err, "completed uploads cannot be retried")
}

func TestCoordinator_CancelBetweenChunks(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.IDTimeout = 5 * time.Millisecond
	opts.InterChunkDelay = 20 * time.Millisecond
	c := NewCoordinator(bus, bus, opts)

	var u *Upload
	ready := make(chan struct{})
	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		if p.ChunkIndex == 2 {
			<-ready
			u.Cancel()
		}
	})

	u, err := c.Start(context.Background(), "1", textFile("big.txt", testChunk*10), Callbacks{})
	require.NoError(t, err)
	close(ready)

	_, err = waitUpload(t, u)
	require.ErrorIs(t, err, models.ErrCancelled)
	require.Equal(t, models.UploadCancelled, u.Status())
	require.Len(t, bus.sent(), 2)
}

func TestCoordinator_BrokerProgressIsAuthoritative(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.IDTimeout = 5 * time.Millisecond
	c := NewCoordinator(bus, bus, opts)

	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		switch p.ChunkIndex {
		case 2:
			b.publish(models.DestUploadProgress, `{"fileName":"n.txt","progress":50}`)
		case p.TotalChunks:
			b.publish(models.DestUploadComplete, `{"fileName":"n.txt","url":"u"}`)
		}
	})

	var mu sync.Mutex
	var fractions []float64
	u, err := c.Start(context.Background(), "1", textFile("n.txt", testChunk*4), Callbacks{
		OnProgress: func(_ models.ChunkedUpload, f float64) {
			mu.Lock()
			fractions = append(fractions, f)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	_, err = waitUpload(t, u)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	// chunk 1 local, broker 50%, then local reports stop
	require.Equal(t, []float64{0.25, 0.5}, fractions)
}

func TestCoordinator_Validation(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.MaxFileSize = 10 * testChunk
	c := NewCoordinator(bus, bus, opts)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

	tests := []struct {
		name   string
		roomID string
		src    Source
	}{
		{"empty file", "1", NewBytesSource("a.txt", nil)},
		{"too large", "1", textFile("a.txt", 11*testChunk)},
		{"unsupported extension", "1", textFile("a.exe", 100)},
		{"content does not match allow-list", "1", NewBytesSource("a.png", bytes.Repeat([]byte{0xff, 0x00, 0x13}, 100))},
		{"missing room", "", textFile("a.txt", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Start(context.Background(), tt.roomID, tt.src, Callbacks{})
			require.ErrorIs(t, err, models.ErrValidation)
		})
	}

	require.Empty(t, bus.sent())
	require.Equal(t, 0, bus.subscribed())

	_, err := validate(NewBytesSource("a.png", png), opts.MaxFileSize, DefaultTypes)
	require.NoError(t, err)
}

func TestNewFileSource(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileSource(filepath.Join(dir, "missing.txt"))
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = NewFileSource(dir)
	require.ErrorIs(t, err, models.ErrValidation)

	path := filepath.Join(dir, "ok.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	src, err := NewFileSource(path)
	require.NoError(t, err)
	require.Equal(t, "ok.txt", src.Name())
	require.Equal(t, int64(5), src.Size())
}

func TestCoordinator_CompletionTimeout(t *testing.T) {
	c := NewCoordinator(newFakeBus(), newFakeBus(), Options{
		CompletionPerMB:      20 * time.Second,
		MinCompletionTimeout: 30 * time.Second,
	})

	tests := []struct {
		size int64
		want time.Duration
	}{
		{1, 30 * time.Second},
		{megabyte, 30 * time.Second},
		{2 * megabyte, 40 * time.Second},
		{5*megabyte + 1, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := c.completionTimeout(tt.size); got != tt.want {
			t.Errorf("completionTimeout(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}
}

func TestCoordinator_GetReportsStatus(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(bus, bus, testOptions())
	bus.setHook(func(b *fakeBus, p models.ChunkPayload) {
		b.publish(models.DestUploadComplete, `{"fileName":"a.txt","url":"x"}`)
	})

	u, err := c.Start(context.Background(), "1", textFile("a.txt", 10), Callbacks{})
	require.NoError(t, err)
	_, err = waitUpload(t, u)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := c.Get(u.ID())
		return ok && snap.Status == models.UploadCompleted && snap.URL == "x"
	}, time.Second, 5*time.Millisecond)

	_, ok := c.Get("nope")
	require.False(t, ok)
}

type offlineBroker struct{}

func (offlineBroker) Subscribe(string, string) error { return nil }
func (offlineBroker) Unsubscribe(string) error { return nil }
func (offlineBroker) Session() uint64 { return 0 }

// gatedSender holds chunks of one file until released and answers every
// other file with a completion.
type gatedSender struct {
	reg     *subscription.Registry
	held    string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSender) SendWithRetry(ctx context.Context, _ string, body []byte, _ map[string]string) error {
	var p models.ChunkPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return err
	}
	if p.FileName == s.held {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
		}
		return nil
	}
	f := stomp.New(stomp.CmdMessage, stomp.HdrDestination, models.DestUploadComplete)
	f.Body = []byte(`{"fileName":"` + p.FileName + `","url":"https://cdn/` + p.FileName + `"}`)
	go s.reg.Dispatch(f)
	return nil
}

func TestCoordinator_CloseResubscribesForNextUpload(t *testing.T) {
	reg := subscription.NewRegistry(offlineBroker{}, 0, zap.NewNop())
	sender := &gatedSender{reg: reg, held: "a.txt", entered: make(chan struct{}), release: make(chan struct{})}
	c := NewCoordinator(reg, sender, testOptions())

	a, err := c.Start(context.Background(), "1", textFile("a.txt", 100), Callbacks{})
	require.NoError(t, err)
	<-sender.entered

	c.Close()
	reg.Close()
	require.Empty(t, reg.Destinations())

	b, err := c.Start(context.Background(), "1", textFile("b.txt", 100), Callbacks{})
	require.NoError(t, err)
	require.Contains(t, reg.Destinations(), models.DestUploadComplete)

	url, err := waitUpload(t, b)
	require.NoError(t, err)
	require.Equal(t, "https://cdn/b.txt", url)

	close(sender.release)
	_, err = waitUpload(t, a)
	require.ErrorIs(t, err, models.ErrCancelled)
}
