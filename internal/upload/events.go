package upload

import (
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/stomp"
)

func parseProgress(body []byte) models.UploadProgressEvent {
	p := gjson.ParseBytes(body)
	progress := p.Get("progress")
	if !progress.Exists() {
		progress = p.Get("percent")
	}
	return models.UploadProgressEvent{
		UploadID:   p.Get("uploadId").String(),
		FileName:   p.Get("fileName").String(),
		ChunkIndex: int(p.Get("chunkIndex").Int()),
		Progress:   progress.Float(),
	}
}

func parseComplete(body []byte) models.UploadCompleteEvent {
	p := gjson.ParseBytes(body)
	url := ""
	for _, key := range []string{"url", "fileUrl", "attachmentUrl"} {
		if v := p.Get(key).String(); v != "" {
			url = v
			break
		}
	}
	return models.UploadCompleteEvent{
		UploadID: p.Get("uploadId").String(),
		FileName: p.Get("fileName").String(),
		URL:      url,
	}
}

func parseError(body []byte) models.ErrorEvent {
	p := gjson.ParseBytes(body)
	msg := p.Get("message").String()
	if msg == "" {
		msg = p.Get("error").String()
	}
	if msg == "" && !p.IsObject() {
		msg = string(body)
	}
	return models.ErrorEvent{
		UploadID: p.Get("uploadId").String(),
		FileName: p.Get("fileName").String(),
		Message:  msg,
		Code:     p.Get("code").String(),
	}
}

// correlate finds the upload an event refers to: by id first, then by
// file name. With fallbackSingle an event matching nothing goes to the only
// upload in flight.
func (c *Coordinator) correlate(id, fileName string, fallbackSingle bool) *Upload {
	c.mu.Lock()
	uploads := append([]*Upload(nil), c.order...)
	c.mu.Unlock()

	for _, u := range uploads {
		if u.matches(id) {
			return u
		}
	}
	if fileName != "" {
		for _, u := range uploads {
			if u.state.FileName == fileName {
				return u
			}
		}
	}
	if fallbackSingle && len(uploads) == 1 {
		return uploads[0]
	}
	return nil
}

func (c *Coordinator) onProgress(f *stomp.Frame) {
	ev := parseProgress(f.Body)
	u := c.correlate(ev.UploadID, ev.FileName, false)
	if u == nil {
		c.logger.Debug("progress for unknown upload", zap.String("upload_id", ev.UploadID), zap.String("file", ev.FileName))
		return
	}

	u.mu.Lock()
	if ev.UploadID != "" && u.wireID == "" && !u.idSettled {
		u.wireID = ev.UploadID
		u.state.ServerID = ev.UploadID
		u.idSettled = true
		offer(u.idCh, ev.UploadID)
	} else if ev.UploadID != "" && !u.matchesLocked(ev.UploadID) {
		// the local fallback already went out on the wire
		c.logger.Info("late upload id ignored",
			zap.String("upload_id", u.state.UploadID),
			zap.String("wire_id", u.wireID),
			zap.String("server_id", ev.UploadID))
	}

	fraction := ev.Progress
	if fraction > 1 {
		fraction /= 100
	}
	report := fraction > 0 && u.cb.OnProgress != nil
	if report {
		u.brokerProgress = true
	}
	snap := u.state
	u.mu.Unlock()

	if report {
		u.cb.OnProgress(snap, min(fraction, 1))
	}
}

func (c *Coordinator) onComplete(f *stomp.Frame) {
	ev := parseComplete(f.Body)
	u := c.correlate(ev.UploadID, ev.FileName, false)
	if u == nil {
		c.logger.Debug("completion for unknown upload", zap.String("upload_id", ev.UploadID), zap.String("file", ev.FileName))
		return
	}
	offer(u.completeCh, ev.URL)
}

func (c *Coordinator) onError(f *stomp.Frame) {
	ev := parseError(f.Body)
	u := c.correlate(ev.UploadID, ev.FileName, true)
	if u == nil {
		c.logger.Debug("error for unknown upload", zap.String("message", ev.Message))
		return
	}
	offer(u.failCh, errors.Wrapf(models.ErrUploadFailed, "broker: %s", ev.Message))
}
