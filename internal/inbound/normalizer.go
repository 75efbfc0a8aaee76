// Package inbound maps raw room-topic payloads onto the InboundMessage
// variants. It never fails on an unrecognized shape: unknown content types
// degrade to text.
package inbound

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/stomp"
)

// UnknownAuthor is used when a payload names no sender.
const UnknownAuthor = "0"

// Legacy exact-match content types, checked before MIME heuristics
var exactKinds = map[string]models.MessageKind{
	"TEXT":  models.KindText,
	"IMAGE": models.KindImage,
	"VIDEO": models.KindVideo,
	"AUDIO": models.KindAudio,
	"FILE":  models.KindFile,
}

// Substrings of document-like MIME types
var fileMarkers = []string{
	"pdf", "document", "spreadsheet", "presentation", "msword", "ms-excel",
	"ms-powerpoint", "zip", "compressed", "rar", "7z", "tar", "octet-stream",
	"text/csv",
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Classify resolves a content type to a message kind. ok is false when
// nothing matched.
func Classify(contentType string) (kind models.MessageKind, ok bool) {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		return models.KindText, true
	}
	if k, found := exactKinds[strings.ToUpper(ct)]; found {
		return k, true
	}

	lower := strings.ToLower(ct)
	if i := strings.IndexByte(lower, ';'); i >= 0 {
		lower = strings.TrimSpace(lower[:i])
	}
	switch {
	case strings.HasPrefix(lower, "image/"):
		return models.KindImage, true
	case strings.HasPrefix(lower, "video/"):
		return models.KindVideo, true
	case strings.HasPrefix(lower, "audio/"):
		return models.KindAudio, true
	case lower == "text/plain":
		return models.KindText, true
	}
	for _, m := range fileMarkers {
		if strings.Contains(lower, m) {
			return models.KindFile, true
		}
	}
	return models.KindText, false
}

// Normalizer builds InboundMessage values.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Normalizer.
func New(l *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger.OrNop(l).Named("inbound"), now: time.Now}
}

// NormalizeFrame normalizes the body of a MESSAGE frame.
func (n *Normalizer) NormalizeFrame(f *stomp.Frame) (models.InboundMessage, error) {
	return n.Normalize(f.Body)
}

// Normalize maps one JSON payload. Only a body that is not a JSON object
// is an error.
func (n *Normalizer) Normalize(body []byte) (models.InboundMessage, error) {
	if !gjson.ValidBytes(body) {
		return models.InboundMessage{}, errors.Wrap(models.ErrProtocol, "payload is not valid JSON")
	}
	p := gjson.ParseBytes(body)
	if !p.IsObject() {
		return models.InboundMessage{}, errors.Wrapf(models.ErrProtocol, "payload is %s, want object", p.Type)
	}

	msg := models.InboundMessage{
		ID:        first(p, "id", "messageId").String(),
		RoomID:    first(p, "chatRoomId", "roomId").String(),
		AuthorID:  n.author(p),
		CreatedAt: n.timestamp(p),
		Status:    parseStatus(p.Get("status").String()),
	}

	content := p.Get("content")
	contentType := p.Get("contentType")
	signal := strings.ToUpper(p.Get("type").String())

	switch {
	case signal == "JOIN" || signal == "LEAVE" || signal == "SYSTEM":
		msg.Kind = models.KindSystem
		msg.Text = content.String()
		return msg, nil
	case !content.Exists() && !contentType.Exists():
		msg.Kind = models.KindUnknown
		return msg, nil
	}

	kind, ok := Classify(contentType.String())
	msg.Kind = kind
	msg.ContentType = contentType.String()

	if !ok {
		n.logger.Warn("unsupported content type degraded to text",
			zap.String("content_type", msg.ContentType), zap.String("id", msg.ID))
		msg.Text = "[Unsupported message type: " + msg.ContentType + "]"
		msg.Unsupported = true
		return msg, nil
	}

	if kind == models.KindText {
		msg.Text = content.String()
		return msg, nil
	}

	msg.URL = first(p, "fileUrl", "attachmentUrl", "url").String()
	if msg.URL == "" {
		msg.URL = content.String()
	}
	msg.FileName = p.Get("fileName").String()
	msg.FileSize = p.Get("fileSize").Int()
	return msg, nil
}

func (n *Normalizer) author(p gjson.Result) string {
	if v := first(p, "senderId", "sender.id"); v.Exists() && v.String() != "" {
		return v.String()
	}
	n.logger.Warn("message without sender, using placeholder", zap.String("id", p.Get("id").String()))
	return UnknownAuthor
}

func (n *Normalizer) timestamp(p gjson.Result) time.Time {
	for _, key := range []string{"sentAt", "timestamp", "createdAt"} {
		if t, ok := parseTime(p.Get(key)); ok {
			return t
		}
	}
	return n.now()
}

// parseTime accepts epoch seconds or milliseconds, RFC 3339, zone-less
// local date-times and the [y,m,d,h,m,s,nanos] array form.
func parseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return fromEpoch(v.Int()), v.Int() > 0
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil && i > 0 {
			return fromEpoch(i), true
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, true
			}
		}
	default:
		if v.IsArray() {
			parts := v.Array()
			if len(parts) < 3 {
				return time.Time{}, false
			}
			at := func(i int) int {
				if i < len(parts) {
					return int(parts[i].Int())
				}
				return 0
			}
			return time.Date(at(0), time.Month(at(1)), at(2), at(3), at(4), at(5), at(6), time.UTC), true
		}
	}
	return time.Time{}, false
}

// Values above this are taken as milliseconds
const epochMillisThreshold = 1e11

func fromEpoch(v int64) time.Time {
	if v > epochMillisThreshold {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func parseStatus(s string) models.MessageStatus {
	switch strings.ToUpper(s) {
	case "SENT":
		return models.StatusSent
	case "DELIVERED":
		return models.StatusDelivered
	case "READ", "SEEN":
		return models.StatusSeen
	case "ERROR", "FAILED":
		return models.StatusError
	default:
		return models.StatusSending
	}
}

func first(p gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := p.Get(path); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}
