package models

import (
	"time"
)

// MessageKind tags the InboundMessage variant.
type MessageKind int

const (
	KindText MessageKind = iota
	KindImage
	KindVideo
	KindAudio
	KindFile
	KindSystem
	KindUnknown
)

// String returns the string representation of MessageKind
func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindFile:
		return "file"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// MessageStatus is the delivery status of a message.
type MessageStatus int

const (
	StatusSending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusSeen
	StatusError
)

// String returns the string representation of MessageStatus
func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// InboundMessage is a normalized message received from a room topic.
// Values are never mutated after construction.
type InboundMessage struct {
	Kind      MessageKind   `json:"kind"`
	ID        string        `json:"id"`
	RoomID    string        `json:"room_id,omitempty"`
	AuthorID  string        `json:"author_id"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`

	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Unsupported is set when the content type matched nothing and the
	// message was degraded to text.
	Unsupported bool `json:"unsupported,omitempty"`
}

// ChatMessagePayload is the body sent to /app/chat.sendMessage/{roomId}.
type ChatMessagePayload struct {
	ChatRoomID  string `json:"chatRoomId"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
}

// RoomSignal is the join/leave body. The room id is repeated under every
// key a server version has been seen to read.
type RoomSignal struct {
	RoomID     string `json:"roomId"`
	ChatRoomID string `json:"chatRoomId"`
	ID         string `json:"id"`
	Room       string `json:"room"`
	Type       string `json:"type"`
}

// NewRoomSignal builds a join or leave body for roomID.
func NewRoomSignal(roomID, signalType string) RoomSignal {
	return RoomSignal{
		RoomID:     roomID,
		ChatRoomID: roomID,
		ID:         roomID,
		Room:       roomID,
		Type:       signalType,
	}
}
