package models

import "strings"

// Broker destinations
const (
	DestSendMessage    = "/app/chat.sendMessage/{roomId}"
	DestAddUser        = "/app/chat.addUser"
	DestLeaveRoom      = "/app/chat.leaveRoom"
	DestRoomTopic      = "/topic/chatrooms/{roomId}"
	DestFilesUpload    = "/app/files.upload/{roomId}"
	DestUploadProgress = "/user/queue/files.progress"
	DestUploadComplete = "/user/queue/files"
	DestErrors         = "/user/queue/errors"
	DestUnreadDeltas   = "/user/queue/unread"
	DestUnreadSnapshot = "/user/queue/unread.snapshot"
	DestUnreadRequest  = "/app/unread.snapshot"
)

// Signal types carried in the type field of outbound bodies
const (
	SignalChat  = "CHAT"
	SignalJoin  = "JOIN"
	SignalLeave = "LEAVE"
)

// ResolveDestination substitutes {roomId} in a destination template.
func ResolveDestination(template, roomID string) string {
	return strings.ReplaceAll(template, "{roomId}", roomID)
}

// RoomTopic returns the subscribe destination for a room.
func RoomTopic(roomID string) string {
	return ResolveDestination(DestRoomTopic, roomID)
}

// UploadProgressEvent arrives on DestUploadProgress. The first event for an
// upload doubles as the chunk-accepted reply carrying the assigned id.
type UploadProgressEvent struct {
	UploadID   string  `json:"uploadId"`
	FileName   string  `json:"fileName"`
	ChunkIndex int     `json:"chunkIndex"`
	Progress   float64 `json:"progress"`
}

// UploadCompleteEvent arrives on DestUploadComplete.
type UploadCompleteEvent struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	URL      string `json:"url"`
}

// ErrorEvent arrives on DestErrors.
type ErrorEvent struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}
