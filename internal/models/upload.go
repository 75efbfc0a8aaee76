package models

import (
	"fmt"
	"strings"
)

// UploadStatus is the lifecycle state of a chunked upload.
type UploadStatus int

const (
	UploadPreparing UploadStatus = iota
	UploadSending
	UploadAwaitingCompletion
	UploadCompleted
	UploadFailed
	UploadCancelled
)

// String returns the string representation of UploadStatus
func (s UploadStatus) String() string {
	switch s {
	case UploadPreparing:
		return "preparing"
	case UploadSending:
		return "sending"
	case UploadAwaitingCompletion:
		return "awaiting_completion"
	case UploadCompleted:
		return "completed"
	case UploadFailed:
		return "failed"
	case UploadCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed || s == UploadCancelled
}

// LocalUploadIDPrefix tags ids synthesized by the client when the broker
// never assigned one.
const LocalUploadIDPrefix = "local-"

// IsLocalUploadID reports whether id was generated client-side.
func IsLocalUploadID(id string) bool {
	return strings.HasPrefix(id, LocalUploadIDPrefix)
}

// ChunkedUpload is a snapshot of one transfer.
type ChunkedUpload struct {
	UploadID          string       `json:"upload_id"`
	ServerID          string       `json:"server_id,omitempty"`
	RoomID            string       `json:"room_id"`
	FileName          string       `json:"file_name"`
	ContentType       string       `json:"content_type"`
	TotalSize         int64        `json:"total_size"`
	ChunkSize         int          `json:"chunk_size"`
	TotalChunks       int          `json:"total_chunks"`
	CurrentChunkIndex int          `json:"current_chunk_index"`
	Status            UploadStatus `json:"status"`
	URL               string       `json:"url,omitempty"`
}

// ChunkPayload is the wire body of one chunk frame.
type ChunkPayload struct {
	FileName    string  `json:"fileName"`
	ContentType string  `json:"contentType"`
	FileSize    int64   `json:"fileSize"`
	ChunkIndex  int     `json:"chunkIndex"`
	TotalChunks int     `json:"totalChunks"`
	Data        string  `json:"data"`
	ChatRoomID  string  `json:"chatRoomId"`
	UploadID    *string `json:"uploadId"`
}

// Validate checks the chunk sequencing fields
func (p *ChunkPayload) Validate() error {
	if p.FileName == "" {
		return fmt.Errorf("file name is required")
	}
	if p.TotalChunks < 1 {
		return fmt.Errorf("total chunks must be positive")
	}
	if p.ChunkIndex < 1 || p.ChunkIndex > p.TotalChunks {
		return fmt.Errorf("chunk index %d out of range 1..%d", p.ChunkIndex, p.TotalChunks)
	}
	if p.ChatRoomID == "" {
		return fmt.Errorf("chat room id is required")
	}
	return nil
}

// TotalChunks returns ceil(size/chunkSize).
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
