package models

import (
	"testing"
)

func TestChunkPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload ChunkPayload
		wantErr bool
	}{
		{
			name:    "Valid first chunk",
			payload: ChunkPayload{FileName: "a.png", ChunkIndex: 1, TotalChunks: 3, ChatRoomID: "7"},
			wantErr: false,
		},
		{
			name:    "Empty file name",
			payload: ChunkPayload{ChunkIndex: 1, TotalChunks: 1, ChatRoomID: "7"},
			wantErr: true,
		},
		{
			name:    "Zero based index",
			payload: ChunkPayload{FileName: "a.png", ChunkIndex: 0, TotalChunks: 3, ChatRoomID: "7"},
			wantErr: true,
		},
		{
			name:    "Index past total",
			payload: ChunkPayload{FileName: "a.png", ChunkIndex: 4, TotalChunks: 3, ChatRoomID: "7"},
			wantErr: true,
		},
		{
			name:    "Missing room",
			payload: ChunkPayload{FileName: "a.png", ChunkIndex: 1, TotalChunks: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("ChunkPayload.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size  int64
		chunk int
		want  int
	}{
		{size: 0, chunk: 32, want: 0},
		{size: 1, chunk: 32, want: 1},
		{size: 32, chunk: 32, want: 1},
		{size: 33, chunk: 32, want: 2},
		{size: 100 * 1024, chunk: 32 * 1024, want: 4},
	}

	for _, tt := range tests {
		if got := TotalChunks(tt.size, tt.chunk); got != tt.want {
			t.Errorf("TotalChunks(%d, %d) = %d, want %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}

func TestResolveDestination(t *testing.T) {
	if got := ResolveDestination(DestSendMessage, "42"); got != "/app/chat.sendMessage/42" {
		t.Errorf("unexpected destination %s", got)
	}
	if got := RoomTopic("42"); got != "/topic/chatrooms/42" {
		t.Errorf("unexpected topic %s", got)
	}
}

func TestConnectionState_String(t *testing.T) {
	states := map[ConnectionState]string{
		Disconnected:        "disconnected",
		Connecting:          "connecting",
		Connected:           "connected",
		Reconnecting:        "reconnecting",
		ConnectionState(99): "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("Expected %s, got %s", want, s.String())
		}
	}
}

func TestUploadStatus_Terminal(t *testing.T) {
	if UploadSending.Terminal() || UploadAwaitingCompletion.Terminal() {
		t.Error("in-flight statuses must not be terminal")
	}
	if !UploadCompleted.Terminal() || !UploadFailed.Terminal() || !UploadCancelled.Terminal() {
		t.Error("completed, failed and cancelled are terminal")
	}
	if !IsLocalUploadID(LocalUploadIDPrefix + "abc") {
		t.Error("expected local id")
	}
}
