package unread

import (
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/tullo/chatlink/internal/models"
)

func TestReconciler_SingleCounter(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: 3}})
	r.ApplyRealtimeDelta("A", 1, ReasonMessage)

	if got := r.UnreadCount("A"); got != 4 {
		t.Errorf("UnreadCount(A) = %d, want 4", got)
	}
}

func TestReconciler_ViewedRoom(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: 3}, {ID: "B", UnreadCount: 1}})

	r.MarkViewed("A")
	if got := r.UnreadCount("A"); got != 0 {
		t.Errorf("viewed UnreadCount(A) = %d, want 0", got)
	}
	r.ApplyRealtimeDelta("A", 2, ReasonMessage)

	r.ClearViewed()
	if got := r.UnreadCount("A"); got != 3 {
		t.Errorf("UnreadCount(A) after clear = %d, want 3", got)
	}
	if got := r.UnreadCount("B"); got != 1 {
		t.Errorf("UnreadCount(B) = %d, want 1", got)
	}
}

func TestReconciler_SwitchingRoomsMovesMarker(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: 2}, {ID: "B", UnreadCount: 5}})

	r.MarkViewed("A")
	r.MarkViewed("B")

	if got := r.UnreadCount("A"); got != 2 {
		t.Errorf("UnreadCount(A) = %d, want 2", got)
	}
	if got := r.UnreadCount("B"); got != 0 {
		t.Errorf("UnreadCount(B) = %d, want 0", got)
	}
	if got := r.Viewed(); got != "B" {
		t.Errorf("Viewed() = %q, want B", got)
	}
}

func TestReconciler_Deltas(t *testing.T) {
	tests := []struct {
		name   string
		start  int
		delta  int
		reason Reason
		want   int
	}{
		{"increment", 1, 2, ReasonMessage, 3},
		{"read receipt", 4, -4, ReasonRead, 0},
		{"floor at zero", 1, -5, ReasonRead, 0},
		{"snapshot sets absolute", 9, 2, ReasonSnapshot, 2},
		{"negative snapshot clamps", 9, -1, ReasonSnapshot, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(zaptest.NewLogger(t))
			r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: tt.start}})
			r.ApplyRealtimeDelta("A", tt.delta, tt.reason)
			if got := r.UnreadCount("A"); got != tt.want {
				t.Errorf("UnreadCount(A) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReconciler_BulkLoadReplaces(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: 3}})
	r.ApplyRealtimeDelta("B", 1, ReasonMessage)

	r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: 1}})

	if got := r.UnreadCount("A"); got != 1 {
		t.Errorf("UnreadCount(A) = %d, want 1", got)
	}
	if got := r.UnreadCount("B"); got != 0 {
		t.Errorf("UnreadCount(B) = %d, want 0 after resync", got)
	}
}

func TestReconciler_MarkReadAndTotal(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	r.SyncFromBulkLoad([]Room{{ID: "A", UnreadCount: 3}, {ID: "B", UnreadCount: 2}, {ID: "C", UnreadCount: 1}})

	r.MarkRead("A")
	r.MarkViewed("C")

	if got := r.Total(); got != 2 {
		t.Errorf("Total() = %d, want 2", got)
	}
	if got := r.Counts()["C"]; got != 1 {
		t.Errorf("Counts()[C] = %d, want 1", got)
	}
}

func TestDecodeRooms(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]int
	}{
		{
			name: "array with numeric ids",
			body: `[{"id":1,"unreadCount":3},{"id":2,"unreadCount":"4"}]`,
			want: map[string]int{"1": 3, "2": 4},
		},
		{
			name: "wrapped list with aliased keys",
			body: `{"rooms":[{"chatRoomId":"a","unread":2},{"roomId":"b","count":1}]}`,
			want: map[string]int{"a": 2, "b": 1},
		},
		{
			name: "counts object",
			body: `{"counts":{"a":5,"b":0}}`,
			want: map[string]int{"a": 5, "b": 0},
		},
		{
			name: "bare map",
			body: `{"7":2}`,
			want: map[string]int{"7": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rooms, err := DecodeRooms([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeRooms: %v", err)
			}
			got := make(map[string]int, len(rooms))
			for _, room := range rooms {
				got[room.ID] = room.UnreadCount
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for id, n := range tt.want {
				if got[id] != n {
					t.Errorf("room %s = %d, want %d", id, got[id], n)
				}
			}
		})
	}
}

func TestDecodeRooms_Invalid(t *testing.T) {
	for _, body := range []string{`nope`, `"x"`, `{"a":"many"}`} {
		if _, err := DecodeRooms([]byte(body)); !errors.Is(err, models.ErrProtocol) {
			t.Errorf("DecodeRooms(%s) err = %v, want ErrProtocol", body, err)
		}
	}
}

func TestDecodeDelta(t *testing.T) {
	tests := []struct {
		body string
		want Delta
	}{
		{`{"roomId":1,"delta":1}`, Delta{RoomID: "1", Delta: 1, Reason: ReasonMessage}},
		{`{"chatRoomId":"a","delta":-2,"reason":"READ"}`, Delta{RoomID: "a", Delta: -2, Reason: ReasonRead}},
		{`{"roomId":"a","unreadCount":7}`, Delta{RoomID: "a", Delta: 7, Reason: ReasonSnapshot}},
		{`{"roomId":"a","delta":"3","type":"NEW_MESSAGE"}`, Delta{RoomID: "a", Delta: 3, Reason: ReasonMessage}},
	}

	for _, tt := range tests {
		got, err := DecodeDelta([]byte(tt.body))
		if err != nil {
			t.Fatalf("DecodeDelta(%s): %v", tt.body, err)
		}
		if got != tt.want {
			t.Errorf("DecodeDelta(%s) = %+v, want %+v", tt.body, got, tt.want)
		}
	}

	for _, body := range []string{`{"delta":1}`, `{"roomId":"a"}`, `[]`} {
		if _, err := DecodeDelta([]byte(body)); !errors.Is(err, models.ErrProtocol) {
			t.Errorf("DecodeDelta(%s) err = %v, want ErrProtocol", body, err)
		}
	}
}
