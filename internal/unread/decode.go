package unread

import (
	"encoding/json"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/tullo/chatlink/internal/models"
)

// Room is one entry of a bulk room list.
type Room struct {
	ID          string
	UnreadCount int
}

// Delta is one real-time unread update.
type Delta struct {
	RoomID string
	Delta  int
	Reason Reason
}

// Servers disagree on key names and send ids as numbers or strings.
type rawRoom struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	ChatRoomID  string `json:"chatRoomId"`
	UnreadCount *int   `json:"unreadCount"`
	Unread      *int   `json:"unread"`
	Count       *int   `json:"count"`
}

type rawDelta struct {
	RoomID      string `json:"roomId"`
	ChatRoomID  string `json:"chatRoomId"`
	Delta       *int   `json:"delta"`
	UnreadCount *int   `json:"unreadCount"`
	Reason      string `json:"reason"`
	Type        string `json:"type"`
}

// Keys under which a wrapped room list has been seen
var listKeys = []string{"rooms", "chatRooms", "content", "data"}

// DecodeRooms accepts a room array, an object wrapping one under a known
// key, a "counts" object or a bare {roomId: count} object.
func DecodeRooms(body []byte) ([]Room, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, errors.Wrapf(models.ErrProtocol, "unread payload: %v", err)
	}

	switch t := v.(type) {
	case []any:
		return decodeList(t)
	case map[string]any:
		for _, key := range listKeys {
			if list, ok := t[key].([]any); ok {
				return decodeList(list)
			}
		}
		if counts, ok := t["counts"].(map[string]any); ok {
			return decodeCounts(counts)
		}
		return decodeCounts(t)
	default:
		return nil, errors.Wrapf(models.ErrProtocol, "unread payload of type %T", v)
	}
}

// DecodeDelta decodes one update. A payload with an unreadCount and no
// delta is an absolute snapshot for the room.
func DecodeDelta(body []byte) (Delta, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return Delta{}, errors.Wrapf(models.ErrProtocol, "unread delta: %v", err)
	}

	var raw rawDelta
	if err := weakDecode(m, &raw); err != nil {
		return Delta{}, err
	}

	d := Delta{RoomID: firstNonEmpty(raw.RoomID, raw.ChatRoomID)}
	if d.RoomID == "" {
		return Delta{}, errors.Wrap(models.ErrProtocol, "unread delta without room id")
	}

	switch {
	case raw.Delta != nil:
		d.Delta = *raw.Delta
		d.Reason = parseReason(firstNonEmpty(raw.Reason, raw.Type))
	case raw.UnreadCount != nil:
		d.Delta = *raw.UnreadCount
		d.Reason = ReasonSnapshot
	default:
		return Delta{}, errors.Wrap(models.ErrProtocol, "unread delta without delta or unreadCount")
	}
	return d, nil
}

func decodeList(list []any) ([]Room, error) {
	rooms := make([]Room, 0, len(list))
	for _, item := range list {
		var raw rawRoom
		if err := weakDecode(item, &raw); err != nil {
			return nil, err
		}
		room := Room{ID: firstNonEmpty(raw.ChatRoomID, raw.RoomID, raw.ID)}
		for _, n := range []*int{raw.UnreadCount, raw.Unread, raw.Count} {
			if n != nil {
				room.UnreadCount = *n
				break
			}
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func decodeCounts(m map[string]any) ([]Room, error) {
	var counts map[string]int
	if err := weakDecode(m, &counts); err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(counts))
	for id, n := range counts {
		rooms = append(rooms, Room{ID: id, UnreadCount: n})
	}
	return rooms, nil
}

func weakDecode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "new decoder")
	}
	if err := dec.Decode(input); err != nil {
		return errors.Wrapf(models.ErrProtocol, "decode unread payload: %v", err)
	}
	return nil
}

func parseReason(s string) Reason {
	switch strings.ToUpper(s) {
	case "READ", "MARK_READ", "READ_RECEIPT":
		return ReasonRead
	case "SNAPSHOT", "RESET":
		return ReasonSnapshot
	default:
		return ReasonMessage
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
