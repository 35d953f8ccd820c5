package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Room-list snapshot separators. Room ids and names must not contain either.
const (
	RecordSeparator = ";"
	FieldSeparator  = "|"
)

// MaxRoomListBytes bounds an encoded snapshot so a ROOM_LIST always fits in
// one frame next to the rest of the envelope.
const MaxRoomListBytes = MaxFrameSize / 2

// maxCountDigits is the widest member count a record can carry.
const maxCountDigits = 10

var ErrMalformedRoomList = errors.New("malformed room list record")

// RoomInfo is one entry of a room-list snapshot.
type RoomInfo struct {
	ID          string
	Name        string
	MemberCount int
}

// String renders the display convention used by clients.
func (r RoomInfo) String() string {
	return fmt.Sprintf("%s | %s (%d users)", r.ID, r.Name, r.MemberCount)
}

// RoomRecordSize is the most bytes one room can add to an encoded snapshot,
// whatever its member count.
func RoomRecordSize(id, name string) int {
	return len(id) + len(name) + len(FieldSeparator)*2 + len(RecordSeparator) + maxCountDigits
}

// EncodeRoomList serializes a snapshot as "id|name|count;" records.
// Every record, including the last, is terminated by the record separator.
func EncodeRoomList(rooms []RoomInfo) string {
	var b strings.Builder
	for _, r := range rooms {
		b.WriteString(r.ID)
		b.WriteString(FieldSeparator)
		b.WriteString(r.Name)
		b.WriteString(FieldSeparator)
		b.WriteString(strconv.Itoa(r.MemberCount))
		b.WriteString(RecordSeparator)
	}
	return b.String()
}

// ParseRoomList decodes a snapshot produced by EncodeRoomList. Empty and
// blank records are ignored; fields are trimmed; fields beyond the third are
// ignored.
func ParseRoomList(content string) ([]RoomInfo, error) {
	var rooms []RoomInfo
	for _, record := range strings.Split(content, RecordSeparator) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		parts := strings.Split(record, FieldSeparator)
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRoomList, record)
		}
		count, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("%w: bad member count in %q", ErrMalformedRoomList, record)
		}
		rooms = append(rooms, RoomInfo{
			ID:          strings.TrimSpace(parts[0]),
			Name:        strings.TrimSpace(parts[1]),
			MemberCount: count,
		})
	}
	return rooms, nil
}

// EncodeUserList joins member names for a ROOM_USERS reply.
func EncodeUserList(users []string) string {
	return strings.Join(users, RecordSeparator)
}

// ParseUserList splits a ROOM_USERS reply, dropping empty entries.
func ParseUserList(content string) []string {
	var users []string
	for _, u := range strings.Split(content, RecordSeparator) {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	return users
}

// ValidRoomField reports whether s can be embedded in a room-list record.
func ValidRoomField(s string) bool {
	return !strings.Contains(s, RecordSeparator) && !strings.Contains(s, FieldSeparator)
}
