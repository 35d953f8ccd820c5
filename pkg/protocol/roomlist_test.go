package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoomList(t *testing.T) {
	assert.Empty(t, EncodeRoomList(nil))
	assert.Equal(t, "a|Alpha|0;b|Beta|3;", EncodeRoomList([]RoomInfo{
		{ID: "a", Name: "Alpha"},
		{ID: "b", Name: "Beta", MemberCount: 3},
	}))
}

func TestParseRoomList(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []RoomInfo
		wantErr bool
	}{
		{name: "empty", content: "", want: nil},
		{name: "only separators", content: ";; ;", want: nil},
		{
			name:    "trailing separator",
			content: "lobby|Lobby|2;",
			want:    []RoomInfo{{ID: "lobby", Name: "Lobby", MemberCount: 2}},
		},
		{
			name:    "no trailing separator and padded fields",
			content: " a | Alpha | 1 ;b|Beta|0",
			want: []RoomInfo{
				{ID: "a", Name: "Alpha", MemberCount: 1},
				{ID: "b", Name: "Beta", MemberCount: 0},
			},
		},
		{
			name:    "extra fields ignored",
			content: "a|Alpha|1|extra;",
			want:    []RoomInfo{{ID: "a", Name: "Alpha", MemberCount: 1}},
		},
		{name: "too few fields", content: "a|Alpha;", wantErr: true},
		{name: "bad count", content: "a|Alpha|many;", wantErr: true},
		{name: "negative count", content: "a|Alpha|-1;", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoomList(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRoomList)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoomInfoString(t *testing.T) {
	assert.Equal(t, "lobby | Lobby (2 users)", RoomInfo{ID: "lobby", Name: "Lobby", MemberCount: 2}.String())
}

func TestUserList(t *testing.T) {
	assert.Equal(t, "alice;bob", EncodeUserList([]string{"alice", "bob"}))
	assert.Empty(t, EncodeUserList(nil))
	assert.Equal(t, []string{"alice", "bob"}, ParseUserList("alice;;bob;"))
	assert.Nil(t, ParseUserList(""))
}

func TestValidRoomField(t *testing.T) {
	assert.True(t, ValidRoomField("general chat"))
	assert.False(t, ValidRoomField("a|b"))
	assert.False(t, ValidRoomField("a;b"))
}
