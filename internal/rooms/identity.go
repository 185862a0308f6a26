package rooms

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const roomKeyPrefix = "ROOM "

var (
	// ErrEmptyDisplayName indicates a display name with no visible characters.
	ErrEmptyDisplayName = errors.New("rooms: display name is empty")
	// ErrMissingConnectionID indicates a registry call without a connection identifier.
	ErrMissingConnectionID = errors.New("rooms: connection id is required")
	// ErrMissingRoomKey indicates a registry call without a room key.
	ErrMissingRoomKey = errors.New("rooms: room key is required")
)

// Identity is the verified user attached to a connection by authentication.
type Identity struct {
	UserID   string
	UserCode string
	UserName string
	Email    string
}

// Member is one connection present in a room.
type Member struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	UserCode     string `json:"user_code"`
	UserName     string `json:"user_name"`
	IconTag      string `json:"icon_tag"`
	Email        string `json:"email"`
}

// RoomKey derives the broadcast group key for a document identifier.
func RoomKey(documentID string) string {
	return roomKeyPrefix + documentID
}

// DocumentIDOf reverses RoomKey. The boolean is false for keys without the room prefix.
func DocumentIDOf(roomKey string) (string, bool) {
	return strings.CutPrefix(roomKey, roomKeyPrefix)
}

// InitialsOf returns the uppercased first letters of the first and last words of displayName.
func InitialsOf(displayName string) (string, error) {
	words := strings.Fields(displayName)
	if len(words) == 0 {
		return "", ErrEmptyDisplayName
	}
	initials := firstUpper(words[0])
	if len(words) > 1 {
		initials += firstUpper(words[len(words)-1])
	}
	return initials, nil
}

func firstUpper(word string) string {
	first, _ := utf8.DecodeRuneInString(word)
	return string(unicode.ToUpper(first))
}

func newMember(connectionID string, identity Identity) (Member, error) {
	if strings.TrimSpace(connectionID) == "" {
		return Member{}, ErrMissingConnectionID
	}
	iconTag, err := InitialsOf(identity.UserName)
	if err != nil {
		return Member{}, err
	}
	return Member{
		UserID:       identity.UserID,
		ConnectionID: connectionID,
		UserCode:     identity.UserCode,
		UserName:     identity.UserName,
		IconTag:      iconTag,
		Email:        identity.Email,
	}, nil
}
