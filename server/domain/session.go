package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	MaxUsernameLength = 50
	MaxRoomLength     = 100
	MaxMessageLength  = 5000
)

var validate = newValidator()

// newValidator registers the "username" and "room" tags from the length limits.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterAlias("username", fmt.Sprintf("required,max=%d", MaxUsernameLength))
	v.RegisterAlias("room", fmt.Sprintf("required,max=%d", MaxRoomLength))
	return v
}

type UserSession struct {
	ConnectionID ConnectionID
	Username     string `validate:"username"`
	Room         string `validate:"room"`
	JoinedAt     time.Time

	seq uint64
}

func NewUserSession(conn ConnectionID, username, room string) UserSession {
	return UserSession{
		ConnectionID: conn,
		Username:     strings.TrimSpace(username),
		Room:         strings.TrimSpace(room),
		JoinedAt:     time.Now(),
	}
}

func (s UserSession) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func (s UserSession) RosterEntry() RosterEntry {
	return RosterEntry{Username: s.Username, SocketID: s.ConnectionID}
}

func (s UserSession) String() string {
	return s.Username + "@" + s.Room + "(" + s.ConnectionID.String() + ")"
}

// RosterEntry is one line of the chatroom_users payload.
type RosterEntry struct {
	Username string       `json:"username"`
	SocketID ConnectionID `json:"socketId"`
}

// ValidateJoin reports whether a join request carries a usable username and room.
func ValidateJoin(username, room string) error {
	return NewUserSession("", username, room).Validate()
}
