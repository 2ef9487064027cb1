//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_sender.go -package=mocks github.com/ponyo877/chatrelay/server/domain Sender
package domain

import "time"

type PresenceRegistry interface {
	Upsert(conn ConnectionID, username, room string) (UpsertResult, error)
	Remove(conn ConnectionID) (UserSession, bool)

	SessionOf(conn ConnectionID) (UserSession, bool)
	RosterOf(room string) []RosterEntry
	Members(room string) []ConnectionID

	Stats() PresenceStats
}

type RoomRouter interface {
	Broadcast(room string, event EventName, payload any) int
	BroadcastExcept(room string, exclude ConnectionID, event EventName, payload any) int
	Unicast(conn ConnectionID, event EventName, payload any) bool
}

// Outlets is the transport-facing half of the router.
type Outlets interface {
	Register(conn ConnectionID, sender Sender)
	Unregister(conn ConnectionID)
}

// Sender pushes one encoded event to a live connection. It must not block;
// a connection that cannot take the frame answers ErrStaleRecipient.
type Sender interface {
	Send(event EventName, data []byte) error
}

type UpsertResult struct {
	Session  UserSession
	Previous *UserSession
	Changed  bool
}

type PresenceStats struct {
	ActiveRooms    int `json:"activeRooms"`
	ActiveSessions int `json:"activeSessions"`
}

type RelayStats struct {
	PresenceStats
	TotalMessages int64         `json:"totalMessages"`
	Uptime        time.Duration `json:"-"`
	UptimeText    string        `json:"uptime"`
}
