package domain

type EventName string

const (
	EventJoinRoom    EventName = "join_room"
	EventSendMessage EventName = "send_message"
	EventLeaveRoom   EventName = "leave_room"
	EventDisconnect  EventName = "disconnect"

	EventChatroomUsers  EventName = "chatroom_users"
	EventReceiveMessage EventName = "receive_message"
	EventLastMessages   EventName = "last_100_messages"
)

// IsInbound reports whether clients may send the event.
func (e EventName) IsInbound() bool {
	switch e {
	case EventJoinRoom, EventSendMessage, EventLeaveRoom, EventDisconnect:
		return true
	default:
		return false
	}
}

func (e EventName) String() string {
	return string(e)
}

type JoinRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

func NewJoinRequest(username, room string) JoinRequest {
	return JoinRequest{Username: username, Room: room}
}

func (r JoinRequest) String() string {
	return "join: " + r.Username + " -> " + r.Room
}

// SendRequest mirrors the send_message payload. Username and Room are what
// the client believes; the coordinator trusts the session instead.
type SendRequest struct {
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
}

func NewSendRequest(message string) SendRequest {
	return SendRequest{Message: message}
}

func (r SendRequest) String() string {
	return "send: " + r.Message
}
