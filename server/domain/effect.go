package domain

type Scope int

const (
	ScopeRoom Scope = iota
	ScopeRoomExcept
	ScopeConnection
)

func (s Scope) String() string {
	switch s {
	case ScopeRoom:
		return "room"
	case ScopeRoomExcept:
		return "room-except"
	case ScopeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Delivery is one outbound event. Room is set for room scopes, Connection is
// the excluded connection for ScopeRoomExcept and the target for ScopeConnection.
type Delivery struct {
	Scope      Scope
	Room       string
	Connection ConnectionID
	Event      EventName
	Payload    any
}

func NewRoomDelivery(room string, event EventName, payload any) Delivery {
	return Delivery{Scope: ScopeRoom, Room: room, Event: event, Payload: payload}
}

func NewRoomExceptDelivery(room string, exclude ConnectionID, event EventName, payload any) Delivery {
	return Delivery{Scope: ScopeRoomExcept, Room: room, Connection: exclude, Event: event, Payload: payload}
}

func NewConnectionDelivery(conn ConnectionID, event EventName, payload any) Delivery {
	return Delivery{Scope: ScopeConnection, Connection: conn, Event: event, Payload: payload}
}

func (d Delivery) String() string {
	switch d.Scope {
	case ScopeConnection:
		return d.Scope.String() + ":" + d.Connection.String() + " " + d.Event.String()
	default:
		return d.Scope.String() + ":" + d.Room + " " + d.Event.String()
	}
}

// Outcome is everything one coordinator transition caused. Deliveries were
// handed to the router in order; Records went to the history store afterwards.
type Outcome struct {
	Deliveries []Delivery
	Records    []MessageRecord
	HistoryFor string
}

func (o Outcome) IsEmpty() bool {
	return len(o.Deliveries) == 0 && len(o.Records) == 0 && o.HistoryFor == ""
}

func (o Outcome) Merge(other Outcome) Outcome {
	merged := Outcome{
		Deliveries: append(append([]Delivery(nil), o.Deliveries...), other.Deliveries...),
		Records:    append(append([]MessageRecord(nil), o.Records...), other.Records...),
		HistoryFor: o.HistoryFor,
	}
	if other.HistoryFor != "" {
		merged.HistoryFor = other.HistoryFor
	}
	return merged
}
