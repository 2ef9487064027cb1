package domain

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// roomRouter fans encoded events out to the outlets of live connections.
// Membership comes from the presence registry; a recipient that disappeared
// or cannot take the frame is skipped.
type roomRouter struct {
	presence PresenceRegistry
	log      *slog.Logger

	mu      sync.RWMutex
	outlets map[ConnectionID]Sender
}

type Router interface {
	RoomRouter
	Outlets
}

func NewRoomRouter(presence PresenceRegistry, log *slog.Logger) Router {
	return &roomRouter{
		presence: presence,
		log:      log,
		outlets:  make(map[ConnectionID]Sender),
	}
}

func (r *roomRouter) Register(conn ConnectionID, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outlets[conn] = sender
}

func (r *roomRouter) Unregister(conn ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outlets, conn)
}

func (r *roomRouter) Broadcast(room string, event EventName, payload any) int {
	return r.fanout(r.presence.Members(room), event, payload)
}

func (r *roomRouter) BroadcastExcept(room string, exclude ConnectionID, event EventName, payload any) int {
	members := r.presence.Members(room)
	targets := make([]ConnectionID, 0, len(members))
	for _, conn := range members {
		if conn != exclude {
			targets = append(targets, conn)
		}
	}
	return r.fanout(targets, event, payload)
}

func (r *roomRouter) Unicast(conn ConnectionID, event EventName, payload any) bool {
	return r.fanout([]ConnectionID{conn}, event, payload) == 1
}

func (r *roomRouter) fanout(targets []ConnectionID, event EventName, payload any) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("failed to encode event", "event", event, "error", err)
		return 0
	}

	delivered := 0
	for _, conn := range targets {
		r.mu.RLock()
		sender, ok := r.outlets[conn]
		r.mu.RUnlock()
		if !ok {
			r.log.Debug("recipient has no outlet", "conn", conn, "event", event)
			continue
		}
		if err := sender.Send(event, data); err != nil {
			r.log.Debug("dropped event for recipient", "conn", conn, "event", event, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
