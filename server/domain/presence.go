package domain

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// presenceRegistry is the single source of truth for who is where. The room
// index is rebuilt inside the same critical section as every session change.
type presenceRegistry struct {
	mu       sync.RWMutex
	sessions map[ConnectionID]UserSession
	rooms    map[string]map[ConnectionID]struct{}
	seq      uint64
}

func NewPresenceRegistry() PresenceRegistry {
	return &presenceRegistry{
		sessions: make(map[ConnectionID]UserSession),
		rooms:    make(map[string]map[ConnectionID]struct{}),
	}
}

func (p *presenceRegistry) Upsert(conn ConnectionID, username, room string) (UpsertResult, error) {
	session := NewUserSession(conn, username, room)
	if err := session.Validate(); err != nil {
		return UpsertResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.sessions[conn]
	if exists && current.Room == session.Room {
		return UpsertResult{Session: current}, nil
	}

	result := UpsertResult{Changed: true}
	if exists {
		p.unindex(current)
		result.Previous = &current
	}

	p.seq++
	session.seq = p.seq
	p.sessions[conn] = session
	members, ok := p.rooms[session.Room]
	if !ok {
		members = make(map[ConnectionID]struct{})
		p.rooms[session.Room] = members
	}
	members[conn] = struct{}{}

	result.Session = session
	return result, nil
}

func (p *presenceRegistry) Remove(conn ConnectionID) (UserSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, exists := p.sessions[conn]
	if !exists {
		return UserSession{}, false
	}
	p.unindex(session)
	delete(p.sessions, conn)
	return session, true
}

func (p *presenceRegistry) SessionOf(conn ConnectionID) (UserSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	session, exists := p.sessions[conn]
	return session, exists
}

func (p *presenceRegistry) RosterOf(room string) []RosterEntry {
	return lo.Map(p.sessionsIn(room), func(item UserSession, _ int) RosterEntry {
		return item.RosterEntry()
	})
}

func (p *presenceRegistry) Members(room string) []ConnectionID {
	return lo.Map(p.sessionsIn(room), func(item UserSession, _ int) ConnectionID {
		return item.ConnectionID
	})
}

func (p *presenceRegistry) Stats() PresenceStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PresenceStats{
		ActiveRooms:    len(p.rooms),
		ActiveSessions: len(p.sessions),
	}
}

// sessionsIn returns the room's sessions in join order.
func (p *presenceRegistry) sessionsIn(room string) []UserSession {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := p.rooms[room]
	sessions := make([]UserSession, 0, len(members))
	for conn := range members {
		sessions = append(sessions, p.sessions[conn])
	}
	slices.SortFunc(sessions, func(a, b UserSession) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return sessions
}

// unindex drops the session from its room; an emptied room disappears. Callers hold mu.
func (p *presenceRegistry) unindex(session UserSession) {
	members, ok := p.rooms[session.Room]
	if !ok {
		return
	}
	delete(members, session.ConnectionID)
	if len(members) == 0 {
		delete(p.rooms, session.Room)
	}
}
