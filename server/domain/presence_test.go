package domain

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresenceRegistry_Upsert(t *testing.T) {
	t.Run("should record a new session", func(t *testing.T) {
		req := require.New(t)
		registry := NewPresenceRegistry()

		result, err := registry.Upsert("c1", "alice", "lobby")

		req.NoError(err)
		req.True(result.Changed)
		req.Nil(result.Previous)
		req.Equal("alice", result.Session.Username)
		req.Equal("lobby", result.Session.Room)

		session, ok := registry.SessionOf("c1")
		req.True(ok)
		req.Equal("lobby", session.Room)
	})

	t.Run("should be a no-op when rejoining the same room", func(t *testing.T) {
		req := require.New(t)
		registry := NewPresenceRegistry()
		_, err := registry.Upsert("c1", "alice", "lobby")
		req.NoError(err)

		result, err := registry.Upsert("c1", "alice", "lobby")

		req.NoError(err)
		req.False(result.Changed)
		req.Len(registry.RosterOf("lobby"), 1)
	})

	t.Run("should move the connection and report the previous session", func(t *testing.T) {
		req := require.New(t)
		registry := NewPresenceRegistry()
		_, err := registry.Upsert("c1", "alice", "lobby")
		req.NoError(err)

		result, err := registry.Upsert("c1", "alice", "games")

		req.NoError(err)
		req.True(result.Changed)
		req.NotNil(result.Previous)
		req.Equal("lobby", result.Previous.Room)
		req.Empty(registry.RosterOf("lobby"))
		req.Len(registry.RosterOf("games"), 1)
		req.Equal(PresenceStats{ActiveRooms: 1, ActiveSessions: 1}, registry.Stats())
	})

	t.Run("should reject invalid input without touching state", func(t *testing.T) {
		req := require.New(t)
		registry := NewPresenceRegistry()

		cases := []struct{ username, room string }{
			{"", "lobby"},
			{"alice", "   "},
			{strings.Repeat("a", MaxUsernameLength+1), "lobby"},
			{"alice", strings.Repeat("r", MaxRoomLength+1)},
		}
		for _, c := range cases {
			_, err := registry.Upsert("c1", c.username, c.room)
			req.ErrorIs(err, ErrInvalidArgument)
		}

		_, ok := registry.SessionOf("c1")
		req.False(ok)
		req.Equal(PresenceStats{}, registry.Stats())
	})
}

func TestPresenceRegistry_Remove(t *testing.T) {
	req := require.New(t)
	registry := NewPresenceRegistry()
	_, err := registry.Upsert("c1", "alice", "lobby")
	req.NoError(err)

	session, ok := registry.Remove("c1")
	req.True(ok)
	req.Equal("alice", session.Username)

	// Then the emptied room disappears and a second remove is harmless
	req.Equal(PresenceStats{}, registry.Stats())
	_, ok = registry.Remove("c1")
	req.False(ok)
}

func TestPresenceRegistry_RosterOrder(t *testing.T) {
	req := require.New(t)
	registry := NewPresenceRegistry()

	// Given three users joining in order, one of them arriving from another room
	_, err := registry.Upsert("c3", "carol", "games")
	req.NoError(err)
	_, err = registry.Upsert("c1", "alice", "lobby")
	req.NoError(err)
	_, err = registry.Upsert("c2", "bob", "lobby")
	req.NoError(err)
	_, err = registry.Upsert("c3", "carol", "lobby")
	req.NoError(err)

	// Then the roster follows join time into the room
	req.Equal([]RosterEntry{
		{Username: "alice", SocketID: "c1"},
		{Username: "bob", SocketID: "c2"},
		{Username: "carol", SocketID: "c3"},
	}, registry.RosterOf("lobby"))
	req.Equal([]ConnectionID{"c1", "c2", "c3"}, registry.Members("lobby"))
}

func TestPresenceRegistry_ConcurrentSwitches(t *testing.T) {
	req := require.New(t)
	registry := NewPresenceRegistry()
	rooms := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := ConnectionID(fmt.Sprintf("c%d", i))
			for j := range 50 {
				_, _ = registry.Upsert(conn, "user", rooms[(i+j)%len(rooms)])
			}
		}(i)
	}
	wg.Wait()

	// Then every connection is counted in exactly one room
	total := 0
	for _, room := range rooms {
		total += len(registry.Members(room))
	}
	req.Equal(20, total)
	req.Equal(20, registry.Stats().ActiveSessions)
}
