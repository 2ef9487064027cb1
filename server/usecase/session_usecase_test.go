package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ponyo877/chatrelay/server/domain"
	"github.com/ponyo877/chatrelay/server/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type frame struct {
	Event domain.EventName
	Data  json.RawMessage
}

// inbox records every frame one connection received.
type inbox struct {
	mu     sync.Mutex
	frames []frame
}

func (b *inbox) Send(event domain.EventName, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame{Event: event, Data: append(json.RawMessage(nil), data...)})
	return nil
}

func (b *inbox) take() []frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.frames
	b.frames = nil
	return frames
}

type harness struct {
	uc      *SessionUsecase
	store   *mocks.MockHistoryStore
	inboxes map[domain.ConnectionID]*inbox
}

func newHarness(t *testing.T, ctrl *gomock.Controller, conns ...domain.ConnectionID) *harness {
	t.Helper()
	registry := domain.NewPresenceRegistry()
	router := domain.NewRoomRouter(registry, slog.New(slog.DiscardHandler))
	store := mocks.NewMockHistoryStore(ctrl)

	h := &harness{
		store:   store,
		inboxes: make(map[domain.ConnectionID]*inbox),
	}
	for _, conn := range conns {
		h.inboxes[conn] = &inbox{}
		router.Register(conn, h.inboxes[conn])
	}
	h.uc = NewSessionUsecase(registry, router, store, slog.New(slog.DiscardHandler))
	return h
}

// emptyHistory lets any history query succeed with no records.
func (h *harness) emptyHistory() {
	h.store.EXPECT().QueryRecent(gomock.Any(), gomock.Any(), DefaultHistoryLimit).Return(nil, nil).AnyTimes()
}

// recordMatcher matches a MessageRecord on the fields that are set.
type recordMatcher struct {
	room, username, message string
}

func withMessage(message string) recordMatcher {
	return recordMatcher{message: message}
}

func (m recordMatcher) Matches(x any) bool {
	r, ok := x.(domain.MessageRecord)
	if !ok {
		return false
	}
	return (m.room == "" || r.Room == m.room) &&
		(m.username == "" || r.Username == m.username) &&
		r.Message == m.message
}

func (m recordMatcher) String() string {
	return fmt.Sprintf("record %q by %q in %q", m.message, m.username, m.room)
}

func roster(t *testing.T, f frame) []string {
	t.Helper()
	require.Equal(t, domain.EventChatroomUsers, f.Event)
	var entries []domain.RosterEntry
	require.NoError(t, json.Unmarshal(f.Data, &entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Username)
	}
	return names
}

func message(t *testing.T, f frame) domain.MessagePayload {
	t.Helper()
	require.Equal(t, domain.EventReceiveMessage, f.Event)
	var payload domain.MessagePayload
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	return payload
}

func history(t *testing.T, f frame) []domain.MessageRecord {
	t.Helper()
	require.Equal(t, domain.EventLastMessages, f.Event)
	var batch string
	require.NoError(t, json.Unmarshal(f.Data, &batch))
	records, err := domain.DecodeHistory(batch)
	require.NoError(t, err)
	return records
}

func TestSessionUsecase_LobbyScenario(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ctrl, "x", "y")
	h.emptyHistory()

	// Given alice joins an empty lobby
	h.store.EXPECT().Append(gomock.Any(), withMessage("alice has joined the chat room")).Return(nil).Times(1)
	_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
	req.NoError(err)
	h.uc.Wait()

	frames := h.inboxes["x"].take()
	req.Len(frames, 3)
	req.Equal([]string{"alice"}, roster(t, frames[0]))
	welcome := message(t, frames[1])
	req.Equal("Welcome alice", welcome.Message)
	req.Equal(domain.ChatBot, welcome.Username)
	req.NotZero(welcome.CreatedTime)
	req.Empty(history(t, frames[2]))

	// When bob joins the same lobby
	h.store.EXPECT().Append(gomock.Any(), withMessage("bob has joined the chat room")).Return(nil).Times(1)
	_, err = h.uc.Join(ctx, "y", domain.NewJoinRequest("bob", "lobby"))
	req.NoError(err)
	h.uc.Wait()

	// Then alice sees the roster and the join notice
	frames = h.inboxes["x"].take()
	req.Len(frames, 2)
	req.Equal([]string{"alice", "bob"}, roster(t, frames[0]))
	req.Equal("bob has joined the chat room", message(t, frames[1]).Message)
	req.Equal(domain.ChatBot, message(t, frames[1]).Username)

	// And bob sees the roster, his welcome and history, but not the join notice
	frames = h.inboxes["y"].take()
	req.Len(frames, 3)
	req.Equal([]string{"alice", "bob"}, roster(t, frames[0]))
	req.Equal("Welcome bob", message(t, frames[1]).Message)
	req.Equal(domain.EventLastMessages, frames[2].Event)

	// When alice sends hi
	h.store.EXPECT().Append(gomock.Any(), recordMatcher{room: "lobby", username: "alice", message: "hi"}).Return(nil).Times(1)
	_, err = h.uc.Send(ctx, "x", domain.NewSendRequest("hi"))
	req.NoError(err)

	// Then both receive it, sender included
	for _, conn := range []domain.ConnectionID{"x", "y"} {
		frames = h.inboxes[conn].take()
		req.Len(frames, 1)
		got := message(t, frames[0])
		req.Equal("hi", got.Message)
		req.Equal("alice", got.Username)
	}

	// When bob disconnects
	h.store.EXPECT().Append(gomock.Any(), withMessage("bob has left the chat room")).Return(nil).Times(1)
	_, err = h.uc.Disconnect(ctx, "y")
	req.NoError(err)

	frames = h.inboxes["x"].take()
	req.Len(frames, 2)
	req.Equal([]string{"alice"}, roster(t, frames[0]))
	req.Equal("bob has left the chat room", message(t, frames[1]).Message)
	req.Empty(h.inboxes["y"].take())
}

func TestSessionUsecase_Join(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	t.Run("should be idempotent for the same room", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)

		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()
		h.inboxes["x"].take()

		outcome, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		h.uc.Wait()

		req.NoError(err)
		req.True(outcome.IsEmpty())
		req.Empty(h.inboxes["x"].take())
	})

	t.Run("should reject empty username or room without state change", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)
		h.store.EXPECT().QueryRecent(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("", "lobby"))
		req.ErrorIs(err, domain.ErrInvalidArgument)
		_, err = h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", " "))
		req.ErrorIs(err, domain.ErrInvalidArgument)

		req.Zero(h.uc.Stats().ActiveSessions)
		req.Empty(h.inboxes["x"].take())
	})

	t.Run("should leave the old room when switching", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x", "y", "z")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "a"))
		req.NoError(err)
		_, err = h.uc.Join(ctx, "y", domain.NewJoinRequest("bob", "a"))
		req.NoError(err)
		_, err = h.uc.Join(ctx, "z", domain.NewJoinRequest("carol", "b"))
		req.NoError(err)
		h.uc.Wait()
		for _, b := range h.inboxes {
			b.take()
		}

		// When bob moves from a to b
		outcome, err := h.uc.Join(ctx, "y", domain.NewJoinRequest("bob", "b"))
		req.NoError(err)
		h.uc.Wait()

		// Then a's remaining member sees one roster update and one left notice
		frames := h.inboxes["x"].take()
		req.Len(frames, 2)
		req.Equal([]string{"alice"}, roster(t, frames[0]))
		req.Equal("bob has left the chat room", message(t, frames[1]).Message)

		// And b's other member sees one roster update and one joined notice
		frames = h.inboxes["z"].take()
		req.Len(frames, 2)
		req.Equal([]string{"carol", "bob"}, roster(t, frames[0]))
		req.Equal("bob has joined the chat room", message(t, frames[1]).Message)

		// And bob gets b's roster, the welcome and b's history
		frames = h.inboxes["y"].take()
		req.Len(frames, 3)
		req.Equal([]string{"carol", "bob"}, roster(t, frames[0]))
		req.Equal("Welcome bob", message(t, frames[1]).Message)
		req.Equal(domain.EventLastMessages, frames[2].Event)

		req.Len(outcome.Records, 2)
		req.Equal("a", outcome.Records[0].Room)
		req.Equal("b", outcome.Records[1].Room)
		req.Equal("b", outcome.HistoryFor)
	})

	t.Run("should deliver an oldest-first capped batch even from a newest-first store", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)

		var stored []domain.MessageRecord
		for i := 150; i > 0; i-- {
			stored = append(stored, domain.NewMessageRecord("lobby", "bob", fmt.Sprintf("m%d", i), domain.MillisTime(int64(i))))
		}
		h.store.EXPECT().QueryRecent(gomock.Any(), "lobby", DefaultHistoryLimit).Return(stored, nil).Times(1)

		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()

		frames := h.inboxes["x"].take()
		req.Len(frames, 3)
		batch := history(t, frames[2])
		req.Len(batch, 100)
		req.Equal("m51", batch[0].Message)
		req.Equal("m150", batch[99].Message)
	})

	t.Run("should degrade to an empty batch when the store fails", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(fmt.Errorf("%w: disk full", domain.ErrStore)).Times(1)
		h.store.EXPECT().QueryRecent(gomock.Any(), "lobby", gomock.Any()).Return(nil, domain.ErrStore).Times(1)

		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()

		frames := h.inboxes["x"].take()
		req.Len(frames, 3)
		req.JSONEq(`"[]"`, string(frames[2].Data))
		req.Equal(1, h.uc.Stats().ActiveSessions)
	})
}

func TestSessionUsecase_Send(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	t.Run("should do nothing when not joined", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)

		outcome, err := h.uc.Send(ctx, "x", domain.NewSendRequest("hi"))

		req.ErrorIs(err, domain.ErrNotJoined)
		req.True(outcome.IsEmpty())
		req.Empty(h.inboxes["x"].take())
	})

	t.Run("should reject blank and oversized messages", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)
		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()
		h.inboxes["x"].take()

		_, err = h.uc.Send(ctx, "x", domain.NewSendRequest("   "))
		req.ErrorIs(err, domain.ErrInvalidArgument)
		_, err = h.uc.Send(ctx, "x", domain.NewSendRequest(strings.Repeat("x", domain.MaxMessageLength+1)))
		req.ErrorIs(err, domain.ErrInvalidArgument)
		req.Empty(h.inboxes["x"].take())
	})

	t.Run("should keep the broadcast when persistence fails", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)
		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()
		h.inboxes["x"].take()

		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("boom")).Times(1)
		_, err = h.uc.Send(ctx, "x", domain.NewSendRequest("hi"))

		req.NoError(err)
		frames := h.inboxes["x"].take()
		req.Len(frames, 1)
		req.Equal("hi", message(t, frames[0]).Message)
		req.EqualValues(1, h.uc.Stats().TotalMessages)
	})

	t.Run("should trust the session over client supplied identity", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(2)
		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)

		outcome, err := h.uc.Send(ctx, "x", domain.SendRequest{Message: "hi", Username: "mallory", Room: "vault"})

		req.NoError(err)
		req.Equal("alice", outcome.Records[0].Username)
		req.Equal("lobby", outcome.Records[0].Room)
		h.uc.Wait()
	})

	t.Run("should preserve per-room order for every member", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x", "y")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		_, err = h.uc.Join(ctx, "y", domain.NewJoinRequest("bob", "lobby"))
		req.NoError(err)
		h.uc.Wait()
		h.inboxes["x"].take()
		h.inboxes["y"].take()

		var wg sync.WaitGroup
		for _, conn := range []domain.ConnectionID{"x", "y"} {
			wg.Add(1)
			go func(conn domain.ConnectionID) {
				defer wg.Done()
				for i := range 50 {
					_, _ = h.uc.Send(ctx, conn, domain.NewSendRequest(fmt.Sprintf("%s-%d", conn, i)))
				}
			}(conn)
		}
		wg.Wait()

		x := h.inboxes["x"].take()
		y := h.inboxes["y"].take()
		req.Len(x, 100)
		req.Equal(x, y)
		for i := 1; i < len(x); i++ {
			req.Less(message(t, x[i-1]).CreatedTime, message(t, x[i]).CreatedTime)
		}
	})
}

func TestSessionUsecase_Disconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	t.Run("should be a no-op without a session", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)

		outcome, err := h.uc.Disconnect(ctx, "x")

		req.NoError(err)
		req.True(outcome.IsEmpty())
		req.Empty(h.inboxes["x"].take())
	})

	t.Run("should allow joining again after leaving", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.emptyHistory()
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(3)

		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		outcome, err := h.uc.Leave(ctx, "x")
		req.NoError(err)
		req.Len(outcome.Records, 1)
		req.Zero(h.uc.Stats().ActiveSessions)

		_, err = h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()
		req.Equal(1, h.uc.Stats().ActiveSessions)
	})
}

func TestSessionUsecase_Timestamps(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	req := require.New(t)
	frozen := time.UnixMilli(1_700_000_000_000)
	registry := domain.NewPresenceRegistry()
	router := domain.NewRoomRouter(registry, slog.New(slog.DiscardHandler))
	store := mocks.NewMockHistoryStore(ctrl)
	store.EXPECT().QueryRecent(gomock.Any(), gomock.Any(), 10).Return(nil, nil).AnyTimes()
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	uc := NewSessionUsecase(registry, router, store, slog.New(slog.DiscardHandler),
		WithClock(func() time.Time { return frozen }), WithHistoryLimit(10))

	// Given a clock that never moves
	a, err := uc.Join(context.Background(), "x", domain.NewJoinRequest("alice", "a"))
	req.NoError(err)
	b, err := uc.Join(context.Background(), "x", domain.NewJoinRequest("alice", "b"))
	req.NoError(err)
	uc.Wait()

	// Then every issued timestamp is still strictly later than the one before
	req.Equal(frozen.UnixMilli(), a.Records[0].CreatedTime())
	req.Equal(frozen.UnixMilli()+1, b.Records[0].CreatedTime())
	req.Equal(frozen.UnixMilli()+2, b.Records[1].CreatedTime())

	// And the welcome shares the joined notice's timestamp
	welcome := b.Deliveries[3].Payload.(domain.MessagePayload)
	req.Equal(b.Records[1].CreatedTime(), welcome.CreatedTime)
}

func TestSessionUsecase_History(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	t.Run("should drop a room's batch once the joiner switched away", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		release := make(chan struct{})
		h.store.EXPECT().QueryRecent(gomock.Any(), "a", DefaultHistoryLimit).DoAndReturn(
			func(context.Context, string, int) ([]domain.MessageRecord, error) {
				<-release
				return []domain.MessageRecord{domain.NewMessageRecord("a", "bob", "old", domain.MillisTime(1))}, nil
			}).Times(1)
		h.store.EXPECT().QueryRecent(gomock.Any(), "b", DefaultHistoryLimit).Return(nil, nil).Times(1)

		// Given room a's history is still loading
		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "a"))
		req.NoError(err)

		// When alice moves to b before it arrives
		_, err = h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "b"))
		req.NoError(err)
		close(release)
		h.uc.Wait()

		// Then only b's batch is delivered
		var batches [][]domain.MessageRecord
		for _, f := range h.inboxes["x"].take() {
			if f.Event == domain.EventLastMessages {
				batches = append(batches, history(t, f))
			}
		}
		req.Len(batches, 1)
		req.Empty(batches[0])
	})

	t.Run("should not load history for joins after shutdown", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, ctrl, "x")
		h.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)
		h.store.EXPECT().QueryRecent(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		// Given the usecase is shutting down
		req.NoError(h.uc.Shutdown(ctx))

		// When alice still manages to join
		_, err := h.uc.Join(ctx, "x", domain.NewJoinRequest("alice", "lobby"))
		req.NoError(err)
		h.uc.Wait()

		// Then she gets the roster and welcome but no history batch
		frames := h.inboxes["x"].take()
		req.Len(frames, 2)
		req.Equal([]string{"alice"}, roster(t, frames[0]))
		req.Equal("Welcome alice", message(t, frames[1]).Message)
		req.Equal(1, h.uc.Stats().ActiveSessions)
	})
}
