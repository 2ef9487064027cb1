package adaptor

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ponyo877/chatrelay/server/domain"
	"github.com/stretchr/testify/require"
)

// fakeUsecase records which operation each envelope reached.
type fakeUsecase struct {
	calls []string
	joins []domain.JoinRequest
	sends []domain.SendRequest
}

func (f *fakeUsecase) Join(_ context.Context, _ domain.ConnectionID, req domain.JoinRequest) (domain.Outcome, error) {
	f.calls = append(f.calls, "join")
	f.joins = append(f.joins, req)
	return domain.Outcome{}, domain.ValidateJoin(req.Username, req.Room)
}

func (f *fakeUsecase) Send(_ context.Context, _ domain.ConnectionID, req domain.SendRequest) (domain.Outcome, error) {
	f.calls = append(f.calls, "send")
	f.sends = append(f.sends, req)
	return domain.Outcome{}, nil
}

func (f *fakeUsecase) Leave(context.Context, domain.ConnectionID) (domain.Outcome, error) {
	f.calls = append(f.calls, "leave")
	return domain.Outcome{}, nil
}

func (f *fakeUsecase) Disconnect(context.Context, domain.ConnectionID) (domain.Outcome, error) {
	f.calls = append(f.calls, "disconnect")
	return domain.Outcome{}, nil
}

func (f *fakeUsecase) Stats() domain.RelayStats {
	return domain.RelayStats{}
}

func TestRelay_Dispatch(t *testing.T) {
	ctx := context.Background()
	newTestRelay := func() (*relay, *fakeUsecase) {
		uc := &fakeUsecase{}
		log := slog.New(slog.DiscardHandler)
		return newRelay(uc, domain.NewRoomRouter(domain.NewPresenceRegistry(), log), log), uc
	}

	t.Run("should route every inbound event", func(t *testing.T) {
		req := require.New(t)
		r, uc := newTestRelay()

		req.NoError(r.dispatch(ctx, "c1", Envelope{Event: domain.EventJoinRoom, Data: json.RawMessage(`{"username":"alice","room":"lobby"}`)}))
		req.NoError(r.dispatch(ctx, "c1", Envelope{Event: domain.EventSendMessage, Data: json.RawMessage(`{"message":"hi","username":"alice","room":"lobby"}`)}))
		req.NoError(r.dispatch(ctx, "c1", Envelope{Event: domain.EventLeaveRoom}))
		req.ErrorIs(r.dispatch(ctx, "c1", Envelope{Event: domain.EventDisconnect}), ErrDisconnectRequested)

		req.Equal([]string{"join", "send", "leave", "disconnect"}, uc.calls)
		req.Equal(domain.NewJoinRequest("alice", "lobby"), uc.joins[0])
		req.Equal("hi", uc.sends[0].Message)
	})

	t.Run("should reject unknown and malformed events", func(t *testing.T) {
		req := require.New(t)
		r, uc := newTestRelay()

		req.ErrorIs(r.dispatch(ctx, "c1", Envelope{Event: "chatroom_users"}), domain.ErrUnknownEvent)
		req.ErrorIs(r.dispatch(ctx, "c1", Envelope{Event: domain.EventReceiveMessage, Data: json.RawMessage(`{"message":"hi"}`)}), domain.ErrUnknownEvent)
		req.ErrorIs(r.dispatch(ctx, "c1", Envelope{Event: domain.EventLastMessages, Data: json.RawMessage(`"[]"`)}), domain.ErrUnknownEvent)
		req.ErrorIs(r.dispatch(ctx, "c1", Envelope{Event: domain.EventJoinRoom}), domain.ErrMalformedEvent)
		req.ErrorIs(r.dispatch(ctx, "c1", Envelope{Event: domain.EventSendMessage, Data: json.RawMessage(`[1,2]`)}), domain.ErrMalformedEvent)
		req.Empty(uc.calls)
	})

	t.Run("should keep the connection open after a rejected event", func(t *testing.T) {
		req := require.New(t)
		r, _ := newTestRelay()

		req.True(r.handle(ctx, "c1", Envelope{Event: "bogus"}))
		req.True(r.handle(ctx, "c1", Envelope{Event: domain.EventJoinRoom, Data: json.RawMessage(`{"username":"","room":"lobby"}`)}))
		req.False(r.handle(ctx, "c1", Envelope{Event: domain.EventDisconnect}))
	})
}
