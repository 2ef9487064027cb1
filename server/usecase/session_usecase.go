package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ponyo877/chatrelay/server/domain"
)

const DefaultHistoryLimit = 100

// SessionUsecase drives every connection through join, send, leave and
// disconnect. Registry changes and the deliveries they cause happen under the
// affected rooms' locks; the history store is only called after unlocking.
type SessionUsecase struct {
	presence domain.PresenceRegistry
	router   domain.RoomRouter
	store    HistoryStore
	log      *slog.Logger
	locks    *domain.RoomLocker

	clock        func() time.Time
	historyLimit int

	mu      sync.Mutex
	last    time.Time
	closing bool

	fetches   sync.WaitGroup
	messages  atomic.Int64
	startedAt time.Time
}

type Option func(*SessionUsecase)

// WithClock replaces time.Now as the source of record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(u *SessionUsecase) {
		u.clock = clock
	}
}

func WithHistoryLimit(limit int) Option {
	return func(u *SessionUsecase) {
		if limit > 0 {
			u.historyLimit = limit
		}
	}
}

// NewSessionUsecase creates a new session usecase
func NewSessionUsecase(presence domain.PresenceRegistry, router domain.RoomRouter, store HistoryStore, log *slog.Logger, opts ...Option) *SessionUsecase {
	u := &SessionUsecase{
		presence:     presence,
		router:       router,
		store:        store,
		log:          log,
		locks:        domain.NewRoomLocker(),
		clock:        time.Now,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.startedAt = u.clock()
	return u
}

// Join places the connection in req.Room, leaving its current room first.
// Joining the room the connection is already in changes nothing.
func (u *SessionUsecase) Join(ctx context.Context, conn domain.ConnectionID, req domain.JoinRequest) (domain.Outcome, error) {
	if err := domain.ValidateJoin(req.Username, req.Room); err != nil {
		return domain.Outcome{}, err
	}
	room := strings.TrimSpace(req.Room)

	for {
		current, joined := u.presence.SessionOf(conn)
		if joined && current.Room == room {
			return domain.Outcome{}, nil
		}

		unlock := u.locks.Lock(current.Room, room)
		if !u.unchanged(conn, current, joined) {
			unlock()
			continue
		}
		outcome, err := u.join(conn, req)
		unlock()
		if err != nil {
			return domain.Outcome{}, err
		}
		if outcome.IsEmpty() {
			return outcome, nil
		}

		u.persist(ctx, outcome.Records)
		u.fetchHistory(ctx, conn, outcome.HistoryFor)
		return outcome, nil
	}
}

// Send relays message to everyone in the sender's room, sender included.
// Room and username always come from the session.
func (u *SessionUsecase) Send(ctx context.Context, conn domain.ConnectionID, req domain.SendRequest) (domain.Outcome, error) {
	for {
		current, joined := u.presence.SessionOf(conn)
		if !joined {
			return domain.Outcome{}, fmt.Errorf("%w: %s", domain.ErrNotJoined, conn)
		}
		if err := domain.ValidateMessage(req.Message); err != nil {
			return domain.Outcome{}, err
		}

		unlock := u.locks.Lock(current.Room)
		if !u.unchanged(conn, current, joined) {
			unlock()
			continue
		}
		record := domain.NewMessageRecord(current.Room, current.Username, req.Message, u.now())
		outcome := domain.Outcome{
			Deliveries: []domain.Delivery{
				domain.NewRoomDelivery(current.Room, domain.EventReceiveMessage, record.Payload()),
			},
			Records: []domain.MessageRecord{record},
		}
		u.deliver(outcome.Deliveries)
		unlock()

		u.messages.Add(1)
		u.persist(ctx, outcome.Records)
		return outcome, nil
	}
}

// Leave takes the connection out of its room and keeps it usable for another join.
func (u *SessionUsecase) Leave(ctx context.Context, conn domain.ConnectionID) (domain.Outcome, error) {
	return u.remove(ctx, conn)
}

// Disconnect forgets the connection. Without a session it is a no-op.
func (u *SessionUsecase) Disconnect(ctx context.Context, conn domain.ConnectionID) (domain.Outcome, error) {
	return u.remove(ctx, conn)
}

// Wait blocks until every pending history fetch has been delivered.
func (u *SessionUsecase) Wait() {
	u.fetches.Wait()
}

// Shutdown stops starting history fetches and waits for the pending ones.
// Joins after this point get no history batch.
func (u *SessionUsecase) Shutdown(ctx context.Context) error {
	u.mu.Lock()
	u.closing = true
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.fetches.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("history fetches still pending: %w", ctx.Err())
	}
}

func (u *SessionUsecase) Stats() domain.RelayStats {
	uptime := u.clock().Sub(u.startedAt)
	return domain.RelayStats{
		PresenceStats: u.presence.Stats(),
		TotalMessages: u.messages.Load(),
		Uptime:        uptime,
		UptimeText:    uptime.Round(time.Second).String(),
	}
}

func (u *SessionUsecase) remove(ctx context.Context, conn domain.ConnectionID) (domain.Outcome, error) {
	for {
		current, joined := u.presence.SessionOf(conn)
		if !joined {
			return domain.Outcome{}, nil
		}

		unlock := u.locks.Lock(current.Room)
		if !u.unchanged(conn, current, joined) {
			unlock()
			continue
		}
		session, _ := u.presence.Remove(conn)
		outcome := u.planLeave(session, u.now())
		u.deliver(outcome.Deliveries)
		unlock()

		u.log.Info("user left room", "conn", conn, "username", session.Username, "room", session.Room)
		u.persist(ctx, outcome.Records)
		return outcome, nil
	}
}

// join runs with the old and new room locked.
func (u *SessionUsecase) join(conn domain.ConnectionID, req domain.JoinRequest) (domain.Outcome, error) {
	result, err := u.presence.Upsert(conn, req.Username, req.Room)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !result.Changed {
		return domain.Outcome{}, nil
	}

	var outcome domain.Outcome
	if result.Previous != nil {
		outcome = u.planLeave(*result.Previous, u.now())
	}
	outcome = outcome.Merge(u.planJoin(result.Session, u.now()))
	u.deliver(outcome.Deliveries)

	u.log.Info("user joined room", "conn", conn, "username", result.Session.Username, "room", result.Session.Room)
	return outcome, nil
}

// planLeave describes what the old room sees once session is gone.
func (u *SessionUsecase) planLeave(session domain.UserSession, at time.Time) domain.Outcome {
	notice := domain.NewLeftRecord(session.Room, session.Username, at)
	return domain.Outcome{
		Deliveries: []domain.Delivery{
			domain.NewRoomDelivery(session.Room, domain.EventChatroomUsers, u.presence.RosterOf(session.Room)),
			domain.NewRoomDelivery(session.Room, domain.EventReceiveMessage, notice.Payload()),
		},
		Records: []domain.MessageRecord{notice},
	}
}

// planJoin describes what the new room and the joiner see. The welcome is
// private and is not kept in history.
func (u *SessionUsecase) planJoin(session domain.UserSession, at time.Time) domain.Outcome {
	welcome := domain.NewWelcomeRecord(session.Room, session.Username, at)
	notice := domain.NewJoinedRecord(session.Room, session.Username, at)
	return domain.Outcome{
		Deliveries: []domain.Delivery{
			domain.NewRoomDelivery(session.Room, domain.EventChatroomUsers, u.presence.RosterOf(session.Room)),
			domain.NewConnectionDelivery(session.ConnectionID, domain.EventReceiveMessage, welcome.Payload()),
			domain.NewRoomExceptDelivery(session.Room, session.ConnectionID, domain.EventReceiveMessage, notice.Payload()),
		},
		Records:    []domain.MessageRecord{notice},
		HistoryFor: session.Room,
	}
}

func (u *SessionUsecase) deliver(deliveries []domain.Delivery) {
	for _, d := range deliveries {
		switch d.Scope {
		case domain.ScopeRoom:
			u.router.Broadcast(d.Room, d.Event, d.Payload)
		case domain.ScopeRoomExcept:
			u.router.BroadcastExcept(d.Room, d.Connection, d.Event, d.Payload)
		case domain.ScopeConnection:
			u.router.Unicast(d.Connection, d.Event, d.Payload)
		}
	}
}

func (u *SessionUsecase) persist(ctx context.Context, records []domain.MessageRecord) {
	ctx = context.WithoutCancel(ctx)
	for _, record := range records {
		if err := u.store.Append(ctx, record); err != nil {
			u.log.Error("failed to persist message", "room", record.Room, "username", record.Username, "error", err)
		}
	}
}

// fetchHistory sends the joiner the room's recent records once the store answers.
// A failed query still yields an empty batch.
func (u *SessionUsecase) fetchHistory(ctx context.Context, conn domain.ConnectionID, room string) {
	ctx = context.WithoutCancel(ctx)
	u.mu.Lock()
	if u.closing {
		u.mu.Unlock()
		u.log.Debug("shutting down, history not loaded", "conn", conn, "room", room)
		return
	}
	u.fetches.Add(1)
	u.mu.Unlock()
	go func() {
		defer u.fetches.Done()

		records, err := u.store.QueryRecent(ctx, room, u.historyLimit)
		if err != nil {
			u.log.Error("failed to load history", "room", room, "error", err)
			records = nil
		}
		batch, err := domain.EncodeHistory(domain.OldestFirst(records, u.historyLimit))
		if err != nil {
			u.log.Error("failed to encode history", "room", room, "error", err)
		}

		unlock := u.locks.Lock(room)
		defer unlock()
		if session, ok := u.presence.SessionOf(conn); !ok || session.Room != room {
			u.log.Debug("joiner moved on before history arrived", "conn", conn, "room", room)
			return
		}
		u.router.Unicast(conn, domain.EventLastMessages, batch)
	}()
}

// unchanged reports whether the connection still has the session observed
// before the locks were taken.
func (u *SessionUsecase) unchanged(conn domain.ConnectionID, observed domain.UserSession, joined bool) bool {
	session, ok := u.presence.SessionOf(conn)
	if ok != joined {
		return false
	}
	return !ok || session.Room == observed.Room
}

// now issues strictly increasing millisecond timestamps.
func (u *SessionUsecase) now() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()

	t := u.clock().UTC().Truncate(time.Millisecond)
	if !t.After(u.last) {
		t = u.last.Add(time.Millisecond)
	}
	u.last = t
	return t
}
