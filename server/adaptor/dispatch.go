package adaptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ponyo877/chatrelay/server/domain"
)

// ErrDisconnectRequested ends a connection's read loop after a disconnect event.
var ErrDisconnectRequested = errors.New("client requested disconnect")

// Envelope is one named event on the wire.
type Envelope struct {
	Event domain.EventName `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
}

// relay is the part both transports share: it ties a connection's outlet to
// the router and turns inbound envelopes into usecase calls.
type relay struct {
	uc      Usecase
	outlets domain.Outlets
	log     *slog.Logger
}

func newRelay(uc Usecase, outlets domain.Outlets, log *slog.Logger) *relay {
	return &relay{uc: uc, outlets: outlets, log: log}
}

func (r *relay) open(conn domain.ConnectionID, sender domain.Sender) {
	r.outlets.Register(conn, sender)
	r.log.Info("connection opened", "conn", conn)
}

func (r *relay) close(ctx context.Context, conn domain.ConnectionID) {
	if _, err := r.uc.Disconnect(ctx, conn); err != nil {
		r.log.Error("failed to disconnect", "conn", conn, "error", err)
	}
	r.outlets.Unregister(conn)
	r.log.Info("connection closed", "conn", conn)
}

// handle runs one envelope and reports whether the connection stays open.
// Rejected events are logged and otherwise ignored.
func (r *relay) handle(ctx context.Context, conn domain.ConnectionID, env Envelope) bool {
	err := r.dispatch(ctx, conn, env)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrDisconnectRequested):
		return false
	default:
		r.log.Warn("rejected event", "conn", conn, "event", env.Event, "error", err)
		return true
	}
}

func (r *relay) dispatch(ctx context.Context, conn domain.ConnectionID, env Envelope) error {
	if !env.Event.IsInbound() {
		return fmt.Errorf("%w: %q is not accepted from clients", domain.ErrUnknownEvent, env.Event)
	}
	switch env.Event {
	case domain.EventJoinRoom:
		var req domain.JoinRequest
		if err := decodeData(env.Data, &req); err != nil {
			return err
		}
		_, err := r.uc.Join(ctx, conn, req)
		return err
	case domain.EventSendMessage:
		var req domain.SendRequest
		if err := decodeData(env.Data, &req); err != nil {
			return err
		}
		_, err := r.uc.Send(ctx, conn, req)
		return err
	case domain.EventLeaveRoom:
		_, err := r.uc.Leave(ctx, conn)
		return err
	case domain.EventDisconnect:
		if _, err := r.uc.Disconnect(ctx, conn); err != nil {
			return err
		}
		return ErrDisconnectRequested
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownEvent, env.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	return nil
}
