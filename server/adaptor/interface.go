package adaptor

import (
	"context"

	"github.com/ponyo877/chatrelay/server/domain"
)

type Usecase interface {
	Join(ctx context.Context, conn domain.ConnectionID, req domain.JoinRequest) (domain.Outcome, error)
	Send(ctx context.Context, conn domain.ConnectionID, req domain.SendRequest) (domain.Outcome, error)
	Leave(ctx context.Context, conn domain.ConnectionID) (domain.Outcome, error)
	Disconnect(ctx context.Context, conn domain.ConnectionID) (domain.Outcome, error)
	Stats() domain.RelayStats
}
