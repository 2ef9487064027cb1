//go:generate go run go.uber.org/mock/mockgen -source=interface.go -destination=../mocks/mock_history_store.go -package=mocks
package usecase

import (
	"context"

	"github.com/ponyo877/chatrelay/server/domain"
)

type HistoryStore interface {
	// Append durably records one message.
	Append(ctx context.Context, record domain.MessageRecord) error
	// QueryRecent returns up to limit of the room's newest records, oldest first.
	QueryRecent(ctx context.Context, room string, limit int) ([]domain.MessageRecord, error)
}
