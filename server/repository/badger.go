package repository

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
	"github.com/ponyo877/chatrelay/server/domain"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type BadgerRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerRepository(db *badger.DB, log *slog.Logger) *BadgerRepository {
	return &BadgerRepository{db: db, log: log}
}

func OpenBadger(path string, log *slog.Logger) (*BadgerRepository, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger at %s: %w", domain.ErrStore, path, err)
	}
	return NewBadgerRepository(db, log), nil
}

// Append stores the record under "msg:{hex room}:{millis padded to 19}:{ulid}"
// so keys of one room sort chronologically and never collide.
func (b *BadgerRepository) Append(ctx context.Context, record domain.MessageRecord) error {
	key := fmt.Sprintf("%s%019d:%s", roomPrefix(record.Room), record.CreatedTime(), ulid.Make())
	value, err := encodeRecord(record)
	if err != nil {
		return fmt.Errorf("%w: failed to encode message for room %s: %w", domain.ErrStore, record.Room, err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}); err != nil {
		return fmt.Errorf("%w: failed to store message for room %s: %w", domain.ErrStore, record.Room, err)
	}
	return nil
}

// QueryRecent walks the room's keys backwards from the newest one.
func (b *BadgerRepository) QueryRecent(ctx context.Context, room string, limit int) ([]domain.MessageRecord, error) {
	var values [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(roomPrefix(room))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Past every padded timestamp of this room.
		it.Seek(append(slices.Clone(prefix), []byte("9999999999999999999")...))
		for ; it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(values) == limit {
				b.log.Debug(fmt.Sprintf("Maximum of %d message reached", limit))
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query messages for room %s: %w", domain.ErrStore, room, err)
	}

	records := make([]domain.MessageRecord, 0, len(values))
	for _, value := range values {
		record, err := decodeRecord(value)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode message for room %s: %w", domain.ErrStore, room, err)
		}
		records = append(records, record)
	}
	slices.Reverse(records)
	return records, nil
}

func (b *BadgerRepository) Close() error {
	return b.db.Close()
}

func roomPrefix(room string) string {
	return "msg:" + hex.EncodeToString([]byte(room)) + ":"
}

func encodeRecord(record domain.MessageRecord) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"room":      record.Room,
		"username":  record.Username,
		"message":   record.Message,
		"createdAt": float64(record.CreatedTime()),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func decodeRecord(value []byte) (domain.MessageRecord, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(value, &s); err != nil {
		return domain.MessageRecord{}, err
	}
	fields := s.GetFields()
	return domain.NewMessageRecord(
		fields["room"].GetStringValue(),
		fields["username"].GetStringValue(),
		fields["message"].GetStringValue(),
		domain.MillisTime(int64(fields["createdAt"].GetNumberValue())),
	), nil
}
