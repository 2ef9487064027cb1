package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/ponyo877/chatrelay/server/domain"
)

const driverName = "sqlite3_with_go_func"

var registerDriver sync.Once

func regex(re, s string) (bool, error) {
	return regexp.MatchString(re, s)
}

// SQLiteRepository keeps message history in a SQLite file. The REGEXP
// operator is backed by Go's regexp package.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	registerDriver.Do(func() {
		sql.Register(driverName,
			&sqlite3.SQLiteDriver{
				ConnectHook: func(conn *sqlite3.SQLiteConn) error {
					return conn.RegisterFunc("regexp", regex, true)
				},
			})
	})
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open db %s: %w", domain.ErrStore, path, err)
	}
	db.SetMaxOpenConns(1)

	r := NewSQLiteRepository(db)
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room TEXT NOT NULL,
			username TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room, created_at);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: failed to migrate messages table: %w", domain.ErrStore, err)
	}
	return nil
}

func (r *SQLiteRepository) Append(ctx context.Context, record domain.MessageRecord) error {
	query := "INSERT INTO messages (room, username, content, created_at) VALUES (?, ?, ?, ?)"
	if _, err := r.db.ExecContext(ctx, query, record.Room, record.Username, record.Message, record.CreatedTime()); err != nil {
		return fmt.Errorf("%w: failed to insert message for room %s: %w", domain.ErrStore, record.Room, err)
	}
	return nil
}

func (r *SQLiteRepository) QueryRecent(ctx context.Context, room string, limit int) ([]domain.MessageRecord, error) {
	query := "SELECT room, username, content, created_at FROM messages WHERE room = ? ORDER BY created_at DESC, id DESC LIMIT ?"
	messages, err := r.list(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query messages for room %s: %w", domain.ErrStore, room, err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// Search returns up to limit of the room's newest messages whose content
// matches pattern, oldest first.
func (r *SQLiteRepository) Search(ctx context.Context, room, pattern string, limit int) ([]domain.MessageRecord, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w: invalid pattern %q: %v", domain.ErrInvalidArgument, pattern, err)
	}
	query := "SELECT room, username, content, created_at FROM messages WHERE room = ? AND content REGEXP ? ORDER BY created_at DESC, id DESC LIMIT ?"
	messages, err := r.list(ctx, query, room, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to execute search in room %s for query '%s': %w", domain.ErrStore, room, pattern, err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]domain.MessageRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var room, username, content string
	var createdAt int64
	messages := []domain.MessageRecord{}
	for rows.Next() {
		if err := rows.Scan(&room, &username, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message content: %w", err)
		}
		messages = append(messages, domain.NewMessageRecord(room, username, content, domain.MillisTime(createdAt)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over messages: %w", err)
	}
	return messages, nil
}
