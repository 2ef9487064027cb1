package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ChatBot authors every system notice.
const ChatBot = "ChatBot"

type MessageRecord struct {
	Room      string
	Username  string
	Message   string
	CreatedAt time.Time
}

func NewMessageRecord(room, username, message string, createdAt time.Time) MessageRecord {
	return MessageRecord{
		Room:      room,
		Username:  username,
		Message:   message,
		CreatedAt: createdAt,
	}
}

func NewWelcomeRecord(room, username string, createdAt time.Time) MessageRecord {
	return NewMessageRecord(room, ChatBot, "Welcome "+username, createdAt)
}

func NewJoinedRecord(room, username string, createdAt time.Time) MessageRecord {
	return NewMessageRecord(room, ChatBot, username+" has joined the chat room", createdAt)
}

func NewLeftRecord(room, username string, createdAt time.Time) MessageRecord {
	return NewMessageRecord(room, ChatBot, username+" has left the chat room", createdAt)
}

// CreatedTime is the record timestamp in epoch milliseconds.
func (m MessageRecord) CreatedTime() int64 {
	return m.CreatedAt.UnixMilli()
}

func (m MessageRecord) Payload() MessagePayload {
	return MessagePayload{
		Message:     m.Message,
		Username:    m.Username,
		CreatedTime: m.CreatedTime(),
	}
}

func (m MessageRecord) HistoryEntry() HistoryEntry {
	return HistoryEntry{
		Room:        m.Room,
		Username:    m.Username,
		Message:     m.Message,
		CreatedTime: m.CreatedTime(),
	}
}

func (m MessageRecord) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format(time.RFC3339), m.Username, m.Message)
}

// MillisTime converts an epoch-millisecond timestamp back to the UTC time a record carries.
func MillisTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// MessagePayload is the receive_message body.
type MessagePayload struct {
	Message     string `json:"message"`
	Username    string `json:"username"`
	CreatedTime int64  `json:"__createdtime__"`
}

// HistoryEntry is one element of the last_100_messages batch.
type HistoryEntry struct {
	Room        string `json:"room"`
	Username    string `json:"username"`
	Message     string `json:"message"`
	CreatedTime int64  `json:"__createdtime__"`
}

func (e HistoryEntry) Record() MessageRecord {
	return NewMessageRecord(e.Room, e.Username, e.Message, MillisTime(e.CreatedTime))
}

func ValidateMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidArgument)
	}
	if len([]rune(message)) > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidArgument, MaxMessageLength)
	}
	return nil
}

// OldestFirst orders records by creation time and keeps the newest limit of them.
// The input is not modified. A non-positive limit keeps everything.
func OldestFirst(records []MessageRecord, limit int) []MessageRecord {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b MessageRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted
}

// EncodeHistory renders a batch the way display clients expect it: a JSON
// array carried inside a JSON string.
func EncodeHistory(records []MessageRecord) (string, error) {
	entries := lo.Map(records, func(item MessageRecord, _ int) HistoryEntry {
		return item.HistoryEntry()
	})
	b, err := json.Marshal(entries)
	if err != nil {
		return "[]", err
	}
	return string(b), nil
}

func DecodeHistory(batch string) ([]MessageRecord, error) {
	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(batch), &entries); err != nil {
		return nil, err
	}
	return lo.Map(entries, func(item HistoryEntry, _ int) MessageRecord {
		return item.Record()
	}), nil
}
