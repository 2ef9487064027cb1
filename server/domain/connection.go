package domain

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

type ConnectionID string

// NewConnectionID returns a sortable id for a freshly accepted transport connection.
func NewConnectionID() ConnectionID {
	return ConnectionID(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

func (c ConnectionID) String() string {
	return string(c)
}
