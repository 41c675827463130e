package store

import "github.com/google/uuid"

// SessionGenerator returns the id of a new operation log session.
type SessionGenerator interface {
	Generate() string
}

// UUIDv7Generator issues UUIDv7 ids. Their leading timestamp makes
// ListSessions, which orders by id, list sessions oldest first.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
