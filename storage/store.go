package storage

import (
	"context"

	"mailpipe/internal/message"
)

// Store persists message records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns a copy of the message or an error of kind ErrNotFound.
	Get(ctx context.Context, id string) (*message.Message, error)
	// Put inserts or replaces m. Replacing a DELETED record with any other
	// status fails with kind ErrDeleted and leaves the record unchanged.
	Put(ctx context.Context, m *message.Message) error
	// Update replaces an existing record under the same veto as Put. A record
	// that no longer exists fails with kind ErrNotFound and is not recreated.
	Update(ctx context.Context, m *message.Message) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
	// List returns message ids ordered by creation time then id.
	List(ctx context.Context, limit, offset int) ([]string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

var (
	// ErrNotFound is returned when a message does not exist
	ErrNotFound errNotFound
	// ErrDeleted is returned when a write would overwrite a deleted message
	ErrDeleted errDeleted
	// ErrInvalid is returned for a malformed record or query
	ErrInvalid errInvalid
)

type (
	errNotFound struct{}
	errDeleted  struct{}
	errInvalid  struct{}
)

func (e errNotFound) Error() string {
	return "Message not found"
}

func (e errDeleted) Error() string {
	return "Message deleted"
}

func (e errInvalid) Error() string {
	return "Invalid message"
}

// vetoed reports whether writing next over the stored prev would resurrect a
// deleted record.
func vetoed(prev, next message.Status) bool {
	return prev == message.StatusDeleted && next != message.StatusDeleted
}
