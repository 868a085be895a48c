package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no live record exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Create when the id is already taken.
	ErrSessionExists = errors.New("session already exists")
)

// ClientInfo identifies the client that opened a session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Record is the durable state of one session.
type Record struct {
	ID              string     `json:"id"`
	ProtocolVersion string     `json:"protocolVersion"`
	Client          ClientInfo `json:"client"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Store persists session records with a sliding TTL.
type Store interface {
	// Create stores rec. It fails with ErrSessionExists if rec.ID is taken.
	Create(ctx context.Context, rec Record) error

	// Get returns the live record for id or ErrSessionNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Touch extends the record's lifetime by the store TTL. It returns
	// ErrSessionNotFound if the record has already expired.
	Touch(ctx context.Context, id string) error

	// Delete removes the record. It returns ErrSessionNotFound if there was
	// nothing to remove.
	Delete(ctx context.Context, id string) error
}
