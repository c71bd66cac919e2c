package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
)

// ErrConflict is returned by Tx.Create when the device_id already has an active session.
var ErrConflict = errors.New("device already has an active session")

// Tx is a unit of work against the active_sessions store. All reads observe the writes made
// earlier in the same unit of work. A Tx must not be used after its WithinTx callback returns.
type Tx interface {
	// FindByDevice returns the session for deviceID, or nil if none exists.
	FindByDevice(ctx context.Context, deviceID string) (*domain.Session, error)
	// ListByUser returns the user's sessions ordered by created_at ascending.
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	// Create inserts a session with created_at = last_seen = now. Returns ErrConflict if deviceID is taken.
	Create(ctx context.Context, userID, deviceID string, now time.Time) (*domain.Session, error)
	// DeleteByDevice removes the session for deviceID and reports whether one existed.
	DeleteByDevice(ctx context.Context, deviceID string) (bool, error)
	// Touch sets last_seen = now for deviceID and reports whether a session existed.
	Touch(ctx context.Context, deviceID string, now time.Time) (bool, error)
}

// Repository opens units of work. fn's Tx commits when fn returns nil and rolls back otherwise,
// including when ctx is cancelled before commit. Backends may run fn again after a transient
// write conflict, so fn must not keep state from an earlier attempt.
type Repository interface {
	// WithinTx runs fn in a unit of work without per-user exclusion.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// WithinUserTx runs fn in a unit of work that holds the exclusion for userID until it ends.
	// Units of work for different users never wait on each other.
	WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// sortByCreated orders sessions by created_at ascending, ties broken by id so the order is stable.
func sortByCreated(list []*domain.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
