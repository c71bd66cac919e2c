package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresRepository stores sessions in the active_sessions table. Per-user exclusion is a
// transaction-scoped advisory lock, so it holds across every replica sharing the database.
type PostgresRepository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
// lockTimeout bounds how long WithinUserTx waits for another unit of work on the same user; zero waits forever.
func NewPostgresRepository(db *sql.DB, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// Ping checks connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WithinTx runs fn inside a READ COMMITTED transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.run(ctx, "", fn)
}

// WithinUserTx runs fn inside a transaction holding pg_advisory_xact_lock on the user id.
// The lock is released by commit or rollback.
func (r *PostgresRepository) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	return r.run(ctx, userID, fn)
}

func (r *PostgresRepository) run(ctx context.Context, lockUserID string, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if lockUserID != "" {
		if r.lockTimeout > 0 {
			if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
				fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())); err != nil {
				return err
			}
		}
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockUserID); err != nil {
			return fmt.Errorf("lock user sessions: %w", err)
		}
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) FindByDevice(ctx context.Context, deviceID string) (*domain.Session, error) {
	var s domain.Session
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, created_at, last_seen
		FROM active_sessions
		WHERE device_id = $1
	`, deviceID).Scan(&s.ID, &s.UserID, &s.DeviceID, &s.CreatedAt, &s.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, device_id, created_at, last_seen
		FROM active_sessions
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Session, 0)
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.CreatedAt, &s.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (t *pgTx) Create(ctx context.Context, userID, deviceID string, now time.Time) (*domain.Session, error) {
	s := &domain.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		DeviceID:  deviceID,
		CreatedAt: now.UTC(),
		LastSeen:  now.UTC(),
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO active_sessions (id, user_id, device_id, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $4)
	`, s.ID, s.UserID, s.DeviceID, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrConflict
		}
		return nil, err
	}
	return s, nil
}

func (t *pgTx) DeleteByDevice(ctx context.Context, deviceID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM active_sessions WHERE device_id = $1`, deviceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *pgTx) Touch(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE active_sessions SET last_seen = $2 WHERE device_id = $1`, deviceID, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
