package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS active_sessions (
	id         TEXT    PRIMARY KEY,
	user_id    TEXT    NOT NULL,
	device_id  TEXT    NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_active_sessions_user_id ON active_sessions (user_id);
`

// SQLiteRepository stores sessions in a single SQLite file. The database must be opened with
// immediate transactions (see db.OpenSQLite): every unit of work takes the write lock when it
// begins, which serialises all writers and therefore every user. Single-node deployments only.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository ensures the schema exists and returns the repository.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Ping checks connectivity.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WithinTx runs fn inside an immediate transaction.
func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.run(ctx, fn)
}

// WithinUserTx runs fn inside an immediate transaction; the database write lock covers the user.
func (r *SQLiteRepository) WithinUserTx(ctx context.Context, _ string, fn func(tx Tx) error) error {
	return r.run(ctx, fn)
}

func (r *SQLiteRepository) run(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindByDevice(ctx context.Context, deviceID string) (*domain.Session, error) {
	var (
		s                 domain.Session
		created, lastSeen int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, created_at, last_seen
		FROM active_sessions
		WHERE device_id = ?
	`, deviceID).Scan(&s.ID, &s.UserID, &s.DeviceID, &created, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.CreatedAt = fromUnixNano(created)
	s.LastSeen = fromUnixNano(lastSeen)
	return &s, nil
}

func (t *sqliteTx) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, device_id, created_at, last_seen
		FROM active_sessions
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Session, 0)
	for rows.Next() {
		var (
			s                 domain.Session
			created, lastSeen int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &created, &lastSeen); err != nil {
			return nil, err
		}
		s.CreatedAt = fromUnixNano(created)
		s.LastSeen = fromUnixNano(lastSeen)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Create(ctx context.Context, userID, deviceID string, now time.Time) (*domain.Session, error) {
	now = now.UTC()
	s := &domain.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		DeviceID:  deviceID,
		CreatedAt: now,
		LastSeen:  now,
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO active_sessions (id, user_id, device_id, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.DeviceID, now.UnixNano(), now.UnixNano())
	if err != nil {
		if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return s, nil
}

func (t *sqliteTx) DeleteByDevice(ctx context.Context, deviceID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM active_sessions WHERE device_id = ?`, deviceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqliteTx) Touch(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE active_sessions SET last_seen = ? WHERE device_id = ?`, now.UTC().UnixNano(), deviceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
