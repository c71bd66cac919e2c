package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory. Writes are staged per unit of work and
// applied atomically at commit, so nothing from a rolled-back unit is ever visible. The per-user
// exclusion only covers this process: do not run several replicas on it.
type MemoryRepository struct {
	mu       sync.Mutex
	byDevice map[string]*domain.Session

	locks       *userLocks
	lockTimeout time.Duration
}

// NewMemoryRepository returns an empty in-memory repository.
// lockTimeout bounds how long WithinUserTx waits for the user's lock; zero waits until ctx is done.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		byDevice:    make(map[string]*domain.Session),
		locks:       newUserLocks(),
		lockTimeout: lockTimeout,
	}
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(context.Context) error { return nil }

// WithinTx runs fn in a unit of work without per-user exclusion.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.run(ctx, fn)
}

// WithinUserTx runs fn while holding the in-process lock for userID.
func (r *MemoryRepository) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	lockCtx := ctx
	if r.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, r.lockTimeout)
		defer cancel()
	}
	release, err := r.locks.acquire(lockCtx, userID)
	if err != nil {
		return err
	}
	defer release()
	return r.run(ctx, fn)
}

func (r *MemoryRepository) run(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{repo: r, writes: make(map[string]*memWrite)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.commit(tx)
}

// memWrite is a staged change to one device row. expectID is the id of the committed row the
// change was based on ("" when no row was visible); next is nil for a delete.
type memWrite struct {
	expectID string
	next     *domain.Session
}

func (r *MemoryRepository) commit(tx *memTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	apply := make(map[string]*memWrite, len(tx.writes))
	for deviceID, w := range tx.writes {
		curID := ""
		if cur := r.byDevice[deviceID]; cur != nil {
			curID = cur.ID
		}
		if curID == w.expectID {
			apply[deviceID] = w
			continue
		}
		// The committed row changed underneath us.
		if w.next == nil || w.next.ID == w.expectID {
			continue
		}
		if curID != "" {
			return ErrConflict
		}
		apply[deviceID] = w
	}

	for deviceID, w := range apply {
		if w.next == nil {
			delete(r.byDevice, deviceID)
			continue
		}
		r.byDevice[deviceID] = cloneSession(w.next)
	}
	return nil
}

type memTx struct {
	repo   *MemoryRepository
	writes map[string]*memWrite
}

func (t *memTx) visible(deviceID string) *domain.Session {
	if w, ok := t.writes[deviceID]; ok {
		return cloneSession(w.next)
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return cloneSession(t.repo.byDevice[deviceID])
}

func (t *memTx) stage(deviceID, baseID string, next *domain.Session) {
	if w, ok := t.writes[deviceID]; ok {
		w.next = next
		return
	}
	t.writes[deviceID] = &memWrite{expectID: baseID, next: next}
}

func (t *memTx) FindByDevice(ctx context.Context, deviceID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.visible(deviceID), nil
}

func (t *memTx) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0)
	t.repo.mu.Lock()
	for deviceID, s := range t.repo.byDevice {
		if _, staged := t.writes[deviceID]; staged {
			continue
		}
		if s.UserID == userID {
			out = append(out, cloneSession(s))
		}
	}
	t.repo.mu.Unlock()
	for _, w := range t.writes {
		if w.next != nil && w.next.UserID == userID {
			out = append(out, cloneSession(w.next))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (t *memTx) Create(ctx context.Context, userID, deviceID string, now time.Time) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.visible(deviceID) != nil {
		return nil, ErrConflict
	}
	now = now.UTC()
	s := &domain.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		DeviceID:  deviceID,
		CreatedAt: now,
		LastSeen:  now,
	}
	t.stage(deviceID, "", s)
	return cloneSession(s), nil
}

func (t *memTx) DeleteByDevice(ctx context.Context, deviceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cur := t.visible(deviceID)
	if cur == nil {
		return false, nil
	}
	t.stage(deviceID, cur.ID, nil)
	return true, nil
}

func (t *memTx) Touch(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cur := t.visible(deviceID)
	if cur == nil {
		return false, nil
	}
	cur.LastSeen = now.UTC()
	t.stage(deviceID, cur.ID, cur)
	return true, nil
}

func cloneSession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// userLocks is a set of per-user mutexes. An entry lives only while someone holds or waits
// for it, so idle users cost nothing.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, ul)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ul.sem
			l.unref(userID, ul)
		})
	}, nil
}

func (l *userLocks) unref(userID string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// size returns the number of live lock entries.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
