package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
)

var errAbort = errors.New("abort")

type contractOpts struct {
	// serialisesAllUsers is set for stores whose exclusion is database-wide.
	serialisesAllUsers bool
}

// runContract exercises the behaviour every Repository backend must share.
func runContract(t *testing.T, newRepo func(t *testing.T) Repository, opts contractOpts) {
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()

	t.Run("create find list", func(t *testing.T) {
		repo := newRepo(t)
		user := "user-" + uuid.NewString()
		d1, d2 := uuid.NewString(), uuid.NewString()

		err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
			if _, err := tx.Create(ctx, user, d2, base.Add(time.Second)); err != nil {
				return err
			}
			_, err := tx.Create(ctx, user, d1, base)
			return err
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		err = repo.WithinTx(ctx, func(tx Tx) error {
			list, err := tx.ListByUser(ctx, user)
			if err != nil {
				return err
			}
			if len(list) != 2 {
				t.Fatalf("ListByUser len = %d, want 2", len(list))
			}
			if list[0].DeviceID != d1 || list[1].DeviceID != d2 {
				t.Errorf("ListByUser order = [%s %s], want [%s %s]", list[0].DeviceID, list[1].DeviceID, d1, d2)
			}
			if !list[0].CreatedAt.Equal(base) || !list[0].LastSeen.Equal(base) {
				t.Errorf("timestamps = %v/%v, want %v", list[0].CreatedAt, list[0].LastSeen, base)
			}
			s, err := tx.FindByDevice(ctx, d2)
			if err != nil {
				return err
			}
			if s == nil || !s.OwnedBy(user) || s.ID == "" {
				t.Errorf("FindByDevice(%s) = %+v", d2, s)
			}
			missing, err := tx.FindByDevice(ctx, uuid.NewString())
			if err != nil {
				return err
			}
			if missing != nil {
				t.Errorf("FindByDevice(unknown) = %+v, want nil", missing)
			}
			empty, err := tx.ListByUser(ctx, "user-"+uuid.NewString())
			if err != nil {
				return err
			}
			if len(empty) != 0 {
				t.Errorf("ListByUser(unknown) len = %d, want 0", len(empty))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	})

	t.Run("device id is unique across users", func(t *testing.T) {
		repo := newRepo(t)
		u1, u2 := "user-"+uuid.NewString(), "user-"+uuid.NewString()
		device := uuid.NewString()

		if err := repo.WithinUserTx(ctx, u1, func(tx Tx) error {
			_, err := tx.Create(ctx, u1, device, base)
			return err
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		for _, user := range []string{u1, u2} {
			err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
				_, err := tx.Create(ctx, user, device, base)
				return err
			})
			if !errors.Is(err, ErrConflict) {
				t.Errorf("Create duplicate for %s: err = %v, want ErrConflict", user, err)
			}
		}
	})

	t.Run("delete and touch", func(t *testing.T) {
		repo := newRepo(t)
		user := "user-" + uuid.NewString()
		device := uuid.NewString()
		later := base.Add(time.Minute)

		err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
			_, err := tx.Create(ctx, user, device, base)
			return err
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		err = repo.WithinTx(ctx, func(tx Tx) error {
			ok, err := tx.Touch(ctx, device, later)
			if err != nil || !ok {
				t.Fatalf("Touch = %v, %v; want true, nil", ok, err)
			}
			ok, err = tx.Touch(ctx, uuid.NewString(), later)
			if err != nil || ok {
				t.Fatalf("Touch(unknown) = %v, %v; want false, nil", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("touch: %v", err)
		}

		err = repo.WithinTx(ctx, func(tx Tx) error {
			s, err := tx.FindByDevice(ctx, device)
			if err != nil {
				return err
			}
			if !s.LastSeen.Equal(later) || !s.CreatedAt.Equal(base) {
				t.Errorf("after touch created=%v last_seen=%v, want %v/%v", s.CreatedAt, s.LastSeen, base, later)
			}
			ok, err := tx.DeleteByDevice(ctx, device)
			if err != nil || !ok {
				t.Fatalf("DeleteByDevice = %v, %v; want true, nil", ok, err)
			}
			ok, err = tx.DeleteByDevice(ctx, device)
			if err != nil || ok {
				t.Fatalf("second DeleteByDevice = %v, %v; want false, nil", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
	})

	t.Run("error rolls back every write", func(t *testing.T) {
		repo := newRepo(t)
		user := "user-" + uuid.NewString()
		kept, evicted, added := uuid.NewString(), uuid.NewString(), uuid.NewString()

		if err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
			if _, err := tx.Create(ctx, user, kept, base); err != nil {
				return err
			}
			_, err := tx.Create(ctx, user, evicted, base.Add(time.Second))
			return err
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
			if _, err := tx.DeleteByDevice(ctx, evicted); err != nil {
				return err
			}
			if _, err := tx.Create(ctx, user, added, base.Add(2*time.Second)); err != nil {
				return err
			}
			if _, err := tx.Touch(ctx, kept, base.Add(time.Hour)); err != nil {
				return err
			}
			return errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("err = %v, want errAbort", err)
		}

		err = repo.WithinTx(ctx, func(tx Tx) error {
			list, err := tx.ListByUser(ctx, user)
			if err != nil {
				return err
			}
			if len(list) != 2 || list[0].DeviceID != kept || list[1].DeviceID != evicted {
				t.Errorf("after rollback sessions = %v, want [%s %s]", devices(list), kept, evicted)
			}
			if len(list) > 0 && !list[0].LastSeen.Equal(base) {
				t.Errorf("touch leaked through rollback: last_seen = %v", list[0].LastSeen)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	})

	t.Run("reads see earlier writes in the same unit", func(t *testing.T) {
		repo := newRepo(t)
		user := "user-" + uuid.NewString()
		device, other := uuid.NewString(), uuid.NewString()

		if err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
			_, err := tx.Create(ctx, user, device, base)
			return err
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		err := repo.WithinUserTx(ctx, user, func(tx Tx) error {
			if _, err := tx.DeleteByDevice(ctx, device); err != nil {
				return err
			}
			if s, err := tx.FindByDevice(ctx, device); err != nil || s != nil {
				t.Fatalf("FindByDevice after delete = %+v, %v", s, err)
			}
			if _, err := tx.Create(ctx, user, device, base.Add(time.Minute)); err != nil {
				return err
			}
			if _, err := tx.Create(ctx, user, other, base.Add(2*time.Minute)); err != nil {
				return err
			}
			list, err := tx.ListByUser(ctx, user)
			if err != nil {
				return err
			}
			if len(list) != 2 || list[0].DeviceID != device || list[1].DeviceID != other {
				t.Errorf("in-unit sessions = %v, want [%s %s]", devices(list), device, other)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unit: %v", err)
		}
	})

	t.Run("user units of work are serialised", func(t *testing.T) {
		repo := newRepo(t)
		user := "user-" + uuid.NewString()
		const workers = 8

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				device := uuid.NewString()
				errs <- repo.WithinUserTx(ctx, user, func(tx Tx) error {
					list, err := tx.ListByUser(ctx, user)
					if err != nil {
						return err
					}
					if len(list) >= 1 {
						return nil
					}
					time.Sleep(5 * time.Millisecond)
					_, err = tx.Create(ctx, user, device, base)
					return err
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("unit of work: %v", err)
			}
		}

		err := repo.WithinTx(ctx, func(tx Tx) error {
			list, err := tx.ListByUser(ctx, user)
			if err != nil {
				return err
			}
			if len(list) != 1 {
				t.Errorf("sessions = %d, want exactly 1", len(list))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	})

	if !opts.serialisesAllUsers {
		t.Run("different users do not wait on each other", func(t *testing.T) {
			repo := newRepo(t)
			u1, u2 := "user-"+uuid.NewString(), "user-"+uuid.NewString()

			held := make(chan struct{})
			release := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- repo.WithinUserTx(ctx, u1, func(tx Tx) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held

			otherCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			err := repo.WithinUserTx(otherCtx, u2, func(tx Tx) error {
				_, err := tx.Create(otherCtx, u2, uuid.NewString(), base)
				return err
			})
			close(release)
			if err != nil {
				t.Errorf("second user's unit of work: %v", err)
			}
			if err := <-done; err != nil {
				t.Errorf("first user's unit of work: %v", err)
			}
		})
	}
}

func devices(list []*domain.Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.DeviceID)
	}
	return out
}
