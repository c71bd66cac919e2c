// Package service implements session admission: it decides whether a device may hold an active
// session for a user while keeping every user at or below the configured session limit.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
	"github.com/sinhamajestic/3device-app/internal/session/repository"
	"github.com/sinhamajestic/3device-app/internal/telemetry"
)

const instrumentationName = "github.com/sinhamajestic/3device-app/internal/session/service"

// MaxDeviceIDLength is the longest device id accepted.
const MaxDeviceIDLength = 255

// Sentinel errors; the HTTP handler maps them to status codes.
var (
	ErrNotAuthenticated         = errors.New("not authenticated")
	ErrInvalidDevice            = errors.New("device id must be 1-255 bytes")
	ErrDeviceOwnedByAnotherUser = errors.New("device has an active session for another user")
	ErrNotOwned                 = errors.New("device is not one of your active sessions")
	ErrDeviceAlreadyActive      = errors.New("device already has one of your active sessions")
	ErrStorageUnavailable       = errors.New("session storage unavailable")
	errInvalidLimit             = errors.New("max sessions must be at least 1")
)

// StorageError reports a failed or aborted unit of work. It matches ErrStorageUnavailable and
// unwraps to the cause. Nothing from the failed unit of work was committed, so it is safe to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// Status is the outcome of an admission decision.
type Status string

const (
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusLimitExceeded Status = "limit_exceeded"
)

// LoginResult is returned by Login. Devices is set only for StatusLimitExceeded and lists the
// user's current sessions oldest first.
type LoginResult struct {
	Status  Status
	Devices []*domain.Session
}

// Controller admits, refreshes and removes device sessions. It holds no per-user state; all
// exclusion lives in the repository, so any number of replicas can share one store.
type Controller struct {
	repo        repository.Repository
	maxSessions int
	logger      zerolog.Logger
	events      telemetry.EventEmitter
	now         func() time.Time

	tracer     trace.Tracer
	admissions metric.Int64Counter
}

// NewController returns a Controller enforcing maxSessions per user. events may be nil.
// Spans and metrics go to the global OTel providers.
func NewController(repo repository.Repository, maxSessions int, logger zerolog.Logger, events telemetry.EventEmitter) (*Controller, error) {
	if maxSessions < 1 {
		return nil, errInvalidLimit
	}
	admissions, err := otel.Meter(instrumentationName).Int64Counter(
		"ndevice.session.admissions",
		metric.WithDescription("Session admission decisions by operation and outcome."),
	)
	if err != nil {
		return nil, err
	}
	return &Controller{
		repo:        repo,
		maxSessions: maxSessions,
		logger:      logger.With().Str("component", "admission").Logger(),
		events:      events,
		now:         func() time.Time { return time.Now().UTC() },
		tracer:      otel.Tracer(instrumentationName),
		admissions:  admissions,
	}, nil
}

// MaxSessions returns the configured per-user limit.
func (c *Controller) MaxSessions() int { return c.maxSessions }

// Login admits deviceID for userID. A device already active for the user is refreshed. A new
// device is admitted while the user is under the limit; otherwise the result is
// StatusLimitExceeded with the current devices and nothing changes.
func (c *Controller) Login(ctx context.Context, userID, deviceID string) (*LoginResult, error) {
	if err := validate(userID, deviceID); err != nil {
		return nil, err
	}
	ctx, span := c.start(ctx, "Login", userID, attribute.String("session.device_id", deviceID))
	defer span.End()

	var (
		result *LoginResult
		events []*telemetry.Event
	)
	err := c.withConflictRetry(ctx, "login", func() error {
		return c.repo.WithinUserTx(ctx, userID, func(tx repository.Tx) error {
			result, events = nil, nil
			now := c.now()

			existing, err := tx.FindByDevice(ctx, deviceID)
			if err != nil {
				return err
			}
			if existing != nil {
				if !existing.OwnedBy(userID) {
					return ErrDeviceOwnedByAnotherUser
				}
				if _, err := tx.Touch(ctx, deviceID, now); err != nil {
					return err
				}
				result = &LoginResult{Status: StatusActive}
				events = append(events, c.event(telemetry.EventSessionTouched, userID, deviceID, existing.ID, now, nil))
				return nil
			}

			current, err := tx.ListByUser(ctx, userID)
			if err != nil {
				return err
			}
			if len(current) >= c.maxSessions {
				result = &LoginResult{Status: StatusLimitExceeded, Devices: current}
				events = append(events, c.event(telemetry.EventSessionLimitExceeded, userID, deviceID, "", now,
					map[string]string{"active_sessions": strconv.Itoa(len(current))}))
				return nil
			}

			created, err := tx.Create(ctx, userID, deviceID, now)
			if err != nil {
				return err
			}
			result = &LoginResult{Status: StatusActive}
			events = append(events, c.event(telemetry.EventSessionCreated, userID, deviceID, created.ID, now, nil))
			return nil
		})
	})
	if err != nil {
		c.fail(ctx, span, "login", err)
		return nil, err
	}

	c.record(ctx, span, "login", string(result.Status))
	c.logger.Info().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Str("status", string(result.Status)).
		Int("active_sessions", len(result.Devices)).
		Msg("login decided")
	c.emit(ctx, events)
	return result, nil
}

// ForceLogoutAndLogin evicts deviceToEvict, which must be one of userID's sessions, and admits
// newDeviceID in the same unit of work. Either both happen or neither does, so the user's session
// count is unchanged. A newDeviceID that is already another of the user's sessions is rejected
// with ErrDeviceAlreadyActive.
func (c *Controller) ForceLogoutAndLogin(ctx context.Context, userID, deviceToEvict, newDeviceID string) (Status, error) {
	if err := validate(userID, deviceToEvict); err != nil {
		return "", err
	}
	if err := validateDevice(newDeviceID); err != nil {
		return "", err
	}
	ctx, span := c.start(ctx, "ForceLogoutAndLogin", userID,
		attribute.String("session.evicted_device_id", deviceToEvict),
		attribute.String("session.device_id", newDeviceID))
	defer span.End()

	var events []*telemetry.Event
	err := c.withConflictRetry(ctx, "force_logout", func() error {
		return c.repo.WithinUserTx(ctx, userID, func(tx repository.Tx) error {
			events = nil
			now := c.now()

			evicted, err := tx.FindByDevice(ctx, deviceToEvict)
			if err != nil {
				return err
			}
			if !evicted.OwnedBy(userID) {
				return ErrNotOwned
			}
			target, err := tx.FindByDevice(ctx, newDeviceID)
			if err != nil {
				return err
			}
			if target != nil && !target.OwnedBy(userID) {
				return ErrDeviceOwnedByAnotherUser
			}
			if target != nil && newDeviceID != deviceToEvict {
				return ErrDeviceAlreadyActive
			}

			if _, err := tx.DeleteByDevice(ctx, deviceToEvict); err != nil {
				return err
			}
			events = append(events, c.event(telemetry.EventSessionEvicted, userID, deviceToEvict, evicted.ID, now,
				map[string]string{"replaced_by": newDeviceID}))

			created, err := tx.Create(ctx, userID, newDeviceID, now)
			if err != nil {
				return err
			}
			events = append(events, c.event(telemetry.EventSessionCreated, userID, newDeviceID, created.ID, now, nil))
			return nil
		})
	})
	if err != nil {
		c.fail(ctx, span, "force_logout", err)
		return "", err
	}

	c.record(ctx, span, "force_logout", string(StatusActive))
	c.logger.Info().
		Str("user_id", userID).
		Str("evicted_device_id", deviceToEvict).
		Str("device_id", newDeviceID).
		Msg("device evicted")
	c.emit(ctx, events)
	return StatusActive, nil
}

// Heartbeat refreshes last_seen for an active session. An unknown device, or one that belongs
// to another user, is StatusInactive and nothing changes.
func (c *Controller) Heartbeat(ctx context.Context, userID, deviceID string) (Status, error) {
	if err := validate(userID, deviceID); err != nil {
		return "", err
	}
	ctx, span := c.start(ctx, "Heartbeat", userID, attribute.String("session.device_id", deviceID))
	defer span.End()

	status := StatusInactive
	err := c.repo.WithinTx(ctx, func(tx repository.Tx) error {
		status = StatusInactive
		existing, err := tx.FindByDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if !existing.OwnedBy(userID) {
			return nil
		}
		touched, err := tx.Touch(ctx, deviceID, c.now())
		if err != nil {
			return err
		}
		if touched {
			status = StatusActive
		}
		return nil
	})
	if err != nil {
		err = storageError("heartbeat", err)
		c.fail(ctx, span, "heartbeat", err)
		return "", err
	}

	c.record(ctx, span, "heartbeat", string(status))
	c.logger.Debug().Str("user_id", userID).Str("device_id", deviceID).Str("status", string(status)).Msg("heartbeat")
	return status, nil
}

// Logout removes the user's session for deviceID. It is a no-op when the device has no session
// or belongs to someone else.
func (c *Controller) Logout(ctx context.Context, userID, deviceID string) error {
	if err := validate(userID, deviceID); err != nil {
		return err
	}
	ctx, span := c.start(ctx, "Logout", userID, attribute.String("session.device_id", deviceID))
	defer span.End()

	var removed *domain.Session
	err := c.repo.WithinTx(ctx, func(tx repository.Tx) error {
		removed = nil
		existing, err := tx.FindByDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if !existing.OwnedBy(userID) {
			return nil
		}
		deleted, err := tx.DeleteByDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if deleted {
			removed = existing
		}
		return nil
	})
	if err != nil {
		err = storageError("logout", err)
		c.fail(ctx, span, "logout", err)
		return err
	}

	outcome := "noop"
	if removed != nil {
		outcome = "deleted"
		c.emit(ctx, []*telemetry.Event{c.event(telemetry.EventSessionDeleted, userID, deviceID, removed.ID, c.now(), nil)})
	}
	c.record(ctx, span, "logout", outcome)
	c.logger.Info().Str("user_id", userID).Str("device_id", deviceID).Str("outcome", outcome).Msg("logout")
	return nil
}

// Sessions returns the user's active sessions oldest first.
func (c *Controller) Sessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}
	ctx, span := c.start(ctx, "Sessions", userID)
	defer span.End()

	var list []*domain.Session
	err := c.repo.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		list, err = tx.ListByUser(ctx, userID)
		return err
	})
	if err != nil {
		err = storageError("list", err)
		c.fail(ctx, span, "list", err)
		return nil, err
	}
	return list, nil
}

// Ready reports whether the store is reachable.
func (c *Controller) Ready(ctx context.Context) error {
	if err := c.repo.Ping(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// withConflictRetry runs attempt once more when a concurrent create took the device between
// our lookup and insert. The second attempt sees the winner's row and decides from it.
func (c *Controller) withConflictRetry(ctx context.Context, op string, attempt func() error) error {
	err := attempt()
	if errors.Is(err, repository.ErrConflict) {
		c.logger.Debug().Str("op", op).Msg("device claimed concurrently, retrying")
		err = attempt()
	}
	return storageError(op, err)
}

// storageError wraps everything except domain outcomes in a StorageError.
func storageError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceOwnedByAnotherUser), errors.Is(err, ErrNotOwned),
		errors.Is(err, ErrDeviceAlreadyActive):
		return err
	default:
		var se *StorageError
		if errors.As(err, &se) {
			return err
		}
		return &StorageError{Op: op, Err: err}
	}
}

func validate(userID, deviceID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrNotAuthenticated
	}
	return validateDevice(deviceID)
}

func validateDevice(deviceID string) error {
	if strings.TrimSpace(deviceID) == "" || len(deviceID) > MaxDeviceIDLength {
		return ErrInvalidDevice
	}
	return nil
}

func (c *Controller) start(ctx context.Context, name, userID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("enduser.id", userID))
	return c.tracer.Start(ctx, "session."+name, trace.WithAttributes(attrs...))
}

func (c *Controller) record(ctx context.Context, span trace.Span, op, outcome string) {
	span.SetAttributes(attribute.String("session.outcome", outcome))
	c.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (c *Controller) fail(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrDeviceOwnedByAnotherUser):
		outcome = "device_owned_by_another_user"
	case errors.Is(err, ErrNotOwned):
		outcome = "not_owned"
	case errors.Is(err, ErrDeviceAlreadyActive):
		outcome = "device_already_active"
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error().Err(err).Str("op", op).Msg("session storage failure")
	}
	c.record(ctx, span, op, outcome)
}

func (c *Controller) event(kind, userID, deviceID, sessionID string, at time.Time, meta map[string]string) *telemetry.Event {
	return &telemetry.Event{
		Type:      kind,
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Source:    "admission",
		Metadata:  meta,
		CreatedAt: at,
	}
}

// emit publishes events of a committed unit of work. Failures never affect the caller.
func (c *Controller) emit(ctx context.Context, events []*telemetry.Event) {
	if c.events == nil {
		return
	}
	if err := telemetry.EmitAll(ctx, c.events, events); err != nil {
		c.logger.Warn().Err(err).Int("events", len(events)).Msg("emit session events")
	}
}
