package domain

import "time"

// Session represents one active login of a user on a device.
// DeviceID is unique across all active sessions; UserID never changes after creation.
type Session struct {
	ID        string
	UserID    string
	DeviceID  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// OwnedBy reports whether the session belongs to userID.
func (s *Session) OwnedBy(userID string) bool {
	return s != nil && s.UserID == userID
}
