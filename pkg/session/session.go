// Package session defines the per-client lifecycle object the registry
// tracks: a workload identity, its exclusively-owned attester, an
// authorization status, and an expiry deadline.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Layr-Labs/kbs-go/pkg/attester"
)

// DefaultLifetime is how long a session remains valid after creation,
// per spec §3.
const DefaultLifetime = 3 * time.Hour

// Status is a Session's authorization state. It only ever moves
// Unauthorized -> Authorized, never back (spec §3).
type Status int

const (
	Unauthorized Status = iota
	Authorized
)

// Session is owned exclusively by one registry entry; callers must not
// share a *Session across goroutines without the registry's per-session
// exclusion (see pkg/sessionstore).
type Session struct {
	id         string
	workloadID string
	attester   attester.Attester
	status     Status
	expiresOn  time.Time
}

// NewID generates a fresh, globally-unique session id with the entropy
// spec §3 requires (a UUIDv4 carries 122 bits of randomness), formatted
// as a plain 32-char hex string per spec §6's cookie contract (the
// dashed canonical form is not hex and isn't what the original's
// Uuid::new_v4().to_simple() produces).
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// New constructs a Session in the Unauthorized status with the default
// 3-hour lifetime, starting now.
func New(id, workloadID string, att attester.Attester) *Session {
	return &Session{
		id:         id,
		workloadID: workloadID,
		attester:   att,
		status:     Unauthorized,
		expiresOn:  time.Now().Add(DefaultLifetime),
	}
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// WorkloadID returns the client-supplied workload identifier.
func (s *Session) WorkloadID() string { return s.workloadID }

// Attester returns the session's owned attester, for handlers to drive
// Attest/EncryptSecret under the registry's per-session exclusion.
func (s *Session) Attester() attester.Attester { return s.attester }

// Approve marks the session Authorized. Called once, after a successful
// Attest.
func (s *Session) Approve() { s.status = Authorized }

// IsValid reports whether the session is both Authorized and unexpired;
// an expired session is invalid regardless of status.
func (s *Session) IsValid() bool {
	return s.status == Authorized && time.Now().Before(s.expiresOn)
}

// Expired reports whether the session's deadline has passed, independent
// of its status.
func (s *Session) Expired() bool {
	return !time.Now().Before(s.expiresOn)
}

// ExpiresOn returns the session's expiry deadline.
func (s *Session) ExpiresOn() time.Time { return s.expiresOn }
