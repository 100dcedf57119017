package store

import "time"

const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusRevoked  = "revoked"
)

// Document is owned by the wider Labfolio record-keeping service; this
// subsystem reads it to establish ownership and never mutates it.
type Document struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
}

// AccessGrant is the durable record that a user may access a document.
// Exactly one row per (DocumentID, UserID); exactly one owner row per
// document.
type AccessGrant struct {
	DocumentID      string
	UserID          string
	PermissionLevel string
	GrantedAt       time.Time
	GrantedBy       string
	UpdatedAt       time.Time
}

type Invitation struct {
	ID              string
	DocumentID      string
	Email           string
	InvitedBy       string
	PermissionLevel string
	TokenHash       string
	Status          string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	AcceptedBy      *string
	AcceptedAt      *time.Time
}

// IsExpired reports whether a pending invitation can no longer be
// accepted. Expiry is computed, never written back to status.
func (i Invitation) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Profile is the display record for a user. Rows may be absent for
// users who only exist in the identity provider.
type Profile struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	AvatarURL string
}
