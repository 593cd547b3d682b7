package auth

import (
	"time"

	"github.com/google/uuid"
)

// Role is the platform-wide permission level of a user.
type Role string

const (
	RoleGuest           Role = "guest"
	RoleCustomer        Role = "customer"
	RoleRestaurantOwner Role = "restaurant_owner"
	RoleAdmin           Role = "admin"
)

// Valid reports whether the role is one of the defined levels.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleCustomer, RoleRestaurantOwner, RoleAdmin:
		return true
	}
	return false
}

// User is a platform account. LineUserID links the account to the external
// LINE identity; once assigned it is never replaced by a different external
// identity.
type User struct {
	ID           uuid.UUID
	DisplayName  string
	Contact      string
	AvatarURL    string
	Locale       string
	LineUserID   *string
	Role         Role
	RestaurantID *uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  time.Time
}

// WebSession is a conventional framework-managed session backed by the
// database, independent of the canonical signed-cookie session.
type WebSession struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time
	CreatedAt time.Time
	UserAgent string
	IPAddress string
}

// LineClaims contains the relevant claims from a LINE Login ID token.
type LineClaims struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}
