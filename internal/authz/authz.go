// Package authz holds the authorization predicates shared by the chat
// gateway, report submission and the admin notice endpoints.
//
// Every predicate returns an error instead of a boolean so that a denial can
// only be ignored deliberately.
package authz

import (
	"errors"
	"fmt"
	"strings"
)

// Status of a user account.
type Status string

const (
	StatusActive Status = "active"
	StatusBanned Status = "banned"
)

// UserType is the role of a user account.
type UserType string

const (
	UserTypeNormal  UserType = "normal"
	UserTypeAdmin   UserType = "admin"
	UserTypeManager UserType = "manager"
)

// Identity is the resolved caller. Only the fields the guard needs are kept.
type Identity struct {
	ID       int64
	Nickname string
	Status   Status
	UserType UserType
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool { return i.UserType == UserTypeAdmin }

var (
	// ErrUnauthenticated means no valid identity could be established.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is the generic authorization denial.
	ErrForbidden = errors.New("forbidden")
	// ErrSelfReport is returned when a user reports themselves. It is a
	// Forbidden with its own message.
	ErrSelfReport = fmt.Errorf("%w: You can't report yourself", ErrForbidden)
	// ErrBanned is the Forbidden returned for banned accounts.
	ErrBanned = fmt.Errorf("%w: banned", ErrForbidden)
)

// DenialError carries the reason a guard refused an identity.
type DenialError struct {
	UserID int64
	Reason string
	Err    error
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("authz: user %d denied: %s", e.UserID, e.Reason)
}

func (e *DenialError) Unwrap() error { return e.Err }

// Message returns the client-facing text for an authentication or
// authorization failure.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrSelfReport):
		return "You can't report yourself"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		if reason, ok := strings.CutPrefix(err.Error(), ErrUnauthenticated.Error()+": "); ok {
			return reason
		}
		return "not authenticated"
	}
	return "forbidden"
}

func deny(id Identity, reason string, err error) error {
	return &DenialError{UserID: id.ID, Reason: reason, Err: err}
}

// RequireNotBanned fails when the identity is banned.
func RequireNotBanned(id Identity) error {
	if id.Status == StatusBanned {
		return deny(id, "banned", ErrBanned)
	}
	return nil
}

// RequireSelfOrAdmin fails unless the identity is an admin or is targetUserID.
func RequireSelfOrAdmin(id Identity, targetUserID int64) error {
	if id.IsAdmin() || id.ID == targetUserID {
		return nil
	}
	return deny(id, "not owner", ErrForbidden)
}

// RequireNotSelfReport fails when the identity would report itself.
func RequireNotSelfReport(id Identity, targetUserID int64) error {
	if id.ID == targetUserID {
		return deny(id, "self report", ErrSelfReport)
	}
	return nil
}

// RequireAdmin fails unless the identity is an admin.
func RequireAdmin(id Identity) error {
	if !id.IsAdmin() {
		return deny(id, "not admin", ErrForbidden)
	}
	return nil
}

// All runs the checks in order and returns the first failure.
func All(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
