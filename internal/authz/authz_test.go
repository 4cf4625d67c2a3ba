package authz

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = Identity{ID: 1, Nickname: "alice", Status: StatusActive, UserType: UserTypeNormal}
	banned = Identity{ID: 7, Nickname: "mallory", Status: StatusBanned, UserType: UserTypeNormal}
	admin  = Identity{ID: 99, Nickname: "root", Status: StatusActive, UserType: UserTypeAdmin}
	mgr    = Identity{ID: 50, Nickname: "manager", Status: StatusActive, UserType: UserTypeManager}
)

func TestRequireNotBanned(t *testing.T) {
	assert.NoError(t, RequireNotBanned(alice))
	assert.NoError(t, RequireNotBanned(admin))

	err := RequireNotBanned(banned)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrSelfReport)

	var denial *DenialError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, int64(7), denial.UserID)
	assert.Equal(t, "banned", denial.Reason)
}

func TestRequireSelfOrAdmin(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		target  int64
		wantErr bool
	}{
		{"self", alice, 1, false},
		{"other", alice, 2, true},
		{"admin on other", admin, 2, false},
		{"manager is not admin", mgr, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireSelfOrAdmin(tt.id, tt.target)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrForbidden)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequireNotSelfReport(t *testing.T) {
	assert.NoError(t, RequireNotSelfReport(alice, 2))

	err := RequireNotSelfReport(alice, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSelfReport)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, "You can't report yourself", Message(err))

	// admins cannot report themselves either
	assert.ErrorIs(t, RequireNotSelfReport(admin, 99), ErrSelfReport)
}

func TestRequireAdmin(t *testing.T) {
	assert.NoError(t, RequireAdmin(admin))
	assert.ErrorIs(t, RequireAdmin(alice), ErrForbidden)
	assert.ErrorIs(t, RequireAdmin(mgr), ErrForbidden)
	assert.Equal(t, "forbidden", Message(RequireAdmin(alice)))
}

func TestAll_StopsAtFirstFailure(t *testing.T) {
	calls := 0
	err := All(
		func() error { calls++; return RequireNotBanned(banned) },
		func() error { calls++; return RequireNotSelfReport(banned, 7) },
	)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrSelfReport)
	assert.Equal(t, 1, calls)

	assert.NoError(t, All(
		func() error { return RequireNotBanned(alice) },
		func() error { return RequireNotSelfReport(alice, 2) },
	))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "forbidden", Message(RequireNotBanned(banned)))
	assert.ErrorIs(t, RequireNotBanned(banned), ErrBanned)
	assert.Equal(t, "user not found", Message(fmt.Errorf("%w: user not found", ErrUnauthenticated)))
	assert.Equal(t, "not authenticated", Message(ErrUnauthenticated))
}
