package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibekit/identity/core"
)

func seedUsers(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	seed := []struct {
		email, name, role string
	}{
		{"ann@example.com", "Ann Admin", "admin"},
		{"ben@example.com", "Ben", "user"},
		{"cid@example.com", "Cid", "user"},
		{"dot@admin.example.com", "Dot", "user"},
		{"eli@example.com", "Eli", "user"},
	}
	for _, s := range seed {
		u := f.p.Users.newUser(s.email, s.name, nil, true)
		u.Role = s.role
		require.NoError(t, insertUser(ctx, f.db, u))
		f.clock.Advance(time.Minute)
	}
}

func emails(list *core.UserList) []string {
	out := make([]string, 0, len(list.Users))
	for _, u := range list.Users {
		out = append(out, u.Email)
	}
	return out
}

func TestUsers_List(t *testing.T) {
	f := newFixture(t)
	seedUsers(t, f)

	tests := []struct {
		name      string
		opts      core.ListUsersOptions
		want      []string
		wantTotal int64
	}{
		{
			name:      "newest first by default",
			opts:      core.ListUsersOptions{Limit: 2},
			want:      []string{"eli@example.com", "dot@admin.example.com"},
			wantTotal: 5,
		},
		{
			name:      "second page",
			opts:      core.ListUsersOptions{Page: 2, Limit: 2},
			want:      []string{"cid@example.com", "ben@example.com"},
			wantTotal: 5,
		},
		{
			name:      "sort by email ascending",
			opts:      core.ListUsersOptions{SortBy: "email", SortOrder: "asc", Limit: 3},
			want:      []string{"ann@example.com", "ben@example.com", "cid@example.com"},
			wantTotal: 5,
		},
		{
			name:      "unknown sort column falls back to creation time",
			opts:      core.ListUsersOptions{SortBy: "password_hash; DROP TABLE users", SortOrder: "ASC", Limit: 1},
			want:      []string{"ann@example.com"},
			wantTotal: 5,
		},
		{
			name:      "search matches name or email case-insensitively",
			opts:      core.ListUsersOptions{Search: "ADMIN", SortBy: "email", SortOrder: "asc"},
			want:      []string{"ann@example.com", "dot@admin.example.com"},
			wantTotal: 2,
		},
		{
			name:      "role filter",
			opts:      core.ListUsersOptions{Role: "admin"},
			want:      []string{"ann@example.com"},
			wantTotal: 1,
		},
		{
			name:      "page past the end",
			opts:      core.ListUsersOptions{Page: 9, Limit: 2},
			want:      []string{},
			wantTotal: 5,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			list, err := f.p.ListUsers(context.Background(), test.opts)
			require.NoError(t, err)
			assert.Equal(t, test.want, emails(list))
			assert.Equal(t, test.wantTotal, list.Total)
		})
	}
}

func TestUsers_ListDefaults(t *testing.T) {
	f := newFixture(t)

	list, err := f.p.ListUsers(context.Background(), core.ListUsersOptions{Page: -1, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, maxListLimit, list.Limit)
	assert.NotNil(t, list.Users)

	list, err = f.p.ListUsers(context.Background(), core.ListUsersOptions{})
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, list.Limit)
}

func TestUsers_Update(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signUp(t, "fay@example.com")

	name, role, image := "Fay", "admin", "https://cdn.example.com/fay.png"
	user, err := f.p.UpdateUser(ctx, res.User.ID, core.UserUpdate{Name: &name, Role: &role, Image: &image})
	require.NoError(t, err)
	assert.Equal(t, "Fay", user.Name)
	assert.Equal(t, "admin", user.Role)
	require.NotNil(t, user.Image)
	assert.Equal(t, image, *user.Image)

	// The session survives a non-ban update
	_, err = f.p.GetSession(ctx, res.Token)
	assert.NoError(t, err)

	empty := " "
	_, err = f.p.UpdateUser(ctx, res.User.ID, core.UserUpdate{Role: &empty})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = f.p.UpdateUser(ctx, "ghost", core.UserUpdate{Name: &name})
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestUsers_BanRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signUp(t, "gus@example.com")

	banned := true
	user, err := f.p.UpdateUser(ctx, res.User.ID, core.UserUpdate{Banned: &banned})
	require.NoError(t, err)
	assert.True(t, user.Banned)

	_, err = f.p.GetSession(ctx, res.Token)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, res.User.ID))

	events, err := f.p.Audit.List(ctx, res.User.ID, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ActionUserBan)

	// Unbanned users can sign in again
	banned = false
	_, err = f.p.UpdateUser(ctx, res.User.ID, core.UserUpdate{Banned: &banned})
	require.NoError(t, err)
	_, err = f.p.SignIn(ctx, "gus@example.com", "correct horse", meta)
	assert.NoError(t, err)
}

func TestUsers_DeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	victim := f.signUp(t, "hal@example.com")
	bystander := f.signUp(t, "ida@example.com")

	_, err := f.p.MFA.Enroll(ctx, victim.User.ID, "")
	require.NoError(t, err)
	_, err = f.p.RBAC.CreateRole(ctx, "staff", "")
	require.NoError(t, err)
	require.NoError(t, f.p.RBAC.AssignRole(ctx, victim.User.ID, "staff"))
	require.NoError(t, f.p.RBAC.AssignRole(ctx, bystander.User.ID, "staff"))
	require.NoError(t, f.p.SendCode(ctx, "hal@example.com"))
	require.NoError(t, f.p.SendMagicLink(ctx, "hal@example.com", ""))
	require.NoError(t, f.p.RequestPasswordReset(ctx, "hal@example.com"))
	require.NoError(t, f.p.Phone.SendCode(ctx, "+15553334444"))
	require.NoError(t, f.p.Phone.VerifyPhone(ctx, victim.User.ID, "+15553334444", lastCode(t, f.sms)))
	require.NoError(t, f.p.Phone.SendCode(ctx, "+15553334444"))

	require.NoError(t, f.p.DeleteUser(ctx, victim.User.ID))

	for _, q := range []string{
		`SELECT COUNT(*) FROM users WHERE id = ?`,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`,
		`SELECT COUNT(*) FROM password_credentials WHERE user_id = ?`,
		`SELECT COUNT(*) FROM mfa_factors WHERE user_id = ?`,
		`SELECT COUNT(*) FROM user_roles WHERE user_id = ?`,
	} {
		assert.Zero(t, countRows(t, f.db, q, victim.User.ID), q)
	}
	for _, q := range []string{
		`SELECT COUNT(*) FROM auth_codes WHERE email = ?`,
		`SELECT COUNT(*) FROM magic_links WHERE email = ?`,
		`SELECT COUNT(*) FROM password_reset_tokens WHERE email = ?`,
	} {
		assert.Zero(t, countRows(t, f.db, q, "hal@example.com"), q)
	}
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM phone_codes WHERE phone_number = ?`, "+15553334444"))
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM mfa_backup_codes`))

	_, err = f.p.GetSession(ctx, victim.Token)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = f.p.GetSession(ctx, bystander.Token)
	assert.NoError(t, err)
	ok, err := f.p.RBAC.UserHasRole(ctx, bystander.User.ID, "staff")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, f.p.DeleteUser(ctx, victim.User.ID), core.ErrUserNotFound)
}

func TestUsers_ResolveConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.p.Users.Resolve(ctx, "jo@example.com", MethodEmailCode)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.p.Users.Resolve(ctx, "jo@example.com", MethodMagicLink)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.p.Users.ByEmail(ctx, "JO@example.com")
	assert.NoError(t, err)
	_, err = f.p.Users.ByEmail(ctx, "jo")
	assert.ErrorIs(t, err, core.ErrInvalidEmail)
}
