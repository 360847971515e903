package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
)

const userColumns = "id, email, name, image, phone, role, email_verified, phone_verified, banned, login_count, last_login_at, created_at, updated_at"

const defaultRole = "user"

// sortColumns whitelists the columns ListUsers may order by.
var sortColumns = map[string]string{
	"createdAt":     "created_at",
	"created_at":    "created_at",
	"email":         "email",
	"name":          "name",
	"lastLoginAt":   "last_login_at",
	"last_login_at": "last_login_at",
	"loginCount":    "login_count",
	"login_count":   "login_count",
}

// Users is the user directory. Lookups, creation and administrative updates
// all go through it.
type Users struct {
	db            core.Database
	audit         *AuditLogger
	disableSignup bool
	log           *slog.Logger
	now           func() time.Time
}

func NewUsers(db core.Database, audit *AuditLogger, disableSignup bool, log *slog.Logger) *Users {
	return &Users{db: db, audit: audit, disableSignup: disableSignup, log: orNoop(log), now: time.Now}
}

func (u *Users) ByID(ctx context.Context, id string) (*core.User, error) {
	return findUser(ctx, u.db, "id = ?", id)
}

func (u *Users) ByEmail(ctx context.Context, email string) (*core.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return findUser(ctx, u.db, "email = ?", email)
}

// ByVerifiedPhone finds the user whose verified phone is phone.
func (u *Users) ByVerifiedPhone(ctx context.Context, phone string) (*core.User, error) {
	return findUser(ctx, u.db, "phone = ? AND phone_verified = TRUE", phone)
}

// Resolve finds the user owning a just-proven email address, creating one
// when signup is allowed. email must already be normalized. The address is
// marked verified either way; method is recorded on the signup audit event.
func (u *Users) Resolve(ctx context.Context, email, method string) (*core.User, bool, error) {
	user, err := findUser(ctx, u.db, "email = ?", email)
	switch {
	case err == nil:
		if !user.EmailVerified {
			if err := u.markEmailVerified(ctx, user); err != nil {
				return nil, false, err
			}
		}
		return user, false, nil
	case !errors.Is(err, core.ErrUserNotFound):
		return nil, false, err
	}

	if u.disableSignup {
		return nil, false, core.ErrSignupDisabled
	}

	user = u.newUser(email, "", nil, true)
	// Concurrent first logins for the same address must converge on one row.
	n, err := u.db.Exec(ctx, insertUserSQL+` ON CONFLICT (email) DO NOTHING`, insertUserArgs(user)...)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		user, err = findUser(ctx, u.db, "email = ?", email)
		return user, false, err
	}

	u.log.Info("user created", "user_id", user.ID, "method", method)
	u.audit.Log(ctx, ActionUserSignup, AuditEntry{UserID: user.ID, Metadata: map[string]any{"method": method}})
	return user, true, nil
}

func (u *Users) markEmailVerified(ctx context.Context, user *core.User) error {
	now := u.now()
	if _, err := u.db.Exec(ctx, `UPDATE users SET email_verified = TRUE, updated_at = ? WHERE id = ?`, millis(now), user.ID); err != nil {
		return err
	}
	user.EmailVerified = true
	user.UpdatedAt = now
	return nil
}

func (u *Users) newUser(email, name string, image *string, verified bool) *core.User {
	now := u.now()
	return &core.User{
		ID:            newID(),
		Email:         email,
		Name:          name,
		Image:         image,
		Role:          defaultRole,
		EmailVerified: verified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RecordLogin bumps the login counter and last-login timestamp.
func (u *Users) RecordLogin(ctx context.Context, user *core.User) error {
	now := u.now()
	_, err := u.db.Exec(ctx,
		`UPDATE users SET login_count = login_count + 1, last_login_at = ?, updated_at = ? WHERE id = ?`,
		millis(now), millis(now), user.ID)
	if err != nil {
		return err
	}

	user.LoginCount++
	user.LastLoginAt = &now
	user.UpdatedAt = now
	return nil
}

// Update applies the non-nil fields of upd and returns the stored user.
func (u *Users) Update(ctx context.Context, id string, upd core.UserUpdate) (*core.User, error) {
	var (
		sets []string
		args []any
	)
	if upd.Name != nil {
		sets, args = append(sets, "name = ?"), append(args, *upd.Name)
	}
	if upd.Image != nil {
		sets, args = append(sets, "image = ?"), append(args, database.NullString(*upd.Image))
	}
	if upd.Role != nil {
		role := strings.TrimSpace(*upd.Role)
		if role == "" {
			return nil, core.ErrInvalidRequest.WithMessage("role must not be empty")
		}
		sets, args = append(sets, "role = ?"), append(args, role)
	}
	if upd.EmailVerified != nil {
		sets, args = append(sets, "email_verified = ?"), append(args, *upd.EmailVerified)
	}
	if upd.Banned != nil {
		sets, args = append(sets, "banned = ?"), append(args, *upd.Banned)
	}

	if len(sets) == 0 {
		return u.ByID(ctx, id)
	}

	sets, args = append(sets, "updated_at = ?"), append(args, millis(u.now()))
	args = append(args, id)

	n, err := u.db.Exec(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, core.ErrUserNotFound
	}
	return u.ByID(ctx, id)
}

// List pages through users. Page defaults to 1 and limit to 20 (capped at
// 100). Search matches email or name case-insensitively.
func (u *Users) List(ctx context.Context, opts core.ListUsersOptions) (*core.UserList, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}

	var (
		where []string
		args  []any
	)
	if opts.Role != "" {
		where, args = append(where, "role = ?"), append(args, opts.Role)
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		pattern := "%" + strings.ToLower(s) + "%"
		where, args = append(where, "(LOWER(email) LIKE ? OR LOWER(name) LIKE ?)"), append(args, pattern, pattern)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := u.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+clause, args...).Scan(&total); err != nil {
		return nil, err
	}

	column, ok := sortColumns[opts.SortBy]
	if !ok {
		column = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		order = "ASC"
	}

	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`, userColumns, clause, column, order, order)
	rows, err := u.db.Query(ctx, query, append(args, opts.Limit, (opts.Page-1)*opts.Limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := &core.UserList{Users: []*core.User{}, Total: total, Page: opts.Page, Limit: opts.Limit}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		list.Users = append(list.Users, user)
	}
	return list, rows.Err()
}

// Delete removes a user and everything that hangs off it.
func (u *Users) Delete(ctx context.Context, id string) error {
	return u.db.Transaction(ctx, func(tx core.Database) error {
		user, err := findUser(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}

		cascade := []struct {
			query string
			arg   string
		}{
			{`DELETE FROM sessions WHERE user_id = ?`, id},
			{`DELETE FROM password_credentials WHERE user_id = ?`, id},
			{`DELETE FROM mfa_backup_codes WHERE factor_id IN (SELECT id FROM mfa_factors WHERE user_id = ?)`, id},
			{`DELETE FROM mfa_factors WHERE user_id = ?`, id},
			{`DELETE FROM passkey_credentials WHERE user_id = ?`, id},
			{`DELETE FROM passkey_challenges WHERE user_id = ?`, id},
			{`DELETE FROM user_roles WHERE user_id = ?`, id},
			{`DELETE FROM auth_codes WHERE email = ?`, user.Email},
			{`DELETE FROM magic_links WHERE email = ?`, user.Email},
			{`DELETE FROM password_reset_tokens WHERE email = ?`, user.Email},
		}
		if user.Phone != nil {
			cascade = append(cascade, struct {
				query string
				arg   string
			}{`DELETE FROM phone_codes WHERE phone_number = ?`, *user.Phone})
		}
		cascade = append(cascade, struct {
			query string
			arg   string
		}{`DELETE FROM users WHERE id = ?`, id})
		for _, c := range cascade {
			if _, err := tx.Exec(ctx, c.query, c.arg); err != nil {
				return err
			}
		}
		return nil
	})
}

const insertUserSQL = `INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertUserArgs(u *core.User) []any {
	var image, phone any
	if u.Image != nil {
		image = *u.Image
	}
	if u.Phone != nil {
		phone = *u.Phone
	}
	var lastLogin any
	if u.LastLoginAt != nil {
		lastLogin = millis(*u.LastLoginAt)
	}
	return []any{
		u.ID, u.Email, u.Name, image, phone, u.Role,
		u.EmailVerified, u.PhoneVerified, u.Banned, u.LoginCount, lastLogin,
		millis(u.CreatedAt), millis(u.UpdatedAt),
	}
}

func insertUser(ctx context.Context, db core.Database, u *core.User) error {
	_, err := db.Exec(ctx, insertUserSQL, insertUserArgs(u)...)
	return err
}

// findUser loads one user matching where. Missing users are
// core.ErrUserNotFound.
func findUser(ctx context.Context, db core.Database, where string, args ...any) (*core.User, error) {
	user, err := scanUser(db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, core.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func scanUser(row core.Row) (*core.User, error) {
	var (
		u                    core.User
		lastLogin            *int64
		createdAt, updatedAt int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Phone, &u.Role,
		&u.EmailVerified, &u.PhoneVerified, &u.Banned, &u.LoginCount, &lastLogin,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	u.LastLoginAt = database.FromNullMillis(lastLogin)
	u.CreatedAt = database.FromMillis(createdAt)
	u.UpdatedAt = database.FromMillis(updatedAt)
	return &u, nil
}
