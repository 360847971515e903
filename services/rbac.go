package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/vibekit/identity/core"
)

// RBAC stores named roles and permissions and answers permission checks.
// Grants and assignments are idempotent. Deleting a role or permission
// removes the links that reference it.
type RBAC struct {
	db    core.Database
	audit *AuditLogger
	log   *slog.Logger
	now   func() time.Time
}

func NewRBAC(db core.Database, audit *AuditLogger, log *slog.Logger) *RBAC {
	return &RBAC{db: db, audit: audit, log: orNoop(log), now: time.Now}
}

// CreateRole creates a role, or returns the existing one with that name.
func (r *RBAC) CreateRole(ctx context.Context, name, description string) (*core.Role, error) {
	id, created, err := r.createNamed(ctx, "roles", name, description)
	if err != nil {
		return nil, err
	}
	if created {
		r.audit.Log(ctx, ActionRoleCreate, AuditEntry{Metadata: map[string]any{"role": name}})
	}
	return r.role(ctx, r.db, "id = ?", id)
}

func (r *RBAC) GetRole(ctx context.Context, name string) (*core.Role, error) {
	return r.role(ctx, r.db, "name = ?", strings.TrimSpace(name))
}

func (r *RBAC) ListRoles(ctx context.Context) ([]*core.Role, error) {
	return r.roles(ctx, `SELECT id, name, description, created_at FROM roles ORDER BY name`)
}

// DeleteRole removes a role along with its grants and assignments.
func (r *RBAC) DeleteRole(ctx context.Context, name string) error {
	err := r.db.Transaction(ctx, func(tx core.Database) error {
		role, err := r.role(ctx, tx, "name = ?", name)
		if err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM role_permissions WHERE role_id = ?`,
			`DELETE FROM user_roles WHERE role_id = ?`,
			`DELETE FROM roles WHERE id = ?`,
		} {
			if _, err := tx.Exec(ctx, q, role.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.audit.Log(ctx, ActionRoleDelete, AuditEntry{Metadata: map[string]any{"role": name}})
	return nil
}

// CreatePermission creates a permission, or returns the existing one with
// that name.
func (r *RBAC) CreatePermission(ctx context.Context, name, description string) (*core.Permission, error) {
	id, created, err := r.createNamed(ctx, "permissions", name, description)
	if err != nil {
		return nil, err
	}
	if created {
		r.audit.Log(ctx, ActionPermissionCreate, AuditEntry{Metadata: map[string]any{"permission": name}})
	}
	return r.permission(ctx, r.db, "id = ?", id)
}

func (r *RBAC) ListPermissions(ctx context.Context) ([]*core.Permission, error) {
	return r.permissions(ctx, `SELECT id, name, description, created_at FROM permissions ORDER BY name`)
}

// DeletePermission removes a permission and revokes it from every role.
func (r *RBAC) DeletePermission(ctx context.Context, name string) error {
	err := r.db.Transaction(ctx, func(tx core.Database) error {
		perm, err := r.permission(ctx, tx, "name = ?", name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE permission_id = ?`, perm.ID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM permissions WHERE id = ?`, perm.ID)
		return err
	})
	if err != nil {
		return err
	}

	r.audit.Log(ctx, ActionPermissionDelete, AuditEntry{Metadata: map[string]any{"permission": name}})
	return nil
}

func (r *RBAC) GrantPermission(ctx context.Context, roleName, permissionName string) error {
	role, perm, err := r.resolvePair(ctx, roleName, permissionName)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		role.ID, perm.ID, millis(r.now()))
	if err != nil {
		return err
	}

	r.audit.Log(ctx, ActionPermissionGrant, AuditEntry{Metadata: map[string]any{"role": roleName, "permission": permissionName}})
	return nil
}

func (r *RBAC) RevokePermission(ctx context.Context, roleName, permissionName string) error {
	role, perm, err := r.resolvePair(ctx, roleName, permissionName)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = ? AND permission_id = ?`, role.ID, perm.ID); err != nil {
		return err
	}

	r.audit.Log(ctx, ActionPermissionRevoke, AuditEntry{Metadata: map[string]any{"role": roleName, "permission": permissionName}})
	return nil
}

func (r *RBAC) AssignRole(ctx context.Context, userID, roleName string) error {
	if _, err := findUser(ctx, r.db, "id = ?", userID); err != nil {
		return err
	}
	role, err := r.role(ctx, r.db, "name = ?", roleName)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		userID, role.ID, millis(r.now()))
	if err != nil {
		return err
	}

	r.audit.Log(ctx, ActionRoleAssign, AuditEntry{UserID: userID, Metadata: map[string]any{"role": roleName}})
	return nil
}

func (r *RBAC) RemoveRole(ctx context.Context, userID, roleName string) error {
	role, err := r.role(ctx, r.db, "name = ?", roleName)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, role.ID); err != nil {
		return err
	}

	r.audit.Log(ctx, ActionRoleRemove, AuditEntry{UserID: userID, Metadata: map[string]any{"role": roleName}})
	return nil
}

// UserHasPermission reports whether any of userID's roles grants permissionName.
func (r *RBAC) UserHasPermission(ctx context.Context, userID, permissionName string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN role_permissions rp ON rp.role_id = ur.role_id
			JOIN permissions p ON p.id = rp.permission_id
			WHERE ur.user_id = ? AND p.name = ?
		)`, userID, permissionName).Scan(&ok)
	return ok, err
}

func (r *RBAC) UserHasRole(ctx context.Context, userID, roleName string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_roles ur JOIN roles ro ON ro.id = ur.role_id
			WHERE ur.user_id = ? AND ro.name = ?
		)`, userID, roleName).Scan(&ok)
	return ok, err
}

func (r *RBAC) UserRoles(ctx context.Context, userID string) ([]*core.Role, error) {
	return r.roles(ctx,
		`SELECT ro.id, ro.name, ro.description, ro.created_at FROM roles ro
		JOIN user_roles ur ON ur.role_id = ro.id
		WHERE ur.user_id = ? ORDER BY ro.name`, userID)
}

// UserPermissions returns the distinct permissions granted to userID through
// any role.
func (r *RBAC) UserPermissions(ctx context.Context, userID string) ([]*core.Permission, error) {
	return r.permissions(ctx,
		`SELECT DISTINCT p.id, p.name, p.description, p.created_at FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = ? ORDER BY p.name`, userID)
}

func (r *RBAC) RolePermissions(ctx context.Context, roleName string) ([]*core.Permission, error) {
	if _, err := r.role(ctx, r.db, "name = ?", roleName); err != nil {
		return nil, err
	}
	return r.permissions(ctx,
		`SELECT p.id, p.name, p.description, p.created_at FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles ro ON ro.id = rp.role_id
		WHERE ro.name = ? ORDER BY p.name`, roleName)
}

func (r *RBAC) createNamed(ctx context.Context, table, name, description string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, core.ErrInvalidRequest.WithMessage("name must not be empty")
	}

	id := newID()
	n, err := r.db.Exec(ctx,
		`INSERT INTO `+table+` (id, name, description, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		id, name, description, millis(r.now()))
	if err != nil {
		return "", false, err
	}
	if n == 1 {
		return id, true, nil
	}

	if err := r.db.QueryRow(ctx, `SELECT id FROM `+table+` WHERE name = ?`, name).Scan(&id); err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (r *RBAC) resolvePair(ctx context.Context, roleName, permissionName string) (*core.Role, *core.Permission, error) {
	role, err := r.role(ctx, r.db, "name = ?", roleName)
	if err != nil {
		return nil, nil, err
	}
	perm, err := r.permission(ctx, r.db, "name = ?", permissionName)
	if err != nil {
		return nil, nil, err
	}
	return role, perm, nil
}

func (r *RBAC) role(ctx context.Context, db core.Database, where string, arg any) (*core.Role, error) {
	var (
		role      core.Role
		createdAt int64
	)
	err := db.QueryRow(ctx, `SELECT id, name, description, created_at FROM roles WHERE `+where, arg).
		Scan(&role.ID, &role.Name, &role.Description, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return nil, core.ErrRoleNotFound
		}
		return nil, err
	}
	role.CreatedAt = fromMillis(createdAt)
	return &role, nil
}

func (r *RBAC) permission(ctx context.Context, db core.Database, where string, arg any) (*core.Permission, error) {
	var (
		perm      core.Permission
		createdAt int64
	)
	err := db.QueryRow(ctx, `SELECT id, name, description, created_at FROM permissions WHERE `+where, arg).
		Scan(&perm.ID, &perm.Name, &perm.Description, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return nil, core.ErrPermissionNotFound
		}
		return nil, err
	}
	perm.CreatedAt = fromMillis(createdAt)
	return &perm, nil
}

func (r *RBAC) roles(ctx context.Context, query string, args ...any) ([]*core.Role, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Role
	for rows.Next() {
		var (
			role      core.Role
			createdAt int64
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &createdAt); err != nil {
			return nil, err
		}
		role.CreatedAt = fromMillis(createdAt)
		out = append(out, &role)
	}
	return out, rows.Err()
}

func (r *RBAC) permissions(ctx context.Context, query string, args ...any) ([]*core.Permission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Permission
	for rows.Next() {
		var (
			perm      core.Permission
			createdAt int64
		)
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description, &createdAt); err != nil {
			return nil, err
		}
		perm.CreatedAt = fromMillis(createdAt)
		out = append(out, &perm)
	}
	return out, rows.Err()
}
