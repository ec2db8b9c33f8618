package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// RoleChange reports a completed role change.
type RoleChange struct {
	Username  string    `json:"username"`
	OldRole   Role      `json:"old_role"`
	NewRole   Role      `json:"new_role"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	User      *UserView `json:"user"`
}

// StatusChange reports a completed activation toggle.
type StatusChange struct {
	Username  string    `json:"username"`
	OldActive bool      `json:"old_active"`
	NewActive bool      `json:"new_active"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	User      *UserView `json:"user"`
}

// ProfileUpdate holds the profile fields a user may change on their own
// account. Nil fields are left alone.
type ProfileUpdate struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Email     *string `json:"email"`
}

// AdminUserUpdate is the admin edit of another account.
type AdminUserUpdate struct {
	FirstName   *string   `json:"first_name"`
	LastName    *string   `json:"last_name"`
	Email       *string   `json:"email"`
	Role        *Role     `json:"role"`
	IsActive    *bool     `json:"is_active"`
	Permissions *[]string `json:"permissions"`
}

// ProfileChange reports which fields an update changed. UpdatedFields is
// empty when the request matched the stored values, in which case nothing was
// written.
type ProfileChange struct {
	UpdatedFields []string  `json:"updated_fields"`
	Before        *UserView `json:"-"`
	User          *UserView `json:"user"`
}

// PasswordChange is a password change request.
type PasswordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Stats summarizes the user base for the dashboards.
type Stats struct {
	TotalUsers     int          `json:"total_users"`
	ActiveUsers    int          `json:"active_users"`
	ActiveSessions int          `json:"active_sessions"`
	RoleCounts     map[Role]int `json:"role_counts"`
	RecentUsers    []*UserView  `json:"recent_users"`
}

const recentUsersLimit = 5

// fetchUser loads username fresh from storage.
func (a *AccountService) fetchUser(ctx context.Context, username string) (*User, error) {
	user, err := a.storage.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, a.storageErr("get user by username", err)
	}
	if user == nil {
		return nil, &NotFoundError{Entity: "user"}
	}
	return user, nil
}

// ChangeRole sets the role of username. Only admins may call it and never on
// their own account.
func (a *AccountService) ChangeRole(ctx context.Context, actor *User, username string, role Role) (*RoleChange, error) {
	if err := authorize(actor, AdminOnly()); err != nil {
		return nil, err
	}

	target, err := a.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}

	if err := ensureNotSelf(actor, target, "You cannot change your own role"); err != nil {
		return nil, err
	}

	return a.setRole(ctx, actor.Username, target, role)
}

// SetRole is the trusted role change used by operator tooling.
func (a *AccountService) SetRole(ctx context.Context, username string, role Role) (*RoleChange, error) {
	target, err := a.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return a.setRole(ctx, "system", target, role)
}

func (a *AccountService) setRole(ctx context.Context, changedBy string, target *User, role Role) (*RoleChange, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, NewValidationError("role", "Invalid role")
	}
	if target.Role == role {
		return nil, NewValidationError("role", fmt.Sprintf("User %s already has this role (%s)", target.Username, role.DisplayName()))
	}

	oldRole := target.Role
	target.Role = role
	if err := a.saveUser(ctx, target); err != nil {
		return nil, err
	}

	slog.Info("User role changed",
		"changed_by", changedBy,
		"username", target.Username,
		"old_role", oldRole,
		"new_role", role)

	return &RoleChange{
		Username:  target.Username,
		OldRole:   oldRole,
		NewRole:   role,
		ChangedBy: changedBy,
		ChangedAt: target.UpdatedAt,
		User:      NewUserView(target),
	}, nil
}

// ToggleStatus flips the active flag of username. Deactivated users can no
// longer sign in and their sessions stop resolving.
func (a *AccountService) ToggleStatus(ctx context.Context, actor *User, username string) (*StatusChange, error) {
	if err := authorize(actor, AdminOnly()); err != nil {
		return nil, err
	}

	target, err := a.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}

	if err := ensureNotSelf(actor, target, "You cannot change your own active status"); err != nil {
		return nil, err
	}

	oldActive := target.IsActive
	target.IsActive = !oldActive
	if err := a.saveUser(ctx, target); err != nil {
		return nil, err
	}

	slog.Info("User status changed",
		"changed_by", actor.Username,
		"username", target.Username,
		"is_active", target.IsActive)

	return &StatusChange{
		Username:  target.Username,
		OldActive: oldActive,
		NewActive: target.IsActive,
		ChangedBy: actor.Username,
		ChangedAt: target.UpdatedAt,
		User:      NewUserView(target),
	}, nil
}

// UpdateProfile changes the actor's own names and email.
func (a *AccountService) UpdateProfile(ctx context.Context, actor *User, update ProfileUpdate) (*ProfileChange, error) {
	if err := authorize(actor, Authenticated()); err != nil {
		return nil, err
	}

	target, err := a.fetchUser(ctx, actor.Username)
	if err != nil {
		return nil, err
	}
	before := NewUserView(target)

	verr := &ValidationError{}
	fields, err := a.applyProfile(ctx, target, update, verr)
	if err != nil {
		return nil, err
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	return a.finishUpdate(ctx, actor, target, before, fields)
}

// AdminUpdateUser edits another account: profile fields, role, active flag
// and permission set. Role and status of the actor's own account cannot be
// changed here either.
func (a *AccountService) AdminUpdateUser(ctx context.Context, actor *User, username string, update AdminUserUpdate) (*ProfileChange, error) {
	if err := authorize(actor, AdminOnly()); err != nil {
		return nil, err
	}

	target, err := a.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}
	before := NewUserView(target)

	verr := &ValidationError{}
	fields, err := a.applyProfile(ctx, target, ProfileUpdate{
		FirstName: update.FirstName,
		LastName:  update.LastName,
		Email:     update.Email,
	}, verr)
	if err != nil {
		return nil, err
	}

	if update.Role != nil && *update.Role != target.Role {
		if err := ensureNotSelf(actor, target, "You cannot change your own role"); err != nil {
			return nil, err
		}
		if *update.Role != RoleUser && *update.Role != RoleAdmin {
			verr.Add("role", "Invalid role")
		} else {
			target.Role = *update.Role
			fields = append(fields, "role")
		}
	}

	if update.IsActive != nil && *update.IsActive != target.IsActive {
		if err := ensureNotSelf(actor, target, "You cannot change your own active status"); err != nil {
			return nil, err
		}
		target.IsActive = *update.IsActive
		fields = append(fields, "is_active")
	}

	if update.Permissions != nil {
		perms := cleanPermissions(*update.Permissions)
		if !slices.Equal(perms, target.Permissions) {
			target.Permissions = perms
			fields = append(fields, "permissions")
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	return a.finishUpdate(ctx, actor, target, before, fields)
}

// GrantPermission adds perm to the permission set of username. Granting a
// permission the user already holds changes nothing.
func (a *AccountService) GrantPermission(ctx context.Context, actor *User, username, perm string) (*ProfileChange, error) {
	return a.editPermissions(ctx, actor, username, perm, func(perms []string, perm string) []string {
		for _, p := range perms {
			if p == perm {
				return perms
			}
		}
		return append(perms, perm)
	})
}

// RevokePermission removes perm from the permission set of username.
func (a *AccountService) RevokePermission(ctx context.Context, actor *User, username, perm string) (*ProfileChange, error) {
	return a.editPermissions(ctx, actor, username, perm, func(perms []string, perm string) []string {
		kept := make([]string, 0, len(perms))
		for _, p := range perms {
			if p != perm {
				kept = append(kept, p)
			}
		}
		return kept
	})
}

func (a *AccountService) editPermissions(ctx context.Context, actor *User, username, perm string, edit func([]string, string) []string) (*ProfileChange, error) {
	if err := authorize(actor, AdminOnly()); err != nil {
		return nil, err
	}

	perm = strings.TrimSpace(perm)
	if perm == "" {
		return nil, NewValidationError("permission", "Permission is required")
	}

	target, err := a.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}
	before := NewUserView(target)

	current := append([]string(nil), target.Permissions...)
	updated := edit(current, perm)

	var fields []string
	if !slices.Equal(updated, target.Permissions) {
		target.Permissions = updated
		fields = append(fields, "permissions")
	}

	return a.finishUpdate(ctx, actor, target, before, fields)
}

// finishUpdate persists target when fields is non-empty and builds the report.
func (a *AccountService) finishUpdate(ctx context.Context, actor, target *User, before *UserView, fields []string) (*ProfileChange, error) {
	if len(fields) == 0 {
		slog.Debug("Update requested without changes", "username", target.Username)
		return &ProfileChange{UpdatedFields: []string{}, Before: before, User: before}, nil
	}

	if err := a.saveUser(ctx, target); err != nil {
		return nil, err
	}

	slog.Info("User updated",
		"changed_by", actor.Username,
		"username", target.Username,
		"updated_fields", fields)

	return &ProfileChange{UpdatedFields: fields, Before: before, User: NewUserView(target)}, nil
}

// applyProfile validates the profile fields of update and applies the changed
// ones to target, collecting messages in verr. It returns the names of the
// fields that differ from the stored values.
func (a *AccountService) applyProfile(ctx context.Context, target *User, update ProfileUpdate, verr *ValidationError) ([]string, error) {
	var fields []string

	applyName := func(field, label string, value *string, current *string) {
		if value == nil {
			return
		}
		name := strings.TrimSpace(*value)
		switch {
		case name == "":
			verr.Add(field, label+" cannot be empty")
		case utf8.RuneCountInString(name) > maxNameLen:
			verr.Add(field, fmt.Sprintf("%s must be at most %d characters long", label, maxNameLen))
		case name != *current:
			*current = name
			fields = append(fields, field)
		}
	}
	applyName("first_name", "First name", update.FirstName, &target.FirstName)
	applyName("last_name", "Last name", update.LastName, &target.LastName)

	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		switch {
		case email == "":
			verr.Add("email", "Email cannot be empty")
		case !validEmail(email):
			verr.Add("email", "Enter a valid email address")
		case email != target.Email:
			owner, err := a.storage.GetUserByEmail(ctx, email)
			if err != nil {
				return nil, a.storageErr("get user by email", err)
			}
			if owner != nil && owner.ID != target.ID {
				verr.Add("email", "This email address is already in use")
			} else {
				target.Email = email
				fields = append(fields, "email")
			}
		}
	}

	return fields, nil
}

// ChangePassword replaces the actor's password after checking the current
// one. The session identified by currentToken is destroyed on success, so the
// user has to sign in again.
func (a *AccountService) ChangePassword(ctx context.Context, actor *User, currentToken string, change PasswordChange) error {
	if err := authorize(actor, Authenticated()); err != nil {
		return err
	}

	target, err := a.fetchUser(ctx, actor.Username)
	if err != nil {
		return err
	}

	verr := &ValidationError{}

	if change.CurrentPassword == "" {
		verr.Add("current_password", "Current password is required")
	} else if !checkPasswordHash(change.CurrentPassword, target.PasswordHash) {
		verr.Add("current_password", "Current password is incorrect")
	}

	if change.NewPassword == "" {
		verr.Add("new_password", "New password is required")
	} else {
		for _, msg := range validatePasswordStrength(change.NewPassword, a.securityConfig) {
			verr.Add("new_password", msg)
		}
		if change.NewPassword == change.CurrentPassword {
			verr.Add("new_password", "New password must differ from the current password")
		}
	}

	if change.ConfirmPassword == "" {
		verr.Add("confirm_password", "Please confirm the new password")
	} else if change.ConfirmPassword != change.NewPassword {
		verr.Add("confirm_password", "Passwords do not match")
	}

	if err := verr.OrNil(); err != nil {
		return err
	}

	hashedPassword, err := hashPassword(change.NewPassword, a.securityConfig.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	target.PasswordHash = hashedPassword
	if err := a.saveUser(ctx, target); err != nil {
		return err
	}

	slog.Info("Password changed", "user_id", target.ID)

	if err := a.DestroySession(ctx, target.Username, currentToken); err != nil {
		slog.Error("Failed to end session after password change", "user_id", target.ID, "error", err)
	}
	return nil
}

// ListUsers returns the accounts matching filter. Admin only.
func (a *AccountService) ListUsers(ctx context.Context, actor *User, filter UserFilter) ([]*User, error) {
	if err := authorize(actor, AdminOnly()); err != nil {
		return nil, err
	}
	users, err := a.storage.ListUsers(ctx, filter)
	if err != nil {
		return nil, a.storageErr("list users", err)
	}
	return users, nil
}

// Stats collects the dashboard counters.
func (a *AccountService) Stats(ctx context.Context) (*Stats, error) {
	total, err := a.storage.CountUsers(ctx, UserFilter{})
	if err != nil {
		return nil, a.storageErr("count users", err)
	}

	active := true
	activeUsers, err := a.storage.CountUsers(ctx, UserFilter{Active: &active})
	if err != nil {
		return nil, a.storageErr("count users", err)
	}

	sessions, err := a.storage.CountSessions(ctx)
	if err != nil {
		return nil, a.storageErr("count sessions", err)
	}

	roleCounts := make(map[Role]int, len(Roles()))
	for _, role := range Roles() {
		n, err := a.storage.CountUsers(ctx, UserFilter{Role: &role})
		if err != nil {
			return nil, a.storageErr("count users", err)
		}
		roleCounts[role] = n
	}

	recent, err := a.storage.ListUsers(ctx, UserFilter{OrderBy: OrderByDateJoinedDesc, Limit: recentUsersLimit})
	if err != nil {
		return nil, a.storageErr("list users", err)
	}

	views := make([]*UserView, 0, len(recent))
	for _, u := range recent {
		views = append(views, NewUserView(u))
	}

	return &Stats{
		TotalUsers:     total,
		ActiveUsers:    activeUsers,
		ActiveSessions: sessions,
		RoleCounts:     roleCounts,
		RecentUsers:    views,
	}, nil
}

// cleanPermissions trims tokens and drops empties and duplicates, keeping
// first-seen order.
func cleanPermissions(perms []string) []string {
	seen := make(map[string]bool, len(perms))
	cleaned := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		cleaned = append(cleaned, p)
	}
	return cleaned
}
