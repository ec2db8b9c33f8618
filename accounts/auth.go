package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionTokenBytes = 32
	maxClientAgentLen = 512
)

// RegisterInput is the data needed to create an account.
type RegisterInput struct {
	Username        string `json:"username" validate:"required,min=3,max=150,username"`
	Email           string `json:"email" validate:"required,max=254,account_email"`
	FirstName       string `json:"first_name" validate:"required,max=30"`
	LastName        string `json:"last_name" validate:"required,max=30"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"omitempty,eqfield=Password"`
	Role            Role   `json:"role"`
}

// Register creates an account on behalf of actor, which is nil for anonymous
// sign-ups. Only an admin actor can create admin accounts: an anonymous request
// for RoleAdmin is downgraded to RoleUser, a signed-in non-admin asking for it
// gets a ValidationError.
func (a *AccountService) Register(ctx context.Context, actor *User, in RegisterInput) (*User, error) {
	if in.Role == RoleAdmin && !IsAdmin(actor) {
		if actor != nil {
			return nil, NewValidationError("role", "Only administrators can create administrator accounts")
		}
		in.Role = RoleUser
	}
	return a.CreateUser(ctx, in)
}

// CreateUser validates and stores a new account with the role given in in.
// It is the trusted path used by the admin tooling; HTTP callers go through
// Register.
func (a *AccountService) CreateUser(ctx context.Context, in RegisterInput) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	verr := a.validateStruct(in)
	if in.Password != "" {
		for _, msg := range validatePasswordStrength(in.Password, a.securityConfig) {
			verr.Add("password", msg)
		}
	}

	if !verr.Has("username") {
		existing, err := a.storage.GetUserByUsername(ctx, in.Username)
		if err != nil {
			return nil, a.storageErr("get user by username", err)
		}
		if existing != nil {
			verr.Add("username", "A user with that username already exists")
		}
	}

	if !verr.Has("email") {
		existing, err := a.storage.GetUserByEmail(ctx, in.Email)
		if err != nil {
			return nil, a.storageErr("get user by email", err)
		}
		if existing != nil {
			verr.Add("email", "This email address is already in use")
		}
	}

	if err := verr.OrNil(); err != nil {
		slog.Debug("Registration validation failed", "username", in.Username, "error", err)
		return nil, err
	}

	hashedPassword, err := hashPassword(in.Password, a.securityConfig.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := a.now()
	user := &User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hashedPassword,
		Role:         in.Role,
		Permissions:  []string{},
		IsActive:     true,
		IsVerified:   false,
		DateJoined:   now,
		UpdatedAt:    now,
	}

	if err := a.insertUser(ctx, user); err != nil {
		return nil, err
	}

	slog.Info("User registered", "user_id", user.ID, "username", user.Username, "role", user.Role)
	return user, nil
}

// insertUser stores user, reporting a lost uniqueness race as a
// ValidationError on the conflicting field.
func (a *AccountService) insertUser(ctx context.Context, user *User) error {
	err := a.storage.CreateUser(ctx, user)
	if err == nil {
		return nil
	}
	if verr := duplicateToValidation(err); verr != nil {
		return verr
	}
	return a.storageErr("create user", err)
}

// saveUser persists changes to an existing user.
func (a *AccountService) saveUser(ctx context.Context, user *User) error {
	user.UpdatedAt = a.now()
	err := a.storage.UpdateUser(ctx, user)
	if err == nil {
		return nil
	}
	if verr := duplicateToValidation(err); verr != nil {
		return verr
	}
	return a.storageErr("update user", err)
}

func duplicateToValidation(err error) *ValidationError {
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		return nil
	}
	switch dup.Field {
	case "email":
		return NewValidationError("email", "This email address is already in use")
	case "username":
		return NewValidationError("username", "A user with that username already exists")
	default:
		return NewValidationError(dup.Field, "Value is already in use")
	}
}

// Authenticate verifies a username and password. Unknown usernames and wrong
// passwords both yield ErrInvalidCredentials. On success LastLogin is updated.
func (a *AccountService) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := a.storage.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, a.storageErr("get user by username", err)
	}

	if user == nil {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(password))
		slog.Debug("Login attempt for unknown username")
		return nil, ErrInvalidCredentials
	}

	if !checkPasswordHash(password, user.PasswordHash) {
		slog.Debug("Invalid password", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		slog.Debug("Login attempt on inactive account", "user_id", user.ID)
		return nil, ErrAccountDisabled
	}

	now := a.now()
	if err := a.storage.UpdateLastLogin(ctx, user.ID, now); err != nil {
		slog.Error("Failed to update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLogin = &now
	}

	return user, nil
}

// CreateSession issues a new opaque session token for user and stores the
// session. The caller binds the returned token to its own request storage.
func (a *AccountService) CreateSession(ctx context.Context, user *User, clientIP, clientAgent string) (string, error) {
	if user == nil {
		return "", ErrUnauthenticated
	}

	token, err := generateSecureToken(sessionTokenBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	if len(clientAgent) > maxClientAgentLen {
		clientAgent = clientAgent[:maxClientAgentLen]
	}

	now := a.now()
	session := &Session{
		ID:           uuid.NewString(),
		Username:     user.Username,
		Token:        token,
		CreatedAt:    now,
		LastActivity: now,
		ClientIP:     clientIP,
		ClientAgent:  clientAgent,
	}

	if err := a.storage.CreateSession(ctx, session); err != nil {
		return "", a.storageErr("create session", err)
	}

	slog.Info("Session created", "username", user.Username, "ip_address", clientIP)
	return token, nil
}

// ResolveSession returns the user owning the session identified by username
// and token, refreshing the session's activity time. It returns
// ErrInvalidSession when the pair matches no live session or the account is
// gone or disabled.
func (a *AccountService) ResolveSession(ctx context.Context, username, token string) (*User, error) {
	user, _, err := a.resolve(ctx, username, token)
	return user, err
}

func (a *AccountService) resolve(ctx context.Context, username, token string) (*User, *Session, error) {
	if username == "" || token == "" {
		return nil, nil, ErrInvalidSession
	}

	session, err := a.storage.GetSession(ctx, username, token)
	if err != nil {
		return nil, nil, a.storageErr("get session", err)
	}
	if session == nil {
		slog.Debug("Session not found", "username", username, "token_prefix", tokenPrefix(token))
		return nil, nil, ErrInvalidSession
	}

	now := a.now()
	if session.Expired(now, a.securityConfig.SessionLifetime) {
		slog.Debug("Session expired", "session_id", session.ID)
		if err := a.storage.DeleteSession(ctx, username, token); err != nil {
			slog.Error("Failed to delete expired session", "session_id", session.ID, "error", err)
		}
		return nil, nil, ErrInvalidSession
	}

	session.LastActivity = now
	if err := a.storage.UpdateSession(ctx, session); err != nil {
		slog.Error("Failed to update session activity", "session_id", session.ID, "error", err)
	}

	user, err := a.storage.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, nil, a.storageErr("get user by username", err)
	}
	if user == nil {
		slog.Debug("User not found for session", "username", username)
		return nil, nil, ErrInvalidSession
	}
	if !user.IsActive {
		slog.Debug("Session belongs to inactive account", "user_id", user.ID)
		return nil, nil, ErrInvalidSession
	}

	return user, session, nil
}

// DestroySession deletes the matching session. A missing session is not an
// error.
func (a *AccountService) DestroySession(ctx context.Context, username, token string) error {
	if username == "" || token == "" {
		return nil
	}
	if err := a.storage.DeleteSession(ctx, username, token); err != nil {
		return a.storageErr("delete session", err)
	}
	slog.Info("Session destroyed", "username", username)
	return nil
}

// DestroyUserSessions deletes every session of username.
func (a *AccountService) DestroyUserSessions(ctx context.Context, username string) (int64, error) {
	n, err := a.storage.DeleteUserSessions(ctx, username)
	if err != nil {
		return 0, a.storageErr("delete user sessions", err)
	}
	return n, nil
}

// PruneExpiredSessions deletes sessions idle for longer than the configured
// lifetime. It does nothing when sessions never expire.
func (a *AccountService) PruneExpiredSessions(ctx context.Context) (int64, error) {
	lifetime := a.securityConfig.SessionLifetime
	if lifetime <= 0 {
		return 0, nil
	}
	n, err := a.storage.DeleteSessionsIdleSince(ctx, a.now().Add(-lifetime))
	if err != nil {
		return 0, a.storageErr("prune sessions", err)
	}
	if n > 0 {
		slog.Info("Pruned expired sessions", "count", n)
	}
	return n, nil
}
