package accounts

import (
	"context"
	"time"
)

// Storage defines the persistence contract consumed by AccountService.
//
// Lookups return (nil, nil) when nothing matches. Inserts and updates that
// would violate the unique constraints on username, email or session token
// return a *DuplicateKeyError. Every other error is treated as the store being
// unavailable.
type Storage interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]*User, error)
	CountUsers(ctx context.Context, filter UserFilter) (int, error)
	UpdateUser(ctx context.Context, user *User) error
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, username, token string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, username, token string) error
	DeleteUserSessions(ctx context.Context, username string) (int64, error)
	DeleteSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
	CountSessions(ctx context.Context) (int, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
