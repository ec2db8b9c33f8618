package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wispberry-tech/wispy-accounts/accounts"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	s, err := NewInMemorySQLiteStorage(context.Background())
	require.NoError(t, err, "failed to create storage")
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(username string, role accounts.Role, joined time.Time) *accounts.User {
	return &accounts.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@example.com",
		FirstName:    "Test",
		LastName:     "User",
		PasswordHash: "$2a$04$hash",
		Role:         role,
		Permissions:  []string{},
		IsActive:     true,
		DateJoined:   joined,
		UpdatedAt:    joined,
	}
}

func TestUserCRUD(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	user := newTestUser("alice", accounts.RoleUser, baseTime)
	user.Permissions = []string{"export", "import"}
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, accounts.RoleUser, got.Role)
	assert.Equal(t, []string{"export", "import"}, got.Permissions)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsVerified)
	assert.True(t, baseTime.Equal(got.DateJoined))
	assert.Nil(t, got.LastLogin)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, user.ID, byEmail.ID)

	byID, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "alice", byID.Username)

	missing, err := s.GetUserByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing, "lookups return nil, nil when nothing matches")

	login := baseTime.Add(time.Hour)
	got.Role = accounts.RoleAdmin
	got.IsActive = false
	got.LastLogin = &login
	got.Permissions = nil
	got.UpdatedAt = login
	require.NoError(t, s.UpdateUser(ctx, got))

	updated, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, accounts.RoleAdmin, updated.Role)
	assert.False(t, updated.IsActive)
	require.NotNil(t, updated.LastLogin)
	assert.True(t, login.Equal(*updated.LastLogin))
	assert.Equal(t, []string{}, updated.Permissions)
}

func TestUpdateLastLogin(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	user := newTestUser("carol", accounts.RoleUser, baseTime)
	require.NoError(t, s.CreateUser(ctx, user))

	// A change written after the login read its copy of the user.
	changed := *user
	changed.IsActive = false
	changed.Role = accounts.RoleAdmin
	changed.PasswordHash = "$2a$04$other"
	require.NoError(t, s.UpdateUser(ctx, &changed))

	login := baseTime.Add(2 * time.Hour)
	require.NoError(t, s.UpdateLastLogin(ctx, user.ID, login))

	got, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLogin)
	assert.True(t, login.Equal(*got.LastLogin))
	assert.False(t, got.IsActive)
	assert.Equal(t, accounts.RoleAdmin, got.Role)
	assert.Equal(t, "$2a$04$other", got.PasswordHash)

	assert.Error(t, s.UpdateLastLogin(ctx, uuid.NewString(), login), "unknown id")
}

func TestUpdateUser_Missing(t *testing.T) {
	s := createTestStorage(t)
	err := s.UpdateUser(context.Background(), newTestUser("ghost", accounts.RoleUser, baseTime))
	assert.Error(t, err)
}

func TestUniqueConstraints(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	alice := newTestUser("alice", accounts.RoleUser, baseTime)
	require.NoError(t, s.CreateUser(ctx, alice))
	bob := newTestUser("bob", accounts.RoleUser, baseTime)
	require.NoError(t, s.CreateUser(ctx, bob))

	tests := []struct {
		name  string
		write func() error
		field string
	}{
		{
			name: "insert_duplicate_username",
			write: func() error {
				u := newTestUser("alice", accounts.RoleUser, baseTime)
				u.Email = "other@example.com"
				return s.CreateUser(ctx, u)
			},
			field: "username",
		},
		{
			name: "insert_duplicate_email",
			write: func() error {
				u := newTestUser("carol", accounts.RoleUser, baseTime)
				u.Email = "alice@example.com"
				return s.CreateUser(ctx, u)
			},
			field: "email",
		},
		{
			name: "update_to_taken_email",
			write: func() error {
				u := *bob
				u.Email = "alice@example.com"
				return s.UpdateUser(ctx, &u)
			},
			field: "email",
		},
		{
			name: "duplicate_session_token",
			write: func() error {
				first := &accounts.Session{ID: uuid.NewString(), Username: "alice", Token: "same", CreatedAt: baseTime, LastActivity: baseTime}
				if err := s.CreateSession(ctx, first); err != nil {
					return err
				}
				second := &accounts.Session{ID: uuid.NewString(), Username: "bob", Token: "same", CreatedAt: baseTime, LastActivity: baseTime}
				return s.CreateSession(ctx, second)
			},
			field: "token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.write()
			require.Error(t, err)

			var dup *accounts.DuplicateKeyError
			require.True(t, errors.As(err, &dup), "expected DuplicateKeyError, got %v", err)
			assert.Equal(t, tt.field, dup.Field)
			assert.ErrorIs(t, err, accounts.ErrDuplicateKey)
		})
	}

	count, err := s.CountUsers(ctx, accounts.UserFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "failed inserts must not create records")
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	for i, name := range []string{"carol", "alice", "bob", "dave"} {
		role := accounts.RoleUser
		if name == "alice" {
			role = accounts.RoleAdmin
		}
		u := newTestUser(name, role, baseTime.Add(time.Duration(i)*time.Minute))
		u.IsActive = name != "dave"
		require.NoError(t, s.CreateUser(ctx, u))
	}

	usernames := func(users []*accounts.User) []string {
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Username)
		}
		return names
	}

	admin := accounts.RoleAdmin
	user := accounts.RoleUser
	active := true
	inactive := false

	tests := []struct {
		name   string
		filter accounts.UserFilter
		want   []string
	}{
		{"all_by_username", accounts.UserFilter{}, []string{"alice", "bob", "carol", "dave"}},
		{"newest_first", accounts.UserFilter{OrderBy: accounts.OrderByDateJoinedDesc}, []string{"dave", "bob", "alice", "carol"}},
		{"admins", accounts.UserFilter{Role: &admin}, []string{"alice"}},
		{"active_users", accounts.UserFilter{Role: &user, Active: &active}, []string{"bob", "carol"}},
		{"inactive", accounts.UserFilter{Active: &inactive}, []string{"dave"}},
		{"limit", accounts.UserFilter{OrderBy: accounts.OrderByDateJoinedDesc, Limit: 2}, []string{"dave", "bob"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := s.ListUsers(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, usernames(users))

			tt.filter.Limit = 0
			count, err := s.CountUsers(ctx, tt.filter)
			require.NoError(t, err)
			if tt.name != "limit" {
				assert.Equal(t, len(tt.want), count)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	require.NoError(t, s.CreateUser(ctx, newTestUser("alice", accounts.RoleUser, baseTime)))
	require.NoError(t, s.CreateUser(ctx, newTestUser("bob", accounts.RoleUser, baseTime)))

	newSession := func(username, token string, lastActivity time.Time) *accounts.Session {
		session := &accounts.Session{
			ID:           uuid.NewString(),
			Username:     username,
			Token:        token,
			CreatedAt:    baseTime,
			LastActivity: lastActivity,
			ClientIP:     "127.0.0.1",
			ClientAgent:  "test-agent",
		}
		require.NoError(t, s.CreateSession(ctx, session))
		return session
	}

	current := newSession("alice", "tok-a1", baseTime)
	newSession("alice", "tok-a2", baseTime.Add(-48*time.Hour))
	newSession("bob", "tok-b1", baseTime.Add(-72*time.Hour))

	got, err := s.GetSession(ctx, "alice", "tok-a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, current.ID, got.ID)
	assert.Equal(t, "test-agent", got.ClientAgent)
	assert.True(t, baseTime.Equal(got.LastActivity))

	wrongUser, err := s.GetSession(ctx, "bob", "tok-a1")
	require.NoError(t, err)
	assert.Nil(t, wrongUser, "token must match the username")

	got.LastActivity = baseTime.Add(time.Hour)
	got.ClientIP = "10.0.0.1"
	require.NoError(t, s.UpdateSession(ctx, got))
	refreshed, err := s.GetSession(ctx, "alice", "tok-a1")
	require.NoError(t, err)
	assert.True(t, baseTime.Add(time.Hour).Equal(refreshed.LastActivity))
	assert.Equal(t, "10.0.0.1", refreshed.ClientIP)

	assert.Error(t, s.UpdateSession(ctx, &accounts.Session{Token: "missing"}))

	count, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	pruned, err := s.DeleteSessionsIdleSince(ctx, baseTime.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	require.NoError(t, s.DeleteSession(ctx, "alice", "tok-a1"))
	require.NoError(t, s.DeleteSession(ctx, "alice", "tok-a1"), "deleting twice is not an error")

	newSession("bob", "tok-b2", baseTime)
	newSession("bob", "tok-b3", baseTime)
	removed, err := s.DeleteUserSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	count, err = s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestServiceOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	cfg := accounts.DefaultSecurityConfig()
	cfg.BcryptCost = 4
	service, err := accounts.NewAccountService(accounts.Config{Storage: s, SecurityConfig: cfg})
	require.NoError(t, err)

	user, err := service.Register(ctx, nil, accounts.RegisterInput{
		Username:  "erin",
		Email:     "Erin@Example.com",
		FirstName: "Erin",
		LastName:  "Doe",
		Password:  "ValidPass1!",
	})
	require.NoError(t, err)
	assert.Equal(t, "erin@example.com", user.Email)

	_, err = service.Register(ctx, nil, accounts.RegisterInput{
		Username:  "erin2",
		Email:     "ERIN@example.com",
		FirstName: "Erin",
		LastName:  "Two",
		Password:  "ValidPass1!",
	})
	var verr *accounts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("email"))

	authed, err := service.Authenticate(ctx, "erin", "ValidPass1!")
	require.NoError(t, err)

	token, err := service.CreateSession(ctx, authed, "127.0.0.1", "test")
	require.NoError(t, err)

	resolved, err := service.ResolveSession(ctx, "erin", token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	require.NoError(t, service.DestroySession(ctx, "erin", token))
	_, err = service.ResolveSession(ctx, "erin", token)
	assert.ErrorIs(t, err, accounts.ErrInvalidSession)
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStorage(t)

	applied, err := Migrate(ctx, s.DB(), goose.DialectSQLite3)
	require.NoError(t, err)
	assert.Empty(t, applied, "migrations already applied at open")

	version, err := SchemaVersion(ctx, s.DB(), goose.DialectSQLite3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestRebind(t *testing.T) {
	q := "SELECT 1 FROM users WHERE a = ? AND b = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT 1 FROM users WHERE a = $1 AND b = $2", postgresDialect.rebind(q))
}

func TestTimestampScan(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 123000, time.UTC)

	tests := []struct {
		name  string
		src   any
		valid bool
	}{
		{"time", want.In(time.FixedZone("X", 3600)), true},
		{"micros", want.UnixMicro(), true},
		{"text", want.Format(time.RFC3339Nano), true},
		{"bytes", []byte(want.Format(time.RFC3339Nano)), true},
		{"null", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts timestamp
			require.NoError(t, ts.Scan(tt.src))
			assert.Equal(t, tt.valid, ts.Valid)
			if tt.valid {
				assert.True(t, want.Equal(ts.Time), "got %v", ts.Time)
				assert.Equal(t, time.UTC, ts.Time.Location())
			}
		})
	}

	var ts timestamp
	assert.Error(t, ts.Scan(3.14))
}

func TestFieldFromConstraint(t *testing.T) {
	assert.Equal(t, "username", fieldFromConstraint("users_username_key"))
	assert.Equal(t, "email", fieldFromConstraint("UNIQUE constraint failed: users.email"))
	assert.Equal(t, "token", fieldFromConstraint("sessions_token_key"))
	assert.Equal(t, "id", fieldFromConstraint("users_pkey"))
}
