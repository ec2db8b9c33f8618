package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegister_RoundTrip(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()

	user, err := env.service.Register(ctx, nil, RegisterInput{
		Username:  "alice",
		Email:     "Alice@Example.com",
		FirstName: "Alice",
		LastName:  "Liddell",
		Password:  testPassword,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q, expected lower-cased address", user.Email)
	}
	if user.PasswordHash == "" || user.PasswordHash == testPassword {
		t.Error("password must be stored as a hash")
	}
	if user.Role != RoleUser || user.IsStaff() || user.IsSuperuser() {
		t.Errorf("expected plain user, got role=%v staff=%v superuser=%v", user.Role, user.IsStaff(), user.IsSuperuser())
	}
	if !user.IsActive || user.IsVerified {
		t.Errorf("expected active unverified user, got active=%v verified=%v", user.IsActive, user.IsVerified)
	}

	authed, err := env.service.Authenticate(ctx, "alice", testPassword)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if authed.ID != user.ID {
		t.Errorf("Authenticate() returned user %s, expected %s", authed.ID, user.ID)
	}
	if authed.LastLogin == nil || !authed.LastLogin.Equal(env.clock.Now()) {
		t.Errorf("LastLogin = %v, expected %v", authed.LastLogin, env.clock.Now())
	}

	stored, _ := env.storage.GetUserByUsername(ctx, "alice")
	if stored.LastLogin == nil {
		t.Error("LastLogin was not persisted")
	}
}

func TestRegister_ValidationErrors(t *testing.T) {
	env := mustCreateTestService(t)
	mustCreateUser(t, env.service, "existing", RoleUser)

	valid := func() RegisterInput {
		return RegisterInput{
			Username:  "newuser",
			Email:     "newuser@example.com",
			FirstName: "New",
			LastName:  "User",
			Password:  testPassword,
		}
	}

	tests := []struct {
		name  string
		input func() RegisterInput
		field string
	}{
		{"duplicate_username", func() RegisterInput { in := valid(); in.Username = "existing"; return in }, "username"},
		{"duplicate_email", func() RegisterInput { in := valid(); in.Email = "existing@example.com"; return in }, "email"},
		{"duplicate_email_different_case", func() RegisterInput { in := valid(); in.Email = "EXISTING@example.COM"; return in }, "email"},
		{"invalid_username_chars", func() RegisterInput { in := valid(); in.Username = "bad name!"; return in }, "username"},
		{"short_username", func() RegisterInput { in := valid(); in.Username = "ab"; return in }, "username"},
		{"invalid_email", func() RegisterInput { in := valid(); in.Email = "not-an-email"; return in }, "email"},
		{"missing_first_name", func() RegisterInput { in := valid(); in.FirstName = "  "; return in }, "first_name"},
		{"long_last_name", func() RegisterInput { in := valid(); in.LastName = strings.Repeat("x", 31); return in }, "last_name"},
		{"short_password", func() RegisterInput { in := valid(); in.Password = "short1!"; return in }, "password"},
		{"no_uppercase", func() RegisterInput { in := valid(); in.Password = "alllowercase1!"; return in }, "password"},
		{"confirm_mismatch", func() RegisterInput { in := valid(); in.PasswordConfirm = "Different1!"; return in }, "password_confirm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.storage.writeCount()

			_, err := env.service.Register(context.Background(), nil, tt.input())

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Register() error = %v, expected ValidationError", err)
			}
			if !verr.Has(tt.field) {
				t.Errorf("expected message for field %q, got %v", tt.field, verr.Fields)
			}
			if env.storage.writeCount() != before {
				t.Error("a failed registration must not write")
			}
		})
	}
}

func TestRegister_RoleElevation(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, env.service, "admin", RoleAdmin)
	regular := mustCreateUser(t, env.service, "regular", RoleUser)

	input := func(username string) RegisterInput {
		return RegisterInput{
			Username:  username,
			Email:     username + "@example.com",
			FirstName: "Role",
			LastName:  "Test",
			Password:  testPassword,
			Role:      RoleAdmin,
		}
	}

	anon, err := env.service.Register(ctx, nil, input("anonymous"))
	if err != nil {
		t.Fatalf("anonymous Register() error = %v", err)
	}
	if anon.Role != RoleUser {
		t.Errorf("anonymous admin request registered role %v, expected user", anon.Role)
	}

	_, err = env.service.Register(ctx, regular, input("byregular"))
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has("role") {
		t.Errorf("non-admin admin request error = %v, expected role ValidationError", err)
	}

	created, err := env.service.Register(ctx, admin, input("byadmin"))
	if err != nil {
		t.Fatalf("admin Register() error = %v", err)
	}
	if created.Role != RoleAdmin || !created.IsStaff() || !created.IsSuperuser() {
		t.Errorf("expected admin with derived flags, got %+v", NewUserView(created))
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, env.service, "bob", RoleUser)

	tests := []struct {
		name     string
		username string
		password string
		setup    func()
		wantErr  error
	}{
		{"unknown_username", "nobody", testPassword, nil, ErrInvalidCredentials},
		{"wrong_password", "bob", "WrongPass1!", nil, ErrInvalidCredentials},
		{"empty_password", "bob", "", nil, ErrInvalidCredentials},
		{
			name:     "inactive_account",
			username: "bob",
			password: testPassword,
			setup: func() {
				stored, _ := env.storage.GetUserByID(ctx, user.ID)
				stored.IsActive = false
				env.storage.UpdateUser(ctx, stored)
			},
			wantErr: ErrAccountDisabled,
		},
		{
			name:     "inactive_account_wrong_password",
			username: "bob",
			password: "WrongPass1!",
			wantErr:  ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			_, err := env.service.Authenticate(ctx, tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, expected %v", err, tt.wantErr)
			}
		})
	}
}

// lookupHookStorage runs afterLookup once a user has been read by username, so
// tests can change the account between a read and the write that follows.
type lookupHookStorage struct {
	*mockStorage
	afterLookup func(username string)
}

func (s *lookupHookStorage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := s.mockStorage.GetUserByUsername(ctx, username)
	if hook := s.afterLookup; hook != nil {
		s.afterLookup = nil
		hook(username)
	}
	return u, err
}

func TestAuthenticate_KeepsConcurrentChanges(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		change func(t *testing.T, service *AccountService, admin *User)
		check  func(t *testing.T, stored *User)
	}{
		{
			name: "deactivated",
			change: func(t *testing.T, service *AccountService, admin *User) {
				if _, err := service.ToggleStatus(ctx, admin, "member"); err != nil {
					t.Fatalf("ToggleStatus() error = %v", err)
				}
			},
			check: func(t *testing.T, stored *User) {
				if stored.IsActive {
					t.Error("login re-activated an account deactivated while it was in progress")
				}
			},
		},
		{
			name: "promoted",
			change: func(t *testing.T, service *AccountService, admin *User) {
				if _, err := service.ChangeRole(ctx, admin, "member", RoleAdmin); err != nil {
					t.Fatalf("ChangeRole() error = %v", err)
				}
			},
			check: func(t *testing.T, stored *User) {
				if stored.Role != RoleAdmin {
					t.Errorf("role = %v, expected admin", stored.Role)
				}
			},
		},
		{
			name: "password_replaced",
			change: func(t *testing.T, service *AccountService, admin *User) {
				stored, _ := service.storage.GetUserByUsername(ctx, "member")
				hash, err := hashPassword("OtherPass2@", 4)
				if err != nil {
					t.Fatal(err)
				}
				stored.PasswordHash = hash
				if err := service.storage.UpdateUser(ctx, stored); err != nil {
					t.Fatal(err)
				}
			},
			check: func(t *testing.T, stored *User) {
				if !checkPasswordHash("OtherPass2@", stored.PasswordHash) {
					t.Error("login restored the previous password hash")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &lookupHookStorage{mockStorage: newMockStorage()}
			env := mustCreateTestService(t, func(cfg *Config) { cfg.Storage = store })
			admin := mustCreateUser(t, env.service, "boss", RoleAdmin)
			mustCreateUser(t, env.service, "member", RoleUser)

			store.afterLookup = func(username string) {
				tt.change(t, env.service, admin)
			}
			if _, err := env.service.Authenticate(ctx, "member", testPassword); err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}

			stored, err := store.GetUserByUsername(ctx, "member")
			if err != nil || stored == nil {
				t.Fatalf("GetUserByUsername() = %v, %v", stored, err)
			}
			tt.check(t, stored)
			if stored.LastLogin == nil {
				t.Error("LastLogin was not recorded")
			}
		})
	}
}

func TestSession_CreateResolve(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, env.service, "carol", RoleUser)

	token, err := env.service.CreateSession(ctx, user, "10.0.0.1", "agent")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if len(token) != 43 {
		t.Errorf("token length = %d, expected 43 characters for 32 random bytes", len(token))
	}

	env.clock.Advance(time.Hour)
	resolved, err := env.service.ResolveSession(ctx, "carol", token)
	if err != nil {
		t.Fatalf("ResolveSession() error = %v", err)
	}
	if resolved.ID != user.ID {
		t.Errorf("ResolveSession() user = %s, expected %s", resolved.ID, user.ID)
	}

	session, _ := env.storage.GetSession(ctx, "carol", token)
	if !session.LastActivity.Equal(env.clock.Now()) {
		t.Errorf("LastActivity = %v, expected refresh to %v", session.LastActivity, env.clock.Now())
	}

	other, err := env.service.CreateSession(ctx, user, "10.0.0.1", "agent")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if other == token {
		t.Error("two sessions must not share a token")
	}
}

func TestSession_InvalidCredentials(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	carol := mustCreateUser(t, env.service, "carol", RoleUser)
	mustCreateUser(t, env.service, "dave", RoleUser)
	creds := mustSignIn(t, env.service, carol)

	tampered := []byte(creds.Token)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}

	tests := []struct {
		name     string
		username string
		token    string
	}{
		{"tampered_token", "carol", string(tampered)},
		{"other_username", "dave", creds.Token},
		{"empty_token", "carol", ""},
		{"empty_username", "", creds.Token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.ResolveSession(ctx, tt.username, tt.token)
			if !errors.Is(err, ErrInvalidSession) {
				t.Errorf("ResolveSession() error = %v, expected ErrInvalidSession", err)
			}
		})
	}
}

func TestSession_Destroy(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, env.service, "erin", RoleUser)
	creds := mustSignIn(t, env.service, user)

	if err := env.service.DestroySession(ctx, creds.Username, creds.Token); err != nil {
		t.Fatalf("DestroySession() error = %v", err)
	}
	if _, err := env.service.ResolveSession(ctx, creds.Username, creds.Token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("ResolveSession() after destroy error = %v, expected ErrInvalidSession", err)
	}
	if err := env.service.DestroySession(ctx, creds.Username, creds.Token); err != nil {
		t.Errorf("second DestroySession() error = %v, expected nil", err)
	}
}

func TestSession_Expiry(t *testing.T) {
	env := mustCreateTestService(t, func(cfg *Config) {
		cfg.SecurityConfig.SessionLifetime = time.Hour
	})
	ctx := context.Background()
	user := mustCreateUser(t, env.service, "frank", RoleUser)
	creds := mustSignIn(t, env.service, user)

	env.clock.Advance(50 * time.Minute)
	if _, err := env.service.ResolveSession(ctx, creds.Username, creds.Token); err != nil {
		t.Fatalf("ResolveSession() within lifetime error = %v", err)
	}

	// Activity was refreshed, so another 50 minutes is still inside the window.
	env.clock.Advance(50 * time.Minute)
	if _, err := env.service.ResolveSession(ctx, creds.Username, creds.Token); err != nil {
		t.Fatalf("ResolveSession() after refresh error = %v", err)
	}

	env.clock.Advance(61 * time.Minute)
	if _, err := env.service.ResolveSession(ctx, creds.Username, creds.Token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("ResolveSession() after idle lifetime error = %v, expected ErrInvalidSession", err)
	}
	if env.storage.sessionCount() != 0 {
		t.Error("expired session should be deleted")
	}
}

func TestSession_NoExpiryWhenLifetimeZero(t *testing.T) {
	env := mustCreateTestService(t, func(cfg *Config) {
		cfg.SecurityConfig.SessionLifetime = 0
	})
	user := mustCreateUser(t, env.service, "gina", RoleUser)
	creds := mustSignIn(t, env.service, user)

	env.clock.Advance(365 * 24 * time.Hour)
	if _, err := env.service.ResolveSession(context.Background(), creds.Username, creds.Token); err != nil {
		t.Errorf("ResolveSession() error = %v, expected sessions to live until logout", err)
	}

	n, err := env.service.PruneExpiredSessions(context.Background())
	if err != nil || n != 0 {
		t.Errorf("PruneExpiredSessions() = %d, %v, expected 0, nil", n, err)
	}
}

func TestSession_InactiveOrDeletedUser(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, env.service, "hank", RoleUser)
	creds := mustSignIn(t, env.service, user)

	stored, _ := env.storage.GetUserByID(ctx, user.ID)
	stored.IsActive = false
	env.storage.UpdateUser(ctx, stored)

	if _, err := env.service.ResolveSession(ctx, creds.Username, creds.Token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("ResolveSession() for inactive user error = %v, expected ErrInvalidSession", err)
	}

	// A session whose user record is gone.
	orphan := &Session{ID: "orphan", Username: "ghost", Token: "ghost-token", CreatedAt: env.clock.Now(), LastActivity: env.clock.Now()}
	env.storage.CreateSession(ctx, orphan)
	if _, err := env.service.ResolveSession(ctx, "ghost", "ghost-token"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("ResolveSession() for deleted user error = %v, expected ErrInvalidSession", err)
	}
}

func TestSession_PruneAndDestroyAll(t *testing.T) {
	env := mustCreateTestService(t, func(cfg *Config) {
		cfg.SecurityConfig.SessionLifetime = time.Hour
	})
	ctx := context.Background()
	ivy := mustCreateUser(t, env.service, "ivy", RoleUser)
	jack := mustCreateUser(t, env.service, "jack", RoleUser)

	mustSignIn(t, env.service, ivy)
	mustSignIn(t, env.service, ivy)
	env.clock.Advance(2 * time.Hour)
	mustSignIn(t, env.service, jack)

	n, err := env.service.PruneExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("PruneExpiredSessions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("PruneExpiredSessions() = %d, expected 2", n)
	}

	n, err = env.service.DestroyUserSessions(ctx, "jack")
	if err != nil || n != 1 {
		t.Errorf("DestroyUserSessions() = %d, %v, expected 1, nil", n, err)
	}
	if env.storage.sessionCount() != 0 {
		t.Errorf("expected no sessions left, got %d", env.storage.sessionCount())
	}
}

func TestStorageFailure_SurfacesStorageError(t *testing.T) {
	env := mustCreateTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, env.service, "kate", RoleUser)

	env.storage.setFailing(true)

	token, err := env.service.CreateSession(ctx, user, "", "")
	if token != "" {
		t.Error("CreateSession() returned a token despite the failure")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("CreateSession() error = %v, expected ErrStorageUnavailable", err)
	}

	if _, err := env.service.Authenticate(ctx, "kate", testPassword); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Authenticate() error = %v, expected ErrStorageUnavailable", err)
	}

	var storageErr *StorageError
	_, err = env.service.Register(ctx, nil, RegisterInput{
		Username: "lena", Email: "lena@example.com", FirstName: "L", LastName: "N", Password: testPassword,
	})
	if !errors.As(err, &storageErr) {
		t.Errorf("Register() error = %v, expected *StorageError", err)
	}
}
