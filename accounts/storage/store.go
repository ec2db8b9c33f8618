// Package storage provides the SQL implementations of accounts.Storage.
//
// SQLite (github.com/ncruces/go-sqlite3) and PostgreSQL (github.com/jackc/pgx/v5)
// share one query layer; the dialects differ only in placeholders, timestamp
// encoding and how unique violations are reported. Schemas are applied with
// goose from migrations embedded in the binary.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wispberry-tech/wispy-accounts/accounts"
)

// dialect captures what differs between the supported databases.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	encodeTime func(time.Time) any

	// uniqueViolation reports the field of a unique constraint violation.
	uniqueViolation func(err error) (string, bool)
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) any {
	return d.encodeTime(t)
}

func (d dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.encodeTime(*t)
}

// fieldFromConstraint maps a constraint name or driver message to the
// accounts.DuplicateKeyError field.
func fieldFromConstraint(s string) string {
	switch {
	case strings.Contains(s, "email"):
		return "email"
	case strings.Contains(s, "token"):
		return "token"
	case strings.Contains(s, "username"):
		return "username"
	default:
		return "id"
	}
}

// timestamp scans the timestamp representations of both dialects: native
// time values, integer microseconds and RFC 3339 text.
type timestamp struct {
	Time  time.Time
	Valid bool
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.UnixMicro(v).UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
	t.Valid = true
	return nil
}

func (t *timestamp) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// DB returns the underlying connection pool.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) wrap(op string, err error) error {
	if field, ok := s.dialect.uniqueViolation(err); ok {
		return &accounts.DuplicateKeyError{Field: field, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

const userColumns = `id, username, email, first_name, last_name, password_hash, role,
	permissions, is_active, is_verified, date_joined, last_login, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*accounts.User, error) {
	var (
		user        accounts.User
		role        string
		permissions string
		dateJoined  timestamp
		lastLogin   timestamp
		updatedAt   timestamp
	)

	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
		&user.PasswordHash, &role, &permissions, &user.IsActive, &user.IsVerified,
		&dateJoined, &lastLogin, &updatedAt)
	if err != nil {
		return nil, err
	}

	if user.Role, err = accounts.ParseRole(role); err != nil {
		return nil, fmt.Errorf("user %s: %w", user.ID, err)
	}
	if err := json.Unmarshal([]byte(permissions), &user.Permissions); err != nil {
		return nil, fmt.Errorf("user %s: failed to decode permissions: %w", user.ID, err)
	}
	if user.Permissions == nil {
		user.Permissions = []string{}
	}

	user.DateJoined = dateJoined.Time
	user.UpdatedAt = updatedAt.Time
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return &user, nil
}

func encodePermissions(perms []string) (string, error) {
	if perms == nil {
		perms = []string{}
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return "", fmt.Errorf("failed to encode permissions: %w", err)
	}
	return string(data), nil
}

// User operations

func (s *sqlStore) CreateUser(ctx context.Context, user *accounts.User) error {
	perms, err := encodePermissions(user.Permissions)
	if err != nil {
		return err
	}

	query := s.dialect.rebind(`INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		user.ID, user.Username, user.Email, user.FirstName, user.LastName,
		user.PasswordHash, user.Role.String(), perms, user.IsActive, user.IsVerified,
		s.dialect.timeArg(user.DateJoined), s.dialect.nullTimeArg(user.LastLogin), s.dialect.timeArg(user.UpdatedAt))
	if err != nil {
		return s.wrap("create user", err)
	}
	return nil
}

func (s *sqlStore) getUser(ctx context.Context, column, value string) (*accounts.User, error) {
	query := s.dialect.rebind(`SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = ?`)

	user, err := scanUser(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by %s: %w", column, err)
	}
	return user, nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*accounts.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*accounts.User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*accounts.User, error) {
	return s.getUser(ctx, "email", email)
}

func whereFilter(filter accounts.UserFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Role != nil {
		clauses = append(clauses, "role = ?")
		args = append(args, filter.Role.String())
	}
	if filter.Active != nil {
		clauses = append(clauses, "is_active = ?")
		args = append(args, *filter.Active)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqlStore) ListUsers(ctx context.Context, filter accounts.UserFilter) ([]*accounts.User, error) {
	where, args := whereFilter(filter)

	query := `SELECT ` + userColumns + ` FROM users` + where
	switch filter.OrderBy {
	case accounts.OrderByDateJoinedDesc:
		query += ` ORDER BY date_joined DESC, username ASC`
	default:
		query += ` ORDER BY username ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []*accounts.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *sqlStore) CountUsers(ctx context.Context, filter accounts.UserFilter) (int, error) {
	where, args := whereFilter(filter)

	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM users`+where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func (s *sqlStore) UpdateUser(ctx context.Context, user *accounts.User) error {
	perms, err := encodePermissions(user.Permissions)
	if err != nil {
		return err
	}

	query := s.dialect.rebind(`UPDATE users SET username = ?, email = ?, first_name = ?, last_name = ?,
		password_hash = ?, role = ?, permissions = ?, is_active = ?, is_verified = ?,
		last_login = ?, updated_at = ?
		WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		user.Username, user.Email, user.FirstName, user.LastName,
		user.PasswordHash, user.Role.String(), perms, user.IsActive, user.IsVerified,
		s.dialect.nullTimeArg(user.LastLogin), s.dialect.timeArg(user.UpdatedAt),
		user.ID)
	if err != nil {
		return s.wrap("update user", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update user: no user with id %s", user.ID)
	}
	return nil
}

// UpdateLastLogin writes only last_login so a concurrent role, status or
// password change is not overwritten.
func (s *sqlStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE users SET last_login = ? WHERE id = ?`),
		s.dialect.timeArg(t), id)
	if err != nil {
		return s.wrap("update last login", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update last login: no user with id %s", id)
	}
	return nil
}

// Session operations

const sessionColumns = `id, username, token, created_at, last_activity, client_ip, client_agent`

func scanSession(row rowScanner) (*accounts.Session, error) {
	var (
		session      accounts.Session
		createdAt    timestamp
		lastActivity timestamp
	)
	err := row.Scan(&session.ID, &session.Username, &session.Token,
		&createdAt, &lastActivity, &session.ClientIP, &session.ClientAgent)
	if err != nil {
		return nil, err
	}
	session.CreatedAt = createdAt.Time
	session.LastActivity = lastActivity.Time
	return &session, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, session *accounts.Session) error {
	query := s.dialect.rebind(`INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Username, session.Token,
		s.dialect.timeArg(session.CreatedAt), s.dialect.timeArg(session.LastActivity),
		session.ClientIP, session.ClientAgent)
	if err != nil {
		return s.wrap("create session", err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, username, token string) (*accounts.Session, error) {
	query := s.dialect.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE token = ? AND username = ?`)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, token, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *sqlStore) UpdateSession(ctx context.Context, session *accounts.Session) error {
	query := s.dialect.rebind(`UPDATE sessions SET last_activity = ?, client_ip = ?, client_agent = ? WHERE token = ?`)

	result, err := s.db.ExecContext(ctx, query,
		s.dialect.timeArg(session.LastActivity), session.ClientIP, session.ClientAgent, session.Token)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.New("failed to update session: session not found")
	}
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, username, token string) error {
	query := s.dialect.rebind(`DELETE FROM sessions WHERE token = ? AND username = ?`)
	if _, err := s.db.ExecContext(ctx, query, token, username); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *sqlStore) deleteSessions(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	return n, nil
}

func (s *sqlStore) DeleteUserSessions(ctx context.Context, username string) (int64, error) {
	return s.deleteSessions(ctx, "delete user sessions", `DELETE FROM sessions WHERE username = ?`, username)
}

func (s *sqlStore) DeleteSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteSessions(ctx, "delete idle sessions", `DELETE FROM sessions WHERE last_activity < ?`, s.dialect.timeArg(cutoff))
}

func (s *sqlStore) CountSessions(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Health check

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
