package accounts

import (
	"fmt"
	"strings"
	"time"
)

// Role is the authorization level of a user. The set is closed: a user is
// always exactly one of RoleUser or RoleAdmin. The zero value is RoleUser.
type Role uint8

const (
	RoleUser Role = iota
	RoleAdmin
)

// Roles lists every role in display order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleUser}
}

// ParseRole converts the wire form ("admin" or "user") into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUser, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "user"
}

// DisplayName returns the human readable role name.
func (r Role) DisplayName() string {
	if r == RoleAdmin {
		return "Administrator"
	}
	return "User"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// User represents an account and its credentials.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	PasswordHash string `json:"-"` // Never serialized

	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"` // Only consulted for RoleUser

	IsActive   bool `json:"is_active"`
	IsVerified bool `json:"is_verified"`

	DateJoined time.Time  `json:"date_joined"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// FullName returns "First Last" with surrounding space trimmed.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsStaff reports the framework-compatibility staff flag. It is derived from
// the role and never stored.
func (u *User) IsStaff() bool {
	return u.Role == RoleAdmin
}

// IsSuperuser is derived from the role like IsStaff.
func (u *User) IsSuperuser() bool {
	return u.Role == RoleAdmin
}

func (u *User) hasPermissionToken(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers can mutate a fetched record and keep
// the original for change reports.
func (u *User) clone() *User {
	c := *u
	if u.Permissions != nil {
		c.Permissions = append([]string(nil), u.Permissions...)
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// Session is a server-side login record. A request is authenticated only when
// it presents both the username and the token of a stored session.
type Session struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Token        string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ClientIP     string    `json:"client_ip,omitempty"`
	ClientAgent  string    `json:"client_agent,omitempty"`
}

// Expired reports whether the session has been idle longer than lifetime.
// A zero lifetime means sessions never expire.
func (s *Session) Expired(now time.Time, lifetime time.Duration) bool {
	if lifetime <= 0 {
		return false
	}
	return now.After(s.LastActivity.Add(lifetime))
}

// UserOrder selects the ordering of ListUsers results.
type UserOrder int

const (
	OrderByUsername UserOrder = iota
	OrderByDateJoinedDesc
)

// UserFilter narrows ListUsers and CountUsers. Nil fields match everything.
type UserFilter struct {
	Role    *Role
	Active  *bool
	OrderBy UserOrder
	Limit   int // 0 means no limit
}

// UserView is the serialized snapshot of a user returned by handlers. It
// carries the derived compatibility flags and omits the password hash.
type UserView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	FullName    string     `json:"full_name"`
	Role        Role       `json:"role"`
	RoleDisplay string     `json:"role_display"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"is_active"`
	IsVerified  bool       `json:"is_verified"`
	IsStaff     bool       `json:"is_staff"`
	IsSuperuser bool       `json:"is_superuser"`
	DateJoined  time.Time  `json:"date_joined"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

// NewUserView builds the snapshot for u. It returns nil for a nil user.
func NewUserView(u *User) *UserView {
	if u == nil {
		return nil
	}
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	return &UserView{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		FullName:    u.FullName(),
		Role:        u.Role,
		RoleDisplay: u.Role.DisplayName(),
		Permissions: perms,
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
		IsStaff:     u.IsStaff(),
		IsSuperuser: u.IsSuperuser(),
		DateJoined:  u.DateJoined,
		LastLogin:   u.LastLogin,
	}
}
