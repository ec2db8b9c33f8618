package accounts

import (
	"log/slog"
	"net/http"
)

// IsAdmin reports whether u holds the admin role. A nil user is not an admin.
func IsAdmin(u *User) bool {
	return u != nil && u.Role == RoleAdmin
}

// HasPermission reports whether u may exercise perm. Admins hold every
// permission; regular users hold exactly the tokens in their set.
func HasPermission(u *User, perm string) bool {
	if u == nil {
		return false
	}
	if u.Role == RoleAdmin {
		return true
	}
	return u.hasPermissionToken(perm)
}

// Decision is the outcome of a Guard.
type Decision struct {
	Allow           bool
	Reason          string
	Unauthenticated bool // Denied because nobody is signed in
}

// Allowed is the allowing Decision.
var Allowed = Decision{Allow: true}

// Guard decides whether a user may proceed. The user is nil for anonymous
// requests.
type Guard func(*User) Decision

func unauthenticated() Decision {
	return Decision{Reason: "Authentication required", Unauthenticated: true}
}

// Authenticated admits any signed-in user.
func Authenticated() Guard {
	return func(u *User) Decision {
		if u == nil {
			return unauthenticated()
		}
		return Allowed
	}
}

// AdminOnly admits admins.
func AdminOnly() Guard {
	return func(u *User) Decision {
		if u == nil {
			return unauthenticated()
		}
		if !IsAdmin(u) {
			return Decision{Reason: "Admin access required"}
		}
		return Allowed
	}
}

// RolesAllowed admits users holding one of roles.
func RolesAllowed(roles ...Role) Guard {
	return func(u *User) Decision {
		if u == nil {
			return unauthenticated()
		}
		for _, role := range roles {
			if u.Role == role {
				return Allowed
			}
		}
		return Decision{Reason: "Insufficient role"}
	}
}

// PermissionRequired admits users for which HasPermission(u, perm) holds.
func PermissionRequired(perm string) Guard {
	return func(u *User) Decision {
		if u == nil {
			return unauthenticated()
		}
		if !HasPermission(u, perm) {
			return Decision{Reason: "Missing permission: " + perm}
		}
		return Allowed
	}
}

// Check runs guards in order and returns the first denial.
func Check(u *User, guards ...Guard) Decision {
	for _, guard := range guards {
		if d := guard(u); !d.Allow {
			return d
		}
	}
	return Allowed
}

// authorize turns a denial into the matching service error.
func authorize(u *User, guards ...Guard) error {
	d := Check(u, guards...)
	if d.Allow {
		return nil
	}
	if d.Unauthenticated || u == nil {
		return ErrUnauthenticated
	}
	return &AuthorizationError{Reason: d.Reason, Role: u.Role}
}

// ensureNotSelf rejects operations an admin may not apply to their own account.
func ensureNotSelf(actor, target *User, reason string) error {
	if actor != nil && target != nil && actor.ID == target.ID {
		return &AuthorizationError{Reason: reason, Role: actor.Role}
	}
	return nil
}

// RequireAPI applies guards to the user in the request context. Anonymous
// requests get a 401 JSON body, forbidden ones a 403 echoing the caller's role.
func RequireAPI(guards ...Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			d := Check(user, guards...)
			switch {
			case d.Allow:
				next.ServeHTTP(w, r)
			case d.Unauthenticated || user == nil:
				writeJSON(w, http.StatusUnauthorized, failure(http.StatusUnauthorized, "Authentication required"))
			default:
				slog.Debug("API access denied", "username", user.Username, "path", r.URL.Path, "reason", d.Reason)
				res := failure(http.StatusForbidden, d.Reason)
				res.UserRole = user.Role.String()
				writeJSON(w, http.StatusForbidden, res)
			}
		})
	}
}

// RequirePage applies guards to page routes: anonymous visitors are sent to
// loginPath, signed-in users lacking access to dashboardPath.
func RequirePage(loginPath, dashboardPath string, guards ...Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			d := Check(user, guards...)
			switch {
			case d.Allow:
				next.ServeHTTP(w, r)
			case d.Unauthenticated || user == nil:
				http.Redirect(w, r, loginPath, http.StatusFound)
			default:
				slog.Debug("Page access denied", "username", user.Username, "path", r.URL.Path)
				http.Redirect(w, r, dashboardPath, http.StatusFound)
			}
		})
	}
}
