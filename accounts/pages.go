package accounts

import (
	"log/slog"
	"net/http"
)

// Page templates rendered by the web front end.
const (
	DashboardTemplate       = "accounts/dashboard.html"
	AdminDashboardTemplate  = "accounts/admin_dashboard.html"
	UsersManagementTemplate = "accounts/users_management.html"
)

// PageResult is a render intent: either a template with its context or a
// redirect. Rendering is left to the caller.
type PageResult struct {
	Template   string
	Context    map[string]any
	Redirect   string
	StatusCode int
}

func redirectTo(path string) PageResult {
	return PageResult{Redirect: path, StatusCode: http.StatusFound}
}

// DashboardPage renders the regular user dashboard. Counters fall back to
// zero when the store cannot be read.
func (a *AccountService) DashboardPage(r *http.Request) PageResult {
	user := UserFromContext(r.Context())
	if user == nil {
		return redirectTo("/login")
	}

	ctx := r.Context()
	totalUsers, err := a.storage.CountUsers(ctx, UserFilter{})
	if err != nil {
		slog.Error("Failed to count users for dashboard", "error", err)
		totalUsers = 0
	}
	activeSessions, err := a.storage.CountSessions(ctx)
	if err != nil {
		slog.Error("Failed to count sessions for dashboard", "error", err)
		activeSessions = 0
	}

	return PageResult{
		Template:   DashboardTemplate,
		StatusCode: http.StatusOK,
		Context: map[string]any{
			"user":            NewUserView(user),
			"total_users":     totalUsers,
			"active_sessions": activeSessions,
			"dashboard_type":  "user",
		},
	}
}

// AdminDashboardPage renders the admin dashboard.
func (a *AccountService) AdminDashboardPage(r *http.Request) PageResult {
	user := UserFromContext(r.Context())
	if user == nil {
		return redirectTo("/login")
	}
	if !IsAdmin(user) {
		return redirectTo("/dashboard")
	}

	stats, err := a.Stats(r.Context())
	if err != nil {
		stats = &Stats{RoleCounts: map[Role]int{}, RecentUsers: []*UserView{}}
	}

	roleStats := make(map[string]int, len(stats.RoleCounts))
	for role, n := range stats.RoleCounts {
		roleStats[role.DisplayName()] = n
	}

	return PageResult{
		Template:   AdminDashboardTemplate,
		StatusCode: http.StatusOK,
		Context: map[string]any{
			"user":            NewUserView(user),
			"total_users":     stats.TotalUsers,
			"active_sessions": stats.ActiveSessions,
			"role_stats":      roleStats,
			"recent_users":    stats.RecentUsers,
			"dashboard_type":  "admin",
		},
	}
}

// UsersManagementPage renders the user list for admins, newest first.
func (a *AccountService) UsersManagementPage(r *http.Request) PageResult {
	actor := UserFromContext(r.Context())
	if actor == nil {
		return redirectTo("/login")
	}
	if !IsAdmin(actor) {
		return redirectTo("/dashboard")
	}

	views := []*UserView{}
	users, err := a.ListUsers(r.Context(), actor, UserFilter{OrderBy: OrderByDateJoinedDesc})
	if err == nil {
		for _, u := range users {
			views = append(views, NewUserView(u))
		}
	}

	return PageResult{
		Template:   UsersManagementTemplate,
		StatusCode: http.StatusOK,
		Context: map[string]any{
			"user":            NewUserView(actor),
			"users":           views,
			"available_roles": Roles(),
		},
	}
}
