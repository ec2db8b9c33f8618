package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const (
	storageUnavailableMessage = "The service is temporarily unavailable, please try again shortly"
	maxRequestBodyBytes       = 1 << 20
)

// Request and Response Types

// Result is the common part of every API response.
type Result struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message,omitempty"`
	Error      string              `json:"error,omitempty"`
	Errors     map[string][]string `json:"errors,omitempty"`    // Field messages of a ValidationError
	UserRole   string              `json:"user_role,omitempty"` // Set on 403 responses
	StatusCode int                 `json:"-"`                   // HTTP status code (not serialized)
	Cookies    []*http.Cookie      `json:"-"`                   // Cookies to set on the response
}

// Status returns the HTTP status of the response.
func (r Result) Status() int { return r.StatusCode }

// ResponseCookies returns the cookies the response sets.
func (r Result) ResponseCookies() []*http.Cookie { return r.Cookies }

// Response is implemented by every handler result through the embedded Result.
type Response interface {
	Status() int
	ResponseCookies() []*http.Cookie
}

// WriteResponse sets the cookies of resp and writes it as JSON.
func WriteResponse(w http.ResponseWriter, resp Response) {
	for _, cookie := range resp.ResponseCookies() {
		http.SetCookie(w, cookie)
	}
	writeJSON(w, resp.Status(), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func failure(status int, msg string) Result {
	return Result{StatusCode: status, Error: msg}
}

func success(status int, msg string) Result {
	return Result{Success: true, StatusCode: status, Message: msg}
}

// errorResult converts a service error into its API response.
func errorResult(err error) Result {
	res := Result{StatusCode: StatusCode(err)}

	var (
		validationErr *ValidationError
		authzErr      *AuthorizationError
		notFoundErr   *NotFoundError
	)

	switch {
	case errors.As(err, &validationErr):
		res.Error = "Please correct the errors below"
		res.Errors = validationErr.Fields
	case errors.As(err, &authzErr):
		res.Error = authzErr.Reason
		res.UserRole = authzErr.Role.String()
	case errors.As(err, &notFoundErr):
		res.Error = "User not found"
	case errors.Is(err, ErrStorageUnavailable):
		res.Error = storageUnavailableMessage
	case errors.Is(err, ErrInvalidCredentials):
		res.Error = "Invalid username or password"
	case errors.Is(err, ErrAccountDisabled):
		res.Error = "This account has been disabled"
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidSession):
		res.Error = "Authentication required"
	default:
		slog.Error("Unexpected error", "error", err)
		res.Error = "Internal server error"
	}
	return res
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(dst)
}

func invalidRequest() Result {
	return failure(http.StatusBadRequest, "Invalid request format")
}

// SignUpResponse represents the response for user registration
type SignUpResponse struct {
	Result
	User *UserView `json:"user,omitempty"`
}

// SignInRequest represents a user login request
type SignInRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignInResponse represents the response for user authentication. The same
// credentials are also set as the session cookie.
type SignInResponse struct {
	Result
	Credentials string    `json:"credentials,omitempty"`
	User        *UserView `json:"user,omitempty"`
	Redirect    string    `json:"redirect,omitempty"` // Dashboard matching the user's role
}

// UserResponse carries a single user snapshot.
type UserResponse struct {
	Result
	User *UserView `json:"user,omitempty"`
}

// ProfileChangeResponse is returned by the profile and admin edit endpoints.
type ProfileChangeResponse struct {
	Result
	UpdatedFields []string  `json:"updated_fields,omitempty"`
	User          *UserView `json:"user,omitempty"`
}

// UserListResponse is returned by the user list endpoint.
type UserListResponse struct {
	Result
	Users      []*UserView `json:"users"`
	TotalCount int         `json:"total_count"`
}

// RoleChangeRequest names the target and the new role.
type RoleChangeRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RoleChangeResponse reports a role change.
type RoleChangeResponse struct {
	Result
	Change *RoleChange `json:"change,omitempty"`
}

// StatusChangeRequest names the account whose active flag is toggled.
type StatusChangeRequest struct {
	Username string `json:"username"`
}

// StatusChangeResponse reports an activation toggle.
type StatusChangeResponse struct {
	Result
	Change *StatusChange `json:"change,omitempty"`
}

// PermissionRequest names a permission token.
type PermissionRequest struct {
	Permission string `json:"permission"`
}

// StatsResponse carries the dashboard counters.
type StatsResponse struct {
	Result
	Stats *Stats `json:"stats,omitempty"`
}

// SignUpHandler processes user registration requests
func (a *AccountService) SignUpHandler(r *http.Request) SignUpResponse {
	var in RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		slog.Debug("Failed to decode signup request", "error", err)
		return SignUpResponse{Result: invalidRequest()}
	}

	user, err := a.Register(r.Context(), UserFromContext(r.Context()), in)
	if err != nil {
		return SignUpResponse{Result: errorResult(err)}
	}

	return SignUpResponse{
		Result: success(http.StatusCreated, fmt.Sprintf("Welcome %s, your account has been created as %s. You can sign in now.", user.FirstName, user.Role.DisplayName())),
		User:   NewUserView(user),
	}
}

// SignInHandler authenticates a username and password and opens a session.
// Attempts are throttled per client IP.
func (a *AccountService) SignInHandler(r *http.Request) SignInResponse {
	ip := a.clientIP(r)
	if a.loginLimiter != nil && !a.loginLimiter.AllowAt(ip, a.now()) {
		slog.Warn("Login rate limit exceeded", "ip_address", ip)
		return SignInResponse{Result: failure(http.StatusTooManyRequests, "Too many login attempts, please try again later")}
	}

	var req SignInRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode signin request", "error", err)
		return SignInResponse{Result: invalidRequest()}
	}
	if verr := a.validateStruct(req); !verr.Empty() {
		return SignInResponse{Result: errorResult(verr)}
	}

	ctx := r.Context()
	user, err := a.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return SignInResponse{Result: errorResult(err)}
	}

	token, err := a.CreateSession(ctx, user, ip, r.UserAgent())
	if err != nil {
		return SignInResponse{Result: errorResult(err)}
	}

	creds := SessionCredentials{Username: user.Username, Token: token}
	redirect := "/dashboard"
	if IsAdmin(user) {
		redirect = "/admin-dashboard"
	}

	slog.Info("User signed in", "user_id", user.ID, "ip_address", ip)

	resp := SignInResponse{
		Result:      success(http.StatusOK, fmt.Sprintf("Welcome %s (%s)!", user.FullName(), user.Role.DisplayName())),
		Credentials: creds.String(),
		User:        NewUserView(user),
		Redirect:    redirect,
	}
	resp.Cookies = []*http.Cookie{a.NewSessionCookie(creds)}
	return resp
}

// LogoutHandler ends the presented session. It succeeds even when the
// credentials no longer match a session.
func (a *AccountService) LogoutHandler(r *http.Request) Result {
	creds, ok := CredentialsFromContext(r.Context())
	if !ok {
		creds, ok = extractCredentials(r)
	}
	if ok {
		if err := a.DestroySession(r.Context(), creds.Username, creds.Token); err != nil {
			return errorResult(err)
		}
	}

	res := success(http.StatusOK, "You have been signed out")
	res.Cookies = []*http.Cookie{a.ExpiredSessionCookie()}
	return res
}

// ProfileHandler returns the signed-in user.
func (a *AccountService) ProfileHandler(r *http.Request) UserResponse {
	user := UserFromContext(r.Context())
	if user == nil {
		return UserResponse{Result: errorResult(ErrUnauthenticated)}
	}
	return UserResponse{Result: success(http.StatusOK, ""), User: NewUserView(user)}
}

// UpdateProfileHandler applies a partial profile update to the signed-in user.
func (a *AccountService) UpdateProfileHandler(r *http.Request) ProfileChangeResponse {
	var update ProfileUpdate
	if err := decodeJSON(r, &update); err != nil {
		slog.Debug("Failed to decode profile update", "error", err)
		return ProfileChangeResponse{Result: invalidRequest()}
	}

	change, err := a.UpdateProfile(r.Context(), UserFromContext(r.Context()), update)
	if err != nil {
		return ProfileChangeResponse{Result: errorResult(err)}
	}
	return profileChangeResponse(change, "Profile updated")
}

func profileChangeResponse(change *ProfileChange, msg string) ProfileChangeResponse {
	if len(change.UpdatedFields) == 0 {
		msg = "Nothing was changed"
	}
	return ProfileChangeResponse{
		Result:        success(http.StatusOK, msg),
		UpdatedFields: change.UpdatedFields,
		User:          change.User,
	}
}

// ChangePasswordHandler changes the signed-in user's password and ends the
// current session.
func (a *AccountService) ChangePasswordHandler(r *http.Request) Result {
	var change PasswordChange
	if err := decodeJSON(r, &change); err != nil {
		slog.Debug("Failed to decode password change", "error", err)
		return invalidRequest()
	}

	ctx := r.Context()
	creds, _ := CredentialsFromContext(ctx)
	if err := a.ChangePassword(ctx, UserFromContext(ctx), creds.Token, change); err != nil {
		return errorResult(err)
	}

	res := success(http.StatusOK, "Password changed, please sign in again")
	res.Cookies = []*http.Cookie{a.ExpiredSessionCookie()}
	return res
}

// ListUsersHandler lists accounts. Optional query parameters: role
// (admin|user), active (true|false), limit.
func (a *AccountService) ListUsersHandler(r *http.Request) UserListResponse {
	filter := UserFilter{OrderBy: OrderByDateJoinedDesc}
	query := r.URL.Query()

	if v := query.Get("role"); v != "" {
		role, err := ParseRole(v)
		if err != nil {
			return UserListResponse{Result: errorResult(NewValidationError("role", "Invalid role. Accepted: admin, user"))}
		}
		filter.Role = &role
	}
	if v := query.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return UserListResponse{Result: errorResult(NewValidationError("active", "Must be true or false"))}
		}
		filter.Active = &active
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return UserListResponse{Result: errorResult(NewValidationError("limit", "Must be a non-negative integer"))}
		}
		filter.Limit = limit
	}

	users, err := a.ListUsers(r.Context(), UserFromContext(r.Context()), filter)
	if err != nil {
		return UserListResponse{Result: errorResult(err)}
	}

	views := make([]*UserView, 0, len(users))
	for _, u := range users {
		views = append(views, NewUserView(u))
	}
	return UserListResponse{
		Result:     success(http.StatusOK, ""),
		Users:      views,
		TotalCount: len(views),
	}
}

// ChangeRoleHandler changes another user's role.
func (a *AccountService) ChangeRoleHandler(r *http.Request) RoleChangeResponse {
	var req RoleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		return RoleChangeResponse{Result: invalidRequest()}
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Role) == "" {
		return RoleChangeResponse{Result: failure(http.StatusBadRequest, "Username and role are required")}
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return RoleChangeResponse{Result: failure(http.StatusBadRequest, "Invalid role. Accepted: admin, user")}
	}

	change, err := a.ChangeRole(r.Context(), UserFromContext(r.Context()), req.Username, role)
	if err != nil {
		return RoleChangeResponse{Result: errorResult(err)}
	}
	return RoleChangeResponse{
		Result: success(http.StatusOK, fmt.Sprintf("Changed the role of %s from %s to %s", change.Username, change.OldRole.DisplayName(), change.NewRole.DisplayName())),
		Change: change,
	}
}

// ToggleStatusHandler activates or deactivates another user.
func (a *AccountService) ToggleStatusHandler(r *http.Request) StatusChangeResponse {
	var req StatusChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		return StatusChangeResponse{Result: invalidRequest()}
	}
	if strings.TrimSpace(req.Username) == "" {
		return StatusChangeResponse{Result: failure(http.StatusBadRequest, "Username is required")}
	}

	change, err := a.ToggleStatus(r.Context(), UserFromContext(r.Context()), req.Username)
	if err != nil {
		return StatusChangeResponse{Result: errorResult(err)}
	}

	action := "deactivated"
	if change.NewActive {
		action = "activated"
	}
	return StatusChangeResponse{
		Result: success(http.StatusOK, fmt.Sprintf("Account %s has been %s", change.Username, action)),
		Change: change,
	}
}

// EditUserHandler applies an admin edit to username.
func (a *AccountService) EditUserHandler(r *http.Request, username string) ProfileChangeResponse {
	var update AdminUserUpdate
	if err := decodeJSON(r, &update); err != nil {
		slog.Debug("Failed to decode user update", "error", err)
		return ProfileChangeResponse{Result: invalidRequest()}
	}

	change, err := a.AdminUpdateUser(r.Context(), UserFromContext(r.Context()), username, update)
	if err != nil {
		return ProfileChangeResponse{Result: errorResult(err)}
	}
	return profileChangeResponse(change, fmt.Sprintf("Updated user %s", username))
}

// GrantPermissionHandler grants the permission in the body to username.
func (a *AccountService) GrantPermissionHandler(r *http.Request, username string) ProfileChangeResponse {
	var req PermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		return ProfileChangeResponse{Result: invalidRequest()}
	}

	change, err := a.GrantPermission(r.Context(), UserFromContext(r.Context()), username, req.Permission)
	if err != nil {
		return ProfileChangeResponse{Result: errorResult(err)}
	}
	return profileChangeResponse(change, "Permission granted")
}

// RevokePermissionHandler removes permission from username.
func (a *AccountService) RevokePermissionHandler(r *http.Request, username, permission string) ProfileChangeResponse {
	change, err := a.RevokePermission(r.Context(), UserFromContext(r.Context()), username, permission)
	if err != nil {
		return ProfileChangeResponse{Result: errorResult(err)}
	}
	return profileChangeResponse(change, "Permission revoked")
}

// StatsHandler returns the dashboard counters. Admin only.
func (a *AccountService) StatsHandler(r *http.Request) StatsResponse {
	if err := authorize(UserFromContext(r.Context()), AdminOnly()); err != nil {
		return StatsResponse{Result: errorResult(err)}
	}

	stats, err := a.Stats(r.Context())
	if err != nil {
		return StatsResponse{Result: errorResult(err)}
	}
	return StatsResponse{Result: success(http.StatusOK, ""), Stats: stats}
}
