package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wispberry-tech/wispy-accounts/accounts"
)

const (
	loginPath     = "/login"
	dashboardPath = "/dashboard"
)

// api adapts a return-based service handler to net/http.
func api[R accounts.Response](fn func(*http.Request) R) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts.WriteResponse(w, fn(r))
	}
}

// page renders a PageResult: redirects are followed, templates are returned as
// JSON for the front end to render.
func page(fn func(*http.Request) accounts.PageResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := fn(r)
		if res.Redirect != "" {
			http.Redirect(w, r, res.Redirect, res.StatusCode)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"template": res.Template,
			"context":  res.Context,
		}); err != nil {
			slog.Error("Failed to encode page", "template", res.Template, "error", err)
		}
	}
}

func newRouter(service *accounts.AccountService, store accounts.Storage, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if service.SecurityConfig().TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handleHealth(store))

	r.Group(func(r chi.Router) {
		r.Use(service.SessionMiddleware)

		r.Post("/register", api(service.SignUpHandler))
		r.Post("/login", api(service.SignInHandler))
		r.Post("/logout", api(service.LogoutHandler))

		r.Get("/oauth/{provider}", handleOAuthInit(service))
		r.Get("/oauth/{provider}/callback", handleOAuthCallback(service))

		r.Route("/api", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(accounts.RequireAPI(accounts.Authenticated()))

				r.Get("/get-profile", api(service.ProfileHandler))
				r.Patch("/profile", api(service.UpdateProfileHandler))
				r.Post("/change-password", api(service.ChangePasswordHandler))
			})

			r.Group(func(r chi.Router) {
				r.Use(accounts.RequireAPI(accounts.AdminOnly()))

				r.Get("/users", api(service.ListUsersHandler))
				r.Post("/change-user-role", api(service.ChangeRoleHandler))
				r.Post("/toggle-user-status", api(service.ToggleStatusHandler))
				r.Patch("/users/{username}", func(w http.ResponseWriter, r *http.Request) {
					accounts.WriteResponse(w, service.EditUserHandler(r, chi.URLParam(r, "username")))
				})
				r.Post("/users/{username}/permissions", func(w http.ResponseWriter, r *http.Request) {
					accounts.WriteResponse(w, service.GrantPermissionHandler(r, chi.URLParam(r, "username")))
				})
				r.Delete("/users/{username}/permissions/{permission}", func(w http.ResponseWriter, r *http.Request) {
					accounts.WriteResponse(w, service.RevokePermissionHandler(r, chi.URLParam(r, "username"), chi.URLParam(r, "permission")))
				})
				r.Get("/stats", api(service.StatsHandler))
			})
		})

		r.With(accounts.RequirePage(loginPath, dashboardPath, accounts.Authenticated())).
			Get("/dashboard", page(service.DashboardPage))
		r.Group(func(r chi.Router) {
			r.Use(accounts.RequirePage(loginPath, dashboardPath, accounts.AdminOnly()))
			r.Get("/admin-dashboard", page(service.AdminDashboardPage))
			r.Get("/users", page(service.UsersManagementPage))
		})
	})

	return r
}

// handleOAuthInit sets the state cookie and redirects to the provider.
func handleOAuthInit(service *accounts.AccountService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := service.OAuthInitHandler(r, chi.URLParam(r, "provider"))
		if !res.Success {
			accounts.WriteResponse(w, res)
			return
		}
		for _, c := range res.Cookies {
			http.SetCookie(w, c)
		}
		http.Redirect(w, r, res.URL, http.StatusFound)
	}
}

// handleOAuthCallback completes the flow. Browsers are sent to their dashboard,
// API clients get the credentials as JSON.
func handleOAuthCallback(service *accounts.AccountService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := service.OAuthCallbackHandler(r, chi.URLParam(r, "provider"))
		if res.Success && res.User != nil && wantsHTML(r) {
			for _, c := range res.Cookies {
				http.SetCookie(w, c)
			}
			target := dashboardPath
			if res.User.Role == accounts.RoleAdmin {
				target = "/admin-dashboard"
			}
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		accounts.WriteResponse(w, res)
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func handleHealth(store accounts.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := store.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]string{
			"status": status,
			"time":   time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			slog.Error("Failed to encode health response", "error", err)
		}
	}
}
