package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name       string
		role       Role
		permission Permission
		want       bool
	}{
		{"admin usage:read", RoleAdmin, PermissionUsageRead, true},
		{"admin breaker:manage", RoleAdmin, PermissionBreakerManage, true},
		{"admin credential:write", RoleAdmin, PermissionCredentialWrite, true},

		{"operator breaker:manage", RoleOperator, PermissionBreakerManage, true},
		{"operator credential:write", RoleOperator, PermissionCredentialWrite, false},

		{"viewer usage:read", RoleViewer, PermissionUsageRead, true},
		{"viewer breaker:manage", RoleViewer, PermissionBreakerManage, false},
		{"viewer credential:write", RoleViewer, PermissionCredentialWrite, false},

		{"unknown role", Role("unknown"), PermissionUsageRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPermission(tt.role, tt.permission); got != tt.want {
				t.Errorf("HasPermission(%v, %v) = %v, want %v", tt.role, tt.permission, got, tt.want)
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("test-password-123")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "" || hash == "test-password-123" {
		t.Errorf("HashPassword() = %q, want salted hash", hash)
	}

	hash2, _ := HashPassword("test-password-123")
	if hash == hash2 {
		t.Error("bcrypt salt missing: identical hashes for same password")
	}
}

func seedUser(t *testing.T, repo UserRepository, username, password string, role Role, enabled bool) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	err = repo.Create(context.Background(), &User{
		ID:           username + "-id",
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Enabled:      enabled,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	repo := NewMemoryUserRepository()
	seedUser(t, repo, "ops", "hunter2", RoleOperator, true)
	seedUser(t, repo, "ghost", "pw", RoleViewer, false)
	a := NewAuthenticator(repo)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid credentials", "ops", "hunter2", nil},
		{"wrong password", "ops", "wrong", ErrInvalidPassword},
		{"unknown user", "nobody", "pw", ErrUserNotFound},
		{"disabled user", "ghost", "pw", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := a.Authenticate(context.Background(), tt.username, tt.password)
			if err != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && user.Username != tt.username {
				t.Errorf("user.Username = %q, want %q", user.Username, tt.username)
			}
		})
	}
}

func TestMiddlewareRequireAuth(t *testing.T) {
	repo := NewMemoryUserRepository()
	seedUser(t, repo, "ops", "hunter2", RoleViewer, true)
	mw := NewMiddleware(NewAuthenticator(repo))

	var gotUser *User
	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	req.SetBasicAuth("ops", "wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	req.SetBasicAuth("ops", "hunter2")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid credentials: status = %d, want 200", rr.Code)
	}
	if gotUser == nil || gotUser.Username != "ops" {
		t.Error("authenticated user not placed on context")
	}
}

func TestMiddlewareRequirePermission(t *testing.T) {
	repo := NewMemoryUserRepository()
	seedUser(t, repo, "viewer", "pw", RoleViewer, true)
	seedUser(t, repo, "root", "pw", RoleAdmin, true)
	mw := NewMiddleware(NewAuthenticator(repo))

	handler := mw.RequireAuth(
		mw.RequirePermission(PermissionCredentialWrite)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		),
	)

	req := httptest.NewRequest(http.MethodPut, "/admin/callers/a/credential", nil)
	req.SetBasicAuth("viewer", "pw")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("viewer writing credential: status = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/admin/callers/a/credential", nil)
	req.SetBasicAuth("root", "pw")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("admin writing credential: status = %d, want 200", rr.Code)
	}
}
