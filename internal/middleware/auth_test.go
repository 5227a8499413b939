package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func authCookie(t *testing.T, m *AuthMiddleware, uid string) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	m.SetAuthCookie(w, uid)
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}
	return cookies[0]
}

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetUserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("user id not in context")
		}
		if id != "0192f1c4-user.1" {
			t.Fatalf("user id from context = %q, want %q", id, "0192f1c4-user.1")
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(authCookie(t, m, "0192f1c4-user.1"))

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{name: "no cookie"},
		{name: "foreign signature", cookie: authCookie(t, other, "u1")},
		{name: "tampered user", cookie: &http.Cookie{Name: authCookieName, Value: "u2." + m.signature("u1")}},
		{name: "garbage", cookie: &http.Cookie{Name: authCookieName, Value: "garbage"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.cookie != nil {
				r.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()
			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

type adminSet map[string]bool

func (a adminSet) IsAdmin(_ context.Context, uid string) (bool, error) {
	if uid == "broken" {
		return false, errors.New("store unavailable")
	}
	return a[uid], nil
}

func TestRequireAdmin(t *testing.T) {
	admins := adminSet{"root": true}

	tests := []struct {
		name string
		uid  string
		want int
	}{
		{name: "admin", uid: "root", want: http.StatusOK},
		{name: "regular user", uid: "u1", want: http.StatusForbidden},
		{name: "no user", uid: "", want: http.StatusUnauthorized},
		{name: "checker error", uid: "broken", want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			r := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
			r = r.WithContext(WithUserID(r.Context(), tt.uid))
			w := httptest.NewRecorder()

			RequireAdmin(admins)(next).ServeHTTP(w, r)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestClearAuthCookie(t *testing.T) {
	m := NewAuthMiddleware("")
	w := httptest.NewRecorder()
	m.ClearAuthCookie(w)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expired cookie, got %+v", cookies)
	}
}
