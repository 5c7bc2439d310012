package auth

import (
	"context"
	"net/http"
	"strings"

	"forge/internal/models"
)

type sessionKey struct{}

// Middleware rejects requests without a valid session and attaches the
// session to the request context for the wrapped handler. With auth
// disabled every request passes through untouched.
func Middleware(config models.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !config.AuthEnabled {
			next(w, r)
			return
		}

		session := SessionFromRequest(r)
		if session == nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	}
}

// SessionFromRequest resolves the session token the request carries.
// Browsers send the session cookie; API clients send a bearer token.
func SessionFromRequest(r *http.Request) *models.Session {
	token := ""
	if cookie, err := r.Cookie("session"); err == nil {
		token = cookie.Value
	} else if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return nil
	}
	return GetSession(token)
}

// SessionFromContext returns the session Middleware attached, or nil on
// routes that skipped it.
func SessionFromContext(r *http.Request) *models.Session {
	session, _ := r.Context().Value(sessionKey{}).(*models.Session)
	return session
}
