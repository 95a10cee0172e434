package server

import (
	"context"
	"net/http"
	"time"
)

// sessionCookieName is shared with the login service that issues sessions.
const sessionCookieName = "session_id"

// SessionMiddleware reads the session cookie, validates the session, and
// injects the user into the request context.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := s.store.GetSession(r.Context(), c.Value)
		if err != nil {
			// Invalid or expired session; clear cookie.
			clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		if s.now().UTC().After(sess.ExpiresAt) {
			if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
				s.logger.Warn("deleting expired session", "error", err)
			}
			clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.store.GetUser(r.Context(), sess.UserID)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// RequireAuth rejects requests without an authenticated user with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			writeJSONError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin returns 403 if the user is not an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil || !user.IsAdmin {
			writeJSONError(w, http.StatusForbidden, codeForbidden, "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleLogout handles POST /auth/logout.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		if err := s.store.DeleteSession(r.Context(), c.Value); err != nil {
			s.logger.Warn("deleting session on logout", "error", err)
		}
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// sessionSweepInterval is how often expired sessions are deleted.
const sessionSweepInterval = time.Hour

// SweepSessions deletes expired sessions every hour until ctx is done.
func (s *Server) SweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.DeleteExpiredSessions(ctx); err != nil {
				s.logger.Error("sweeping expired sessions", "error", err)
			}
		}
	}
}
