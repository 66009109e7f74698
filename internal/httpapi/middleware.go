package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the authenticated user ID from the request
// context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// Auth rejects requests without a valid "Authorization: Bearer" token and
// stores the token's user in the request context.
func Auth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			userID, err := v.Verify(strings.TrimSpace(token))
			if err != nil {
				Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// userLimiters keeps one token bucket per user.
type userLimiters struct {
	mu        sync.Mutex
	rps       int
	limiters  map[string]*userLimiter
	lastSweep time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleLimiter is how long an unused bucket is kept.
const idleLimiter = 10 * time.Minute

func (u *userLimiters) allow(userID string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if now.Sub(u.lastSweep) > idleLimiter {
		for id, l := range u.limiters {
			if now.Sub(l.lastSeen) > idleLimiter {
				delete(u.limiters, id)
			}
		}
		u.lastSweep = now
	}

	l, ok := u.limiters[userID]
	if !ok {
		l = &userLimiter{limiter: rate.NewLimiter(rate.Limit(u.rps), u.rps)}
		u.limiters[userID] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// RateLimit allows each authenticated user rps requests per second with
// bursts of the same size and answers 429 beyond that. It must run after
// Auth.
func RateLimit(rps int) func(http.Handler) http.Handler {
	limiters := &userLimiters{rps: rps, limiters: make(map[string]*userLimiter), lastSweep: time.Now()}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(UserIDFromContext(r.Context()), time.Now()) {
				w.Header().Set("Retry-After", "1")
				Error(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
