package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/auth"
	"github.com/ukydev/schoolbus-tracking/internal/models"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	UserContextKey contextKey = "user"
)

// AuthMiddleware provides JWT authentication middleware
type AuthMiddleware struct {
	authService *auth.Service
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authService *auth.Service) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// Authenticate validates JWT tokens and adds user context. Websocket upgrades
// may pass the token in the "token" query parameter instead of the header.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" && websocket.IsWebSocketUpgrade(r) {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("Rejected token")
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole middleware checks if the user has the required role
func (m *AuthMiddleware) RequireRole(requiredRole models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "User context not found")
				return
			}

			if claims.Role != requiredRole && claims.Role != models.RoleAdmin {
				writeError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission middleware checks if the user has the required permission
func (m *AuthMiddleware) RequirePermission(requiredAction string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "User context not found")
				return
			}

			user := &models.User{Role: claims.Role}
			if !user.HasPermission(requiredAction) {
				writeError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(ctx context.Context) (*models.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*models.Claims)
	return claims, ok
}

// shouldSkipAuth determines if authentication should be skipped for a given path
func shouldSkipAuth(path string) bool {
	skipPaths := []string{
		"/api/auth/login",
		"/health",
	}

	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

// RateLimitMiddleware provides sliding-log rate limiting: each client key
// keeps the timestamps of its admitted requests inside the window. Keys with
// no request inside the window are dropped once per window.
type RateLimitMiddleware struct {
	requests  map[string][]int64 // client key -> timestamps
	mu        sync.Mutex
	now       func() time.Time
	nextPrune int64
}

// NewRateLimitMiddleware creates a new rate limiting middleware
func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		requests: make(map[string][]int64),
		now:      time.Now,
	}
}

// RateLimit limits requests per authenticated user, or per client IP when
// the request carries no user context. maxRequests <= 0 disables the limit.
func (m *RateLimitMiddleware) RateLimit(maxRequests int, windowSeconds int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxRequests <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)

			now := m.now().Unix()
			windowStart := now - int64(windowSeconds)

			m.mu.Lock()
			if now >= m.nextPrune {
				m.prune(windowStart)
				m.nextPrune = now + int64(windowSeconds)
			}

			var valid []int64
			for _, ts := range m.requests[key] {
				if ts > windowStart {
					valid = append(valid, ts)
				}
			}

			if len(valid) >= maxRequests {
				m.requests[key] = valid
				m.mu.Unlock()
				log.WithField("client", key).Warn("Rate limit exceeded")
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			m.requests[key] = append(valid, now)
			m.mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}

// prune drops keys whose newest timestamp is outside the window. Callers hold mu.
func (m *RateLimitMiddleware) prune(windowStart int64) {
	for key, stamps := range m.requests {
		if len(stamps) == 0 || stamps[len(stamps)-1] <= windowStart {
			delete(m.requests, key)
		}
	}
}

func rateLimitKey(r *http.Request) string {
	if claims, ok := GetUserFromContext(r.Context()); ok {
		return "user:" + claims.UserID
	}
	return "ip:" + getClientIP(r)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
