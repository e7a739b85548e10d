// Package middleware provides Gin middleware for the dashboard API:
// management-key authentication and acting-user resolution.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxFailures = 5
	banDuration = 5 * time.Minute
	// UserContextKey is the gin context key holding the acting user id.
	UserContextKey = "dashboardUser"
	userHeader     = "X-Dashboard-User"
)

type attemptInfo struct {
	count        int
	blockedUntil time.Time
}

// Auth guards dashboard routes with the management key. The key is accepted
// as Authorization: Bearer <key> or X-Management-Key, compared against the
// bcrypt hash from configuration or the plaintext environment secret.
// Repeated failures from one address earn a temporary ban.
type Auth struct {
	secretHash string
	envSecret  string

	attemptsMu     sync.Mutex
	failedAttempts map[string]*attemptInfo
}

// NewAuth builds the auth middleware state. secretHash is a bcrypt hash,
// envSecret a plaintext key from the environment; either may be empty.
func NewAuth(secretHash, envSecret string) *Auth {
	return &Auth{
		secretHash:     secretHash,
		envSecret:      strings.TrimSpace(envSecret),
		failedAttempts: make(map[string]*attemptInfo),
	}
}

// Middleware returns the gin handler enforcing the management key.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		a.attemptsMu.Lock()
		if ai := a.failedAttempts[clientIP]; ai != nil && time.Now().Before(ai.blockedUntil) {
			a.attemptsMu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts"})
			return
		}
		a.attemptsMu.Unlock()

		if a.secretHash == "" && a.envSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not set"})
			return
		}

		provided := extractKey(c)
		if provided == "" {
			a.fail(clientIP)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}

		if a.envSecret != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(a.envSecret)) == 1 {
			a.reset(clientIP)
			c.Next()
			return
		}

		if a.secretHash == "" || bcrypt.CompareHashAndPassword([]byte(a.secretHash), []byte(provided)) != nil {
			a.fail(clientIP)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}

		a.reset(clientIP)
		c.Next()
	}
}

func extractKey(c *gin.Context) string {
	if ah := c.GetHeader("Authorization"); ah != "" {
		parts := strings.SplitN(ah, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
		return ah
	}
	return c.GetHeader("X-Management-Key")
}

func (a *Auth) fail(clientIP string) {
	a.attemptsMu.Lock()
	defer a.attemptsMu.Unlock()
	ai := a.failedAttempts[clientIP]
	if ai == nil {
		ai = &attemptInfo{}
		a.failedAttempts[clientIP] = ai
	}
	ai.count++
	if ai.count >= maxFailures {
		ai.blockedUntil = time.Now().Add(banDuration)
		ai.count = 0
	}
}

func (a *Auth) reset(clientIP string) {
	a.attemptsMu.Lock()
	defer a.attemptsMu.Unlock()
	if ai := a.failedAttempts[clientIP]; ai != nil {
		ai.count = 0
		ai.blockedUntil = time.Time{}
	}
}

// RequireUser resolves the acting dashboard user from the X-Dashboard-User
// header and stores it in the context. Routes behind it refuse requests
// without a user, since every provider and claim is scoped to one.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(userHeader))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + userHeader + " header"})
			return
		}
		c.Set(UserContextKey, user)
		c.Next()
	}
}

// ActingUser returns the user id stored by RequireUser.
func ActingUser(c *gin.Context) string {
	return c.GetString(UserContextKey)
}
