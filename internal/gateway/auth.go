package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/models"
)

type contextKey string

const userContextKey contextKey = "user"

const minPasswordLength = 10

// Sessions stores opaque session tokens in Redis, keyed to user IDs.
type Sessions struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewSessions creates a session store with the given token lifetime.
func NewSessions(cacheClient *cache.Cache, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Sessions{cache: cacheClient, ttl: ttl}
}

// Create mints a new session token for the user.
func (s *Sessions) Create(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if err := s.cache.Set(ctx, sessionKey(token), userID, s.ttl); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

// Lookup resolves a token to its user ID, refreshing the TTL on hit.
func (s *Sessions) Lookup(ctx context.Context, token string) (string, error) {
	userID, err := s.cache.Get(ctx, sessionKey(token))
	if errors.Is(err, redis.Nil) {
		return "", errors.New("session not found")
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session: %w", err)
	}
	// Sliding expiration; losing the refresh only shortens the session.
	_ = s.cache.Expire(ctx, sessionKey(token), s.ttl)
	return userID, nil
}

// Destroy removes a session token.
func (s *Sessions) Destroy(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, sessionKey(token))
}

func sessionKey(token string) string {
	return "sessions:" + token
}

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plain text password against its stored hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		ctx := r.Context()
		userID, err := g.sessions.Lookup(ctx, token)
		if err != nil {
			g.writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}

		user, err := g.store.GetUser(ctx, userID)
		if err != nil {
			g.writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		if user.IsSuspended {
			g.writeError(w, http.StatusForbidden, "account suspended")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userContextKey, user)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// currentUser returns the authenticated user set by authMiddleware.
func currentUser(r *http.Request) models.User {
	user, _ := r.Context().Value(userContextKey).(models.User)
	return user
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		g.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	ctx := r.Context()
	if _, err := g.store.GetUserByEmail(ctx, req.Email); err == nil {
		g.writeError(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		g.logger.Error("failed to check existing user", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		g.logger.Error("failed to hash password", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.store.CreateUser(ctx, user); err != nil {
		g.logger.Error("failed to create user", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	g.logger.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("email", user.Email),
	)
	g.writeJSON(w, http.StatusCreated, map[string]string{
		"id":    user.ID,
		"email": user.Email,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	user, err := g.store.GetUserByEmail(ctx, req.Email)
	if err != nil || !CheckPassword(req.Password, user.PasswordHash) {
		g.writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if user.IsSuspended {
		g.writeError(w, http.StatusForbidden, "account suspended")
		return
	}

	token, err := g.sessions.Create(ctx, user.ID)
	if err != nil {
		g.logger.Error("failed to create session", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to log in")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := g.sessions.Destroy(r.Context(), token); err != nil {
			g.logger.Warn("failed to destroy session", zap.Error(err))
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
