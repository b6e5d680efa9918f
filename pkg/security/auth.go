package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Authentication errors
var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("authentication token expired")
)

// Principal represents an authenticated entity
type Principal struct {
	// ID is the stable per-user identifier (the token subject).
	ID string
	// Name is a display name, when the token carries one.
	Name string
	// Anonymous is set when no identity was asserted at all.
	Anonymous bool
	Metadata  map[string]string
}

// AuthContext contains authentication information for one request
type AuthContext struct {
	Principal   *Principal
	RequestID   string
	IPAddress   string
	UserAgent   string
	RequestTime time.Time
}

// Authenticator handles authentication of requests
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// ExtractToken returns the credential from an Authorization header value.
// Both "Bearer <token>" and a bare token are accepted.
func ExtractToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 6 && strings.EqualFold(header[:6], "bearer") &&
		(len(header) == 6 || header[6] == ' ') {
		return strings.TrimSpace(header[6:])
	}
	return header
}

// APIKeyAuthenticator implements simple API key authentication
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*Principal),
	}
}

// AddKey registers an API key with associated principal
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Authenticate verifies an API key and returns the associated principal
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Use constant-time comparison to prevent timing attacks
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return principal, nil
		}
	}

	return nil, ErrInvalidToken
}

// NoAuthAuthenticator accepts every request as anonymous (INSECURE - development only).
// Callers must then take the session identity from the request itself.
type NoAuthAuthenticator struct {
	defaultPrincipal *Principal
}

// NewNoAuthAuthenticator creates a no-auth authenticator (INSECURE - development only)
func NewNoAuthAuthenticator() *NoAuthAuthenticator {
	return &NoAuthAuthenticator{
		defaultPrincipal: &Principal{
			ID:        "anonymous",
			Name:      "Anonymous User",
			Anonymous: true,
			Metadata:  map[string]string{"auth_mode": "none"},
		},
	}
}

// Authenticate returns the anonymous principal
func (a *NoAuthAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	return a.defaultPrincipal, nil
}

// contextKey is a private type for context keys
type contextKey string

const (
	authContextKey contextKey = "auth_context"
)

// WithAuthContext adds authentication context to the context
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// GetAuthContext retrieves authentication context from the context
func GetAuthContext(ctx context.Context) (*AuthContext, error) {
	authCtx, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok || authCtx == nil {
		return nil, fmt.Errorf("no authentication context found")
	}
	return authCtx, nil
}

// GetPrincipal retrieves the principal from the context
func GetPrincipal(ctx context.Context) (*Principal, error) {
	authCtx, err := GetAuthContext(ctx)
	if err != nil {
		return nil, err
	}
	if authCtx.Principal == nil {
		return nil, fmt.Errorf("no principal in authentication context")
	}
	return authCtx.Principal, nil
}
