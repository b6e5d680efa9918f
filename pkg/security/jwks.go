package security

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultJWKSRefresh is how long fetched keys are trusted before refetching.
const DefaultJWKSRefresh = 24 * time.Hour

// JWKSKeyCache caches RSA signing keys published as a JSON Web Key Set,
// such as an identity provider's /.well-known/jwks.json.
type JWKSKeyCache struct {
	url        string
	refresh    time.Duration
	keys       map[string]*rsa.PublicKey
	mu         sync.RWMutex
	lastUpdate time.Time
	httpClient *http.Client
}

// NewJWKSKeyCache creates a key cache for url.
func NewJWKSKeyCache(url string, refresh time.Duration) *JWKSKeyCache {
	if refresh <= 0 {
		refresh = DefaultJWKSRefresh
	}
	return &JWKSKeyCache{
		url:     url,
		refresh: refresh,
		keys:    make(map[string]*rsa.PublicKey),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetKey retrieves a public key by key ID, fetching the set if needed.
// An unknown kid triggers a refetch so rotated keys are picked up.
func (c *JWKSKeyCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, exists := c.keys[kid]
	needsRefresh := time.Since(c.lastUpdate) > c.refresh
	c.mu.RUnlock()

	if exists && !needsRefresh {
		return key, nil
	}

	if err := c.fetchKeys(ctx); err != nil {
		// If we have a cached key, use it even if refresh failed
		if exists {
			return key, nil
		}
		return nil, fmt.Errorf("failed to fetch signing keys: %w", err)
	}

	c.mu.RLock()
	key, exists = c.keys[kid]
	c.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("key ID not found: %s", kid)
	}

	return key, nil
}

// fetchKeys replaces the cached key set with the published one.
func (c *JWKSKeyCache) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch keys: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var jwkSet struct {
		Keys []struct {
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
			Kty string `json:"kty"`
			Use string `json:"use"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwkSet); err != nil {
		return fmt.Errorf("failed to decode JWK set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwkSet.Keys))
	for _, jwk := range jwkSet.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}

		nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
		if err != nil {
			continue
		}

		keys[jwk.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.lastUpdate = time.Now()

	return nil
}

// JWKSAuthenticator verifies RS256 tokens issued by an external identity
// provider, such as a Cognito user pool.
type JWKSAuthenticator struct {
	keys     *JWKSKeyCache
	issuer   string
	audience string
	tokenUse string
}

// JWKSConfig configures a JWKSAuthenticator.
type JWKSConfig struct {
	// URL of the JSON Web Key Set.
	URL string
	// Issuer the "iss" claim must equal. Required.
	Issuer string
	// Audience the "aud" claim must contain. Cognito access tokens carry no
	// "aud"; leave it empty for those and set TokenUse instead.
	Audience string
	// TokenUse, when set, must equal the "token_use" claim ("id" or "access").
	TokenUse string
	// Refresh overrides DefaultJWKSRefresh.
	Refresh time.Duration
}

// NewJWKSAuthenticator creates an RS256 authenticator.
func NewJWKSAuthenticator(cfg JWKSConfig) (*JWKSAuthenticator, error) {
	if cfg.URL == "" {
		return nil, errors.New("jwks url is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("jwks issuer is required")
	}
	return &JWKSAuthenticator{
		keys:     NewJWKSKeyCache(cfg.URL, cfg.Refresh),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		tokenUse: cfg.TokenUse,
	}, nil
}

// Authenticate verifies signature, expiry, issuer and audience.
func (a *JWKSAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return a.keys.GetKey(ctx, kid)
	}, parserOpts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	if a.tokenUse != "" {
		if use, _ := claims["token_use"].(string); use != a.tokenUse {
			return nil, fmt.Errorf("%w: token_use %q", ErrInvalidToken, use)
		}
	}

	return principalFromClaims(claims, "jwks")
}
