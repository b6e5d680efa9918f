package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator verifies HS256 tokens signed with a shared secret and
// uses the "sub" claim as the principal id.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires the "iss" claim to match.
func WithIssuer(iss string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = iss }
}

// WithAudience requires the "aud" claim to contain aud.
func WithAudience(aud string) JWTOption {
	return func(a *JWTAuthenticator) { a.audience = aud }
}

// NewJWTAuthenticator creates an HS256 authenticator.
func NewJWTAuthenticator(secret []byte, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	a := &JWTAuthenticator{secret: secret}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate validates the token and returns its subject.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	return principalFromClaims(claims, "jwt")
}

// Generate mints a token for sub that expires after ttl.
func (a *JWTAuthenticator) Generate(sub string, ttl time.Duration) (string, error) {
	if sub == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if a.audience != "" {
		claims["aud"] = a.audience
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func classifyJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

func principalFromClaims(claims jwt.MapClaims, mode string) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	p := &Principal{
		ID:       sub,
		Metadata: map[string]string{"auth_mode": mode},
	}
	for _, key := range []string{"name", "email", "cognito:username"} {
		if v, ok := claims[key].(string); ok && v != "" {
			p.Metadata[key] = v
			if p.Name == "" {
				p.Name = v
			}
		}
	}
	return p, nil
}

// SubjectFromToken reads the "sub" claim without verifying the signature.
// It is for clients deriving their own session id from a token they hold.
func SubjectFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return sub, nil
}
