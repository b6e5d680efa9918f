package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/assistant/pkg/config"
	"github.com/aixgo-dev/assistant/pkg/security"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestBuildAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuthConfig
		check   func(t *testing.T, a security.Authenticator)
		wantErr bool
	}{
		{
			name: "jwt",
			cfg:  config.AuthConfig{Mode: config.AuthJWT, Secret: testSecret},
			check: func(t *testing.T, a security.Authenticator) {
				assert.IsType(t, &security.JWTAuthenticator{}, a)
			},
		},
		{
			name: "jwks",
			cfg:  config.AuthConfig{Mode: config.AuthJWKS, JWKSURL: "http://idp/jwks.json", Issuer: "http://idp"},
			check: func(t *testing.T, a security.Authenticator) {
				assert.IsType(t, &security.JWKSAuthenticator{}, a)
			},
		},
		{
			name: "apikey",
			cfg: config.AuthConfig{Mode: config.AuthAPIKey, APIKeys: []config.APIKey{
				{Key: "k-1", ID: "user-1", Name: "One"},
			}},
			check: func(t *testing.T, a security.Authenticator) {
				p, err := a.Authenticate(context.Background(), "k-1")
				require.NoError(t, err)
				assert.Equal(t, "user-1", p.ID)
			},
		},
		{
			name: "none",
			cfg:  config.AuthConfig{Mode: config.AuthNone},
			check: func(t *testing.T, a security.Authenticator) {
				p, err := a.Authenticate(context.Background(), "")
				require.NoError(t, err)
				assert.True(t, p.Anonymous)
			},
		},
		{name: "short secret", cfg: config.AuthConfig{Mode: config.AuthJWT, Secret: "x"}, wantErr: true},
		{name: "unknown", cfg: config.AuthConfig{Mode: "saml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := buildAuthenticator(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, a)
		})
	}
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  mode: jwt\n  secret: "+testSecret+"\n"), 0o600))
	t.Setenv("ASSISTANT_AUTH_MODE", "")
	t.Setenv("ASSISTANT_JWT_SECRET", "")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", path, "--sub", "user-5"})
	require.NoError(t, root.Execute())

	tok := strings.TrimSpace(out.String())
	auth, err := security.NewJWTAuthenticator([]byte(testSecret))
	require.NoError(t, err)
	p, err := auth.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-5", p.ID)
}

func TestSetupLogger(t *testing.T) {
	logger, err := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), -4))

	_, err = setupLogger(config.LoggingConfig{Level: "chatty", Format: "json"})
	assert.Error(t, err)
}
