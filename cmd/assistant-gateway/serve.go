package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/assistant/internal/dispatcher"
	"github.com/aixgo-dev/assistant/internal/gateway"
	tracing "github.com/aixgo-dev/assistant/internal/observability"
	"github.com/aixgo-dev/assistant/pkg/config"
	"github.com/aixgo-dev/assistant/pkg/executor"
	"github.com/aixgo-dev/assistant/pkg/observability"
	"github.com/aixgo-dev/assistant/pkg/security"
	"github.com/aixgo-dev/assistant/pkg/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg.Logging)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting assistant-gateway", "version", Version, "config", cfg)

	if err := tracing.Init(ctx, cfg.Observability.Tracing, logger); err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, err := session.New(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing session store failed", "error", err)
		}
	}()

	exec, err := executor.New(ctx, cfg.Executor, executor.DefaultTools())
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	auth, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}
	if cfg.Auth.Mode == config.AuthNone {
		logger.Warn("authentication disabled; session ids are taken from requests")
	}

	opts := cfg.DispatcherOptions()
	opts.Logger = logger
	d := dispatcher.New(store, exec, opts)

	srv := gateway.New(cfg, d, auth, store, logger)
	if cfg.Executor.Provider == executor.ProviderBedrock {
		check, err := bedrockModelCheck(ctx, cfg.Executor)
		if err != nil {
			return err
		}
		srv.AddHealthCheck(check)
	}

	return srv.Run(ctx)
}

func buildAuthenticator(cfg config.AuthConfig) (security.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthJWT:
		var opts []security.JWTOption
		if cfg.Issuer != "" {
			opts = append(opts, security.WithIssuer(cfg.Issuer))
		}
		if cfg.Audience != "" {
			opts = append(opts, security.WithAudience(cfg.Audience))
		}
		return security.NewJWTAuthenticator([]byte(cfg.Secret), opts...)
	case config.AuthJWKS:
		return security.NewJWKSAuthenticator(security.JWKSConfig{
			URL:      cfg.JWKSURL,
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
			TokenUse: cfg.TokenUse,
		})
	case config.AuthAPIKey:
		a := security.NewAPIKeyAuthenticator()
		for _, k := range cfg.APIKeys {
			a.AddKey(k.Key, &security.Principal{
				ID:       k.ID,
				Name:     k.Name,
				Metadata: map[string]string{"auth_mode": config.AuthAPIKey},
			})
		}
		return a, nil
	case config.AuthNone:
		return security.NewNoAuthAuthenticator(), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// bedrockModelCheck reports degraded readiness when the configured model is
// not visible to the account.
func bedrockModelCheck(ctx context.Context, cfg executor.Config) (*observability.HealthCheck, error) {
	client, err := newBedrockClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	return observability.ModelCheck("bedrock_model", func(ctx context.Context) error {
		out, err := client.GetFoundationModel(ctx, &bedrock.GetFoundationModelInput{
			ModelIdentifier: aws.String(cfg.Model),
		})
		if err != nil {
			return fmt.Errorf("model %s: %w", cfg.Model, err)
		}
		if out.ModelDetails == nil {
			return errors.New("model details missing")
		}
		return nil
	}), nil
}

func newBedrockClient(ctx context.Context, region string) (*bedrock.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return bedrock.NewFromConfig(awsCfg), nil
}
