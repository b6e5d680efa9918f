package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/assistant/pkg/config"
	"github.com/aixgo-dev/assistant/pkg/security"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for jwt auth mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != config.AuthJWT {
				return errors.New("token minting is only available in jwt auth mode")
			}

			auth, err := buildAuthenticator(cfg.Auth)
			if err != nil {
				return err
			}
			minter, ok := auth.(*security.JWTAuthenticator)
			if !ok {
				return errors.New("configured authenticator cannot mint tokens")
			}

			tok, err := minter.Generate(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "subject (becomes the session id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
