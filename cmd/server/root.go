package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/config"
)

func newRootCmd() *cobra.Command {
	var envFile string
	rootCmd := &cobra.Command{
		Use:          "league-live",
		Short:        "Real-time draft, chat and presence server for fantasy leagues",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file first")

	rootCmd.AddCommand(
		newServeCmd(&envFile),
		newTokenCmd(&envFile),
	)
	return rootCmd
}

func newServeCmd(envFile *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides LEAGUE_LIVE_ADDR")
	return cmd
}

// newTokenCmd signs a token with the configured secret for local testing.
func newTokenCmd(envFile *string) *cobra.Command {
	var (
		name  string
		rooms []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <identity-id>",
		Short: "Sign a development token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := verifier.Sign(auth.Identity{
				ID:              strings.TrimSpace(args[0]),
				DisplayName:     name,
				RoomMemberships: rooms,
			}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "room or draft id the identity belongs to (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

