package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/previewsync/internal/relay"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a relay access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Relay.JWTSecret == "" {
			return fmt.Errorf("--jwt-secret is required")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := relay.NewAuth(cfg.Relay.JWTSecret).Issue(args[0], cfg.Session.Channel, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("jwt-secret", "", "relay JWT secret")
	tokenCmd.Flags().String("channel", "", "restrict the token to one channel")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	rootCmd.AddCommand(tokenCmd)
}
