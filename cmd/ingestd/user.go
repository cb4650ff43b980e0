package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridline/powermeter/internal/domain"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage façade login accounts",
	}
	cmd.AddCommand(userCreateCmd())
	return cmd
}

func userCreateCmd() *cobra.Command {
	var (
		username string
		password string
		ownerID  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a login account with a bcrypt-hashed password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" || ownerID == "" {
				return fmt.Errorf("--username, --password and --owner-id are all required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			now := time.Now().UTC()
			u := domain.User{
				ID:           uuid.NewString(),
				Username:     username,
				PasswordHash: string(hash),
				OwnerID:      ownerID,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			created, err := s.InsertUser(ctx, u)
			if err != nil {
				return err
			}
			fmt.Printf("created user %s (id=%s)\n", created.Username, created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "login username (required)")
	cmd.Flags().StringVar(&password, "password", "", "plaintext password, hashed with bcrypt before storage (required)")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner ID this user authenticates as (required)")

	return cmd
}
