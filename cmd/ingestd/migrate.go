package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		Long:  "Connects to Postgres and runs EnsureSchema, the same idempotent DDL the daemon runs on every boot.",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			fmt.Println("schema is up to date")
			return nil
		},
	}
}
