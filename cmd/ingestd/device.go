package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gridline/powermeter/internal/domain"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage power-meter device rows",
	}
	cmd.AddCommand(deviceSeedCmd())
	return cmd
}

func deviceSeedCmd() *cobra.Command {
	var (
		mac         string
		ownerID     string
		ingress     string
		broker      string
		port        int
		subTopic    string
		pubTopic    string
		clientID    string
		username    string
		password    string
		host        string
		tcpPort     int
		description string
		collect     bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert one device row directly (operator bootstrap, bypasses the admin HTTP API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mac = strings.ToUpper(mac)
			if _, err := hex.DecodeString(mac); err != nil || len(mac) != 12 || ownerID == "" {
				return fmt.Errorf("--mac must be 12 hex characters and --owner-id is required")
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

			now := time.Now().UTC()
			d := domain.Device{
				ID:             uuid.NewString(),
				MAC:            mac,
				Status:         domain.DeviceEnabled,
				CollectEnabled: collect,
				IngressType:    domain.IngressType(strings.ToUpper(ingress)),
				Broker:         broker,
				Port:           port,
				SubTopic:       subTopic,
				PubTopic:       pubTopic,
				ClientID:       clientID,
				Username:       username,
				Password:       password,
				Host:           host,
				TCPPort:        tcpPort,
				OwnerID:        ownerID,
				Description:    description,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := d.ValidateForMQTT(); err != nil {
				return fmt.Errorf("invalid device config: %w", err)
			}

			created, err := s.InsertDevice(ctx, d)
			if err != nil {
				return err
			}
			fmt.Printf("seeded device %s (id=%s)\n", created.MAC, created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&mac, "mac", "", "device MAC, 12 hex characters (required)")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owning user ID (required)")
	cmd.Flags().StringVar(&ingress, "ingress", "MQTT", "ingress type: MQTT or TCP")
	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker host")
	cmd.Flags().IntVar(&port, "port", 1883, "MQTT broker port")
	cmd.Flags().StringVar(&subTopic, "sub-topic", "", "MQTT subscribe topic")
	cmd.Flags().StringVar(&pubTopic, "pub-topic", "", "MQTT publish topic")
	cmd.Flags().StringVar(&clientID, "client-id", "", "MQTT client ID")
	cmd.Flags().StringVar(&username, "username", "", "MQTT username")
	cmd.Flags().StringVar(&password, "password", "", "MQTT password")
	cmd.Flags().StringVar(&host, "host", "", "TCP adapter host")
	cmd.Flags().IntVar(&tcpPort, "tcp-port", 0, "TCP adapter port")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	cmd.Flags().BoolVar(&collect, "collect", false, "enable collection immediately")

	return cmd
}
