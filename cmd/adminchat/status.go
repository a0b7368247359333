package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Prismer-AI/adminchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(endpointCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration and API health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Data source: %s\n", valueOrDefault(string(cfg.Source.Mode), string(adminchat.SourcePolling)))
		fmt.Printf("  Endpoint:    %s (%s)\n", valueOrDefault(cfg.Source.Endpoint, "(not set)"), valueOrDefault(cfg.BaseURL(), "no URL"))
		fmt.Printf("  DB URL:      %s\n", valueOrDefault(maskSecret(cfg.Source.DBURL), "(not set)"))
		fmt.Printf("  Table:       %s\n", cfg.Table.Name)
		fmt.Printf("  Columns:     %s\n", cfg.Table.Columns)
		fmt.Printf("  Identifier:  %s\n", cfg.Identifier())
		fmt.Printf("  After:       %s\n", valueOrDefault(cfg.Table.After, "(none)"))
		if iv := cfg.RefreshInterval(); iv > 0 {
			fmt.Printf("  Refresh:     every %s (%s)\n", iv, cfg.Refresh.Mode)
		} else {
			fmt.Println("  Refresh:     off")
		}
		fmt.Printf("  Operator:    %s\n", cfg.AuthorLabel())

		if !cfg.Polling() {
			return nil
		}

		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  API:         %s\n", healthLabel(sess.Health().Check(ctx)))
		ok, err := sess.TestConnection(ctx)
		switch {
		case err != nil:
			fmt.Printf("  Database:    unreachable (%v)\n", err)
		case ok:
			fmt.Println("  Database:    connected")
		default:
			fmt.Println("  Database:    NOT connected")
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check chat API health",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		healthy := sess.Health().Check(ctx)
		fmt.Printf("Chat API (%s): %s\n", sess.Config().BaseURL(), healthLabel(healthy))
		if !healthy {
			return fmt.Errorf("%w: health probe failed", adminchat.ErrConnectionUnavailable)
		}
		return nil
	},
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Check that the API can reach the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ok, err := sess.TestConnection(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("database not connected")
		}
		fmt.Println("Database: connected")
		return nil
	},
}

var endpointCmd = &cobra.Command{
	Use:   "endpoint [key]",
	Short: "List API endpoints or select one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if len(args) == 0 {
			keys := make([]string, 0, len(cfg.Source.Endpoints))
			for k := range cfg.Source.Endpoints {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				marker := " "
				if k == cfg.Source.Endpoint {
					marker = "*"
				}
				fmt.Printf("%s %-8s %s\n", marker, k, cfg.Source.Endpoints[k])
			}
			return nil
		}

		key := args[0]
		if _, ok := cfg.Source.Endpoints[key]; !ok {
			return fmt.Errorf("unknown endpoint %q", key)
		}
		cfg.Source.Endpoint = key
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Endpoint set to %s (%s)\n", key, cfg.Source.Endpoints[key])
		return nil
	},
}

func healthLabel(ok bool) string {
	if ok {
		return "HEALTHY"
	}
	return "UNHEALTHY"
}
