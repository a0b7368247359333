package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Prismer-AI/adminchat"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.adminchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".adminchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file in use.
func configPath() (string, error) {
	if flagConfigPath != "" {
		return flagConfigPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file over defaults, without env overrides.
func loadConfig() (adminchat.Config, error) {
	path, err := configPath()
	if err != nil {
		return adminchat.Config{}, err
	}
	return adminchat.LoadConfigFile(path, time.Now())
}

// effectiveConfig is loadConfig plus .env and ADMINCHAT_* overrides.
func effectiveConfig() (adminchat.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	files := []string{".env"}
	if dir, err := configDir(); err == nil {
		files = append(files, filepath.Join(dir, ".env"))
	}
	adminchat.ApplyEnv(&cfg, files...)
	return cfg, cfg.Validate()
}

func saveConfig(cfg adminchat.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return adminchat.SaveConfigFile(path, cfg)
}

// ============================================================================
// config show / set
// ============================================================================

var configShowEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Include .env and environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage adminchat configuration",
	Long:  "View or modify the configuration stored in ~/.adminchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadConfig
		if configShowEffective {
			load = effectiveConfig
		}
		cfg, err := load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Source.DBURL = maskSecret(cfg.Source.DBURL)
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Examples:\n" +
		"  adminchat config set table.name messages\n" +
		"  adminchat config set refresh.interval_seconds 10\n" +
		"  adminchat config set source.endpoints.local http://localhost:8080",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := adminchat.SetValue(&cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
