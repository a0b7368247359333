package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Prismer-AI/adminchat"
	"github.com/spf13/cobra"
)

var (
	importSave bool
	exportOut  string
)

func init() {
	importCmd.Flags().BoolVar(&importSave, "save", false, "Switch the saved config to snapshot mode on this file")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Output file (default <table>_export.csv or the imported name)")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Load a CSV snapshot and summarise it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cannot open snapshot: %w", err)
		}
		defer f.Close()

		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		snap, err := sess.Import(f, path)
		if err != nil {
			return err
		}
		fmt.Printf("Columns:       %s\n", strings.Join(snap.Headers, ", "))
		fmt.Printf("Messages:      %d\n", sess.Store().Len())
		fmt.Printf("Conversations: %d\n", len(sess.Conversations()))

		if importSave {
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Source.Mode = adminchat.SourceSnapshot
			cfg.Source.SnapshotFile = abs
			cfg.Table.Columns = strings.Join(snap.Headers, ", ")
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Data source switched to snapshot (%s)\n", abs)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the current messages as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := loadStore(ctx, sess); err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = filepath.Base(sess.Config().SnapshotName())
		}
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("cannot create %s: %w", out, err)
		}
		if _, err := sess.Export(f); err != nil {
			f.Close()
			if errors.Is(err, adminchat.ErrEmptyStore) {
				_ = os.Remove(out)
			}
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("cannot write %s: %w", out, err)
		}
		fmt.Printf("Wrote %s\n", out)
		return nil
	},
}
