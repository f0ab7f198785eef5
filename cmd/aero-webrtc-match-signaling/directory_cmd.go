package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
)

func newDirectoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Manage the SQLite user directory",
	}
	cmd.AddCommand(newSeedCommand())
	return cmd
}

func newSeedCommand() *cobra.Command {
	var (
		dbPath   string
		seedFile string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load users and blocks from a YAML file into the directory database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if seedFile == "" {
				return configError(errors.New("--file is required"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			users, blocks, err := seedDirectory(ctx, dbPath, seedFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %s: %d users, %d blocks\n", dbPath, users, blocks)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.DefaultDirectoryPath, "SQLite database path (created if missing)")
	cmd.Flags().StringVar(&seedFile, "file", "", "YAML seed file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall time limit")
	return cmd
}

func seedDirectory(ctx context.Context, dbPath, seedFile string) (users, blocks int, err error) {
	seed, err := directory.LoadSeed(seedFile)
	if err != nil {
		return 0, 0, err
	}
	store, err := directory.OpenSQLite(ctx, dbPath)
	if err != nil {
		return 0, 0, err
	}
	defer store.Close()

	if err := directory.ApplySeed(ctx, store, seed); err != nil {
		return 0, 0, fmt.Errorf("apply seed: %w", err)
	}
	return len(seed.Users), len(seed.Blocks), nil
}
