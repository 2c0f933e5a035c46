package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/fieldops/go-fieldsync/fieldsync"
	"github.com/fieldops/go-fieldsync/internal/auth"
	"github.com/fieldops/go-fieldsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline sync client for field technicians",
	Long: "Command-line interface for the field job sync subsystem.\n" +
		"Inspect the offline queue, trigger syncs, and manage cached jobs and pages.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildClient wires the sync client from the loaded config. The returned
// cleanup closes the client and its database handles.
func buildClient() (*fieldsync.Client, *config.Config, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	queueDB, err := sql.Open("sqlite3", cfg.Storage.QueuePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	cacheDB, err := sql.Open("sqlite3", cfg.Storage.JobCachePath)
	if err != nil {
		queueDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to open job cache database: %w", err)
	}
	pageDB, err := sql.Open("sqlite3", cfg.Storage.PageCachePath)
	if err != nil {
		queueDB.Close()
		cacheDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to open page cache database: %w", err)
	}
	closeAll := func() {
		pageDB.Close()
		cacheDB.Close()
		queueDB.Close()
	}

	var tok func(ctx context.Context) (string, error)
	if cfg.API.TokenSecret != "" {
		issuer := auth.NewTokenIssuer(cfg.API.TokenSecret, cfg.API.TokenTTL.Duration)
		tok = issuer.TokenFunc(cfg.API.TechnicianID, cfg.API.DeviceID)
	}

	syncCfg := fieldsync.DefaultConfig(cfg.API.BaseURL, cfg.API.TechnicianID)
	if cfg.API.AppURL != "" {
		syncCfg.AppURL = cfg.API.AppURL
	}
	if cfg.API.ProbeURL != "" {
		syncCfg.ProbeURL = cfg.API.ProbeURL
	}
	syncCfg.MaxRetries = cfg.Sync.MaxRetries
	syncCfg.UploadLimit = cfg.Sync.UploadLimitMiB
	syncCfg.DrainInterval = cfg.Sync.DrainInterval.Duration
	syncCfg.ProbeInterval = cfg.Sync.ProbeInterval.Duration
	syncCfg.ProbeTimeout = cfg.Sync.ProbeTimeout.Duration
	syncCfg.PrecacheRetryDelay = cfg.Sync.PrecacheRetryDelay.Duration
	syncCfg.PageMaxAge = cfg.Sync.PageMaxAge.Duration

	client, err := fieldsync.NewClient(queueDB, cacheDB, pageDB, tok, syncCfg, logger)
	if err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("failed to create sync client: %w", err)
	}
	cleanup := func() {
		client.Stop()
		closeAll()
	}
	return client, cfg, cleanup, nil
}

// goOnline feeds a platform online signal so network commands can run. The
// probe must succeed; otherwise the command reports the device offline.
func goOnline(ctx context.Context, client *fieldsync.Client) error {
	client.Detector().SetNetworkAvailable(ctx, true)
	if client.Detector().IsOffline() {
		return fmt.Errorf("server unreachable, still offline")
	}
	return nil
}
