// skycloset is the local weather cache tool: it syncs manifest-driven blobs
// from the remote CDN into the closet and keeps the closet healthy.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skycloset/skycloset/internal/closet"
	"github.com/skycloset/skycloset/internal/config"
	"github.com/skycloset/skycloset/pkg/bytesize"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "skycloset",
		Short:   "Offline weather cache",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pinCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "skycloset.yaml"
	}
	return home + "/.skycloset/skycloset.yaml"
}

// loadConfig reads and validates the config file. A missing file falls back
// to defaults so read-only commands work out of the box.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openCloset(cfg *config.Config) (*closet.Closet, error) {
	remote := closet.NewManifestClient(cfg.Remote.BaseURL, &http.Client{Timeout: cfg.RequestTimeout()})
	return closet.Open(cfg.DataDir, remote, cfg.ClosetPolicy(), closet.InitMetrics(nil),
		closet.WithSyncDays(cfg.Sync.Days),
		closet.WithBackfillDays(cfg.Sync.BackfillDays),
		closet.WithMaxBlobBytes(cfg.Remote.MaxBlobSize.Bytes()),
	)
}

// signalContext returns a context canceled on SIGINT/SIGTERM, so an
// interrupted sync stops at its next cancellation boundary instead of being
// killed mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func syncCmd() *cobra.Command {
	var location string
	var days int

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync recent manifests for a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if location == "" {
				location = cfg.Sync.PrimaryLocation
			}
			if location == "" {
				return fmt.Errorf("no location given and sync.primary_location is not set")
			}

			cl, err := openCloset(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cl.Close() }()

			ctx, stop := signalContext()
			defer stop()

			start := time.Now()
			result, err := cl.Engine.Sync(ctx, func(done, total int) {
				log.Info().Int("done", done).Int("total", total).Msg("downloading")
			}, closet.SyncOptions{Location: location, SyncDays: days})
			if errors.Is(err, context.Canceled) {
				log.Warn().Msg("sync interrupted")
			} else if err != nil {
				return err
			}

			fmt.Printf("Downloaded %d blobs (%s) in %s\n",
				result.BlobsDownloaded,
				bytesize.Format(result.BytesDownloaded),
				time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&location, "location", "l", "", "location to sync (defaults to primary)")
	cmd.Flags().IntVar(&days, "days", 0, "days of manifests to sync (defaults to config)")
	return cmd
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <location>",
		Short: "Deep historical sync for a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			cl, err := openCloset(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cl.Close() }()

			ctx, stop := signalContext()
			defer stop()

			result, err := cl.Engine.Sync(ctx, nil, closet.SyncOptions{
				Location: args[0],
				SyncDays: cfg.Sync.BackfillDays,
			})
			if errors.Is(err, context.Canceled) {
				log.Warn().Msg("backfill interrupted")
			} else if err != nil {
				return err
			}

			fmt.Printf("Backfilled %d blobs (%s)\n",
				result.BlobsDownloaded, bytesize.Format(result.BytesDownloaded))
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Audit the vault against metadata, optionally reclaiming garbage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			cl, err := openCloset(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cl.Close() }()

			ctx, stop := signalContext()
			defer stop()

			policy := cfg.ClosetPolicy()
			report, err := cl.Reconciler.Reconcile(ctx, fix, closet.ReconcileOptions{Policy: &policy})
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "physically reclaim safe orphans and persist the recomputed counter")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show closet contents summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			cl, err := openCloset(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cl.Close() }()

			metas, err := cl.DB.AllBlobMetas()
			if err != nil {
				return err
			}
			total, err := cl.DB.TotalBytesPresent()
			if err != nil {
				return err
			}

			var present, pinned int
			for _, meta := range metas {
				if meta.Present {
					present++
				}
				if meta.Pinned {
					pinned++
				}
			}

			fmt.Printf("Data dir:       %s\n", cfg.DataDir)
			fmt.Printf("Tracked blobs:  %d\n", len(metas))
			fmt.Printf("Present blobs:  %d\n", present)
			fmt.Printf("Pinned blobs:   %d\n", pinned)
			fmt.Printf("Present bytes:  %s\n", bytesize.Format(total))
			return nil
		},
	}
}

func pinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Manage force-retained hashes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <hash>",
		Short: "Pin a hash so retention never drops it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policy := cfg.ClosetPolicy()
			if policy.IsHashPinned(args[0]) {
				return nil
			}
			cfg.Policy.Pins = append(cfg.Policy.Pins, closet.Pin{Type: "hash", Hash: args[0]})
			return cfg.Save(cfgFile)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <hash>",
		Short: "Remove a pin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kept := cfg.Policy.Pins[:0]
			for _, pin := range cfg.Policy.Pins {
				if !(pin.Type == "hash" && strings.EqualFold(pin.Hash, args[0])) {
					kept = append(kept, pin)
				}
			}
			cfg.Policy.Pins = kept
			return cfg.Save(cfgFile)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List pins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, pin := range cfg.Policy.Pins {
				fmt.Println(pin.Hash)
			}
			return nil
		},
	})

	return cmd
}
