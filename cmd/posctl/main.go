package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-pos-sync/internal/app"
	"github.com/Guizzs26/go-pos-sync/internal/config"
	"github.com/Guizzs26/go-pos-sync/internal/localstore"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/pricecache"
	"github.com/Guizzs26/go-pos-sync/internal/service"
	"github.com/Guizzs26/go-pos-sync/pkg/infra"

	"github.com/urfave/cli/v2"
)

// posctl is the maintenance companion of the intake: it works on the same local store
// file, so run it on the till itself
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := infra.SetupLogger(cfg)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(cfg, logger).RunContext(ctx, os.Args); err != nil {
		logger.Error("posctl failed", "error", err)
		os.Exit(1)
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) *cli.App {
	return &cli.App{
		Name:  "posctl",
		Usage: "inspect and maintain the offline POS intake",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db",
				Usage:       "local store path",
				Value:       cfg.LocalDBPath,
				Destination: &cfg.LocalDBPath,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "print save queue and local store counts",
				Action: func(c *cli.Context) error {
					return withStore(c.Context, cfg, logger, func(s *localstore.Store) error {
						return printStats(c, s)
					})
				},
			},
			{
				Name:  "cleanup",
				Usage: "delete synced entries older than the retention window",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Value: cfg.RetentionDays, Usage: "retention in days"},
				},
				Action: func(c *cli.Context) error {
					days := c.Int("days")
					if days < 1 {
						return cli.Exit("--days must be at least 1", 2)
					}
					return withStore(c.Context, cfg, logger, func(s *localstore.Store) error {
						n, err := s.Cleanup(c.Context, days)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "removed %d synced entries\n", n)
						return nil
					})
				},
			},
			{
				Name:  "sync",
				Usage: "run one sweep of pending local entries against the primary store",
				Action: func(c *cli.Context) error {
					return withStore(c.Context, cfg, logger, func(s *localstore.Store) error {
						return runSweep(c, cfg, logger, s)
					})
				},
			},
			{
				Name:      "price",
				Usage:     "look up a barcode or name in the price reference lists",
				ArgsUsage: "<code-or-name>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one code or name", 2)
					}
					return lookupPrice(c, cfg, logger, c.Args().First())
				},
			},
		},
	}
}

func withStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*localstore.Store) error) error {
	s, err := localstore.Open(ctx, cfg.LocalDBPath, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printStats(c *cli.Context, s *localstore.Store) error {
	var records []models.QueueRecord
	raw, err := s.LoadSnapshot(c.Context, service.SnapshotKey)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("corrupt queue snapshot: %w", err)
		}
	}

	counts, err := s.Counts(c.Context)
	if err != nil {
		return err
	}

	return writeJSON(c, map[string]any{
		"queue": service.StatsOf(records),
		"local": counts,
	})
}

func runSweep(c *cli.Context, cfg *config.Config, logger *slog.Logger, s *localstore.Store) error {
	ctx, cancel := context.WithTimeout(c.Context, cfg.RemoteTimeout)
	primary, closePrimary, err := app.DialPrimary(ctx, cfg, logger)
	cancel()
	if err != nil {
		return cli.Exit(fmt.Sprintf("primary store unreachable: %v", err), 1)
	}
	defer closePrimary()

	locker, closeLocker, err := app.NewLocker(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	blobs, closeBlobs, err := app.NewBlobStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBlobs()

	syncer := service.NewSynchronizer(s, primary, blobs, locker, logger, service.SynchronizerOptions{
		RemoteTimeout: cfg.RemoteTimeout,
		RetentionDays: cfg.RetentionDays,
	})
	report := syncer.Sweep(c.Context)
	if report.Skipped {
		return cli.Exit("another sweep holds the sync lock", 3)
	}
	return writeJSON(c, report)
}

func lookupPrice(c *cli.Context, cfg *config.Config, logger *slog.Logger, query string) error {
	if len(cfg.PriceSources) == 0 {
		return cli.Exit("PRICE_SOURCES is empty", 2)
	}

	cache := pricecache.New(pricecache.NewSourceFetcher(), cfg.PriceCharset, logger)
	if err := cache.Load(c.Context, cfg.PriceSources...); err != nil {
		logger.Warn("Some price sources failed", "error", err)
	}

	entry, ok := cache.FindByBarcode(query)
	if !ok {
		entry, ok = cache.FindByName(query)
	}
	if !ok {
		return cli.Exit("no reference price for "+query, 4)
	}

	return writeJSON(c, map[string]any{
		"entry":      entry,
		"sale_price": pricecache.SalePrice(entry.PurchasePrice),
	})
}

func writeJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
