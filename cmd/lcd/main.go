package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pfcoder/lcd-core/internal/alerts"
	"github.com/pfcoder/lcd-core/internal/api"
	"github.com/pfcoder/lcd-core/internal/config"
	"github.com/pfcoder/lcd-core/internal/fleet"
	"github.com/pfcoder/lcd-core/internal/inventory"
	"github.com/pfcoder/lcd-core/internal/logger"
	"github.com/pfcoder/lcd-core/internal/metrics"
	"github.com/pfcoder/lcd-core/internal/miner"
	"github.com/pfcoder/lcd-core/internal/schedule"
	"github.com/pfcoder/lcd-core/internal/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("lcd stopped", zap.Error(err))
	}
}

// issueToken prints a bearer token for the control API.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config file")
	operator := fs.String("operator", "ops", "operator name embedded in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	fs.Parse(args)

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		return err
	}
	token, err := api.IssueToken([]byte(cfg.API.JWTSecret), *operator, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("lcd starting")
	metrics.Init(prometheus.DefaultRegisterer)

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()
	if err := store.Vacuum(); err != nil {
		log.Warn("database vacuum failed", zap.Error(err))
	}
	log.Info("database ready", zap.String("path", cfg.DBPath))

	registry := newRegistry(cfg, log)
	notifier := newNotifier(cfg, log)

	opts := []fleet.Option{
		fleet.WithRecordSink(store),
		fleet.WithFailureCounter(fleet.NewFailureCounter(cfg.Switch.AlertThreshold)),
		fleet.WithConcurrency(cfg.Switch.Concurrency),
	}
	if cfg.Inventory.Path != "" {
		opts = append(opts, fleet.WithInventory(inventory.NewWorkbook(inventory.Config{
			Path:             cfg.Inventory.Path,
			MachineSheets:    cfg.Inventory.MachineSheets,
			PoolSheet:        cfg.Inventory.PoolSheet,
			AccountTimeSheet: cfg.Inventory.AccountTimeSheet,
			PerfTimeSheet:    cfg.Inventory.PerfTimeSheet,
		}, log)))
	}
	if notifier != nil {
		opts = append(opts, fleet.WithNotifier(notifier))
	}
	orch := fleet.New(registry, log, opts...)

	var apiNotifier alerts.Notifier
	if notifier != nil {
		apiNotifier = notifier
	}
	server, err := api.NewServer(cfg, orch, store, apiNotifier, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Switch.Enabled {
		go every(ctx, cfg.Switch.Interval, func(ctx context.Context) {
			_, err := orch.SwitchFromInventory(ctx)
			switch {
			case errors.Is(err, schedule.ErrNoActiveWindow):
				log.Info("no account window active, skipping switch")
			case err != nil:
				log.Error("switch cycle", zap.Error(err))
			}
		})
	}

	if cfg.Watch.Enabled {
		go every(ctx, cfg.Watch.Interval, func(ctx context.Context) {
			ips := watchTargets(ctx, cfg, store, log)
			if len(ips) == 0 {
				return
			}
			res := orch.Watch(ctx, ips, cfg.Watch.Timeout)
			server.PublishTelemetry(res.Succeeded)
		})
	}

	if cfg.Retention.RecordRetentionDays > 0 && cfg.Retention.PurgeInterval > 0 {
		retention := time.Duration(cfg.Retention.RecordRetentionDays) * 24 * time.Hour
		go every(ctx, cfg.Retention.PurgeInterval, func(ctx context.Context) {
			deleted, err := store.PurgeOldRecords(ctx, retention)
			if err != nil {
				log.Error("record purge", zap.Error(err))
				return
			}
			if deleted > 0 {
				log.Info("purged old records", zap.Int64("deleted", deleted))
				if err := store.Vacuum(); err != nil {
					log.Warn("vacuum after purge", zap.Error(err))
				}
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("lcd is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("HTTP server", zap.Error(err))
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}

	log.Info("lcd stopped")
	return nil
}

func newRegistry(cfg *config.Config, log *zap.Logger) *miner.Registry {
	mc := cfg.Miner
	ant := miner.NewAntClient(log,
		miner.WithAntCredentials(mc.AntUsername, mc.AntPassword),
	)
	avalon := miner.NewAvalonClient(log,
		miner.WithAvalonPort(mc.AvalonPort),
		miner.WithAvalonCredentials(mc.AvalonUsername, mc.AvalonPassword),
		miner.WithAvalonTimeout(mc.CommandTimeout),
		miner.WithAvalonPinger(miner.NewICMPPinger(mc.PingTimeout, mc.PingPrivileged)),
	)
	return miner.NewRegistry(ant, avalon, miner.NewBlueStarClient(),
		miner.WithProbeTimeout(mc.ProbeTimeout),
	)
}

// newNotifier returns nil when no alert sink is configured.
func newNotifier(cfg *config.Config, log *zap.Logger) *alerts.MultiNotifier {
	if !cfg.Alerts.Enabled {
		return nil
	}
	var sinks []alerts.Notifier
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL,
			alerts.WebhookFormat(cfg.Alerts.WebhookFormat), log))
	}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		tg, err := alerts.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID, log)
		if err != nil {
			log.Warn("telegram alerts disabled", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	sinks = append(sinks, alerts.NewLogNotifier(log))
	return alerts.NewMultiNotifier(sinks...)
}

// watchTargets merges configured addresses with devices found by scans.
func watchTargets(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, log *zap.Logger) []string {
	seen := make(map[string]bool)
	var ips []string
	add := func(ip string) {
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	for _, ip := range cfg.Watch.IPs {
		add(ip)
	}
	if cfg.Watch.KnownDevices {
		known, err := store.DeviceIPs(ctx)
		if err != nil {
			log.Warn("load known devices", zap.Error(err))
		}
		for _, ip := range known {
			add(ip)
		}
	}
	return ips
}

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
