package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aonescu/configsync/cmd/server"
	"github.com/aonescu/configsync/internal/config"
	"github.com/aonescu/configsync/internal/db"
	"github.com/aonescu/configsync/internal/engine"
	"github.com/aonescu/configsync/internal/filesync"
	"github.com/aonescu/configsync/internal/gate"
	k8s "github.com/aonescu/configsync/internal/kubernetes"
	"github.com/aonescu/configsync/internal/logging"
	"github.com/aonescu/configsync/internal/metrics"
	"github.com/aonescu/configsync/internal/notify"
	"github.com/aonescu/configsync/internal/reload"
	"github.com/aonescu/configsync/internal/state"
	"github.com/aonescu/configsync/internal/watcher"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "configsync",
		Short:         "Mirror labeled ConfigMaps into a local folder and signal a reload",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}
	flags := config.RegisterFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.Lookup(os.LookupEnv))
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("Starting config map collector")

	namespace, err := k8s.ResolveNamespace(cfg.NamespaceFile, cfg.Namespace)
	if err != nil {
		logger.Error("Failed to resolve namespace", "error", err)
		return err
	}
	client, err := k8s.NewClientset(cfg.Kubeconfig)
	if err != nil {
		logger.Error("Failed to create kubernetes client", "error", err)
		return err
	}

	m := metrics.New()
	store, closeStore := openStore(cfg, logger.Logger)
	defer closeStore()

	if cfg.JenkinsReload {
		if err := gate.New(logger.With("component", "gate")).Wait(ctx, cfg.JenkinsPort); err != nil {
			return err
		}
	}

	writer := filesync.New(cfg.Folder, logger.With("component", "filesync"))

	eng := engine.New(cfg.Label, writer, buildNotifier(cfg, logger.Logger, m), store, logger.With("component", "engine"), m)
	w := watcher.NewKubernetesWatcher(client, eng, watcher.Options{
		Namespace: namespace,
		Timeout:   cfg.WatchTimeout,
	}, logger.With("component", "watcher"), m)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })

	if cfg.StatusAddress != "" {
		api := server.NewAPIServer(store, w, server.Info{
			Label:  cfg.Label,
			Folder: writer.Folder(),
			Notify: cfg.NotifyMode(),
		}, m.Handler(), logger.With("component", "server"))
		g.Go(func() error {
			if err := api.Start(ctx, cfg.StatusAddress); err != nil {
				return fmt.Errorf("status server failed: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down")
		return nil
	}
	return err
}

// openStore uses Postgres when configured and reachable, memory otherwise.
func openStore(cfg *config.Config, logger *slog.Logger) (state.StateStore, func()) {
	if cfg.DatabaseURL == "" {
		return state.NewMemoryStore(), func() {}
	}

	pgStore, err := db.NewPostgresStore(cfg.DatabaseURL, logger.With("component", "db"))
	if err != nil {
		logger.Warn("Failed to connect to PostgreSQL, falling back to in-memory storage", "error", err)
		return state.NewMemoryStore(), func() {}
	}
	logger.Info("Connected to PostgreSQL")
	return pgStore, func() { pgStore.Close() }
}

// buildNotifier picks the HTTP dispatcher when a url is set, else the SSH
// reload when enabled. With neither, the dispatcher logs that there is
// nothing to do.
func buildNotifier(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) engine.Notifier {
	if cfg.ReqURL == "" && cfg.JenkinsReload {
		return reload.New(reload.Options{
			PrivateKey: cfg.AdminPrivateKey,
			Username:   cfg.AdminUser,
			Port:       cfg.SSHPort,
		}, logger.With("component", "reload"), m)
	}
	return notify.New(notify.Options{
		URL:     cfg.ReqURL,
		Method:  cfg.ReqMethod,
		Payload: cfg.ReqPayload,
	}, logger.With("component", "notify"), m)
}
