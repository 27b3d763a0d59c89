package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/ledgersync/internal/httpapi"
	"github.com/agentworkforce/ledgersync/internal/ledgersync"
)

type ServeOptions struct {
	*RootOptions
	Addr  string
	Watch bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, sync and admin HTTP service",
		Long: `Start the engine and serve:

  POST /webhook            provider webhook intake
  POST /sync/{subjectKey}  single-subject resync
  GET  /health             service health
  /v1/admin/...            operator API

Reloadable settings (safety limits, retry policy, reconciliation) are picked
up when the config file changes unless --watch=false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides config")
	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "reload the config file when it changes")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.ConfigPath, opts.getenv)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())

	engine, err := ledgersync.NewEngine(ledgersync.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize engine", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := engine.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	if opts.Watch && opts.ConfigPath != "" {
		go func() {
			if err := ledgersync.WatchConfig(ctx, opts.ConfigPath, opts.getenv, logger, engine.ApplyConfig); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
			AdminToken:   cfg.AdminToken,
			MaxBodyBytes: cfg.Webhooks.MaxBodyBytes,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("ledgersync listening", "addr", cfg.Addr, "profile", cfg.Storage.Profile, "provider", cfg.Provider.Kind)
	if cfg.AdminToken == "" {
		logger.Warn("admin API is unauthenticated; set admin_token or LEDGERSYNC_ADMIN_TOKEN")
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func loadConfig(path string, getenv func(string) string) (ledgersync.Config, error) {
	cfg, err := ledgersync.LoadConfig(path)
	if err != nil {
		return ledgersync.Config{}, err
	}
	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return ledgersync.Config{}, err
	}
	return cfg, nil
}

func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults and environment overrides, with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts.ConfigPath, rootOpts.getenv)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			cfg = redactConfig(cfg)
			return rootOpts.formatter(cmd).Success(cfg, func(w io.Writer) {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					fmt.Fprintf(w, "marshal config: %v\n", err)
					return
				}
				_, _ = w.Write(data)
			})
		},
	})
	return cmd
}

func redactConfig(cfg ledgersync.Config) ledgersync.Config {
	redact := func(value string) string {
		if strings.TrimSpace(value) == "" {
			return ""
		}
		return "REDACTED"
	}
	cfg.AdminToken = redact(cfg.AdminToken)
	cfg.Provider.APIKey = redact(cfg.Provider.APIKey)
	cfg.Provider.WebhookSecret = redact(cfg.Provider.WebhookSecret)
	if cfg.Storage.ProductionDSN != "" {
		cfg.Storage.ProductionDSN = redact(cfg.Storage.ProductionDSN)
	}
	if strings.HasPrefix(cfg.Storage.LedgerDSN, "postgres") {
		cfg.Storage.LedgerDSN = redact(cfg.Storage.LedgerDSN)
	}
	if strings.HasPrefix(cfg.Storage.QueueDSN, "postgres") {
		cfg.Storage.QueueDSN = redact(cfg.Storage.QueueDSN)
	}
	return cfg
}
