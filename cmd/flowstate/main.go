package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowstate-io/flowstate/pkg/api"
	"github.com/flowstate-io/flowstate/pkg/engine"
	"github.com/flowstate-io/flowstate/pkg/graph"
	"github.com/flowstate-io/flowstate/pkg/log"
	"github.com/flowstate-io/flowstate/pkg/reaper"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/security"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowstate",
	Short: "Flowstate - workflow state manager",
	Long: `Flowstate manages workflow state for distributed runtimes:
graph templates, state lifecycle, dependency resolution, fan-in joins
and retries, behind a JSON HTTP surface that language-agnostic workers
poll for work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flowstate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8422", "HTTP listen address")
	serveCmd.Flags().String("data-dir", "./data", "Directory for the bolt database")
	serveCmd.Flags().String("config", "", "Optional YAML config file")
	serveCmd.Flags().Int("pool-size", 128, "Background task pool size")
	serveCmd.Flags().Duration("lease-timeout", reaper.DefaultLeaseTimeout, "How long a lease may sit uncommitted")
	serveCmd.Flags().Duration("sweep-interval", reaper.DefaultSweepInterval, "How often expired leases are swept")
	serveCmd.Flags().Duration("valid-wait", graph.DefaultValidWait, "How long fanout waits for a template to become VALID")
	serveCmd.Flags().Bool("json-log", true, "Log JSON instead of console output")
	serveCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
}

// serveConfig mirrors the serve flags for the optional config file. Flags
// that were set explicitly win over file values.
type serveConfig struct {
	Listen        string        `yaml:"listen"`
	DataDir       string        `yaml:"data_dir"`
	PoolSize      int           `yaml:"pool_size"`
	LeaseTimeout  time.Duration `yaml:"lease_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ValidWait     time.Duration `yaml:"valid_wait"`
	JSONLog       *bool         `yaml:"json_log"`
	LogLevel      string        `yaml:"log_level"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the state manager server",
	Long: `Run the state manager server.

Two environment variables are required:

  STATE_MANAGER_SECRET    the api key every /v0 request must present
  SECRETS_ENCRYPTION_KEY  44 characters of URL-safe base64 encoding the
                          32-byte AES-256 key for secrets at rest

A malformed or missing encryption key fails startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := serveConfig{
			Listen:        mustString(cmd, "listen"),
			DataDir:       mustString(cmd, "data-dir"),
			PoolSize:      mustInt(cmd, "pool-size"),
			LeaseTimeout:  mustDuration(cmd, "lease-timeout"),
			SweepInterval: mustDuration(cmd, "sweep-interval"),
			ValidWait:     mustDuration(cmd, "valid-wait"),
			LogLevel:      mustString(cmd, "log-level"),
		}
		jsonLog := mustBool(cmd, "json-log")
		cfg.JSONLog = &jsonLog

		if path := mustString(cmd, "config"); path != "" {
			if err := loadConfigFile(cmd, path, &cfg); err != nil {
				return err
			}
		}

		return serve(cfg)
	},
}

// loadConfigFile overlays file values under explicitly set flags.
func loadConfigFile(cmd *cobra.Command, path string, cfg *serveConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var file serveConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.Listen != "" && !cmd.Flags().Changed("listen") {
		cfg.Listen = file.Listen
	}
	if file.DataDir != "" && !cmd.Flags().Changed("data-dir") {
		cfg.DataDir = file.DataDir
	}
	if file.PoolSize > 0 && !cmd.Flags().Changed("pool-size") {
		cfg.PoolSize = file.PoolSize
	}
	if file.LeaseTimeout > 0 && !cmd.Flags().Changed("lease-timeout") {
		cfg.LeaseTimeout = file.LeaseTimeout
	}
	if file.SweepInterval > 0 && !cmd.Flags().Changed("sweep-interval") {
		cfg.SweepInterval = file.SweepInterval
	}
	if file.ValidWait > 0 && !cmd.Flags().Changed("valid-wait") {
		cfg.ValidWait = file.ValidWait
	}
	if file.JSONLog != nil && !cmd.Flags().Changed("json-log") {
		cfg.JSONLog = file.JSONLog
	}
	if file.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		cfg.LogLevel = file.LogLevel
	}
	return nil
}

func serve(cfg serveConfig) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.JSONLog == nil || *cfg.JSONLog,
	})
	logger := log.WithComponent("serve")

	apiKey := os.Getenv("STATE_MANAGER_SECRET")
	if apiKey == "" {
		return fmt.Errorf("STATE_MANAGER_SECRET is not set")
	}
	encrypter, err := security.NewEncrypterFromEnv(os.Getenv("SECRETS_ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("SECRETS_ENCRYPTION_KEY: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return fmt.Errorf("failed to create task pool: %w", err)
	}
	defer pool.Release()

	reg := registry.New(store)
	templates := graph.NewTemplates(store, reg, pool)
	eng := engine.New(store, templates, reg, encrypter, pool, engine.Config{
		ValidWait: cfg.ValidWait,
	})
	rpr := reaper.New(store, reg, cfg.LeaseTimeout, cfg.SweepInterval)
	rpr.Start()
	defer rpr.Stop()

	server := api.NewServer(eng, templates, reg, encrypter, apiKey)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Str("data_dir", cfg.DataDir).Msg("state manager listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func mustInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func mustDuration(cmd *cobra.Command, name string) time.Duration {
	v, _ := cmd.Flags().GetDuration(name)
	return v
}
