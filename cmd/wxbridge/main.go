package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wxbridge/internal/account"
	"wxbridge/internal/backoff"
	"wxbridge/internal/bridge"
	"wxbridge/internal/config"
	"wxbridge/internal/domain"
	"wxbridge/internal/gateway"
	"wxbridge/internal/logging"
	"wxbridge/internal/metrics"
	"wxbridge/internal/security"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = logging.SetupWithWriter("info", "text", os.Stderr)

	root := &cobra.Command{
		Use:           "wxbridge",
		Short:         "wxbridge: connect a messaging account to an AI agent gateway",
		Long:          "wxbridge relays messages between a personal messaging account (through its HTTP/websocket microservice) and an AI agent gateway.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.wxbridge/config.jsonc)")

	root.AddCommand(initCmd())
	root.AddCommand(setupCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(pairingCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with a fresh pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}

			cfg := config.Defaults()
			cfg.Pairing.Code = security.GenerateCode(security.DefaultCodeLength)
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			fmt.Printf("Pairing code: %s\n", cfg.Pairing.Code)
			fmt.Println("Set account.authKey, gateway.url and gateway.token, then run 'wxbridge run'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newAccountClient(cfg *config.Config) *account.Client {
	return account.New(account.Config{
		BaseURL:   cfg.Account.BaseURL,
		AuthKey:   cfg.Account.AuthKey,
		Timeout:   cfg.Account.Timeout(),
		Reconnect: backoff.Policy{Base: cfg.Reconnect.Base(), Cap: cfg.Reconnect.Cap()},
		Logger:    logger,
	})
}

func newGatewayClient(cfg *config.Config) *gateway.Client {
	return gateway.New(gateway.Config{
		URL:           cfg.Gateway.URL,
		Token:         cfg.Gateway.Token,
		ClientVersion: "wxbridge/" + version,
		Scopes:        cfg.Gateway.Scopes,
		CallTimeout:   cfg.Gateway.CallTimeout(),
		Reconnect:     backoff.Policy{Base: cfg.Reconnect.Base(), Cap: cfg.Reconnect.Cap()},
		Logger:        logger,
	})
}

// terminalQR prints login QR URLs for the operator.
type terminalQR struct{}

func (terminalQR) PresentQR(url string) {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Log in by scanning this QR code with the messaging app:")
	fmt.Fprintf(os.Stderr, "  %s\n\n", url)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Long:  "Logs in to the messaging account, connects to the agent gateway and relays messages until interrupted. Press Ctrl+C to stop.",
		RunE:  runBridge,
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	log, closer, err := logging.Setup(logging.Options{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
		File:   cfg.General.LogFile,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log
	logger.Info("config loaded", "path", cfgPath, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gate bridge.AuthGate
	if cfg.Pairing.Enabled {
		store, err := security.OpenStore(cfg.Pairing.DBPath, logger)
		if err != nil {
			return fmt.Errorf("pairing store: %w", err)
		}
		defer store.Close()
		if n, err := store.Count(ctx); err == nil {
			logger.Info("pairing enabled", "paired_users", n)
		}
		if cfg.Pairing.Code == "" {
			logger.Warn("pairing enabled without a code; only approved users can chat")
		}
		gate = security.NewPairingGate(security.PairingConfig{
			Enabled: true,
			Code:    cfg.Pairing.Code,
			Store:   store,
			Logger:  logger,
		})
	} else {
		logger.Warn("pairing disabled; every sender reaches the agent")
	}

	b := bridge.New(bridge.Config{
		AgentID:           cfg.Gateway.AgentID,
		Channel:           cfg.Gateway.Channel,
		MediaDir:          cfg.Bridge.MediaDir,
		ImageRoots:        cfg.Bridge.ImageRoots,
		Workers:           cfg.Bridge.Workers,
		LoginTimeout:      cfg.Bridge.LoginTimeout(),
		LoginPollInterval: cfg.Bridge.LoginPollInterval(),
		HealthInterval:    cfg.Bridge.HealthInterval(),
		ShutdownGrace:     cfg.Bridge.ShutdownGrace(),
		SendRate:          cfg.Bridge.SendRatePerSecond,
		SendBurst:         cfg.Bridge.SendBurst,
		Account:           newAccountClient(cfg),
		Gateway:           newGatewayClient(cfg),
		Gate:              gate,
		QR:                terminalQR{},
		Metrics:           metrics.NewBridge(metrics.Default),
		Logger:            logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics, b)
		g.Go(func() error {
			logger.Info("metrics listening", "addr", srv.Addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !stoppedBySignal(ctx, err) {
		logger.Error("bridge stopped", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// stoppedBySignal reports whether err only records that the operator
// stopped the bridge, for example with Ctrl+C while waiting for login.
func stoppedBySignal(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrClosed)
}

func metricsServer(cfg config.MetricsConfig, b *bridge.Bridge) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Default.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := b.CheckHealth(r.Context())
		status := http.StatusOK
		if b.Stage() != bridge.Running || !h.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{
			"stage":   b.Stage().String(),
			"account": h.Account.String(),
			"gateway": h.Gateway.String(),
			"login":   h.Login.String(),
		})
	})
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the account service and the agent gateway once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Config:   %s\n", cfgPath)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			acct := newAccountClient(cfg)
			defer acct.Close()
			if err := acct.Ping(ctx); err != nil {
				fmt.Printf("Account:  unreachable (%v)\n", err)
			} else if state, err := acct.RefreshLoginState(ctx); err != nil {
				fmt.Printf("Account:  reachable, login unknown (%v)\n", err)
			} else {
				fmt.Printf("Account:  reachable, %s\n", state)
			}

			agent := newGatewayClient(cfg)
			if err := agent.Connect(ctx); err != nil {
				fmt.Printf("Gateway:  %v\n", err)
			} else {
				fmt.Printf("Gateway:  %s (agent %s)\n", agent.ConnectionState(), cfg.Gateway.AgentID)
			}
			agent.Disconnect()

			if !cfg.Pairing.Enabled {
				fmt.Println("Pairing:  disabled")
				return nil
			}
			store, err := security.OpenStore(cfg.Pairing.DBPath, logger)
			if err != nil {
				fmt.Printf("Pairing:  %v\n", err)
				return nil
			}
			defer store.Close()
			recs, err := store.List(ctx)
			if err != nil {
				fmt.Printf("Pairing:  %v\n", err)
				return nil
			}
			fmt.Printf("Pairing:  %d paired user(s)%s\n", len(recs), lastApproval(recs))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. gateway.agentId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. bridge.workers 32)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
