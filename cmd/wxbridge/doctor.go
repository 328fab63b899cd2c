package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wxbridge/internal/config"
	"wxbridge/internal/domain"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wxbridge installation",
		Long: `Verifies the configuration, the pairing database, the account service
and the agent gateway. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wxbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wxbridge init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Media directory writable
			if err := checkWritableDir(cfg.Bridge.MediaDir); err != nil {
				printFail("Media directory", err.Error())
				failed++
			} else {
				printPass("Media directory", cfg.Bridge.MediaDir)
				passed++
			}

			// 4. Pairing
			switch {
			case !cfg.Pairing.Enabled:
				printWarn("Pairing", "disabled, every sender reaches the agent")
				warned++
			case cfg.Pairing.Code == "":
				printWarn("Pairing code", "empty, only CLI-approved users can chat")
				warned++
				fallthrough
			default:
				if err := checkDatabase(cfg.Pairing.DBPath); err != nil {
					printFail("Pairing database", err.Error())
					failed++
				} else {
					printPass("Pairing database", cfg.Pairing.DBPath)
					passed++
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			// 5. Account service
			if cfg.Account.AuthKey == "" {
				printWarn("Account key", "account.authKey is empty")
				warned++
			}
			acct := newAccountClient(cfg)
			defer acct.Close()
			if err := acct.Ping(ctx); err != nil {
				printFail("Account service", err.Error())
				failed++
			} else {
				printPass("Account service", cfg.Account.BaseURL)
				passed++
				state, err := acct.RefreshLoginState(ctx)
				switch {
				case err != nil:
					printWarn("Account login", err.Error())
					warned++
				case state != domain.LoggedIn:
					printWarn("Account login", state.String()+", a QR scan will be needed")
					warned++
				default:
					printPass("Account login", state.String())
					passed++
				}
			}

			// 6. Agent gateway handshake
			agent := newGatewayClient(cfg)
			if err := agent.Connect(ctx); err != nil {
				printFail("Agent gateway", err.Error())
				failed++
			} else {
				printPass("Agent gateway", cfg.Gateway.URL)
				passed++
			}
			agent.Disconnect()

			// 7. Metrics listener
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics listener", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics listener", cfg.Metrics.Listen+" available")
					passed++
				}
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wxbridge.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwxbridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wxbridge is ready to run.\n")
			}
			return nil
		},
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
