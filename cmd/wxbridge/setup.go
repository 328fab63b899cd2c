package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wxbridge/internal/config"
	"wxbridge/internal/security"

	"github.com/spf13/cobra"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: account service → agent gateway → pairing → save config",
		Long:  "Asks for the account service address and key, the agent gateway address and token, and the pairing mode. Writes config to the path used by --config or default.",
		RunE:  runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(label, def string) (string, error) {
		fmt.Fprint(os.Stdout, label)
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Println("\n--- Step 1: Account service ---")
	if cfg.Account.BaseURL, err = prompt("Base URL", cfg.Account.BaseURL); err != nil {
		return err
	}
	if cfg.Account.AuthKey, err = prompt("Auth key (or ${ENV_VAR})", cfg.Account.AuthKey); err != nil {
		return err
	}

	fmt.Println("\n--- Step 2: Agent gateway ---")
	if cfg.Gateway.URL, err = prompt("Gateway URL", cfg.Gateway.URL); err != nil {
		return err
	}
	if cfg.Gateway.Token, err = prompt("Token (or ${ENV_VAR})", cfg.Gateway.Token); err != nil {
		return err
	}
	if cfg.Gateway.AgentID, err = prompt("Agent id", cfg.Gateway.AgentID); err != nil {
		return err
	}

	fmt.Println("\n--- Step 3: Pairing ---")
	enabled := "y"
	if !cfg.Pairing.Enabled {
		enabled = "n"
	}
	answer, err := prompt("Require a pairing code from new senders? (y/n)", enabled)
	if err != nil {
		return err
	}
	cfg.Pairing.Enabled = strings.HasPrefix(strings.ToLower(answer), "y")
	if cfg.Pairing.Enabled && cfg.Pairing.Code == "" {
		cfg.Pairing.Code = security.GenerateCode(security.DefaultCodeLength)
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	if cfg.Pairing.Enabled {
		fmt.Printf("Pairing code: %s\n", cfg.Pairing.Code)
	}
	fmt.Println("Next: run 'wxbridge doctor', then 'wxbridge run'.")
	return nil
}
