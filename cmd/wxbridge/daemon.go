package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"wxbridge/internal/config"

	"github.com/spf13/cobra"
)

// serviceManager describes how one init system runs 'wxbridge run'.
type serviceManager struct {
	file  string // unit or plist path, relative to the home directory
	tmpl  *template.Template
	hints []string
}

// serviceParams fill a service template.
type serviceParams struct {
	Exec    string
	Config  string
	Label   string
	LogFile string
}

const serviceLabel = "com.wxbridge.bridge"

var serviceManagers = map[string]serviceManager{
	"linux": {
		file: ".config/systemd/user/wxbridge.service",
		tmpl: template.Must(template.New("systemd").Parse(systemdUnit)),
		hints: []string{
			"systemctl --user daemon-reload",
			"systemctl --user enable --now wxbridge",
			"journalctl --user -u wxbridge -f",
		},
	},
	"darwin": {
		file: "Library/LaunchAgents/" + serviceLabel + ".plist",
		tmpl: template.Must(template.New("launchd").Parse(launchdPlist)),
		hints: []string{
			"launchctl load -w ~/Library/LaunchAgents/" + serviceLabel + ".plist",
		},
	},
}

func currentServiceManager() (serviceManager, error) {
	m, ok := serviceManagers[runtime.GOOS]
	if !ok {
		return serviceManager{}, fmt.Errorf("no user service support on %s", runtime.GOOS)
	}
	return m, nil
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'wxbridge run' as a user service (systemd or launchd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := currentServiceManager()
			if err != nil {
				return err
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			exec, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate wxbridge binary: %w", err)
			}
			params := serviceParams{
				Exec:    exec,
				Config:  cfgPath,
				Label:   serviceLabel,
				LogFile: serviceLogFile(cfgPath),
			}
			if err := os.MkdirAll(filepath.Dir(params.LogFile), 0o755); err != nil {
				return err
			}

			unit, err := renderService(m, params)
			if err != nil {
				return err
			}
			path, err := servicePath(m)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
				return err
			}
			fmt.Printf("Installed %s\n", path)
			for _, h := range m.hints {
				fmt.Printf("  %s\n", h)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wxbridge user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := currentServiceManager()
			if err != nil {
				return err
			}
			path, err := servicePath(m)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service: %w", err)
			}
			fmt.Printf("Removed %s\n", path)
			return nil
		},
	}
}

func servicePath(m serviceManager) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, m.file), nil
}

// serviceLogFile is where the service's stderr goes: the configured log
// file when there is one, otherwise the logs dir next to the config. The
// login QR URL is printed there.
func serviceLogFile(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil && cfg.General.LogFile != "" {
		return cfg.General.LogFile
	}
	return filepath.Join(filepath.Dir(cfgPath), "logs", "wxbridge.log")
}

func renderService(m serviceManager, p serviceParams) (string, error) {
	var sb strings.Builder
	if err := m.tmpl.Execute(&sb, p); err != nil {
		return "", fmt.Errorf("render %s: %w", m.tmpl.Name(), err)
	}
	return sb.String(), nil
}

const systemdUnit = `[Unit]
Description=wxbridge messaging account to agent gateway bridge
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart="{{.Exec}}" run --config "{{.Config}}"
Restart=on-failure
RestartSec=10
StandardError=append:{{.LogFile}}

[Install]
WantedBy=default.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key><string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Exec}}</string>
		<string>run</string>
		<string>--config</string>
		<string>{{.Config}}</string>
	</array>
	<key>RunAtLoad</key><true/>
	<key>KeepAlive</key><dict><key>SuccessfulExit</key><false/></dict>
	<key>StandardErrorPath</key><string>{{.LogFile}}</string>
</dict>
</plist>
`
