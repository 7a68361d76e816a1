package main

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/castella/castella/internal/config"
	"github.com/castella/castella/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage castella as a system service",
		Long: `Install and control the gateway as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo castella service install --config /etc/castella/castella.yaml --user castella
  sudo castella service start
  sudo castella service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a service started at boot",
		Long: `Install the gateway as a service started at boot.

The service runs "castella serve" with the given --config and --env-file
paths, made absolute. Without --config the platform default is used.
Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	for _, c := range []struct {
		use, short string
		fn         func(*svc.Manager) error
	}{
		{"uninstall", "Remove the service", (*svc.Manager).Uninstall},
		{"start", "Start the service", (*svc.Manager).Start},
		{"stop", "Stop the service", (*svc.Manager).Stop},
		{"restart", "Restart the service", (*svc.Manager).Restart},
	} {
		fn := c.fn
		serviceCmd.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				m, err := svc.New(serviceConfig(), nil)
				if err != nil {
					return err
				}
				if err := fn(m); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done\n", serviceName, cmd.Name())
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := svc.New(serviceConfig(), nil)
			if err != nil {
				return err
			}
			status, err := m.Status()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s\n", serviceName, status)
			if err != nil && status == "unknown" {
				return fmt.Errorf("query service: %w", err)
			}
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the service logs",
		Long: `Show the service logs.

Log locations by platform:
  - Linux:   journalctl -u castella
  - macOS:   /var/log/castella.{out,err}.log
  - Windows: Event Viewer > Application log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(runtime.GOOS, svc.LogOptions{
				Name:   serviceName,
				Follow: logsFollow,
				Lines:  logsLines,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

// serviceConfig builds the service definition from the global flags.
func serviceConfig() svc.Config {
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath()
	}
	cfg := svc.Config{Name: serviceName, ConfigPath: absPath(path), UserName: serviceUser}
	for _, f := range envFiles {
		cfg.EnvFiles = append(cfg.EnvFiles, absPath(f))
	}
	return cfg
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()

	// Fail now rather than at boot
	if err := config.LoadEnvFiles(cfg.EnvFiles...); err != nil {
		return err
	}
	if c, err := config.Load(cfg.ConfigPath); err != nil {
		return err
	} else if err := c.ValidateServe(); err != nil {
		return err
	}

	m, err := svc.New(cfg, nil)
	if err != nil {
		return err
	}
	if err := m.Install(forceInstall); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "  Config: %s\n", cfg.ConfigPath)
	_, _ = fmt.Fprintf(out, "Start it with: castella service start --name %s\n", cfg.Name)
	return nil
}
