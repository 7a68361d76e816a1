// Package svc installs and runs the gateway as a system service (systemd,
// launchd or the Windows service manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultName is the service name used when none is given.
const DefaultName = "castella"

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// RunFunc runs the gateway until ctx ends.
type RunFunc func(ctx context.Context) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	Run RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches Run in the background; the service manager requires Start
// to return promptly.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return errors.New("svc: no run function configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx)
	}()
	return nil
}

// Stop cancels Run and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed service.
type Config struct {
	Name       string
	ConfigPath string
	EnvFiles   []string
	UserName   string // linux and darwin only
}

// DefaultConfigPath returns the platform's conventional config location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "Castella", "castella.yaml")
	}
	return "/etc/castella/castella.yaml"
}

// Arguments returns the command line the service manager starts.
func (c *Config) Arguments() []string {
	args := []string{"serve", RunFlag, "--service-name", c.name(), "--config", c.ConfigPath}
	for _, f := range c.EnvFiles {
		args = append(args, "--env-file", f)
	}
	return args
}

func (c *Config) name() string {
	if c.Name == "" {
		return DefaultName
	}
	return c.Name
}

// serviceConfig translates c for kardianos/service on goos.
func (c *Config) serviceConfig(goos string) *service.Config {
	sc := &service.Config{
		Name:        c.name(),
		DisplayName: "Castella Storage Gateway",
		Description: "Encrypted file gateway in front of cloud object storage",
		Arguments:   c.Arguments(),
	}
	switch goos {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		sc.UserName = c.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = c.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

// Manager controls one service.
type Manager struct {
	cfg Config
	svc service.Service
}

// New binds cfg to the platform service manager. prg may be nil for
// commands that only control an installed service.
func New(cfg Config, prg *Program) (*Manager, error) {
	if prg == nil {
		prg = &Program{}
	}
	s, err := service.New(prg, cfg.serviceConfig(runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &Manager{cfg: cfg, svc: s}, nil
}

// Install registers the service. An existing installation is replaced only
// when force is set.
func (m *Manager) Install(force bool) error {
	if status, err := m.svc.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", m.cfg.name())
		}
		if status == service.StatusRunning {
			if err := m.svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		if err := m.svc.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("Failed to uninstall service")
		}
	}
	if err := m.svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func (m *Manager) Uninstall() error {
	if status, _ := m.svc.Status(); status == service.StatusRunning {
		if err := m.svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop service")
		}
	}
	if err := m.svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Start asks the service manager to start the service.
func (m *Manager) Start() error {
	if err := m.svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Stop asks the service manager to stop the service.
func (m *Manager) Stop() error {
	if err := m.svc.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

// Restart restarts the service.
func (m *Manager) Restart() error {
	if err := m.svc.Restart(); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}
	return nil
}

// Status reports the service state as running, stopped or unknown.
func (m *Manager) Status() (string, error) {
	status, err := m.svc.Status()
	return StatusString(status), err
}

// Run blocks under the service manager until it stops the service.
func (m *Manager) Run() error {
	return m.svc.Run()
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CheckPrivileges returns an error when the caller cannot manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
