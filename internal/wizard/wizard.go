// Package wizard provides an interactive setup wizard for spcmctl.
package wizard

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/spcmremote/spcmremote/internal/config"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/identity"
	"github.com/spcmremote/spcmremote/internal/probe"
)

// Remote selection modes.
const (
	ModeDiscover = "discover"
	ModeExplicit = "explicit"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// Answers are the values collected by the forms.
type Answers struct {
	DataDir   string
	Mode      string
	Host      string
	Port      string
	ServiceID string
	TempDir   string
	RateLimit string
	LogLevel  string
	Metrics   bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	answers := Answers{
		Mode:      ModeDiscover,
		Port:      strconv.Itoa(discovery.DefaultPort),
		ServiceID: strconv.Itoa(discovery.DefaultServiceID),
		LogLevel:  "info",
	}
	if dir, err := identity.DefaultDataDir(); err == nil {
		answers.DataDir = dir
	}

	configPath, err := w.askBasicSetup(&answers)
	if err != nil {
		return nil, err
	}

	if err := w.askRemote(&answers); err != nil {
		return nil, err
	}

	if err := w.askTransfer(&answers); err != nil {
		return nil, err
	}

	if err := w.askAdvancedOptions(&answers); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(answers)
	if err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		DataDir:    answers.DataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____  ____   ____ __  __            _   _
 / ___||  _ \ / ___|  \/  |  ___ ___ | |_| |
 \___ \| |_) | |   | |\/| | / __/ _ \| __| |
  ___) |  __/| |___| |  | || (_| |_) | |_| |
 |____/|_|    \____|_|  |_| \___\__/  \__|_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  SPCM Remote Control Client - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) (configPath string, err error) {
	configPath = "./spcmctl.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where keys and received images are stored."),

			huh.NewInput().
				Title("Data Directory").
				Description("Key files of the last handshake and the temp directory for images").
				Placeholder(a.DataDir).
				Value(&a.DataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./spcmctl.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askRemote(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Remote Instance").
				Description("SPCM announces its remote-control port over mDNS.\nYou can rely on discovery or pin a host and port."),

			huh.NewSelect[string]().
				Title("Connection Mode").
				Options(
					huh.NewOption("Discover on the local network (Recommended)", ModeDiscover),
					huh.NewOption("Explicit host and port", ModeExplicit),
				).
				Value(&a.Mode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Mode == ModeDiscover {
		return huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Instance ID").
					Description("The ID shown in the SPCM remote-control settings").
					Value(&a.ServiceID).
					Validate(validatePositive),
			),
		).WithTheme(w.theme).Run()
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Host").
				Description("Hostname or IP address of the SPCM computer").
				Value(&a.Host).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("host is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Port").
				Value(&a.Port).
				Validate(validatePort),
		),
	).WithTheme(w.theme).Run()
	if err != nil {
		return err
	}

	port, _ := strconv.Atoi(a.Port)
	if err := testRemoteConnectivity(a.Host, port); err != nil {
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("214")).
			Render(fmt.Sprintf("  ! %v (saved anyway)", err)))
	} else {
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("42")).
			Render("  ✓ Remote-control port is reachable"))
	}
	return nil
}

func (w *Wizard) askTransfer(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Transfers").
				Description("Images and traces are pushed over short-lived side channels."),

			huh.NewInput().
				Title("Image Directory").
				Description("Leave empty to use <data dir>/temp").
				Value(&a.TempDir),

			huh.NewInput().
				Title("Receive Rate Limit").
				Description("e.g. 10MB/s, empty for unlimited").
				Value(&a.RateLimit).
				Validate(func(s string) error {
					_, err := filetransfer.ParseRate(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable metrics endpoint?").
				Description("HTTP endpoint for console and emulate (/healthz, /metrics)").
				Value(&a.Metrics),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Session.DataDir = a.DataDir
	cfg.Transfer.TempDir = a.TempDir
	cfg.Transfer.RateLimit = a.RateLimit
	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"
	cfg.Metrics.Enabled = a.Metrics

	switch a.Mode {
	case ModeExplicit:
		port, err := strconv.Atoi(a.Port)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", a.Port)
		}
		cfg.Remote.Host = strings.TrimSpace(a.Host)
		cfg.Remote.Port = port
		cfg.Discovery.Enabled = false
	default:
		if a.ServiceID != "" {
			id, err := strconv.Atoi(a.ServiceID)
			if err != nil {
				return nil, fmt.Errorf("invalid instance id %q", a.ServiceID)
			}
			cfg.Remote.ServiceID = id
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# spcmctl configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Session.DataDir)
	if cfg.Remote.Host != "" {
		fmt.Printf("  Remote:       %s\n", net.JoinHostPort(cfg.Remote.Host, strconv.Itoa(cfg.Remote.Port)))
	} else {
		id := cfg.Remote.ServiceID
		if id == 0 {
			id = discovery.DefaultServiceID
		}
		fmt.Printf("  Remote:       %s\n", discovery.InstanceName(cfg.Discovery.InstancePrefix, id, 0))
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}

	fmt.Println()
	fmt.Println("  To check the connection:")
	fmt.Printf("    spcmctl version -c %s\n", configPath)
	fmt.Println()
}

// testRemoteConnectivity checks that the remote-control port accepts
// connections, the same way discovery probes candidates.
func testRemoteConnectivity(host string, port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := probe.Probe(ctx, probe.Options{
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		Timeout: probe.DefaultTimeout,
	})
	if !result.Success {
		return fmt.Errorf("%s: %s", result.Address, result.ErrorDetail)
	}
	return nil
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}
