package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/spcmremote/spcmremote/internal/config"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/health"
	"github.com/spcmremote/spcmremote/internal/identity"
	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/session"
	"github.com/spcmremote/spcmremote/internal/transport"
)

// globalOptions are the persistent flags shared by all commands.
type globalOptions struct {
	configPath string
	host       string
	port       int
	serviceID  int
	dataDir    string
	logLevel   string
	logFormat  string
	noDiscover bool
}

func (g *globalOptions) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	f.StringVar(&g.host, "host", "", "SPCM host (requires --port)")
	f.IntVar(&g.port, "port", 0, "SPCM remote-control port (requires --host)")
	f.IntVar(&g.serviceID, "id", 0, "Instance ID to discover (default 1)")
	f.StringVarP(&g.dataDir, "data-dir", "d", "", "Directory for key files and received images")
	f.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&g.logFormat, "log-format", "", "Log format: text, json, console")
	f.BoolVar(&g.noDiscover, "no-discover", false, "Disable mDNS discovery")
}

// load reads the configuration file, if any, and applies flag overrides.
// The host/port pairing is checked by the session before any I/O.
func (g *globalOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if g.host != "" || g.port != 0 {
		cfg.Remote.Host = g.host
		cfg.Remote.Port = g.port
	}
	if g.serviceID != 0 {
		cfg.Remote.ServiceID = g.serviceID
	}
	if g.dataDir != "" {
		cfg.Session.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.noDiscover {
		cfg.Discovery.Enabled = false
	}

	if !logging.ValidLevel(cfg.Log.Level) || !logging.ValidFormat(cfg.Log.Format) {
		return nil, fmt.Errorf("%w: invalid log level or format", config.ErrConfiguration)
	}
	if cfg.Session.DataDir == "" {
		dir, err := identity.DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.Session.DataDir = dir
	}
	return cfg, nil
}

// app bundles what every networked command needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func (g *globalOptions) newApp() (*app, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:      cfg,
		logger:   logging.NewLogger(cfg.Log.Level, cfg.Log.Format),
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
	}, nil
}

func (r *app) finder() *discovery.Finder {
	if !r.cfg.Discovery.Enabled {
		return nil
	}
	return discovery.NewFinder(discovery.NewZeroconfBrowser(), r.discoveryOptions())
}

func (r *app) discoveryOptions() discovery.Options {
	d := r.cfg.Discovery
	return discovery.Options{
		Service:        d.Service,
		Domain:         d.Domain,
		InstancePrefix: d.InstancePrefix,
		Attempts:       d.Attempts,
		SweepTimeout:   d.SweepTimeout,
		ProbeTimeout:   d.ProbeTimeout,
		Logger:         r.logger,
		Metrics:        r.metrics,
	}
}

func (r *app) client() *session.Client {
	c := r.cfg
	return session.NewClient(session.Config{
		KeyBits:     c.Session.KeyBits,
		DataDir:     c.Session.DataDir,
		TempDir:     c.Transfer.TempDir,
		DialTimeout: c.Session.DialTimeout,
		Transport: transport.Options{
			ReadBufferSize: c.Session.ReadBuffer,
			ReadTimeout:    c.Session.CommandTimeout,
			WriteTimeout:   c.Session.CommandTimeout,
		},
		Transfer: filetransfer.Options{
			BindAddress: c.Transfer.BindAddress,
			Timeout:     c.Transfer.Timeout,
			RateLimit:   c.RateLimitBytes(),
			Logger:      r.logger,
			Metrics:     r.metrics,
		},
		MaxTraceValues: c.Transfer.MaxTraceValues,
		Finder:         r.finder(),
		Logger:         r.logger,
		Metrics:        r.metrics,
	})
}

func (r *app) connect(ctx context.Context) (*session.Session, error) {
	return r.client().Connect(ctx, session.Options{
		Host:      r.cfg.Remote.Host,
		Port:      r.cfg.Remote.Port,
		ServiceID: r.cfg.Remote.ServiceID,
	})
}

// startHealth starts the metrics endpoint when enabled. The returned stop
// function is always safe to call.
func (r *app) startHealth(provider health.StatsProvider) (func(), error) {
	if !r.cfg.Metrics.Enabled {
		return func() {}, nil
	}

	srv := health.NewServer(health.ServerConfig{
		Address:      r.cfg.Metrics.Address,
		ReadTimeout:  r.cfg.Metrics.ReadTimeout,
		WriteTimeout: r.cfg.Metrics.WriteTimeout,
		Gatherer:     r.registry,
	}, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
	}
	r.logger.Info("metrics endpoint listening", logging.KeyLocalAddr, srv.Address().String())
	return func() { srv.Stop() }, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withSession connects, runs fn and closes the session.
func (g *globalOptions) withSession(fn func(ctx context.Context, r *app, s *session.Session) error) error {
	r, err := g.newApp()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	s, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	r.logger.Debug("connected", logging.KeyEndpoint, s.Endpoint().Address(), logging.KeyDuration, time.Since(start))

	return fn(ctx, r, s)
}

func sessionStats(s *session.Session) health.ProviderFunc {
	return func() (health.Stats, bool) {
		st := s.State()
		stats := health.Stats{
			Role:     "client",
			State:    st.String(),
			Endpoint: s.Endpoint().Address(),
		}
		if v := s.Version(); v != nil {
			stats.Version = v.String()
		}
		return stats, st.CanCommand()
	}
}
