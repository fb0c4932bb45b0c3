package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spcmremote/spcmremote/internal/chaos"
	"github.com/spcmremote/spcmremote/internal/config"
	"github.com/spcmremote/spcmremote/internal/emulator"
	"github.com/spcmremote/spcmremote/internal/health"
	"github.com/spcmremote/spcmremote/internal/logging"
)

func emulateCmd(g *globalOptions) *cobra.Command {
	var (
		listen    string
		advertise bool
		serviceID int
		ordinal   int
		fault     string
		faultProb float64
	)

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run an emulated SPCM remote-control server",
		Long: `Run an emulated SPCM remote-control server for testing without
hardware. It performs the key exchange, answers commands, pushes synthetic
images and traces and exits when a client sends the shutdown instruction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.newApp()
			if err != nil {
				return err
			}

			ec := r.cfg.Emulator
			flags := cmd.Flags()
			if flags.Changed("listen") {
				ec.ListenAddress = listen
			}
			if flags.Changed("advertise") {
				ec.Advertise = advertise
			}
			if flags.Changed("service-id") {
				ec.ServiceID = serviceID
			}
			if flags.Changed("ordinal") {
				ec.Ordinal = ordinal
			}
			if flags.Changed("fault") {
				ec.Fault.Type = fault
			}
			if flags.Changed("fault-probability") {
				ec.Fault.Probability = faultProb
			}

			faults, err := faultInjector(ec.Fault)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
			}

			srv, err := emulator.New(emulator.Config{
				ListenAddress:  ec.ListenAddress,
				KeyBits:        r.cfg.Session.KeyBits,
				Version:        ec.Version,
				Advertise:      ec.Advertise,
				ServiceID:      ec.ServiceID,
				Ordinal:        ec.Ordinal,
				Service:        r.cfg.Discovery.Service,
				Domain:         r.cfg.Discovery.Domain,
				InstancePrefix: r.cfg.Discovery.InstancePrefix,
				Faults:         faults,
				Logger:         r.logger,
				Metrics:        r.metrics,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			defer srv.Close()

			stop, err := r.startHealth(health.ProviderFunc(func() (health.Stats, bool) {
				select {
				case <-srv.ShutdownRequested():
					return health.Stats{Role: "emulator", State: "shutdown"}, false
				default:
					return health.Stats{
						Role:     "emulator",
						State:    "listening",
						Endpoint: srv.Addr().String(),
						Version:  strconv.FormatFloat(ec.Version, 'g', -1, 64),
					}, true
				}
			}))
			if err != nil {
				return err
			}
			defer stop()

			fmt.Printf("Emulator listening on %s\n", srv.Addr())

			select {
			case <-ctx.Done():
				r.logger.Info("interrupted")
			case <-srv.ShutdownRequested():
				r.logger.Info("exiting on client request", logging.KeyComponent, "emulator")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, 0.0.0.0:54711)")
	cmd.Flags().BoolVar(&advertise, "advertise", true, "Announce the server over mDNS")
	cmd.Flags().IntVar(&serviceID, "service-id", 1, "Instance ID to advertise")
	cmd.Flags().IntVar(&ordinal, "ordinal", 0, "Instance ordinal to advertise (0 = none)")
	cmd.Flags().StringVar(&fault, "fault", "", "Fault to inject into replies: disconnect, delay, corrupt, truncate, reject, panic")
	cmd.Flags().Float64Var(&faultProb, "fault-probability", 0.1, "Probability of injecting the fault per reply")

	return cmd
}

// faultInjector returns nil when no fault is configured.
func faultInjector(fc config.FaultConfig) (*chaos.FaultInjector, error) {
	ft, err := chaos.ParseFaultType(fc.Type)
	if err != nil {
		return nil, err
	}
	if ft == chaos.FaultNone {
		return nil, nil
	}
	if fc.Probability < 0 || fc.Probability > 1 {
		return nil, fmt.Errorf("fault probability must be between 0 and 1, got %v", fc.Probability)
	}
	return chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        ft,
		Probability: fc.Probability,
		MinDelay:    fc.MinDelay,
		MaxDelay:    fc.MaxDelay,
	}), nil
}
