// Package discovery locates SPCM remote-control instances advertised over
// multicast DNS.
//
// Each discovery run performs up to Attempts browse sweeps. A sweep collects
// advertisements for SweepTimeout, picks the best candidate for the
// requested service id and probes it. State never carries over between
// sweeps.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/probe"
)

const (
	// DefaultService is the mDNS service type advertised by SPCM.
	DefaultService = "_bhipc._tcp"

	// DefaultDomain is the mDNS browse domain.
	DefaultDomain = "local."

	// DefaultInstancePrefix is the instance family of the remote control.
	DefaultInstancePrefix = "SPCMRemoteControl"

	// DefaultServiceID is used when no service id is requested.
	DefaultServiceID = 1

	// DefaultAttempts bounds the number of sweeps per discovery run.
	DefaultAttempts = 3

	// DefaultSweepTimeout is how long a sweep collects advertisements.
	DefaultSweepTimeout = 3 * time.Second

	// DefaultPort is the remote-control port SPCM listens on when nothing
	// else is configured.
	DefaultPort = 54711
)

// ErrNotFound is returned when no reachable instance was found after all
// attempts.
var ErrNotFound = errors.New("no reachable instance found")

// ProbeFunc reports whether an address accepts connections.
type ProbeFunc func(ctx context.Context, address string, timeout time.Duration) bool

// Options configures a Finder.
type Options struct {
	// Service is the mDNS service type to browse
	Service string

	// Domain is the mDNS browse domain
	Domain string

	// InstancePrefix is the instance family to accept
	InstancePrefix string

	// Attempts is the maximum number of sweeps
	Attempts int

	// SweepTimeout bounds a single sweep
	SweepTimeout time.Duration

	// ProbeTimeout bounds the reachability probe of a candidate
	ProbeTimeout time.Duration

	// Probe overrides the reachability check (default: probe.Reachable)
	Probe ProbeFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns Options with the values used by SPCM.
func DefaultOptions() Options {
	return Options{
		Service:        DefaultService,
		Domain:         DefaultDomain,
		InstancePrefix: DefaultInstancePrefix,
		Attempts:       DefaultAttempts,
		SweepTimeout:   DefaultSweepTimeout,
		ProbeTimeout:   probe.DefaultTimeout,
	}
}

// Endpoint is a resolved remote-control address.
type Endpoint struct {
	Host     string
	Port     int
	Instance string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// Finder runs discovery against a Browser.
type Finder struct {
	browser Browser
	opts    Options
	logger  *slog.Logger
}

// NewFinder creates a finder. Zero option values fall back to defaults.
func NewFinder(browser Browser, opts Options) *Finder {
	def := DefaultOptions()
	if opts.Service == "" {
		opts.Service = def.Service
	}
	if opts.Domain == "" {
		opts.Domain = def.Domain
	}
	if opts.InstancePrefix == "" {
		opts.InstancePrefix = def.InstancePrefix
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = def.SweepTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.Probe == nil {
		opts.Probe = probe.Reachable
	}

	return &Finder{
		browser: browser,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(logging.KeyComponent, "discovery"),
	}
}

// Attempts returns the configured number of sweeps.
func (f *Finder) Attempts() int {
	return f.opts.Attempts
}

// Find runs up to Attempts sweeps and returns the first reachable best
// candidate for serviceID. A serviceID of zero or less selects
// DefaultServiceID.
func (f *Finder) Find(ctx context.Context, serviceID int) (Endpoint, error) {
	if serviceID <= 0 {
		serviceID = DefaultServiceID
	}

	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		if f.opts.Metrics != nil {
			f.opts.Metrics.RecordDiscoveryAttempt()
		}

		ep, ok, err := f.attempt(ctx, serviceID, attempt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Endpoint{}, ctxErr
			}
			f.logger.Warn("browse failed",
				logging.KeyAttempt, attempt,
				logging.KeyError, err)
			continue
		}
		if ok {
			f.recordResult(true)
			return ep, nil
		}
	}

	f.recordResult(false)
	return Endpoint{}, fmt.Errorf("%w: service id %d after %d attempts", ErrNotFound, serviceID, f.opts.Attempts)
}

// attempt performs one sweep, selection and probe. State is local to the
// call.
func (f *Finder) attempt(ctx context.Context, serviceID, attempt int) (Endpoint, bool, error) {
	candidates, err := f.Sweep(ctx)
	if err != nil {
		return Endpoint{}, false, err
	}

	best, ok := Select(candidates, serviceID)
	if !ok {
		f.logger.Debug("no matching instance advertised",
			logging.KeyAttempt, attempt,
			logging.KeyServiceID, serviceID,
			logging.KeyCount, len(candidates))
		return Endpoint{}, false, nil
	}

	ep := best.Endpoint()
	if !f.opts.Probe(ctx, ep.Address(), f.opts.ProbeTimeout) {
		if f.opts.Metrics != nil {
			f.opts.Metrics.RecordProbeFailure()
		}
		f.logger.Debug("instance not reachable",
			logging.KeyAttempt, attempt,
			logging.KeyInstance, best.Name,
			logging.KeyEndpoint, ep.Address())
		return Endpoint{}, false, nil
	}

	f.logger.Info("instance found",
		logging.KeyAttempt, attempt,
		logging.KeyInstance, best.Name,
		logging.KeyEndpoint, ep.Address())
	return ep, true, nil
}

// Sweep browses for SweepTimeout and returns every advertisement of the
// instance family, in arrival order, one per instance name.
func (f *Finder) Sweep(ctx context.Context) ([]Candidate, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, f.opts.SweepTimeout)
	defer cancel()

	// Start browsing
	entries := make(chan Entry, 16)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- f.browser.Browse(sweepCtx, f.opts.Service, f.opts.Domain, entries)
	}()

	var (
		candidates []Candidate
		index      = make(map[string]int)
	)
	// Keep the latest advertisement per instance name
	collect := func(e Entry) {
		c, ok := ParseCandidate(e, f.opts.InstancePrefix)
		if !ok {
			return
		}
		if i, seen := index[c.Name]; seen {
			candidates[i] = c
			return
		}
		index[c.Name] = len(candidates)
		candidates = append(candidates, c)
	}

	errCh := browseErr
	for {
		select {
		case e := <-entries:
			collect(e)
		case err := <-errCh:
			if err != nil {
				return nil, err
			}
			// A browser that returns early still gets the full sweep window.
			errCh = nil
		case <-sweepCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// Drain what arrived before the window closed
			for {
				select {
				case e := <-entries:
					collect(e)
				default:
					return candidates, nil
				}
			}
		}
	}
}

func (f *Finder) recordResult(found bool) {
	if f.opts.Metrics != nil {
		f.opts.Metrics.RecordDiscoveryResult(found)
	}
}
