// Package session manages encrypted remote-control sessions with an SPCM
// instance: endpoint resolution, the key exchange handshake, the command
// loop and bulk transfers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/identity"
	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/transport"
)

// DefaultDialTimeout bounds the TCP connect of the control channel.
const DefaultDialTimeout = 10 * time.Second

// Config holds the settings shared by all sessions of a Client.
type Config struct {
	// KeyBits is the RSA modulus size of the per-session keypair
	KeyBits int

	// DataDir receives the key files of the last handshake. Empty disables
	// persistence.
	DataDir string

	// TempDir receives image files. Empty uses <DataDir>/temp.
	TempDir string

	// DialTimeout bounds the control connection setup
	DialTimeout time.Duration

	// Transport configures the control channel
	Transport transport.Options

	// Transfer configures the side channels
	Transfer filetransfer.Options

	// MaxTraceValues caps the declared size of a received trace
	MaxTraceValues int

	// Finder resolves endpoints when none is given. Nil disables discovery.
	Finder *discovery.Finder

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Options are the per-connect parameters.
type Options struct {
	// Host and Port select an explicit endpoint. Both or neither must be set.
	Host string
	Port int

	// ServiceID selects the discovered instance. Zero means the default.
	ServiceID int
}

// Client creates sessions and remembers the last resolved endpoint.
type Client struct {
	cfg    Config
	store  *identity.Store
	logger *slog.Logger

	mu       sync.Mutex
	endpoint discovery.Endpoint
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.KeyBits == 0 {
		cfg.KeyBits = crypto.DefaultKeyBits
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxTraceValues <= 0 {
		cfg.MaxTraceValues = filetransfer.DefaultMaxTraceValues
	}

	c := &Client{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "session"),
	}
	if cfg.DataDir != "" {
		c.store = identity.NewStore(cfg.DataDir)
	}
	if cfg.Transfer.Logger == nil {
		c.cfg.Transfer.Logger = cfg.Logger
	}
	if cfg.Transfer.Metrics == nil {
		c.cfg.Transfer.Metrics = cfg.Metrics
	}
	return c
}

// Endpoint returns the cached endpoint, if any.
func (c *Client) Endpoint() discovery.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// SetEndpoint replaces the cached endpoint.
func (c *Client) SetEndpoint(ep discovery.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = ep
}

// ValidateOptions checks the host/port pairing without any network I/O.
func ValidateOptions(opts Options) error {
	if (opts.Host == "") != (opts.Port == 0) {
		return fmt.Errorf("%w: host and port must both be provided or both be omitted", ErrConfiguration)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfiguration, opts.Port)
	}
	if opts.ServiceID < 0 {
		return fmt.Errorf("%w: service id %d must not be negative", ErrConfiguration, opts.ServiceID)
	}
	return nil
}

// Connect resolves the endpoint, performs the handshake and confirms it
// with a version query. The version reply is available from
// Session.Version.
func (c *Client) Connect(ctx context.Context, opts Options) (*Session, error) {
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}

	// Bind the session ID to every log record
	id := uuid.New()
	s := &Session{
		id:     id,
		client: c,
		logger: c.logger.With(logging.KeySession, id.String()),
		state:  StateUnconnected,
	}

	// Explicit endpoint, then cached, then discovery
	ep, err := c.resolve(ctx, s, opts)
	if err != nil {
		return nil, err
	}
	s.endpoint = ep
	s.logger = s.logger.With(logging.KeyEndpoint, ep.Address())

	s.setState(StateConnecting)
	netConn, err := transport.Dial(ctx, ep.Address(), c.cfg.DialTimeout)
	if err != nil {
		s.setState(StateClosed)
		return nil, err
	}

	// Exchange keys
	start := time.Now()
	s.setState(StateHandshaking)
	if err := s.handshake(ctx, netConn); err != nil {
		netConn.Close()
		s.setState(StateClosed)
		c.recordHandshakeError(err)
		s.logger.Warn("handshake failed", logging.KeyError, err)
		return nil, fmt.Errorf("handshake with %s: %w", ep.Address(), err)
	}

	s.setState(StateEstablished)
	if m := c.cfg.Metrics; m != nil {
		m.RecordSessionOpen()
	}

	// Confirm the session with a version query
	version, err := s.Command(ctx, protocol.CmdVersion)
	if err != nil {
		s.closeWithReason("handshake_failed")
		c.recordHandshakeError(err)
		return nil, fmt.Errorf("version query: %w", err)
	}
	s.version = version

	if m := c.cfg.Metrics; m != nil {
		m.RecordHandshake(time.Since(start).Seconds())
	}
	s.logger.Info("session established", "version", version.String())
	return s, nil
}

// resolve picks the explicit endpoint, the cached one, or runs discovery.
func (c *Client) resolve(ctx context.Context, s *Session, opts Options) (discovery.Endpoint, error) {
	if opts.Host != "" {
		ep := discovery.Endpoint{Host: opts.Host, Port: opts.Port}
		c.SetEndpoint(ep)
		return ep, nil
	}

	if ep := c.Endpoint(); !ep.IsZero() {
		return ep, nil
	}

	serviceID := opts.ServiceID
	isDefault := serviceID == 0
	if isDefault {
		serviceID = discovery.DefaultServiceID
	}

	if c.cfg.Finder == nil {
		return discovery.Endpoint{}, &DiscoveryError{
			ServiceID: serviceID,
			Default:   isDefault,
			Err:       ErrDiscoveryDisabled,
		}
	}

	s.setState(StateDiscovering)
	ep, err := c.cfg.Finder.Find(ctx, serviceID)
	if err != nil {
		s.setState(StateClosed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return discovery.Endpoint{}, ctxErr
		}
		return discovery.Endpoint{}, &DiscoveryError{
			ServiceID: serviceID,
			Default:   isDefault,
			Attempts:  c.cfg.Finder.Attempts(),
			Err:       err,
		}
	}

	c.SetEndpoint(ep)
	return ep, nil
}

// newKeypair generates the per-session keypair and persists it.
func (c *Client) newKeypair() (*crypto.Keypair, error) {
	kp, err := crypto.NewKeypair(c.cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.SaveClientKeys(kp); err != nil {
			c.logger.Warn("failed to persist client keys", logging.KeyError, err)
		}
	}
	return kp, nil
}

func (c *Client) savePeerKey(pemBytes []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveServerPublicKey(pemBytes); err != nil {
		c.logger.Warn("failed to persist server key", logging.KeyError, err)
	}
}

func (c *Client) tempDir() string {
	if c.cfg.TempDir != "" {
		return c.cfg.TempDir
	}
	if c.store != nil {
		return c.store.TempDir()
	}
	return ""
}

func (c *Client) recordHandshakeError(err error) {
	if m := c.cfg.Metrics; m != nil {
		m.RecordHandshakeError(errorType(err))
	}
}

// HostPort splits "host:port" into an Options endpoint.
func HostPort(addr string) (Options, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Options{}, fmt.Errorf("%w: invalid port %q", ErrConfiguration, portStr)
	}
	return Options{Host: host, Port: port}, nil
}
