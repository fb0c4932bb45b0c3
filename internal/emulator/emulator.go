// Package emulator implements the server half of the SPCM remote-control
// protocol for hardware-free testing: the key exchange, the command loop,
// image and trace pushes and the shutdown instruction.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/spcmremote/spcmremote/internal/chaos"
	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/recovery"
	"github.com/spcmremote/spcmremote/internal/transport"
)

const (
	// DefaultVersion is reported for Version:number.
	DefaultVersion = 5.1

	// DefaultTraceLength is the number of values in a generated trace.
	DefaultTraceLength = 256

	// probePayload is what discovery probes send instead of a key.
	probePayload = "ping"

	pushDialTimeout = 5 * time.Second
)

var errDropped = errors.New("connection dropped")

// Config configures an emulated server.
type Config struct {
	// ListenAddress is the control channel address, e.g. "127.0.0.1:0"
	ListenAddress string

	// KeyBits is the RSA modulus size of the server key
	KeyBits int

	// Version is the number reported for Version:number
	Version float64

	// PadReplies appends NUL padding to every reply
	PadReplies bool

	// ImageData is pushed for image requests; nil generates a small image
	ImageData []byte

	// Trace is pushed for trace requests; nil generates a decay curve
	Trace []uint32

	// Advertise announces the server over mDNS
	Advertise      bool
	ServiceID      int
	Ordinal        int
	Service        string
	Domain         string
	InstancePrefix string

	// Faults perturbs command replies; nil sends them unchanged
	Faults *chaos.FaultInjector

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a loopback configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddress:  "127.0.0.1:0",
		KeyBits:        crypto.DefaultKeyBits,
		Version:        DefaultVersion,
		ServiceID:      discovery.DefaultServiceID,
		Service:        discovery.DefaultService,
		Domain:         discovery.DefaultDomain,
		InstancePrefix: discovery.DefaultInstancePrefix,
	}
}

// Server is an emulated SPCM remote-control endpoint.
type Server struct {
	cfg     Config
	keypair *crypto.Keypair
	pubPEM  []byte
	logger  *slog.Logger

	ln net.Listener
	ad *discovery.Advertisement
	wg sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}
	closeOnce    sync.Once

	// params holds values written with setparameter.
	params *xsync.MapOf[string, string]

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	menu     string
	payloads [][]byte
	probes   int
}

// New creates a server with a fresh keypair.
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.Version == 0 {
		cfg.Version = def.Version
	}
	if cfg.ServiceID == 0 {
		cfg.ServiceID = def.ServiceID
	}
	if cfg.InstancePrefix == "" {
		cfg.InstancePrefix = def.InstancePrefix
	}

	kp, err := crypto.NewKeypair(cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	pubPEM, err := kp.PublicPEM()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		keypair:  kp,
		pubPEM:   pubPEM,
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "emulator"),
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		params:   xsync.NewMapOf[string, string](),
	}, nil
}

// Start binds the control listener, optionally advertises it and serves
// connections in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.ln = ln

	if s.cfg.Advertise {
		name := discovery.InstanceName(s.cfg.InstancePrefix, s.cfg.ServiceID, s.cfg.Ordinal)
		ad, err := discovery.Advertise(name, s.cfg.Service, s.cfg.Domain, s.Port(),
			[]string{"version=" + strconv.FormatFloat(s.cfg.Version, 'g', -1, 64)})
		if err != nil {
			ln.Close()
			return err
		}
		s.ad = ad
		s.logger.Info("advertising", logging.KeyInstance, name)
	}

	s.logger.Info("emulator listening", logging.KeyLocalAddr, ln.Addr().String())
	recovery.Go(&s.wg, s.logger, "emulator-accept", s.acceptLoop)
	return nil
}

// Addr returns the control listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Port returns the control listener port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// PublicKey returns the server public key in PEM form.
func (s *Server) PublicKey() []byte {
	return s.pubPEM
}

// ShutdownRequested is closed when a client sent the shutdown instruction.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Parameter returns a value set with setparameter.
func (s *Server) Parameter(name string) (string, bool) {
	return s.params.Load(name)
}

// Menu returns the last menu activated with pressmenu.
func (s *Server) Menu() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.menu
}

// Payloads returns every decrypted payload received so far.
func (s *Server) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// Probes returns the number of reachability probes seen.
func (s *Server) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// Close stops advertising, closes the listener and every open connection,
// and waits for all goroutines.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.ad.Shutdown()
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", logging.KeyError, err)
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		recovery.Go(&s.wg, s.logger, "emulator-conn", func() {
			defer s.forget(conn)
			s.serveConn(conn)
		})
	}
}

func (s *Server) forget(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// requestShutdown emulates the application exiting.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.logger.Info("shutdown requested by client")
		go s.Close()
	})
}

func (s *Server) serveConn(netConn net.Conn) {
	ctx := context.Background()
	logger := s.logger.With(logging.KeyRemoteAddr, netConn.RemoteAddr().String())
	conn := transport.NewConn(netConn, crypto.NewBox(s.keypair), transport.DefaultOptions())

	first, err := conn.ReceiveRaw(ctx)
	if err != nil {
		return
	}
	if string(first) == probePayload {
		s.mu.Lock()
		s.probes++
		s.mu.Unlock()
		logger.Debug("probe received")
		return
	}

	clientKey, err := crypto.ParsePublicKey(first)
	if err != nil {
		logger.Warn("invalid client key", logging.KeyError, err)
		return
	}
	conn.Box().SetPeer(clientKey)

	if err := conn.Send(ctx, s.pubPEM); err != nil {
		logger.Warn("failed to send server key", logging.KeyError, err)
		return
	}
	logger.Debug("key exchange complete")

	for {
		payload, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrConnectionClosed) {
				logger.Warn("receive failed", logging.KeyError, err)
			}
			return
		}

		s.mu.Lock()
		s.payloads = append(s.payloads, payload)
		s.mu.Unlock()

		reply, stop := s.dispatch(payload, remoteIP(netConn))
		if stop {
			s.requestShutdown()
			return
		}
		if s.cfg.PadReplies {
			reply += "\x00\x00\x00"
		}
		if err := s.reply(ctx, conn, reply, logger); err != nil {
			if !errors.Is(err, errDropped) {
				logger.Warn("send failed", logging.KeyError, err)
			}
			return
		}
	}
}

// reply seals and sends one command reply, applying any injected fault.
func (s *Server) reply(ctx context.Context, conn *transport.Conn, reply string, logger *slog.Logger) error {
	fault := s.cfg.Faults.Next()
	if fault.Type != chaos.FaultNone {
		logger.Debug("injecting fault", "fault", fault.Type.String())
	}

	switch fault.Type {
	case chaos.FaultDisconnect:
		conn.Close()
		return errDropped
	case chaos.FaultDelay:
		select {
		case <-time.After(fault.Delay):
		case <-s.shutdown:
		}
	case chaos.FaultReject:
		reply = replyErr + "injected fault"
	case chaos.FaultPanic:
		panic("emulator: injected fault")
	}

	env, err := conn.Box().Seal([]byte(reply))
	if err != nil {
		return err
	}
	switch fault.Type {
	case chaos.FaultCorrupt:
		env = chaos.Corrupt(env)
	case chaos.FaultTruncate:
		env = chaos.Truncate(env, crypto.NonceSize)
	}
	return conn.SendRaw(ctx, env)
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return host
}

// decayCurve generates a mono-exponential decay scaled by trace index.
func decayCurve(n, index int) []uint32 {
	out := make([]uint32, n)
	scale := float64(1000 * (index + 1))
	for i := range out {
		out[i] = uint32(scale * math.Exp(-float64(i)/40))
	}
	return out
}
