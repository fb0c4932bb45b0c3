package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/spcmremote/spcmremote/internal/chaos"
	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/emulator"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/identity"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/transport"
)

const testKeyBits = 1024

func startEmulator(t *testing.T, cfg emulator.Config) *emulator.Server {
	t.Helper()
	cfg.KeyBits = testKeyBits
	srv, err := emulator.New(cfg)
	if err != nil {
		t.Fatalf("emulator.New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		KeyBits:     testKeyBits,
		DataDir:     t.TempDir(),
		DialTimeout: 2 * time.Second,
		Transport:   transport.DefaultOptions(),
	}
	cfg.Transport.ReadTimeout = 5 * time.Second
	cfg.Transfer.Timeout = 5 * time.Second
	return cfg
}

func explicit(srv *emulator.Server) Options {
	return Options{Host: "127.0.0.1", Port: srv.Port()}
}

func connect(t *testing.T, c *Client, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := c.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeBrowser announces a fixed entry on every sweep.
type fakeBrowser struct {
	mu      sync.Mutex
	entries []discovery.Entry
	calls   int
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- discovery.Entry) error {
	b.mu.Lock()
	b.calls++
	batch := b.entries
	b.mu.Unlock()

	for _, e := range batch {
		select {
		case entries <- e:
		case <-ctx.Done():
		}
	}
	<-ctx.Done()
	return nil
}

func (b *fakeBrowser) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testFinder(b discovery.Browser) *discovery.Finder {
	opts := discovery.DefaultOptions()
	opts.SweepTimeout = 20 * time.Millisecond
	opts.ProbeTimeout = time.Second
	return discovery.NewFinder(b, opts)
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"empty", Options{}, false},
		{"host and port", Options{Host: "10.0.0.5", Port: 54711}, false},
		{"service id", Options{ServiceID: 2}, false},
		{"host only", Options{Host: "10.0.0.5"}, true},
		{"port only", Options{Port: 54711}, true},
		{"port out of range", Options{Host: "h", Port: 70000}, true},
		{"negative id", Options{ServiceID: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOptions(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}
}

func TestConnect_HostWithoutPort(t *testing.T) {
	browser := &fakeBrowser{}
	cfg := testConfig(t)
	cfg.Finder = testFinder(browser)
	c := NewClient(cfg)

	_, err := c.Connect(context.Background(), Options{Host: "10.0.0.5"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Connect() error = %v, want ErrConfiguration", err)
	}
	if browser.Calls() != 0 {
		t.Error("no discovery may run for an invalid configuration")
	}
}

func TestConnect_Explicit(t *testing.T) {
	srv := startEmulator(t, emulator.Config{Version: 5.1, PadReplies: true})
	cfg := testConfig(t)
	c := NewClient(cfg)

	s := connect(t, c, explicit(srv))

	if s.State() != StateEstablished {
		t.Errorf("State() = %v, want %v", s.State(), StateEstablished)
	}
	if s.Version() != (protocol.Numeric{Value: 5.1}) {
		t.Errorf("Version() = %#v", s.Version())
	}
	if got := srv.Payloads(); len(got) != 1 || string(got[0]) != "$Version:number$" {
		t.Errorf("server saw %q", got)
	}
	if !bytes.Equal(s.PeerKey(), srv.PublicKey()) {
		t.Error("PeerKey() does not match the server key")
	}
	if ep := c.Endpoint(); ep.Port != srv.Port() {
		t.Errorf("cached endpoint = %+v", ep)
	}
	if s.ID() == uuid.Nil {
		t.Error("ID() is nil")
	}
	if other := connect(t, c, explicit(srv)); other.ID() == s.ID() {
		t.Error("sessions share an ID")
	}

	for _, name := range []string{identity.ClientPrivateKeyFile, identity.ClientPublicKeyFile, identity.ServerPublicKeyFile} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, name)); err != nil {
			t.Errorf("key file %s: %v", name, err)
		}
	}
	stored, err := identity.NewStore(cfg.DataDir).LoadServerPublicKey()
	if err != nil {
		t.Fatalf("LoadServerPublicKey() error = %v", err)
	}
	want, err := crypto.ParsePublicKey(srv.PublicKey())
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	if !stored.Equal(want) {
		t.Error("stored server key differs")
	}
}

func TestConnect_CachedEndpoint(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	browser := &fakeBrowser{}
	cfg := testConfig(t)
	cfg.Finder = testFinder(browser)
	c := NewClient(cfg)

	first := connect(t, c, explicit(srv))
	first.Close()

	second := connect(t, c, Options{})
	if second.Endpoint().Port != srv.Port() {
		t.Errorf("Endpoint() = %+v", second.Endpoint())
	}
	if browser.Calls() != 0 {
		t.Errorf("browser called %d times, want 0", browser.Calls())
	}
}

func TestConnect_Discovered(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	browser := &fakeBrowser{entries: []discovery.Entry{{
		Instance: "SPCMRemoteControl:1(1)",
		Port:     srv.Port(),
		AddrIPv4: []net.IP{net.ParseIP("127.0.0.1")},
	}}}
	cfg := testConfig(t)
	cfg.Finder = testFinder(browser)
	c := NewClient(cfg)

	s := connect(t, c, Options{})
	if s.Endpoint().Instance != "SPCMRemoteControl:1(1)" {
		t.Errorf("Endpoint() = %+v", s.Endpoint())
	}
	waitFor(t, func() bool { return srv.Probes() == 1 })

	s.Close()
	connect(t, c, Options{})
	if browser.Calls() != 1 {
		t.Errorf("browser called %d times, want 1", browser.Calls())
	}
}

func TestConnect_DiscoveryFails(t *testing.T) {
	tests := []struct {
		name      string
		serviceID int
		want      string
	}{
		{"default", 0, "default instance (ID 1)"},
		{"explicit", 3, "instance with ID 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			browser := &fakeBrowser{}
			cfg := testConfig(t)
			cfg.Finder = testFinder(browser)
			c := NewClient(cfg)

			_, err := c.Connect(context.Background(), Options{ServiceID: tt.serviceID})

			var de *DiscoveryError
			if !errors.As(err, &de) {
				t.Fatalf("Connect() error = %v, want *DiscoveryError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if !errors.Is(err, ErrConfiguration) || !errors.Is(err, discovery.ErrNotFound) {
				t.Errorf("error %v should wrap ErrConfiguration and ErrNotFound", err)
			}
			if de.Attempts != discovery.DefaultAttempts || browser.Calls() != discovery.DefaultAttempts {
				t.Errorf("attempts = %d, calls = %d", de.Attempts, browser.Calls())
			}
		})
	}
}

func TestConnect_NoFinder(t *testing.T) {
	c := NewClient(testConfig(t))
	_, err := c.Connect(context.Background(), Options{})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Connect() error = %v, want ErrConfiguration", err)
	}
	if !errors.Is(err, ErrDiscoveryDisabled) {
		t.Errorf("Connect() error = %v, want ErrDiscoveryDisabled", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "discovery is disabled") || strings.Contains(msg, "attempts") {
		t.Errorf("error message = %q", msg)
	}
}

func TestConnect_GarbageHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write(bytes.Repeat([]byte{0x5A}, 200))
		conn.Read(buf)
	}()

	reg := prometheus.NewRegistry()
	cfg := testConfig(t)
	cfg.Metrics = metrics.NewMetricsWithRegistry(reg)
	c := NewClient(cfg)

	port := ln.Addr().(*net.TCPAddr).Port
	_, err = c.Connect(context.Background(), Options{Host: "127.0.0.1", Port: port})
	if !errors.Is(err, crypto.ErrAuthentication) {
		t.Fatalf("Connect() error = %v, want ErrAuthentication", err)
	}
	if got := testutil.ToFloat64(cfg.Metrics.HandshakeErrors.WithLabelValues("authentication")); got != 1 {
		t.Errorf("handshake errors = %v, want 1", got)
	}
}

func TestConnect_Silent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-done
	}()

	cfg := testConfig(t)
	cfg.Transport.ReadTimeout = 100 * time.Millisecond
	c := NewClient(cfg)

	port := ln.Addr().(*net.TCPAddr).Port
	_, err = c.Connect(context.Background(), Options{Host: "127.0.0.1", Port: port})
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewClient(testConfig(t))
	if _, err := c.Connect(context.Background(), Options{Host: "127.0.0.1", Port: port}); err == nil {
		t.Fatal("Connect() to a closed port should fail")
	}
}

func TestCommand_Outcomes(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))
	ctx := context.Background()

	out, err := s.Command(ctx, protocol.SetParameterCommand("gain", "high"))
	if err != nil || out != (protocol.Success{}) {
		t.Fatalf("setparameter = %#v, %v", out, err)
	}
	out, err = s.Command(ctx, "getparameter:gain")
	if err != nil || out != (protocol.Text{Value: "high"}) {
		t.Fatalf("getparameter = %#v, %v", out, err)
	}

	out, err = s.Command(ctx, "frobnicate")
	var respErr *protocol.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("Command() error = %v, want *ResponseError", err)
	}
	if _, ok := out.(protocol.Failure); !ok {
		t.Errorf("outcome = %#v, want Failure", out)
	}
	if !strings.HasPrefix(respErr.Response, "ERR:") {
		t.Errorf("Response = %q", respErr.Response)
	}
	if s.State() != StateEstablished {
		t.Errorf("State() = %v after a rejected command", s.State())
	}

	if _, err := s.Command(ctx, protocol.CmdVersion); err != nil {
		t.Errorf("session unusable after rejection: %v", err)
	}
}

func TestCommand_PeerClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startEmulator(t, emulator.Config{})
	cfg := testConfig(t)
	cfg.Metrics = metrics.NewMetricsWithRegistry(reg)
	s := connect(t, NewClient(cfg), explicit(srv))

	srv.Close()

	_, err := s.Command(context.Background(), protocol.CmdVersion)
	if !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("Command() error = %v, want ErrConnectionClosed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want %v", s.State(), StateClosed)
	}
	if _, err := s.Command(context.Background(), protocol.CmdVersion); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Command() on closed session error = %v", err)
	}
	if got := testutil.ToFloat64(cfg.Metrics.SessionsActive); got != 0 {
		t.Errorf("sessions active = %v", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.Disconnects.WithLabelValues("closed")); got != 1 {
		t.Errorf("closed disconnects = %v", got)
	}
}

func TestCommand_InjectedFaults(t *testing.T) {
	tests := []struct {
		name      string
		fault     chaos.FaultConfig
		timeout   time.Duration
		wantErr   error
		wantLabel string
	}{
		{
			name:      "corrupted reply",
			fault:     chaos.FaultConfig{Type: chaos.FaultCorrupt, Probability: 1.0},
			wantErr:   crypto.ErrAuthentication,
			wantLabel: "authentication",
		},
		{
			name:      "truncated reply",
			fault:     chaos.FaultConfig{Type: chaos.FaultTruncate, Probability: 1.0},
			wantErr:   crypto.ErrFormat,
			wantLabel: "format",
		},
		{
			name:      "dropped connection",
			fault:     chaos.FaultConfig{Type: chaos.FaultDisconnect, Probability: 1.0},
			wantErr:   transport.ErrConnectionClosed,
			wantLabel: "closed",
		},
		{
			name:      "panicking peer",
			fault:     chaos.FaultConfig{Type: chaos.FaultPanic, Probability: 1.0},
			wantErr:   transport.ErrConnectionClosed,
			wantLabel: "closed",
		},
		{
			name: "slow reply",
			fault: chaos.FaultConfig{
				Type:        chaos.FaultDelay,
				Probability: 1.0,
				MinDelay:    time.Second,
				MaxDelay:    time.Second,
			},
			timeout:   100 * time.Millisecond,
			wantErr:   transport.ErrTimeout,
			wantLabel: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faults := chaos.NewFaultInjector(tt.fault)
			faults.Disable()
			srv := startEmulator(t, emulator.Config{Faults: faults})

			reg := prometheus.NewRegistry()
			cfg := testConfig(t)
			cfg.Metrics = metrics.NewMetricsWithRegistry(reg)
			if tt.timeout > 0 {
				cfg.Transport.ReadTimeout = tt.timeout
			}
			s := connect(t, NewClient(cfg), explicit(srv))

			faults.Enable()
			_, err := s.Command(context.Background(), protocol.CmdVersion)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Command() error = %v, want %v", err, tt.wantErr)
			}
			if s.State() != StateClosed {
				t.Errorf("State() = %v, want %v", s.State(), StateClosed)
			}
			if got := testutil.ToFloat64(cfg.Metrics.Disconnects.WithLabelValues(tt.wantLabel)); got != 1 {
				t.Errorf("%s disconnects = %v, want 1", tt.wantLabel, got)
			}
			if got := faults.GetStats()[tt.fault.Type]; got != 1 {
				t.Errorf("fault hits = %d, want 1", got)
			}
		})
	}
}

func TestCommand_InjectedRejection(t *testing.T) {
	faults := chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        chaos.FaultReject,
		Probability: 1.0,
		MaxHits:     1,
	})
	faults.Disable()
	srv := startEmulator(t, emulator.Config{Faults: faults})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))

	faults.Enable()
	_, err := s.Command(context.Background(), protocol.CmdVersion)
	var respErr *protocol.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("Command() error = %v, want *ResponseError", err)
	}
	if s.State() != StateEstablished {
		t.Errorf("State() = %v after an injected rejection", s.State())
	}

	out, err := s.Command(context.Background(), protocol.CmdVersion)
	if err != nil {
		t.Fatalf("Command() after rejection error = %v", err)
	}
	if out != (protocol.Numeric{Value: emulator.DefaultVersion}) {
		t.Errorf("outcome = %#v", out)
	}
}

func TestCommand_ContextCanceled(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Command(ctx, protocol.CmdVersion); !errors.Is(err, context.Canceled) {
		t.Fatalf("Command() error = %v, want context.Canceled", err)
	}
}

func TestShutdown(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s.State() != StateShutdownRequested {
		t.Errorf("State() = %v, want %v", s.State(), StateShutdownRequested)
	}
	select {
	case <-srv.ShutdownRequested():
	case <-time.After(5 * time.Second):
		t.Fatal("emulator did not observe shutdown")
	}

	payloads := srv.Payloads()
	if last := payloads[len(payloads)-1]; !bytes.Equal(last, []byte{protocol.ShutdownByte}) {
		t.Errorf("last payload = %v", last)
	}

	_, err := s.Command(context.Background(), protocol.CmdVersion)
	if !errors.Is(err, transport.ErrConnectionClosed) {
		t.Errorf("Command() after shutdown error = %v, want ErrConnectionClosed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want %v", s.State(), StateClosed)
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := s.Shutdown(context.Background()); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Shutdown() after Close error = %v", err)
	}
}

func TestGetImage(t *testing.T) {
	data := []byte("II*\x00image-payload")
	srv := startEmulator(t, emulator.Config{ImageData: data})
	cfg := testConfig(t)
	s := connect(t, NewClient(cfg), explicit(srv))

	img, err := s.GetImage(context.Background(), ImageRequest{Kind: protocol.ImageFitted, Window: 2})
	if err != nil {
		t.Fatalf("GetImage() error = %v", err)
	}
	if img.Name != "fittedimage_w2_c1.tiff" {
		t.Errorf("Name = %q", img.Name)
	}
	if filepath.Dir(img.Path) != filepath.Join(cfg.DataDir, "temp") {
		t.Errorf("Path = %q", img.Path)
	}
	got, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file content = %q", got)
	}
}

func TestGetImage_NoDirectory(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	cfg := testConfig(t)
	cfg.DataDir = ""
	s := connect(t, NewClient(cfg), explicit(srv))

	if _, err := s.GetImage(context.Background(), ImageRequest{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("GetImage() error = %v, want ErrConfiguration", err)
	}
}

func TestGetTrace(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startEmulator(t, emulator.Config{Trace: []uint32{1, 2, 3, 4}})
	cfg := testConfig(t)
	cfg.Metrics = metrics.NewMetricsWithRegistry(reg)
	s := connect(t, NewClient(cfg), explicit(srv))

	values, err := s.GetTrace(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetTrace() error = %v", err)
	}
	if len(values) != 4 || values[3] != 4 {
		t.Errorf("values = %v", values)
	}

	payloads := srv.Payloads()
	last := string(payloads[len(payloads)-1])
	if !strings.HasSuffix(last, ",imagedecay,1$") {
		t.Errorf("command = %q, want 0-based trace index", last)
	}
	if got := testutil.ToFloat64(cfg.Metrics.TransfersActive); got != 0 {
		t.Errorf("transfers active = %v", got)
	}
}

func TestGetTrace_InvalidNumber(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))

	if _, err := s.GetTrace(context.Background(), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("GetTrace(0) error = %v, want ErrInvalidArgument", err)
	}
}

func TestSetImageSize(t *testing.T) {
	srv := startEmulator(t, emulator.Config{})
	s := connect(t, NewClient(testConfig(t)), explicit(srv))

	if err := s.SetImageSize(context.Background(), 256, 128); err != nil {
		t.Fatalf("SetImageSize() error = %v", err)
	}
	if v, _ := srv.Parameter(protocol.ParamPixelX); v != "256" {
		t.Errorf("pixelx = %q", v)
	}
	if v, _ := srv.Parameter(protocol.ParamPixelY); v != "128" {
		t.Errorf("pixely = %q", v)
	}
	if srv.Menu() != protocol.MenuSystemParameter {
		t.Errorf("menu = %q", srv.Menu())
	}

	if err := s.SetImageSize(context.Background(), 0, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetImageSize(0, 10) error = %v", err)
	}
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startEmulator(t, emulator.Config{})
	cfg := testConfig(t)
	cfg.Metrics = metrics.NewMetricsWithRegistry(reg)
	s := connect(t, NewClient(cfg), explicit(srv))

	if got := testutil.ToFloat64(cfg.Metrics.SessionsActive); got != 1 {
		t.Errorf("sessions active = %v", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.Commands.WithLabelValues("numeric")); got != 1 {
		t.Errorf("numeric commands = %v", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.BytesSent.WithLabelValues(metrics.DataControl)); got == 0 {
		t.Error("no control bytes recorded")
	}

	s.Close()
	if got := testutil.ToFloat64(cfg.Metrics.SessionsActive); got != 0 {
		t.Errorf("sessions active after close = %v", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.Disconnects.WithLabelValues("disconnect")); got != 1 {
		t.Errorf("disconnects = %v", got)
	}
}

func TestHostPort(t *testing.T) {
	opts, err := HostPort("192.168.1.20:54711")
	if err != nil || opts.Host != "192.168.1.20" || opts.Port != 54711 {
		t.Fatalf("HostPort() = %+v, %v", opts, err)
	}
	for _, bad := range []string{"nohost", "h:0", "h:abc"} {
		if _, err := HostPort(bad); !errors.Is(err, ErrConfiguration) {
			t.Errorf("HostPort(%q) error = %v", bad, err)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateShutdownRequested.String() == "" || State(99).String() == "" {
		t.Error("State.String() must not be empty")
	}
	if !StateShutdownRequested.CanCommand() || StateClosed.CanCommand() {
		t.Error("CanCommand() mismatch")
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{transport.ErrConnectionClosed, "closed"},
		{filetransfer.ErrTimeout, "timeout"},
		{crypto.ErrAuthentication, "authentication"},
		{filetransfer.ErrFormat, "format"},
		{discovery.ErrNotFound, "not_found"},
		{&protocol.ResponseError{Response: "ERR"}, "response"},
		{errors.New("x"), "other"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
