// Package filetransfer receives bulk payloads pushed by the remote-control
// peer over short-lived, unencrypted TCP side channels.
//
// A side channel is a listener on an ephemeral port that accepts exactly one
// connection, decodes exactly one payload and is then discarded. The result
// is delivered through a Pending value owned by the requesting caller, so
// several transfers may be in flight at once.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/recovery"
	"github.com/spcmremote/spcmremote/internal/transport"
)

var (
	// ErrFormat is returned when a payload is structurally malformed.
	ErrFormat = errors.New("malformed side-channel payload")

	// ErrTimeout is returned when no payload arrived in time.
	ErrTimeout = transport.ErrTimeout

	// ErrAborted is returned when the transfer was closed before it
	// completed.
	ErrAborted = errors.New("transfer aborted")
)

// Handler decodes the payload of one side-channel connection.
type Handler[T any] func(r io.Reader) (T, error)

// Options configures a side-channel listener.
type Options struct {
	// BindAddress is the local address to bind; the port is always chosen
	// by the operating system. Empty binds all interfaces.
	BindAddress string

	// Timeout bounds accept plus receive. Zero waits indefinitely.
	Timeout time.Duration

	// RateLimit caps the receive rate in bytes per second. Zero disables it.
	RateLimit int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pending is a side-channel transfer that has been bound and is waiting
// for, or receiving, its single payload.
type Pending[T any] struct {
	kind    string
	opts    Options
	ln      net.Listener
	logger  *slog.Logger
	started time.Time
	done    chan struct{}

	mu      sync.Mutex
	conn    net.Conn
	aborted bool

	// Written by serve before done is closed.
	result T
	err    error
	bytes  int64
}

// Listen binds an ephemeral port and starts waiting for the peer in the
// background. The caller must bind before issuing the command that makes
// the peer connect.
func Listen[T any](ctx context.Context, kind string, opts Options, handle Handler[T]) (*Pending[T], error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(opts.BindAddress, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s side channel: %w", kind, err)
	}

	p := &Pending[T]{
		kind:    kind,
		opts:    opts,
		ln:      ln,
		logger:  logging.OrNop(opts.Logger).With(logging.KeyComponent, "sidechannel", logging.KeyKind, kind),
		started: time.Now(),
		done:    make(chan struct{}),
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordTransferStart()
	}
	p.logger.Debug("side channel listening", logging.KeyPort, p.Port())

	go p.serve(ctx, handle)
	return p, nil
}

// Port returns the bound port number.
func (p *Pending[T]) Port() int {
	if addr, ok := p.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, port, _ := net.SplitHostPort(p.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns the listener address.
func (p *Pending[T]) Addr() net.Addr {
	return p.ln.Addr()
}

// Done is closed once the transfer has finished or failed.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the payload has been received. If ctx ends first the
// transfer is aborted.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		p.abort()
		<-p.done
		var zero T
		return zero, ctx.Err()
	}
}

// Close aborts the transfer if it is still running and waits for the
// background goroutine to exit.
func (p *Pending[T]) Close() error {
	p.abort()
	<-p.done
	return nil
}

// BytesReceived returns the payload size read from the wire. It is only
// meaningful after Done is closed.
func (p *Pending[T]) BytesReceived() int64 {
	select {
	case <-p.done:
		return p.bytes
	default:
		return 0
	}
}

func (p *Pending[T]) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	p.ln.Close()
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Pending[T]) serve(ctx context.Context, handle Handler[T]) {
	defer close(p.done)
	defer p.finish()
	defer recovery.RecoverWithCallback(p.logger, "sidechannel-"+p.kind, func(r any) {
		p.err = fmt.Errorf("%s handler panicked: %v", p.kind, r)
	})

	stop := context.AfterFunc(ctx, p.abort)
	defer stop()

	// Apply the transfer timeout to accept and read
	var deadline time.Time
	if p.opts.Timeout > 0 {
		deadline = p.started.Add(p.opts.Timeout)
		if tl, ok := p.ln.(*net.TCPListener); ok {
			tl.SetDeadline(deadline)
		}
	}

	// Accept exactly one connection
	conn, err := p.ln.Accept()
	p.ln.Close()
	if err != nil {
		p.err = p.mapError(ctx, err)
		return
	}

	p.mu.Lock()
	p.conn = conn
	aborted := p.aborted
	p.mu.Unlock()
	defer conn.Close()

	if aborted {
		p.err = p.mapError(ctx, net.ErrClosed)
		return
	}

	p.logger.Debug("side channel connected", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}

	// Decode the payload
	src := &CountingReader{R: NewRateLimitedReader(ctx, conn, p.opts.RateLimit)}
	result, err := handle(src)
	p.bytes = src.BytesRead
	p.result = result
	if err == nil && p.isAborted() {
		// Closing the connection looks like a peer close to the handlers.
		err = net.ErrClosed
	}
	if err != nil {
		p.err = p.mapError(ctx, err)
	}
}

func (p *Pending[T]) finish() {
	duration := time.Since(p.started)
	status := "ok"
	if p.err != nil {
		status = "error"
		p.logger.Warn("side channel transfer failed",
			logging.KeyDuration, duration,
			logging.KeyError, p.err)
	} else {
		p.logger.Debug("side channel transfer complete",
			logging.KeyBytes, FormatSize(p.bytes),
			logging.KeyDuration, duration)
	}

	if m := p.opts.Metrics; m != nil {
		m.RecordTransferEnd(p.kind, status, duration.Seconds())
		m.RecordBytesReceived(p.kind, int(p.bytes))
	}
}

func (p *Pending[T]) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctxErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	if p.isAborted() {
		return ErrAborted
	}
	return err
}

func (p *Pending[T]) isAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}
