// Package transport moves one encrypted envelope at a time over a stream
// connection to the remote-control peer.
//
// The control channel carries no length prefix: a single Receive reads at
// most ReadBufferSize bytes and treats them as one complete envelope.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spcmremote/spcmremote/internal/crypto"
)

// DefaultReadBufferSize is the size of a single control-channel read.
const DefaultReadBufferSize = 4096

var (
	// ErrConnectionClosed is returned when the peer closed the connection
	// during an expected read or write.
	ErrConnectionClosed = errors.New("connection closed by peer")

	// ErrTimeout is returned when a read or write exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNoPeerKey is returned when Send is called before the peer public
	// key is known.
	ErrNoPeerKey = errors.New("peer public key not set")
)

// Options configures a Conn.
type Options struct {
	// ReadBufferSize is the maximum number of bytes read per Receive.
	ReadBufferSize int

	// ReadTimeout bounds every Receive. Zero means no timeout.
	ReadTimeout time.Duration

	// WriteTimeout bounds every Send. Zero means no timeout.
	WriteTimeout time.Duration
}

// DefaultOptions returns Options matching the vendor peer.
func DefaultOptions() Options {
	return Options{
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Conn frames envelopes over a net.Conn.
// A Conn is not safe for concurrent Send or concurrent Receive calls.
type Conn struct {
	conn net.Conn
	box  *crypto.Box
	opts Options
	buf  []byte

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewConn wraps conn. The box supplies the local keypair for Receive and
// the peer key for Send.
func NewConn(conn net.Conn, box *crypto.Box, opts Options) *Conn {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	return &Conn{
		conn: conn,
		box:  box,
		opts: opts,
		buf:  make([]byte, opts.ReadBufferSize),
	}
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, mapError(err))
	}
	return conn, nil
}

// Box returns the key holder used by this connection.
func (c *Conn) Box() *crypto.Box {
	return c.box
}

// SendRaw writes data unencrypted. It is used only for the first
// handshake message.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	stop, err := c.watch(ctx, c.opts.WriteTimeout, c.conn.SetWriteDeadline)
	if err != nil {
		return err
	}
	defer stop()

	n, err := c.conn.Write(data)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return c.wrap(ctx, "write", err)
	}
	return nil
}

// ReceiveRaw performs one read of at most ReadBufferSize bytes and returns
// them undecrypted.
func (c *Conn) ReceiveRaw(ctx context.Context) ([]byte, error) {
	stop, err := c.watch(ctx, c.opts.ReadTimeout, c.conn.SetReadDeadline)
	if err != nil {
		return nil, err
	}
	defer stop()

	n, err := c.conn.Read(c.buf)
	c.bytesReceived.Add(uint64(n))
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, c.wrap(ctx, "read", err)
	}

	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

// Send seals plaintext for the peer and writes the whole envelope.
func (c *Conn) Send(ctx context.Context, plaintext []byte) error {
	if !c.box.CanSeal() {
		return ErrNoPeerKey
	}
	env, err := c.box.Seal(plaintext)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, env)
}

// Receive reads one envelope and opens it with the local private key.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	env, err := c.ReceiveRaw(ctx)
	if err != nil {
		return nil, err
	}
	return c.box.Open(env)
}

// BytesSent returns the number of bytes written so far.
func (c *Conn) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes read so far.
func (c *Conn) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// watch applies the earliest of the configured timeout and the context
// deadline, and interrupts the pending I/O if ctx is canceled.
func (c *Conn) watch(ctx context.Context, timeout time.Duration, set func(time.Time) error) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := set(deadline); err != nil {
		return nil, mapError(err)
	}

	stopAfter := context.AfterFunc(ctx, func() {
		set(time.Unix(1, 0))
	})
	return func() { stopAfter() }, nil
}

func (c *Conn) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, mapError(err))
}

// mapError folds network errors into ErrTimeout and ErrConnectionClosed.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if IsClosed(err) {
		return ErrConnectionClosed
	}
	return err
}

// IsClosed reports whether err signals that the peer went away, including
// resets and broken pipes.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
