// Package probe checks whether a discovered remote-control endpoint accepts
// connections.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds the connect of a probe.
const DefaultTimeout = time.Second

// pingPayload is written once the connection is established.
var pingPayload = []byte("ping")

// Options contains configuration for a connectivity probe.
type Options struct {
	// Address is the host:port to probe
	Address string

	// Timeout for the entire probe operation
	Timeout time.Duration
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Address that was probed
	Address string

	// RTT is the time taken to connect and deliver the ping
	RTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe opens a short-lived TCP connection to the endpoint, writes "ping",
// shuts the connection down in both directions and closes it.
// A failed probe is reported in the Result, not as an error.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Address: opts.Address,
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	startTime := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(pingPayload); err != nil {
		result.Error = fmt.Errorf("failed to send ping: %w", err)
		result.ErrorDetail = classifyError(err)
		return result
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
		tcp.CloseRead()
	}

	result.Success = true
	result.RTT = time.Since(startTime)
	return result
}

// Reachable is a convenience wrapper returning only the success flag.
func Reachable(ctx context.Context, address string, timeout time.Duration) bool {
	return Probe(ctx, Options{Address: address, Timeout: timeout}).Success
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - remote control not enabled or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	if strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "broken pipe") {
		return "Connection dropped by remote before ping was delivered"
	}

	return err.Error()
}
