package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

func TestProbe_Success(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener() error = %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	result := Probe(context.Background(), Options{Address: ln.Addr().String()})
	if !result.Success {
		t.Fatalf("Probe() failed: %v (%s)", result.Error, result.ErrorDetail)
	}
	if result.Address != ln.Addr().String() {
		t.Errorf("Address = %q", result.Address)
	}
	if result.RTT <= 0 {
		t.Errorf("RTT = %v, want > 0", result.RTT)
	}

	select {
	case got := <-received:
		if got != "ping" {
			t.Errorf("listener received %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not observe the probe")
	}
}

func TestProbe_Refused(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	result := Probe(context.Background(), Options{Address: addr, Timeout: 500 * time.Millisecond})
	if result.Success {
		t.Fatal("Probe() to closed port succeeded")
	}
	if result.Error == nil || result.ErrorDetail == "" {
		t.Errorf("missing error details: %+v", result)
	}
	if Reachable(context.Background(), addr, 500*time.Millisecond) {
		t.Error("Reachable() = true for closed port")
	}
}

func TestProbe_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Probe(ctx, Options{Address: "127.0.0.1:1"})
	if result.Success {
		t.Error("Probe() with canceled context succeeded")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"dns", &net.DNSError{Err: "no such host", Name: "spcm", IsNotFound: true}, "Could not resolve hostname - DNS lookup failed"},
		{"refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, "Connection refused - remote control not enabled or port blocked"},
		{"deadline", context.DeadlineExceeded, "Connection timed out - firewall may be blocking"},
		{"reset", errors.New("write: connection reset by peer"), "Connection dropped by remote before ping was delivered"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyError(tc.err); got != tc.want {
				t.Errorf("classifyError() = %q, want %q", got, tc.want)
			}
		})
	}
}
