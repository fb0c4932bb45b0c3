package emulator

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/transport"
)

const testKeyBits = 1024

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.KeyBits == 0 {
		cfg.KeyBits = testKeyBits
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// handshake performs the client side of the key exchange.
func handshake(t *testing.T, srv *Server) *transport.Conn {
	t.Helper()
	ctx := context.Background()

	netConn, err := transport.Dial(ctx, srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	kp, err := crypto.NewKeypair(testKeyBits)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	opts := transport.DefaultOptions()
	opts.ReadTimeout = 5 * time.Second
	conn := transport.NewConn(netConn, crypto.NewBox(kp), opts)
	t.Cleanup(func() { conn.Close() })

	pub, _ := kp.PublicPEM()
	if err := conn.SendRaw(ctx, pub); err != nil {
		t.Fatalf("SendRaw() error = %v", err)
	}
	serverPEM, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(serverPEM, srv.PublicKey()) {
		t.Fatal("server key mismatch")
	}
	serverKey, err := crypto.ParsePublicKey(serverPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	conn.Box().SetPeer(serverKey)
	return conn
}

func roundTrip(t *testing.T, conn *transport.Conn, text string) protocol.Outcome {
	t.Helper()
	ctx := context.Background()
	if err := conn.Send(ctx, protocol.Frame(text)); err != nil {
		t.Fatalf("Send(%q) error = %v", text, err)
	}
	reply, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(%q) error = %v", text, err)
	}
	return protocol.ParseResponse(reply)
}

func TestServer_Commands(t *testing.T) {
	srv := startServer(t, Config{Version: 6.25, PadReplies: true})
	conn := handshake(t, srv)

	if got := roundTrip(t, conn, protocol.CmdVersion); got != (protocol.Numeric{Value: 6.25}) {
		t.Errorf("version = %#v", got)
	}
	if got := roundTrip(t, conn, protocol.SetParameterCommand(protocol.ParamPixelX, 256)); got != (protocol.Success{}) {
		t.Errorf("setparameter = %#v", got)
	}
	if got := roundTrip(t, conn, "getparameter:pixelx"); got != (protocol.Numeric{Value: 256}) {
		t.Errorf("getparameter = %#v", got)
	}
	if got := roundTrip(t, conn, protocol.PressMenuCommand(protocol.MenuSystemParameter)); got != (protocol.Success{}) {
		t.Errorf("pressmenu = %#v", got)
	}
	if _, ok := roundTrip(t, conn, "launch_rockets").(protocol.Failure); !ok {
		t.Error("unknown command should fail")
	}

	if srv.Menu() != protocol.MenuSystemParameter {
		t.Errorf("Menu() = %q", srv.Menu())
	}
	payloads := srv.Payloads()
	if len(payloads) != 5 || string(payloads[0]) != "$Version:number$" {
		t.Errorf("Payloads() = %q", payloads)
	}
}

func TestServer_UnframedPayload(t *testing.T) {
	srv := startServer(t, Config{})
	conn := handshake(t, srv)
	ctx := context.Background()

	if err := conn.Send(ctx, []byte("Version:number")); err != nil {
		t.Fatal(err)
	}
	reply, err := conn.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := protocol.ParseResponse(reply).(protocol.Failure); !ok {
		t.Errorf("reply = %q, want failure", reply)
	}
}

func TestServer_PushTrace(t *testing.T) {
	srv := startServer(t, Config{Trace: []uint32{9, 8, 7}})
	conn := handshake(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := filetransfer.Listen(ctx, filetransfer.KindTrace, filetransfer.Options{BindAddress: "127.0.0.1"},
		filetransfer.TraceHandler(filetransfer.DefaultMaxTraceValues))
	if err != nil {
		t.Fatal(err)
	}
	defer pending.Close()

	if got := roundTrip(t, conn, protocol.GetTraceCommand(pending.Port(), 1)); got != (protocol.Success{}) {
		t.Fatalf("get_data = %#v", got)
	}
	values, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(values) != 3 || values[0] != 9 || values[2] != 7 {
		t.Errorf("values = %v", values)
	}
}

func TestServer_PushImage(t *testing.T) {
	srv := startServer(t, Config{ImageData: []byte("tiff-bytes")})
	conn := handshake(t, srv)
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := filetransfer.Listen(ctx, filetransfer.KindImage, filetransfer.Options{BindAddress: "127.0.0.1"},
		filetransfer.ImageHandler(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer pending.Close()

	cmd := protocol.GetImageCommand(protocol.ImageFit, pending.Port(), 2, 3)
	if got := roundTrip(t, conn, cmd); got != (protocol.Success{}) {
		t.Fatalf("get_data = %#v", got)
	}
	img, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if img.Name != "fitimage_w2_c3.tiff" || img.Size != int64(len("tiff-bytes")) {
		t.Errorf("image = %+v", img)
	}
}

func TestServer_PushUnreachable(t *testing.T) {
	srv := startServer(t, Config{})
	conn := handshake(t, srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if _, ok := roundTrip(t, conn, protocol.GetTraceCommand(port, 1)).(protocol.Failure); !ok {
		t.Error("push to a closed port should fail")
	}
}

func TestServer_Shutdown(t *testing.T) {
	srv := startServer(t, Config{})
	conn := handshake(t, srv)

	if err := conn.Send(context.Background(), protocol.ShutdownPayload()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-srv.ShutdownRequested():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown not observed")
	}

	_, err := conn.Receive(context.Background())
	if !errors.Is(err, transport.ErrConnectionClosed) {
		t.Errorf("Receive() after shutdown error = %v, want ErrConnectionClosed", err)
	}
}

func TestServer_Probe(t *testing.T) {
	srv := startServer(t, Config{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("ping"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, _ := conn.Read(buf); n != 0 {
		t.Error("probe connection should be closed without a reply")
	}
	conn.Close()

	if got := srv.Probes(); got != 1 {
		t.Errorf("Probes() = %d, want 1", got)
	}
}

func TestServer_InvalidKey(t *testing.T) {
	srv := startServer(t, Config{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("not a key"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, _ := conn.Read(buf); n != 0 {
		t.Error("invalid key should close the connection")
	}
}

func TestEncodeTrace(t *testing.T) {
	got := encodeTrace([]uint32{1, 0x01020304})
	want := []byte{2, 0, 0, 0, 1, 0, 0, 0, 4, 3, 2, 1}
	if !bytes.Equal(got, want) {
		t.Errorf("encodeTrace() = %v, want %v", got, want)
	}
}

func TestEncodeImage(t *testing.T) {
	got := encodeImage("a.tiff", []byte{0xAA})
	want := append([]byte{6}, []byte("a.tiff")...)
	want = append(want, 0xAA)
	if !bytes.Equal(got, want) {
		t.Errorf("encodeImage() = %v, want %v", got, want)
	}
}

func TestDecayCurve(t *testing.T) {
	first := decayCurve(DefaultTraceLength, 0)
	second := decayCurve(DefaultTraceLength, 1)
	if len(first) != DefaultTraceLength {
		t.Fatalf("len = %d", len(first))
	}
	if first[0] != 1000 || second[0] != 2000 {
		t.Errorf("peaks = %d, %d", first[0], second[0])
	}
	for i := 1; i < len(first); i++ {
		if first[i] > first[i-1] {
			t.Fatalf("curve rises at %d", i)
		}
	}
}

func TestDispatch_BadArguments(t *testing.T) {
	srv, err := New(Config{KeyBits: testKeyBits})
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{
		"pressmenu",
		"setparameter:pixelx",
		"getparameter:nope",
		"get_data:image",
		"get_data:image,1,tiff",
		"get_data:video,1",
		"get_data:trace,x,imagedecay,0",
	} {
		reply, stop := srv.dispatch(protocol.Frame(text), "127.0.0.1")
		if stop || reply[:4] != replyErr {
			t.Errorf("dispatch(%q) = %q, %v", text, reply, stop)
		}
	}
}
