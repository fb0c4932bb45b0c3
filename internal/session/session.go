package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/metrics"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/transport"
)

// Session is one established control connection. Commands are strictly
// request then response; concurrent callers are serialized.
type Session struct {
	id       uuid.UUID
	client   *Client
	endpoint discovery.Endpoint
	logger   *slog.Logger
	conn     *transport.Conn
	version  protocol.Outcome

	// cmdMu serializes request/response pairs.
	cmdMu sync.Mutex

	mu     sync.Mutex
	state  State
	closed bool

	sentSeen, recvSeen uint64
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint this session is connected to.
func (s *Session) Endpoint() discovery.Endpoint {
	return s.endpoint
}

// Version returns the reply to the version query issued during Connect.
func (s *Session) Version() protocol.Outcome {
	return s.version
}

// PeerKey returns the public key received from the server.
func (s *Session) PeerKey() []byte {
	if s.conn == nil || s.conn.Box().Peer() == nil {
		return nil
	}
	pemBytes, err := crypto.MarshalPublicKey(s.conn.Box().Peer())
	if err != nil {
		return nil
	}
	return pemBytes
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.logger.Debug("session state", logging.KeyState, st.String())
	s.state = st
}

// handshake exchanges public keys. The first reply is sealed for the key we
// just sent, so it can be opened before the peer key is known.
func (s *Session) handshake(ctx context.Context, netConn net.Conn) error {
	kp, err := s.client.newKeypair()
	if err != nil {
		return err
	}

	pubPEM, err := kp.PublicPEM()
	if err != nil {
		return err
	}

	conn := transport.NewConn(netConn, crypto.NewBox(kp), s.client.cfg.Transport)
	if err := conn.SendRaw(ctx, pubPEM); err != nil {
		return fmt.Errorf("send public key: %w", err)
	}

	peerPEM, err := conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive server key: %w", err)
	}
	s.client.savePeerKey(peerPEM)

	peer, err := crypto.ParsePublicKey(peerPEM)
	if err != nil {
		return fmt.Errorf("server key: %w", err)
	}
	conn.Box().SetPeer(peer)

	s.conn = conn
	s.recordIO()
	s.logger.Debug("key exchange complete", logging.KeyBytes, len(peerPEM))
	return nil
}

// Command sends a framed command and parses the single reply. A Failure
// reply is returned together with a *protocol.ResponseError; the session
// stays usable. Transport, authentication and format errors close it.
func (s *Session) Command(ctx context.Context, text string) (protocol.Outcome, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if !s.State().CanCommand() {
		return nil, ErrNotEstablished
	}

	start := time.Now()
	reply, err := s.roundTrip(ctx, protocol.Frame(text))
	if err != nil {
		s.recordCommand("error", start)
		s.logger.Warn("command failed",
			logging.KeyCommand, text,
			logging.KeyError, err)
		s.closeWithReason(errorType(err))
		return nil, err
	}

	outcome := protocol.ParseResponse(reply)
	s.recordCommand(outcomeLabel(outcome), start)

	if err := protocol.Err(outcome); err != nil {
		s.logger.Warn("command rejected",
			logging.KeyCommand, text,
			logging.KeyOutcome, outcome.String())
		return outcome, err
	}

	s.logger.Debug("command complete",
		logging.KeyCommand, text,
		logging.KeyOutcome, outcome.String(),
		logging.KeyDuration, time.Since(start))
	return outcome, nil
}

func (s *Session) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	defer s.recordIO()
	if err := s.conn.Send(ctx, payload); err != nil {
		return nil, err
	}
	return s.conn.Receive(ctx)
}

// Shutdown asks the remote application to terminate. No reply is awaited;
// later commands will most likely observe a closed connection.
func (s *Session) Shutdown(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if !s.State().CanCommand() {
		return ErrNotEstablished
	}

	err := s.conn.Send(ctx, protocol.ShutdownPayload())
	s.recordIO()
	if err != nil {
		s.closeWithReason(errorType(err))
		return err
	}

	s.setState(StateShutdownRequested)
	s.logger.Info("shutdown requested")
	return nil
}

// Close closes the control connection. It is safe to call more than once.
func (s *Session) Close() error {
	return s.closeWithReason("disconnect")
}

func (s *Session) closeWithReason(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasOpen := s.state.CanCommand()
	s.mu.Unlock()

	s.setState(StateClosed)

	var err error
	if s.conn != nil {
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	if m := s.client.cfg.Metrics; m != nil && wasOpen {
		m.RecordSessionClose(reason)
	}
	s.logger.Info("session closed", "reason", reason)
	return err
}

func (s *Session) recordCommand(outcome string, start time.Time) {
	if m := s.client.cfg.Metrics; m != nil {
		m.RecordCommand(outcome, time.Since(start).Seconds())
	}
}

// recordIO publishes control channel byte counts accumulated since the
// last call.
func (s *Session) recordIO() {
	m := s.client.cfg.Metrics
	if m == nil || s.conn == nil {
		return
	}
	sent, recv := s.conn.BytesSent(), s.conn.BytesReceived()
	m.RecordBytesSent(metrics.DataControl, int(sent-s.sentSeen))
	m.RecordBytesReceived(metrics.DataControl, int(recv-s.recvSeen))
	s.sentSeen, s.recvSeen = sent, recv
}

func outcomeLabel(o protocol.Outcome) string {
	switch o.(type) {
	case protocol.Success:
		return "success"
	case protocol.Numeric:
		return "numeric"
	case protocol.Text:
		return "text"
	default:
		return "failure"
	}
}
