package session

import (
	"errors"
	"fmt"

	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/transport"
)

var (
	// ErrConfiguration is returned for contradictory or missing connection
	// parameters.
	ErrConfiguration = errors.New("invalid connection configuration")

	// ErrNotEstablished is returned when a command is issued on a session
	// that has not completed its handshake or has been closed.
	ErrNotEstablished = errors.New("session not established")

	// ErrDiscoveryDisabled is wrapped by a DiscoveryError when no endpoint
	// was given and discovery is turned off.
	ErrDiscoveryDisabled = errors.New("discovery disabled")

	// ErrInvalidArgument is returned for out of range command arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DiscoveryError is returned when no endpoint was given and discovery
// could not find a reachable instance.
type DiscoveryError struct {
	// ServiceID is the instance id that was searched for
	ServiceID int

	// Default is true when no id was requested explicitly
	Default bool

	// Attempts is the number of discovery sweeps performed
	Attempts int

	Err error
}

func (e *DiscoveryError) Error() string {
	if errors.Is(e.Err, ErrDiscoveryDisabled) {
		return fmt.Sprintf("no endpoint for instance ID %d and discovery is disabled; "+
			"host and port must be provided", e.ServiceID)
	}
	if e.Default {
		return fmt.Sprintf("default instance (ID %d) not found after %d attempts; "+
			"a discoverable ID or host and port must be provided", e.ServiceID, e.Attempts)
	}
	return fmt.Sprintf("instance with ID %d not found after %d attempts; "+
		"a discoverable ID or host and port must be provided", e.ServiceID, e.Attempts)
}

// Unwrap exposes both ErrConfiguration and the discovery cause.
func (e *DiscoveryError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

// errorType returns a short metric label for err.
func errorType(err error) string {
	var respErr *protocol.ResponseError
	switch {
	case errors.Is(err, transport.ErrConnectionClosed):
		return "closed"
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, filetransfer.ErrTimeout):
		return "timeout"
	case errors.Is(err, crypto.ErrAuthentication):
		return "authentication"
	case errors.Is(err, crypto.ErrFormat), errors.Is(err, filetransfer.ErrFormat):
		return "format"
	case errors.Is(err, crypto.ErrInvalidKey), errors.Is(err, crypto.ErrCrypto):
		return "crypto"
	case errors.Is(err, discovery.ErrNotFound):
		return "not_found"
	case errors.As(err, &respErr):
		return "response"
	default:
		return "other"
	}
}
