// Package protocol implements the text command protocol spoken over the
// encrypted control channel: command framing, reply classification and
// builders for the commands used by this client.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	// ShutdownByte is the sole plaintext of a shutdown instruction.
	ShutdownByte byte = 0xFE

	// Delimiter brackets every command text.
	Delimiter = "$"

	replyOK       = "OK"
	replyOKPrefix = "OK:"
)

// Frame wraps a command text in delimiters, e.g. "Version:number" becomes
// "$Version:number$". Non-ASCII runes are rejected by the peer, so callers
// are expected to pass ASCII text.
func Frame(text string) []byte {
	buf := make([]byte, 0, len(text)+2*len(Delimiter))
	buf = append(buf, Delimiter...)
	buf = append(buf, text...)
	buf = append(buf, Delimiter...)
	return buf
}

// Unframe strips the delimiters from a framed command. ok is false if the
// payload is not a framed command.
func Unframe(payload []byte) (text string, ok bool) {
	if len(payload) < 2*len(Delimiter) ||
		!bytes.HasPrefix(payload, []byte(Delimiter)) ||
		!bytes.HasSuffix(payload, []byte(Delimiter)) {
		return "", false
	}
	return string(payload[len(Delimiter) : len(payload)-len(Delimiter)]), true
}

// ShutdownPayload returns the plaintext of a shutdown instruction.
func ShutdownPayload() []byte {
	return []byte{ShutdownByte}
}

// IsShutdown reports whether a decrypted payload is a shutdown instruction.
func IsShutdown(payload []byte) bool {
	return len(payload) == 1 && payload[0] == ShutdownByte
}

// Outcome is the parsed reply to a command. It is one of Success, Numeric,
// Text or Failure.
type Outcome interface {
	isOutcome()
	String() string
}

// Success is a bare "OK" reply.
type Success struct{}

// Numeric is an "OK:<number>" reply.
type Numeric struct {
	Value float64
}

// Text is an "OK:<text>" reply whose payload is not a number.
type Text struct {
	Value string
}

// Failure is any reply not starting with "OK".
type Failure struct {
	Detail string
}

func (Success) isOutcome() {}
func (Numeric) isOutcome() {}
func (Text) isOutcome()    {}
func (Failure) isOutcome() {}

func (Success) String() string   { return "OK" }
func (n Numeric) String() string { return strconv.FormatFloat(n.Value, 'g', -1, 64) }
func (t Text) String() string    { return t.Value }
func (f Failure) String() string { return f.Detail }

// ResponseError is returned when the peer answers with anything other than
// an OK reply.
type ResponseError struct {
	Response string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("SPCM responded with: %q", e.Response)
}

// Err returns a *ResponseError for a Failure and nil otherwise.
func Err(o Outcome) error {
	if f, ok := o.(Failure); ok {
		return &ResponseError{Response: f.Detail}
	}
	return nil
}

// ParseResponse classifies a decrypted reply. Trailing NUL padding is
// removed first.
func ParseResponse(reply []byte) Outcome {
	text := strings.TrimRight(string(reply), "\x00")

	switch {
	case strings.HasPrefix(text, replyOKPrefix):
		payload := text[len(replyOKPrefix):]
		if v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64); err == nil {
			return Numeric{Value: v}
		}
		return Text{Value: payload}
	case strings.HasPrefix(text, replyOK):
		return Success{}
	default:
		return Failure{Detail: text}
	}
}
