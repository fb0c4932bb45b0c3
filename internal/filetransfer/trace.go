package filetransfer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spcmremote/spcmremote/internal/transport"
)

const (
	// KindTrace labels trace side channels.
	KindTrace = "trace"

	// DefaultMaxTraceValues caps the declared element count of a trace.
	DefaultMaxTraceValues = 1 << 24

	traceValueSize = 4

	// maxPrealloc bounds the initial capacity of the result slice.
	maxPrealloc = 1 << 16
)

// TraceHandler returns a Handler that decodes a trace of at most maxValues
// elements. A non-positive maxValues selects DefaultMaxTraceValues.
func TraceHandler(maxValues int) Handler[[]uint32] {
	return func(r io.Reader) ([]uint32, error) {
		return ReceiveTrace(r, maxValues)
	}
}

// ReceiveTrace decodes a trace record: a little-endian uint32 element count
// followed by that many little-endian uint32 values. Values may arrive over
// several reads. If the peer closes or resets early, the values received so
// far are returned without error; a close before the count yields an
// empty trace.
func ReceiveTrace(r io.Reader, maxValues int) ([]uint32, error) {
	if maxValues <= 0 {
		maxValues = DefaultMaxTraceValues
	}

	// A peer that closes before sending anything delivers an empty trace.
	var header [traceValueSize]byte
	if n, err := io.ReadFull(r, header[:]); err != nil {
		if n == 0 && (err == io.EOF || transport.IsClosed(err)) {
			return []uint32{}, nil
		}
		return nil, shortRead("trace length", err)
	}

	count := binary.LittleEndian.Uint32(header[:])
	if uint64(count) > uint64(maxValues) {
		return nil, fmt.Errorf("%w: trace declares %d values, limit is %d", ErrFormat, count, maxValues)
	}

	values := make([]uint32, 0, min(int(count), maxPrealloc))
	buf := make([]byte, copyBufferSize)
	var partial []byte

	for len(values) < int(count) {
		n, err := r.Read(buf)
		data := buf[:n]
		if len(partial) > 0 {
			data = append(partial, data...)
			partial = nil
		}

		for len(data) >= traceValueSize && len(values) < int(count) {
			values = append(values, binary.LittleEndian.Uint32(data))
			data = data[traceValueSize:]
		}
		if len(data) > 0 && len(values) < int(count) {
			partial = append([]byte(nil), data...)
		}

		if err != nil {
			if err == io.EOF || transport.IsClosed(err) {
				break
			}
			return values, err
		}
	}

	return values, nil
}
