package crypto

import (
	"bytes"
	"fmt"
)

// Pad applies PKCS#7 padding up to a multiple of BlockSize. A full block of
// padding is added when the input is already aligned.
func Pad(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad strips PKCS#7 padding and returns ErrFormat if it is invalid.
func Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: padded length %d is not a multiple of %d", ErrFormat, len(data), BlockSize)
	}

	n := int(data[len(data)-1])
	if n == 0 || n > BlockSize {
		return nil, fmt.Errorf("%w: invalid padding byte 0x%02x", ErrFormat, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrFormat)
		}
	}

	return data[:len(data)-n], nil
}
