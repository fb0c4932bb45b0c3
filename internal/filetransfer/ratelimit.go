package filetransfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// receiveBurst is the token bucket size of a rate-limited side channel.
// It matches one socket read so a single Read never exceeds the burst.
const receiveBurst = 64 * 1024

// RateLimitedReader throttles an io.Reader to a fixed number of bytes per
// second using a token bucket.
type RateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedReader limits r to bytesPerSecond. A non-positive limit
// returns r unchanged.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}

	return &RateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), receiveBurst),
		ctx:     ctx,
	}
}

// Read reads at most one burst and then waits until the bucket has paid
// for the bytes returned.
func (r *RateLimitedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	if len(p) > receiveBurst {
		p = p[:receiveBurst]
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}

	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

// CountingReader wraps a reader and counts bytes read.
type CountingReader struct {
	R         io.Reader
	BytesRead int64
}

func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	cr.BytesRead += int64(n)
	return n, err
}
