// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Bandwidth limits the rate at which data is uploaded to or downloaded
// from a remote store. A nil *Bandwidth, or one built with a zero rate,
// doesn't limit anything.
type Bandwidth struct {
	upload, download *rate.Limiter
}

// Leave some slop to account for TCP/IP overhead and HTTP headers in an
// effort to have the actual bandwidth used not exceed the desired limit.
const bandwidthSlop = 0.94

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// Don't ever queue up more than one second's worth of transmission.
	return rate.NewLimiter(rate.Limit(float64(bytesPerSecond)*bandwidthSlop), bytesPerSecond)
}

// NewBandwidth returns a Bandwidth with the given limits; zero means
// unlimited.
func NewBandwidth(uploadBytesPerSecond, downloadBytesPerSecond int) *Bandwidth {
	return &Bandwidth{
		upload:   newLimiter(uploadBytesPerSecond),
		download: newLimiter(downloadBytesPerSecond),
	}
}

func (b *Bandwidth) UploadReader(ctx context.Context, r io.Reader) io.Reader {
	if b == nil || b.upload == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, lim: b.upload}
}

func (b *Bandwidth) DownloadReader(ctx context.Context, r io.Reader) io.Reader {
	if b == nil || b.download == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, lim: b.download}
}

// rateLimitedReader is an io.Reader that never returns more bytes than the
// limiter allows. As long as the upload and download paths wrap their
// underlying io.Readers, we stay under the bytes-per-second limit.
type rateLimitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	// Don't ask for more than a burst at once; WaitN fails otherwise.
	if burst := lr.lim.Burst(); len(dst) > burst {
		dst = dst[:burst]
	}

	n, err := lr.r.Read(dst)
	if n > 0 {
		if werr := lr.lim.WaitN(lr.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}
