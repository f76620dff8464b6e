// Package ratelimit throttles data-connection transfers to a number of
// bytes per second. Limiters may be shared, for example one per server and
// one per session, by stacking readers or writers.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds how many bytes are reserved per Read or Write call, so a
// slow limit does not stall a large buffer for many seconds at once.
const maxChunk = 32 * 1024

// Limiter is a token bucket measured in bytes. A nil *Limiter means
// "unlimited" and is accepted everywhere.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter allowing bytesPerSecond on average with a burst of
// one second worth of data. It returns nil when bytesPerSecond <= 0.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))}
}

// Limit returns the configured rate in bytes per second, or 0 for nil.
func (l *Limiter) Limit() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

// chunk returns how many bytes may be reserved in one wait.
func (l *Limiter) chunk(n int) int {
	n = min(n, maxChunk)
	return min(n, l.lim.Burst())
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	return l.lim.WaitN(ctx, n)
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter. Waiting stops with the
// context's error once ctx is done. A nil limiter returns r unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := r.limiter.chunk(len(p))
	if err := r.limiter.wait(r.ctx, n); err != nil {
		return 0, err
	}
	return r.r.Read(p[:n])
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter. A nil limiter returns w
// unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := w.limiter.chunk(len(p) - written)
		if err := w.limiter.wait(w.ctx, n); err != nil {
			return written, err
		}
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
