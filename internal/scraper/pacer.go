package scraper

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out the source requests of one run. Requests are serial, so a
// single token bucket with burst 1 is enough: the first request goes out
// immediately and every later one waits for the configured delay.
type Pacer struct {
	limiter *rate.Limiter
}

func NewPacer(delay time.Duration) *Pacer {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next request may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
