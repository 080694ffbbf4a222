package limiter

import (
	"context"
	"sync"

	"github.com/Shugur-Network/courier/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SendLimiter paces outbound frames per relay so a burst of publishes or
// subscription churn cannot trip a relay's rate limiting. Each relay gets its
// own token bucket; waiting on one relay never stalls sends to another.
type SendLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
	log     *zap.Logger
}

// NewSendLimiter builds a limiter allowing rps frames per second with the
// given burst per relay.
func NewSendLimiter(rps float64, burst int) *SendLimiter {
	return &SendLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		log:     logger.New("limiter"),
	}
}

func (l *SendLimiter) bucket(relayURL string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[relayURL]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[relayURL] = b
	}
	return b
}

// Wait blocks until a frame may be sent to the relay, or until ctx is done.
func (l *SendLimiter) Wait(ctx context.Context, relayURL string) error {
	b := l.bucket(relayURL)
	if b.Allow() {
		return nil
	}
	l.log.Debug("send paced by rate limiter", zap.String("relay", relayURL))
	return b.Wait(ctx)
}

// Allow reports whether a frame may be sent immediately, consuming a token
// when it may. Used on paths that prefer dropping over blocking.
func (l *SendLimiter) Allow(relayURL string) bool {
	return l.bucket(relayURL).Allow()
}

// Forget drops the bucket for a relay that left the pool.
func (l *SendLimiter) Forget(relayURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, relayURL)
}
