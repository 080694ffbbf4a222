package dm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/models"
	"go.uber.org/zap"
)

const queueTickInterval = 5 * time.Second

// QueueWorker drains the offline retry queue. Each message backs off
// exponentially on its retry count; after the retry cap it is marked failed
// for good and left to a manual retry.
type QueueWorker struct {
	ctrl       *Controller
	backoff    config.BackoffConfig
	maxRetries int
	log        *zap.Logger

	mu          sync.Mutex
	nextAttempt map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueueWorker builds the worker; Start launches its loop.
func NewQueueWorker(ctrl *Controller, backoff config.BackoffConfig, maxRetries int) *QueueWorker {
	return &QueueWorker{
		ctrl:        ctrl,
		backoff:     backoff,
		maxRetries:  maxRetries,
		log:         logger.New("queue"),
		nextAttempt: make(map[string]time.Time),
		done:        make(chan struct{}),
	}
}

// Start launches the drain loop.
func (q *QueueWorker) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop halts the loop; a drain pass in progress finishes first.
func (q *QueueWorker) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *QueueWorker) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(queueTickInterval)
	defer ticker.Stop()

	q.refreshGauge(ctx)
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

func (q *QueueWorker) drain(ctx context.Context) {
	if q.ctrl.pool.OpenCount() == 0 {
		return
	}

	queued, err := q.ctrl.store.GetQueuedMessages(ctx)
	if err != nil {
		q.log.Warn("queue read failed", zap.Error(err))
		return
	}
	defer q.refreshGauge(ctx)
	if len(queued) == 0 {
		return
	}

	now := time.Now()
	for _, msg := range queued {
		if !q.due(msg.ID, now) {
			continue
		}
		q.attempt(ctx, msg)
	}
}

// due reports whether a queued message's backoff has elapsed.
func (q *QueueWorker) due(messageID string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.nextAttempt[messageID]
	return !ok || !now.Before(at)
}

func (q *QueueWorker) attempt(ctx context.Context, msg *models.Message) {
	if msg.RetryCount >= q.maxRetries {
		q.log.Warn("retry budget exhausted, message failed",
			zap.String("message_id", msg.ID), zap.Int("retries", msg.RetryCount))
		if err := q.ctrl.transition(ctx, msg, models.StatusFailed); err == nil {
			_ = q.ctrl.store.RemoveFromQueue(ctx, msg.ID)
		}
		q.forget(msg.ID)
		return
	}

	sk, ok := q.ctrl.id.SecretKey()
	if !ok {
		// Locked identity: leave the queue untouched until unlocked.
		return
	}

	if err := q.ctrl.transition(ctx, msg, models.StatusSending); err != nil {
		return
	}
	_ = q.ctrl.store.RemoveFromQueue(ctx, msg.ID)
	msg.RetryCount++

	q.log.Info("retrying queued message",
		zap.String("message_id", msg.ID), zap.Int("attempt", msg.RetryCount))
	if err := q.ctrl.publishMessage(ctx, msg, sk); err != nil {
		q.log.Warn("queued retry failed", zap.String("message_id", msg.ID), zap.Error(err))
	}

	switch msg.Status {
	case models.StatusQueued:
		q.scheduleNext(msg)
	default:
		q.forget(msg.ID)
	}
}

// scheduleNext arms the message's backoff: initial × multiplier^(n−1), capped.
func (q *QueueWorker) scheduleNext(msg *models.Message) {
	d := float64(q.backoff.InitialDelay) * math.Pow(q.backoff.Multiplier, float64(msg.RetryCount-1))
	if d > float64(q.backoff.MaxDelay) {
		d = float64(q.backoff.MaxDelay)
	}
	q.mu.Lock()
	q.nextAttempt[msg.ID] = time.Now().Add(time.Duration(d))
	q.mu.Unlock()
}

func (q *QueueWorker) forget(messageID string) {
	q.mu.Lock()
	delete(q.nextAttempt, messageID)
	q.mu.Unlock()
}

func (q *QueueWorker) refreshGauge(ctx context.Context) {
	queued, err := q.ctrl.store.GetQueuedMessages(ctx)
	if err != nil {
		return
	}
	metrics.SetQueuedMessages(int64(len(queued)))
}
