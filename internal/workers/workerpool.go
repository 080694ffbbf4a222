package workers

import (
	"sync"

	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"go.uber.org/zap"
)

// WorkerPool runs inbound event processing off the relay read loops. Decrypt
// and signature checks are CPU-heavy; doing them on the read goroutine would
// stall the socket.
type WorkerPool struct {
	jobCh    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
	log      *zap.Logger
}

// NewWorkerPool starts workerCount workers over a buffered job queue.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
		log:   logger.New("workers"),
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for job := range wp.jobCh {
		job()
	}
}

// Submit enqueues a job without blocking. When the queue is full the job is
// dropped and the caller is told; relays redeliver on the next sync, so a
// dropped inbound event is recovered later rather than lost.
func (wp *WorkerPool) Submit(job func()) bool {
	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		wp.log.Warn("worker queue full, job dropped")
		metrics.ErrorsCount.WithLabelValues("worker_queue_full").Inc()
		return false
	}
}

// Wait blocks until every submitted job has finished.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop drains the queue and stops the workers. Safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobCh)
		wp.wg.Wait()
	})
}
