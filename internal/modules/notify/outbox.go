// README: Outbox runs notice delivery on a small worker pool so request and sweep paths never wait on push or maps calls.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type OutboxConfig struct {
	Workers int
	// QueueSize bounds pending jobs; jobs beyond it are dropped with a warning.
	QueueSize int
	// Timeout is the deadline each job runs under.
	Timeout time.Duration
}

const (
	defaultOutboxWorkers = 4
	defaultOutboxQueue   = 256
	defaultOutboxTimeout = 5 * time.Second
)

// Job delivers one or more notices. ctx carries the job's own deadline.
type Job func(ctx context.Context)

type Outbox struct {
	jobs    chan Job
	timeout time.Duration
	log     logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewOutbox(cfg OutboxConfig, log logrus.FieldLogger) *Outbox {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultOutboxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultOutboxQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOutboxTimeout
	}
	o := &Outbox{
		jobs:    make(chan Job, cfg.QueueSize),
		timeout: cfg.Timeout,
		log:     log,
	}
	o.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go o.work()
	}
	return o
}

// Go queues job without blocking. It reports false when the queue is full
// or the outbox is closed.
func (o *Outbox) Go(job Job) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.jobs <- job:
		return true
	default:
		o.log.Warn("notification queue full; notice dropped")
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.jobs)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Outbox) work() {
	defer o.wg.Done()
	for job := range o.jobs {
		o.run(job)
	}
}

func (o *Outbox) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.log.WithField("panic", r).Error("notification job panicked")
		}
	}()
	job(ctx)
}
