// Package scheduler serializes concurrent caller requests into a single
// ordered stream of wire transactions. Modbus in master mode is half duplex,
// so exactly one worker drains the queue per physical connection.
package scheduler

import (
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
)

// Load shedding and lifecycle errors. Never retried.
var (
	ErrOverloaded        = errors.New("scheduler: queue at capacity")
	ErrDeadlineExceeded  = errors.New("scheduler: deadline exceeded")
	ErrDeviceUnavailable = errors.New("scheduler: device unavailable")
	ErrShuttingDown      = errors.New("scheduler: shutting down")
)

// Transport is the subset of the transport manager the worker drives.
type Transport interface {
	Execute(req transport.Request) (transport.Response, error)
	AwaitConnected(d time.Duration) bool
}

// Config is the configuration format for the Scheduler.
type Config struct {
	Capacity int `json:"Capacity"` // queued transactions before shedding
	Retries  int `json:"Retries"`  // wire retries per transaction
}

type outcome struct {
	resp transport.Response
	err  error
}

// Transaction is one pending wire operation. Created per caller request,
// consumed exactly once by the worker.
type Transaction struct {
	ID       uuid.UUID
	Req      transport.Request
	Deadline time.Time

	canceled atomic.Bool
	result   chan outcome
}

// Scheduler owns the FIFO queue and the single worker loop.
type Scheduler struct {
	cfg    Config
	tm     Transport
	queue  chan *Transaction
	logger *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Scheduler. Start launches the worker.
func New(cfg Config, tm Transport) *Scheduler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	return &Scheduler{
		cfg:    cfg,
		tm:     tm,
		queue:  make(chan *Transaction, cfg.Capacity),
		logger: log.New(os.Stdout, "[Scheduler] ", log.LstdFlags),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop drains the queue, failing queued transactions, and waits for the
// worker to exit. The in-flight transaction finishes first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Submit queues a transaction and blocks the caller until the result or
// deadline. Submission beyond capacity fails immediately with ErrOverloaded.
func (s *Scheduler) Submit(req transport.Request, deadline time.Time) (transport.Response, error) {
	select {
	case <-s.stop:
		return transport.Response{}, ErrShuttingDown
	default:
	}

	tx := &Transaction{
		ID:       uuid.New(),
		Req:      req,
		Deadline: deadline,
		result:   make(chan outcome, 1),
	}

	select {
	case s.queue <- tx:
	default:
		return transport.Response{}, ErrOverloaded
	}

	// Stop may have drained the queue between the check above and the
	// enqueue. Re-check so the caller sees shutdown, not a dead deadline.
	select {
	case <-s.stop:
		tx.canceled.Store(true)
		select {
		case out := <-tx.result:
			return out.resp, out.err
		default:
			return transport.Response{}, ErrShuttingDown
		}
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case out := <-tx.result:
		return out.resp, out.err
	case <-timer.C:
		// The caller gave up while the transaction was still queued. Mark
		// it so the worker drops it without consuming a wire slot.
		tx.canceled.Store(true)
		return transport.Response{}, ErrDeadlineExceeded
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		// shutdown wins over further dispatching
		select {
		case <-s.stop:
			s.drain()
			return
		default:
		}
		select {
		case <-s.stop:
			s.drain()
			return
		case tx := <-s.queue:
			s.dispatch(tx)
		}
	}
}

// drain fails every queued transaction on shutdown.
func (s *Scheduler) drain() {
	for {
		select {
		case tx := <-s.queue:
			tx.result <- outcome{err: ErrShuttingDown}
		default:
			return
		}
	}
}

// dispatch executes one transaction with the retry policy. Retries happen
// in place, so a retried transaction keeps its queue position.
func (s *Scheduler) dispatch(tx *Transaction) {
	if tx.canceled.Load() || time.Now().After(tx.Deadline) {
		tx.result <- outcome{err: ErrDeadlineExceeded}
		return
	}

	attempts := 0
	for {
		resp, err := s.tm.Execute(tx.Req)
		switch {
		case err == nil:
			tx.result <- outcome{resp: resp}
			return

		case errors.Is(err, transport.ErrTimeout):
			attempts++
			if attempts > s.cfg.Retries || tx.canceled.Load() {
				tx.result <- outcome{err: err}
				return
			}
			s.logger.Printf("transaction %s timed out, retry %d/%d", tx.ID, attempts, s.cfg.Retries)

		case errors.Is(err, transport.ErrLink), errors.Is(err, transport.ErrNotConnected):
			attempts++
			if attempts > s.cfg.Retries || tx.canceled.Load() {
				tx.result <- outcome{err: ErrDeviceUnavailable}
				return
			}
			wait := time.Until(tx.Deadline)
			if wait <= 0 || !s.tm.AwaitConnected(wait) {
				tx.result <- outcome{err: ErrDeviceUnavailable}
				return
			}
			s.logger.Printf("transaction %s resumed after reconnect, retry %d/%d", tx.ID, attempts, s.cfg.Retries)

		default:
			// device exceptions and programming errors are terminal
			tx.result <- outcome{err: err}
			return
		}
	}
}
