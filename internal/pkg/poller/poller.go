// Package poller continuously refreshes the virtual register store from the
// field device, so the HTTP side, live feed and Modbus server all observe
// fresh values.
package poller

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/msg"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/scheduler"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/vstore"
)

// Submitter is the subset of the scheduler the poller drives.
type Submitter interface {
	Submit(req transport.Request, deadline time.Time) (transport.Response, error)
}

// Config is the configuration format for the Poller.
type Config struct {
	Rate    time.Duration // one full cycle per tick
	Timeout time.Duration // per-point wire deadline
}

// Poller reads every readable point once per tick through the scheduler and
// stores the result. After each full cycle it publishes a snapshot on the
// telemetry topic.
type Poller struct {
	cfg    Config
	rm     *regmap.Map
	sched  Submitter
	store  *vstore.Store
	pub    *msg.PubSub
	logger *log.Logger
	stop   chan struct{}
	done   chan struct{}
}

// New is the Poller factory function.
func New(cfg Config, rm *regmap.Map, sched Submitter, store *vstore.Store, pub *msg.PubSub) *Poller {
	if cfg.Rate <= 0 {
		cfg.Rate = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Rate
	}
	return &Poller{
		cfg:    cfg,
		rm:     rm,
		sched:  sched,
		store:  store,
		pub:    pub,
		logger: log.New(os.Stdout, "[Poller] ", log.LstdFlags),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Poller) Start() {
	go p.run()
}

// Stop halts the poll loop and waits for the current cycle to end.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Rate)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-p.stop:
			break loop
		case <-ticker.C:
			p.cycle()
		}
	}
}

// cycle reads every point once. A dead device aborts the cycle early
// instead of stacking doomed transactions on the queue.
func (p *Poller) cycle() {
	for _, point := range p.rm.Points() {
		select {
		case <-p.stop:
			return
		default:
		}

		resp, err := p.sched.Submit(transport.Request{
			Table:    point.Table,
			Addr:     point.Address,
			Quantity: point.Quantity(),
		}, time.Now().Add(p.cfg.Timeout))
		if err != nil {
			if errors.Is(err, transport.ErrNotConnected) ||
				errors.Is(err, scheduler.ErrDeviceUnavailable) ||
				errors.Is(err, scheduler.ErrShuttingDown) {
				return
			}
			p.logger.Printf("read %s failed: %v", point.Name, err)
			continue
		}
		if err := p.store.SetPoint(point, resp.Words, resp.Bits); err != nil {
			p.logger.Printf("store %s failed: %v", point.Name, err)
		}
	}
	p.pub.Publish(msg.Telemetry, p.store.Snapshot())
}
