// Package natshandler republishes the bridge's internal event stream on a
// NATS subject, for dashboards and historians living off-box.
package natshandler

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/msg"
)

// Config is the configuration format for the NATS Handler.
type Config struct {
	Server  string `json:"Server"`
	Subject string `json:"Subject"`
}

// Handler drains the internal pub/sub and forwards snapshots and state
// transitions to NATS.
type Handler struct {
	mux    *sync.Mutex
	inbox  <-chan msg.Msg
	pid    uuid.UUID
	config Config
	stop   chan bool
}

// PID returns the handler's subscription id.
func (h Handler) PID() uuid.UUID {
	return h.pid
}

// redirectMsg forwards until chIn closes. A full inbox drops the message
// rather than pinning the goroutine past shutdown.
func redirectMsg(chIn <-chan msg.Msg, chOut chan<- msg.Msg) {
	for m := range chIn {
		select {
		case chOut <- m:
		default:
		}
	}
}

// New subscribes the handler to the system's status and telemetry topics.
func New(cfg Config, system msg.Publisher) (Handler, error) {
	if cfg.Server == "" {
		cfg.Server = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "estufa.telemetry"
	}

	pid := uuid.New()
	inbox := make(chan msg.Msg, 50)

	chStatus, err := system.Subscribe(pid, msg.Status)
	if err != nil {
		return Handler{}, err
	}
	go redirectMsg(chStatus, inbox)

	chTelemetry, err := system.Subscribe(pid, msg.Telemetry)
	if err != nil {
		return Handler{}, err
	}
	go redirectMsg(chTelemetry, inbox)

	return Handler{
		mux:    &sync.Mutex{},
		inbox:  inbox,
		pid:    pid,
		config: cfg,
		stop:   make(chan bool),
	}, nil
}

// Stop halts Process.
func (h *Handler) Stop() {
	h.stop <- true
}

// Process connects to the NATS server and forwards messages until stopped.
func (h Handler) Process() {
	log.Println("[NATS client] Process Started")
	nc, err := nats.Connect(h.config.Server)
	if err != nil {
		log.Printf("[NATS client] connect failed: %v", err)
		<-h.stop
		return
	}

loop:
	for {
		select {
		case m := <-h.inbox:
			data, err := json.Marshal(m.Payload())
			if err != nil {
				continue
			}
			subject := h.config.Subject + "." + string(m.Topic())
			if err = nc.Publish(subject, data); err != nil {
				log.Printf("unable to publish to nats server: %v", err)
			}

		case <-h.stop:
			nc.Close()
			break loop
		}
	}
	log.Println("[NATS client] Process Shutdown")
}
