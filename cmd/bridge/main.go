package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/bridge"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/config"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/datastreams/natshandler"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/health"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/msg"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/poller"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/scheduler"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/vstore"
)

func main() {
	log.Println("[Main] Starting Estufa bridge")

	configPath := flag.String("config", "config/bridge.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalln("[Main]", err)
	}
	rm, err := cfg.BuildMap()
	if err != nil {
		log.Fatalln("[Main]", err)
	}

	reporter := health.NewReporter()
	pub := msg.NewPubSub(uuid.New())

	log.Println("[Main] Building transport")
	tcfg := cfg.TransportConfig()
	tcfg.OnStateChange = func(s transport.State, cause error) {
		reporter.SetConnection(string(s), cause)
		pub.Publish(msg.Status, string(s))
	}
	tm := transport.New(tcfg)

	log.Println("[Main] Starting scheduler")
	sched := scheduler.New(cfg.Scheduler, tm)
	sched.Start()

	store := vstore.New(rm)

	var fieldServer interface{ Stop() error }
	if cfg.Server.Enabled {
		log.Println("[Main] Starting Modbus server on", cfg.Server.Addr)
		srv, err := vstore.NewServer(cfg.ServerConfig(), store)
		if err != nil {
			log.Fatalln("[Main]", err)
		}
		if err := srv.Start(); err != nil {
			log.Fatalln("[Main]", err)
		}
		fieldServer = srv
	}

	var poll *poller.Poller
	if cfg.Poll.Enabled {
		log.Println("[Main] Starting poll loop")
		poll = poller.New(poller.Config{
			Rate:    time.Duration(cfg.Poll.RateMS) * time.Millisecond,
			Timeout: time.Duration(cfg.Transport.TimeoutMS) * time.Millisecond,
		}, rm, sched, store, pub)
		poll.Start()
	}

	var telemetry *natshandler.Handler
	if cfg.Telemetry.Enabled {
		log.Println("[Main] Starting NATS datastream")
		h, err := natshandler.New(natshandler.Config{
			Server:  cfg.Telemetry.Server,
			Subject: cfg.Telemetry.Subject,
		}, pub)
		if err != nil {
			log.Fatalln("[Main]", err)
		}
		telemetry = &h
		go h.Process()
	}

	b := bridge.New(bridge.Config{
		RequestTimeout: time.Duration(cfg.HTTP.RequestTimeoutMS) * time.Millisecond,
	}, rm, sched, store, reporter)

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: b.Router()}
	go func() {
		log.Println("[Main] HTTP listening on", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalln("[Main]", err)
		}
	}()

	log.Println("[Main] Connecting to field device", tcfg.Addr)
	if err := tm.Connect(); err != nil {
		// the transport keeps retrying with backoff in the background
		log.Println("[Main] initial connect failed:", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Println("[Main] Stopping system")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Stop() // close live feeds so Shutdown can drain
	httpServer.Shutdown(ctx)
	if poll != nil {
		poll.Stop()
	}
	sched.Stop()
	tm.Disconnect()
	if fieldServer != nil {
		fieldServer.Stop()
	}
	if telemetry != nil {
		telemetry.Stop()
	}
	pub.Stop()
	log.Println("[Main] Shutdown complete")
}
