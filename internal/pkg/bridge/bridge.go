// Package bridge translates inbound HTTP requests into register operations
// and formats the results as JSON responses.
package bridge

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/health"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/vstore"
)

// Submitter is the subset of the scheduler the bridge drives.
type Submitter interface {
	Submit(req transport.Request, deadline time.Time) (transport.Response, error)
}

// Config is the configuration format for the Bridge.
type Config struct {
	// RequestTimeout bounds one HTTP call end to end. Must be at least the
	// wire timeout, so a request survives one retry.
	RequestTimeout time.Duration
	// LiveInterval is the push rate of the /ws/live feed.
	LiveInterval time.Duration
}

// Bridge serves the register API. Each read/write resolves the point,
// builds a transaction and awaits the result up to the request deadline.
type Bridge struct {
	cfg      Config
	rm       *regmap.Map
	sched    Submitter
	store    *vstore.Store
	health   *health.Reporter
	upgrader websocket.Upgrader
	logger   *log.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// New is the Bridge factory function.
func New(cfg Config, rm *regmap.Map, sched Submitter, store *vstore.Store, reporter *health.Reporter) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.LiveInterval <= 0 {
		cfg.LiveInterval = time.Second
	}
	return &Bridge{
		cfg:      cfg,
		rm:       rm,
		sched:    sched,
		store:    store,
		health:   reporter,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   log.New(os.Stdout, "[Bridge] ", log.LstdFlags),
		done:     make(chan struct{}),
	}
}

// Stop ends every open live feed, so the HTTP server can drain.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Router builds the HTTP surface.
func (b *Bridge) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/registers/{name}", b.ReadHandler).Methods("GET")
	r.HandleFunc("/registers/{name}", b.WriteHandler).Methods("PUT")
	r.HandleFunc("/status", b.StatusHandler).Methods("GET")
	r.HandleFunc("/healthz", b.LivenessHandler).Methods("GET")
	r.HandleFunc("/ws/live", b.LiveHandler)
	return r
}

type valueBody struct {
	Value interface{} `json:"value"`
}

// ReadHandler serves GET /registers/{name}: one wire read through the
// scheduler, decoded per the point's data type.
func (b *Bridge) ReadHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	point, err := b.rm.Resolve(vars["name"])
	if err != nil {
		b.writeError(w, err)
		return
	}

	resp, err := b.sched.Submit(transport.Request{
		Table:    point.Table,
		Addr:     point.Address,
		Quantity: point.Quantity(),
	}, time.Now().Add(b.cfg.RequestTimeout))
	if err != nil {
		b.writeError(w, err)
		return
	}

	var value interface{}
	if point.Table.IsBits() {
		value, err = point.UnpackBits(resp.Bits)
	} else {
		value, err = point.UnpackWords(resp.Words)
	}
	if err != nil {
		b.writeError(w, err)
		return
	}

	// keep the server-facing view current
	if err := b.store.SetPoint(point, resp.Words, resp.Bits); err != nil {
		b.logger.Println("store update:", err)
	}

	writeJSON(w, http.StatusOK, valueBody{Value: value})
}

// WriteHandler serves PUT /registers/{name}. A successful wire write also
// lands in the virtual store, keeping both protocol endpoints consistent.
func (b *Bridge) WriteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	point, err := b.rm.Resolve(vars["name"])
	if err != nil {
		b.writeError(w, err)
		return
	}
	if point.Access != regmap.ReadWrite {
		b.writeError(w, regmap.ErrReadOnly)
		return
	}

	var body valueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		b.writeError(w, regmap.ErrTypeMismatch)
		return
	}

	req := transport.Request{
		Table:    point.Table,
		Addr:     point.Address,
		Quantity: point.Quantity(),
		IsWrite:  true,
	}
	if point.Table.IsBits() {
		req.Bits, err = point.PackBits(body.Value)
	} else {
		req.Words, err = point.PackWords(body.Value)
	}
	if err != nil {
		b.writeError(w, err)
		return
	}

	if _, err := b.sched.Submit(req, time.Now().Add(b.cfg.RequestTimeout)); err != nil {
		b.writeError(w, err)
		return
	}

	if err := b.store.SetPoint(point, req.Words, req.Bits); err != nil {
		b.logger.Println("store update:", err)
	}

	writeJSON(w, http.StatusOK, valueBody{Value: body.Value})
}

type statusResponse struct {
	Connection string                 `json:"connection"`
	LastError  *string                `json:"lastError"`
	Timestamp  time.Time              `json:"timestamp"`
	Values     map[string]interface{} `json:"values"`
}

// StatusHandler serves GET /status: connection state, last error and the
// current register snapshot.
func (b *Bridge) StatusHandler(w http.ResponseWriter, r *http.Request) {
	snap := b.health.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Connection: snap.Connection,
		LastError:  snap.LastError,
		Timestamp:  time.Now(),
		Values:     b.store.Snapshot(),
	})
}

// LivenessHandler serves GET /healthz for container health checks.
func (b *Bridge) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type liveUpdate struct {
	Timestamp  time.Time              `json:"timestamp"`
	Connection string                 `json:"connection"`
	Values     map[string]interface{} `json:"values"`
}

// LiveHandler serves the /ws/live WebSocket: one snapshot per interval
// until the client goes away.
func (b *Bridge) LiveHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Println("websocket upgrade:", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(b.cfg.LiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			snap := b.health.Snapshot()
			update := liveUpdate{
				Timestamp:  time.Now(),
				Connection: snap.Connection,
				Values:     b.store.Snapshot(),
			}
			if err := conn.WriteJSON(update); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Println("malformed JSON:", err)
	}
}
