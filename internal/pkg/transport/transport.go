// Package transport owns the single physical channel to the field device.
// Exactly one wire transaction is in flight at any instant; the scheduler's
// worker is the only caller of Execute.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
)

// State of the field connection.
type State string

// Constants of State
const (
	Disconnected State = "Disconnected"
	Connecting   State = "Connecting"
	Connected    State = "Connected"
	Faulted      State = "Faulted"
)

// Transport-layer errors. Matched with errors.Is by the scheduler's retry
// policy and by the HTTP error mapping.
var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: request timed out")
	ErrLink         = errors.New("transport: link failure")
	ErrException    = errors.New("transport: device exception")
)

// Request is a single wire operation, already resolved to a table, address
// range and raw values.
type Request struct {
	Table    regmap.Table
	Addr     uint16
	Quantity uint16
	IsWrite  bool
	Words    []uint16 // write payload for register tables
	Bits     []bool   // write payload for the coil table
}

// Response carries the raw values read off the wire.
type Response struct {
	Words []uint16
	Bits  []bool
}

// Config is the configuration format for the transport Manager.
type Config struct {
	Mode         string        `json:"Mode"` // "tcp" or "rtu"
	Addr         string        `json:"Addr"`
	Device       string        `json:"Device"`
	BaudRate     int           `json:"BaudRate"`
	DataBits     int           `json:"DataBits"`
	Parity       string        `json:"Parity"`
	StopBits     int           `json:"StopBits"`
	SlaveID      byte          `json:"SlaveID"`
	Timeout      time.Duration `json:"-"`
	BackoffBase  time.Duration `json:"-"`
	BackoffCap   time.Duration `json:"-"`
	EnableLogger bool          `json:"-"`

	// OnStateChange is invoked on every connection state transition,
	// with the error that caused it, if any.
	OnStateChange func(State, error) `json:"-"`
}

type dialer func(cfg Config) (modbus.Client, io.Closer, error)

// Manager owns the connection and its reconnect loop. The raw client is
// never handed out to callers.
type Manager struct {
	cfg    Config
	dial   dialer
	logger *log.Logger

	mu           sync.Mutex
	state        State
	client       modbus.Client
	closer       io.Closer
	connectedCh  chan struct{}
	reconnecting bool
	stopped      bool
	stop         chan struct{}
}

// New builds a Manager for the configured transport mode. No I/O happens
// until Connect.
func New(cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	d := dialTCP
	if cfg.Mode == "rtu" {
		d = dialRTU
	}
	return &Manager{
		cfg:         cfg,
		dial:        d,
		logger:      log.New(os.Stdout, "[Transport] ", log.LstdFlags),
		state:       Disconnected,
		connectedCh: make(chan struct{}),
		stop:        make(chan struct{}),
	}
}

func dialTCP(cfg Config) (modbus.Client, io.Closer, error) {
	handler := modbus.NewTCPClientHandler(cfg.Addr)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = cfg.SlaveID
	if cfg.EnableLogger {
		handler.Logger = log.New(os.Stdout, "modbus: ", log.LstdFlags)
	}
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler, nil
}

func dialRTU(cfg Config) (modbus.Client, io.Closer, error) {
	handler := modbus.NewRTUClientHandler(cfg.Device)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	if cfg.EnableLogger {
		handler.Logger = log.New(os.Stdout, "modbus: ", log.LstdFlags)
	}
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler, nil
}

// Connect establishes the link. On failure the manager transitions to
// Faulted and keeps retrying in the background with exponential backoff.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(Connecting, nil)
	m.mu.Unlock()

	client, closer, err := m.dial(m.cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		if closer != nil {
			closer.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		m.setStateLocked(Faulted, err)
		m.startReconnectLocked()
		return fmt.Errorf("transport: connect: %w", err)
	}
	m.client = client
	m.closer = closer
	m.setStateLocked(Connected, nil)
	return nil
}

// Disconnect releases the link. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	if m.closer != nil {
		m.closer.Close()
		m.closer = nil
		m.client = nil
	}
	m.setStateLocked(Disconnected, nil)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AwaitConnected blocks until the connection is up or the duration elapses.
func (m *Manager) AwaitConnected(d time.Duration) bool {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return true
	}
	ch := m.connectedCh
	m.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-m.stop:
		return false
	case <-time.After(d):
		return false
	}
}

// Execute sends a single Modbus operation and blocks until the response or
// timeout. A link failure faults the connection and triggers reconnection.
func (m *Manager) Execute(req Request) (Response, error) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	client := m.client
	m.mu.Unlock()

	resp, err := roundTrip(client, req)
	if err == nil {
		return resp, nil
	}
	err = classify(err)
	if errors.Is(err, ErrLink) {
		m.fault(err)
	}
	return Response{}, err
}

// fault transitions to Faulted, drops the dead connection and kicks off the
// background reconnect loop.
func (m *Manager) fault(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.state != Connected {
		return
	}
	if m.closer != nil {
		m.closer.Close()
		m.closer = nil
		m.client = nil
	}
	m.setStateLocked(Faulted, cause)
	m.startReconnectLocked()
}

func (m *Manager) startReconnectLocked() {
	if m.reconnecting || m.stopped {
		return
	}
	m.reconnecting = true
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		delay := backoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
		m.logger.Printf("reconnect attempt %d in %v", attempt+1, delay)
		select {
		case <-m.stop:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(Connecting, nil)
		m.mu.Unlock()

		client, closer, err := m.dial(m.cfg)

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			if closer != nil {
				closer.Close()
			}
			return
		}
		if err != nil {
			m.setStateLocked(Faulted, err)
			m.mu.Unlock()
			continue
		}
		m.client = client
		m.closer = closer
		m.setStateLocked(Connected, nil)
		m.reconnecting = false
		m.mu.Unlock()
		m.logger.Printf("reconnected after %d attempts", attempt+1)
		return
	}
}

// backoff returns the jittered exponential delay for the given attempt.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	// half the window fixed, half jittered
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (m *Manager) setStateLocked(s State, cause error) {
	if m.state == s {
		return
	}
	m.state = s
	if s == Connected {
		close(m.connectedCh)
	} else {
		select {
		case <-m.connectedCh:
			m.connectedCh = make(chan struct{})
		default:
		}
	}
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s, cause)
	}
}

// roundTrip maps the request onto the modbus client call for its table and
// converts the raw bytes both ways.
func roundTrip(client modbus.Client, req Request) (Response, error) {
	switch {
	case req.Table == regmap.Coil && req.IsWrite:
		if req.Quantity == 1 {
			value := uint16(0x0000)
			if req.Bits[0] {
				value = 0xFF00
			}
			_, err := client.WriteSingleCoil(req.Addr, value)
			return Response{}, err
		}
		_, err := client.WriteMultipleCoils(req.Addr, req.Quantity, packBits(req.Bits))
		return Response{}, err

	case req.Table == regmap.HoldingRegister && req.IsWrite:
		if req.Quantity == 1 {
			_, err := client.WriteSingleRegister(req.Addr, req.Words[0])
			return Response{}, err
		}
		_, err := client.WriteMultipleRegisters(req.Addr, req.Quantity, packWords(req.Words))
		return Response{}, err

	case req.IsWrite:
		return Response{}, fmt.Errorf("transport: table %q is not writable", req.Table)

	case req.Table == regmap.Coil:
		data, err := client.ReadCoils(req.Addr, req.Quantity)
		if err != nil {
			return Response{}, err
		}
		return Response{Bits: unpackBits(data, req.Quantity)}, nil

	case req.Table == regmap.DiscreteInput:
		data, err := client.ReadDiscreteInputs(req.Addr, req.Quantity)
		if err != nil {
			return Response{}, err
		}
		return Response{Bits: unpackBits(data, req.Quantity)}, nil

	case req.Table == regmap.InputRegister:
		data, err := client.ReadInputRegisters(req.Addr, req.Quantity)
		if err != nil {
			return Response{}, err
		}
		return unpackWordsResponse(data, req.Quantity)

	case req.Table == regmap.HoldingRegister:
		data, err := client.ReadHoldingRegisters(req.Addr, req.Quantity)
		if err != nil {
			return Response{}, err
		}
		return unpackWordsResponse(data, req.Quantity)
	}
	return Response{}, fmt.Errorf("transport: unknown table %q", req.Table)
}

// classify sorts raw client errors into the transport taxonomy. Device
// exception responses arrive on a healthy link and do not fault it.
func classify(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %v", ErrException, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrLink, err)
}

// packWords converts registers to the big endian byte layout of the PDU.
func packWords(words []uint16) []byte {
	out := make([]byte, 2*len(words))
	for i, w := range words {
		out[2*i] = byte(w >> 8)
		out[2*i+1] = byte(w)
	}
	return out
}

func unpackWordsResponse(data []byte, qty uint16) (Response, error) {
	if len(data) < 2*int(qty) {
		return Response{}, fmt.Errorf("%w: short register response (%d bytes for %d registers)", ErrLink, len(data), qty)
	}
	words := make([]uint16, qty)
	for i := range words {
		words[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return Response{Words: words}, nil
}

// packBits converts coil values to the LSB-first packed byte layout.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(data []byte, qty uint16) []bool {
	out := make([]bool, qty)
	for i := range out {
		if i/8 < len(data) {
			out[i] = data[i/8]&(1<<uint(i%8)) != 0
		}
	}
	return out
}
