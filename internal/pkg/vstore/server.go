package vstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
)

// ServerConfig is the configuration format for the field-facing Modbus
// server endpoint.
type ServerConfig struct {
	Addr       string        `json:"Addr"` // e.g. "0.0.0.0:502"
	MaxClients uint          `json:"MaxClients"`
	Timeout    time.Duration `json:"-"`
}

// NewServer builds the Modbus TCP server serving the virtual register
// store. Unsupported function codes are answered with an illegal function
// exception by the library itself.
func NewServer(cfg ServerConfig, store *Store) (*modbus.ModbusServer, error) {
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://%s", cfg.Addr),
		Timeout:    cfg.Timeout,
		MaxClients: cfg.MaxClients,
	}, NewHandler(store))
}

// NewHandler is the Handler factory function.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Handler answers inbound Modbus requests straight from the store. The
// physical transport is never touched from here; the device-facing and
// field-facing endpoints share only the in-memory store.
type Handler struct {
	store *Store
}

// HandleCoils serves read coils, write single coil and write multiple coils.
func (h *Handler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	if req.IsWrite {
		if err := h.store.WriteBits(regmap.Coil, req.Addr, req.Args); err != nil {
			return nil, asModbusError(err)
		}
		return nil, nil
	}
	bits, err := h.store.ReadBits(regmap.Coil, req.Addr, req.Quantity)
	if err != nil {
		return nil, asModbusError(err)
	}
	return bits, nil
}

// HandleDiscreteInputs serves read discrete inputs.
func (h *Handler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	bits, err := h.store.ReadBits(regmap.DiscreteInput, req.Addr, req.Quantity)
	if err != nil {
		return nil, asModbusError(err)
	}
	return bits, nil
}

// HandleHoldingRegisters serves read holding registers, write single
// register and write multiple registers.
func (h *Handler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		if err := h.store.WriteWords(regmap.HoldingRegister, req.Addr, req.Args); err != nil {
			return nil, asModbusError(err)
		}
		return nil, nil
	}
	words, err := h.store.ReadWords(regmap.HoldingRegister, req.Addr, req.Quantity)
	if err != nil {
		return nil, asModbusError(err)
	}
	return words, nil
}

// HandleInputRegisters serves read input registers.
func (h *Handler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	words, err := h.store.ReadWords(regmap.InputRegister, req.Addr, req.Quantity)
	if err != nil {
		return nil, asModbusError(err)
	}
	return words, nil
}

func asModbusError(err error) error {
	if errors.Is(err, ErrUnmappedAddress) {
		return modbus.ErrIllegalDataAddress
	}
	return modbus.ErrServerDeviceFailure
}
