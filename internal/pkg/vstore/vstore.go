// Package vstore holds the in-memory virtual register store shared by the
// HTTP side and the field-facing Modbus server. Only addresses covered by
// the register map exist; everything else is an illegal address.
package vstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
)

// ErrUnmappedAddress marks access to an address range no register point
// covers.
var ErrUnmappedAddress = errors.New("vstore: address not mapped")

// Store is the virtual register bank. All range accesses happen under one
// lock, so multi-register values are never observed half written.
type Store struct {
	mu    sync.RWMutex
	rm    *regmap.Map
	bits  map[regmap.Table]map[uint16]bool
	words map[regmap.Table]map[uint16]uint16
}

// New seeds a zeroed store covering every configured point.
func New(rm *regmap.Map) *Store {
	s := &Store{
		rm: rm,
		bits: map[regmap.Table]map[uint16]bool{
			regmap.Coil:          {},
			regmap.DiscreteInput: {},
		},
		words: map[regmap.Table]map[uint16]uint16{
			regmap.InputRegister:   {},
			regmap.HoldingRegister: {},
		},
	}
	for _, p := range rm.Points() {
		for i := uint16(0); i < p.Quantity(); i++ {
			if p.Table.IsBits() {
				s.bits[p.Table][p.Address+i] = false
			} else {
				s.words[p.Table][p.Address+i] = 0
			}
		}
	}
	return s
}

// ReadBits returns qty coil/input values starting at addr.
func (s *Store) ReadBits(t regmap.Table, addr, qty uint16) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bank, ok := s.bits[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a bit table", ErrUnmappedAddress, t)
	}
	out := make([]bool, qty)
	for i := range out {
		v, ok := bank[addr+uint16(i)]
		if !ok {
			return nil, fmt.Errorf("%w: %s %d", ErrUnmappedAddress, t, addr+uint16(i))
		}
		out[i] = v
	}
	return out, nil
}

// WriteBits sets qty coil/input values starting at addr, atomically.
func (s *Store) WriteBits(t regmap.Table, addr uint16, vals []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, ok := s.bits[t]
	if !ok {
		return fmt.Errorf("%w: %q is not a bit table", ErrUnmappedAddress, t)
	}
	for i := range vals {
		if _, ok := bank[addr+uint16(i)]; !ok {
			return fmt.Errorf("%w: %s %d", ErrUnmappedAddress, t, addr+uint16(i))
		}
	}
	for i, v := range vals {
		bank[addr+uint16(i)] = v
	}
	return nil
}

// ReadWords returns qty register values starting at addr.
func (s *Store) ReadWords(t regmap.Table, addr, qty uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bank, ok := s.words[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a register table", ErrUnmappedAddress, t)
	}
	out := make([]uint16, qty)
	for i := range out {
		v, ok := bank[addr+uint16(i)]
		if !ok {
			return nil, fmt.Errorf("%w: %s %d", ErrUnmappedAddress, t, addr+uint16(i))
		}
		out[i] = v
	}
	return out, nil
}

// WriteWords sets qty register values starting at addr, atomically.
func (s *Store) WriteWords(t regmap.Table, addr uint16, vals []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, ok := s.words[t]
	if !ok {
		return fmt.Errorf("%w: %q is not a register table", ErrUnmappedAddress, t)
	}
	for i := range vals {
		if _, ok := bank[addr+uint16(i)]; !ok {
			return fmt.Errorf("%w: %s %d", ErrUnmappedAddress, t, addr+uint16(i))
		}
	}
	for i, v := range vals {
		bank[addr+uint16(i)] = v
	}
	return nil
}

// SetPoint overwrites a point's full range from decoded wire values.
func (s *Store) SetPoint(p regmap.Point, words []uint16, bits []bool) error {
	if p.Table.IsBits() {
		return s.WriteBits(p.Table, p.Address, bits)
	}
	return s.WriteWords(p.Table, p.Address, words)
}

// PointValue reads a point's full range and decodes it to its caller-facing
// shape.
func (s *Store) PointValue(p regmap.Point) (interface{}, error) {
	if p.Table.IsBits() {
		bits, err := s.ReadBits(p.Table, p.Address, p.Quantity())
		if err != nil {
			return nil, err
		}
		return p.UnpackBits(bits)
	}
	words, err := s.ReadWords(p.Table, p.Address, p.Quantity())
	if err != nil {
		return nil, err
	}
	return p.UnpackWords(words)
}

// Snapshot decodes every configured point, keyed by name.
func (s *Store) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})
	for _, p := range s.rm.Points() {
		v, err := s.PointValue(p)
		if err != nil {
			continue
		}
		out[p.Name] = v
	}
	return out
}
