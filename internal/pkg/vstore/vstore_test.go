package vstore

import (
	"errors"
	"testing"

	"github.com/simonvetter/modbus"
	"gotest.tools/v3/assert"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
)

func testMap(t *testing.T) *regmap.Map {
	t.Helper()
	m, err := regmap.New([]regmap.Point{
		{Name: "temperature", Table: regmap.HoldingRegister, Address: 10, DataType: regmap.U16},
		{Name: "flow", Table: regmap.HoldingRegister, Address: 20, DataType: regmap.F32},
		{Name: "lamp", Table: regmap.Coil, Address: 6, DataType: regmap.Bit},
		{Name: "door", Table: regmap.DiscreteInput, Address: 0, DataType: regmap.Bit},
		{Name: "level", Table: regmap.InputRegister, Address: 0, DataType: regmap.I32},
	})
	assert.NilError(t, err)
	return m
}

func TestRoundTripEveryEncoding(t *testing.T) {
	m := testMap(t)
	s := New(m)

	cases := []struct {
		name  string
		value interface{}
	}{
		{"temperature", float64(215)},
		{"flow", float64(float32(13.25))},
		{"lamp", true},
		{"level", float64(-70000)},
	}
	for _, tc := range cases {
		p, err := m.Resolve(tc.name)
		assert.NilError(t, err)
		if p.Table.IsBits() {
			bits, err := p.PackBits(tc.value)
			assert.NilError(t, err)
			assert.NilError(t, s.SetPoint(p, nil, bits))
		} else {
			words, err := p.PackWords(tc.value)
			assert.NilError(t, err)
			assert.NilError(t, s.SetPoint(p, words, nil))
		}
		got, err := s.PointValue(p)
		assert.NilError(t, err)
		assert.Equal(t, got, tc.value, "point %s", tc.name)
	}
}

func TestUnmappedAddress(t *testing.T) {
	s := New(testMap(t))

	_, err := s.ReadWords(regmap.HoldingRegister, 500, 1)
	assert.Assert(t, errors.Is(err, ErrUnmappedAddress))

	// a range straddling mapped and unmapped addresses is rejected whole
	err = s.WriteWords(regmap.HoldingRegister, 10, []uint16{1, 2})
	assert.Assert(t, errors.Is(err, ErrUnmappedAddress))
	words, err := s.ReadWords(regmap.HoldingRegister, 10, 1)
	assert.NilError(t, err)
	assert.Equal(t, words[0], uint16(0), "partial write must not land")
}

func TestSnapshot(t *testing.T) {
	m := testMap(t)
	s := New(m)
	p, _ := m.Resolve("temperature")
	assert.NilError(t, s.WriteWords(regmap.HoldingRegister, p.Address, []uint16{215}))

	snap := s.Snapshot()
	assert.Equal(t, snap["temperature"], float64(215))
	assert.Equal(t, snap["lamp"], false)
	assert.Equal(t, len(snap), 5)
}

func TestHandlerServesTheStore(t *testing.T) {
	m := testMap(t)
	s := New(m)
	h := &Handler{store: s}

	_, err := h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{
		Addr: 10, Quantity: 1, IsWrite: true, Args: []uint16{215},
	})
	assert.NilError(t, err)

	words, err := h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{Addr: 10, Quantity: 1})
	assert.NilError(t, err)
	assert.DeepEqual(t, words, []uint16{215})

	// the HTTP side observes the field master's write through the store
	p, _ := m.Resolve("temperature")
	v, err := s.PointValue(p)
	assert.NilError(t, err)
	assert.Equal(t, v, float64(215))

	_, err = h.HandleCoils(&modbus.CoilsRequest{Addr: 6, Quantity: 1, IsWrite: true, Args: []bool{true}})
	assert.NilError(t, err)
	bits, err := h.HandleCoils(&modbus.CoilsRequest{Addr: 6, Quantity: 1})
	assert.NilError(t, err)
	assert.DeepEqual(t, bits, []bool{true})
}

func TestHandlerIllegalAddress(t *testing.T) {
	s := New(testMap(t))
	h := &Handler{store: s}

	_, err := h.HandleInputRegisters(&modbus.InputRegistersRequest{Addr: 900, Quantity: 2})
	assert.Equal(t, err, modbus.ErrIllegalDataAddress)

	_, err = h.HandleDiscreteInputs(&modbus.DiscreteInputsRequest{Addr: 1, Quantity: 1})
	assert.Equal(t, err, modbus.ErrIllegalDataAddress)
}
