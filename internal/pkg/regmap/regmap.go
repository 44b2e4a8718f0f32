// Package regmap holds the static description of the addressable Modbus
// points and the value codec for each supported data type. The map is built
// once at startup and read-only afterwards.
package regmap

import (
	"errors"
	"fmt"
	"sort"
)

// Table identifies which of the four Modbus data tables a point lives in.
type Table string

// Constants of Table
const (
	Coil            Table = "coil"
	DiscreteInput   Table = "discrete-input"
	InputRegister   Table = "input-register"
	HoldingRegister Table = "holding-register"
)

// IsBits reports whether the table holds single-bit values.
func (t Table) IsBits() bool {
	return t == Coil || t == DiscreteInput
}

// Writable reports whether the Modbus protocol allows writes to the table.
func (t Table) Writable() bool {
	return t == Coil || t == HoldingRegister
}

func (t Table) valid() bool {
	switch t {
	case Coil, DiscreteInput, InputRegister, HoldingRegister:
		return true
	}
	return false
}

// DataType defines the payload encoding of a register point.
type DataType string

// Constants of DataType
const (
	Bit DataType = "bit"
	U16 DataType = "u16"
	I16 DataType = "i16"
	U32 DataType = "u32"
	I32 DataType = "i32"
	F32 DataType = "f32"
)

// sizeOf returns the number of wire units (bits or 16-bit registers) a
// single element of the data type occupies.
func sizeOf(t DataType) uint16 {
	switch t {
	case Bit:
		return 1
	case U16, I16:
		return 1
	case U32, I32, F32:
		return 2
	}
	return 0
}

// Access defines the register point read/write mode.
type Access string

// Constants of Access
const (
	ReadOnly  Access = "read-only"
	ReadWrite Access = "read-write"
)

// Endian is the word order of multi-register values.
type Endian string

// Constants of Endian
const (
	BigEndian    Endian = "big"
	LittleEndian Endian = "little"
)

// Caller input errors. Matched with errors.Is at the HTTP boundary.
var (
	ErrNotFound     = errors.New("register point not found")
	ErrRange        = errors.New("value out of range")
	ErrTypeMismatch = errors.New("value type mismatch")
	ErrReadOnly     = errors.New("register point is read-only")
)

// Point contains the data required to address, validate and decode a
// Modbus register point.
type Point struct {
	Name       string   `json:"Name"`
	Table      Table    `json:"Table"`
	Address    uint16   `json:"Address"`
	DataType   DataType `json:"DataType"`
	Count      uint16   `json:"Count"` // elements of DataType, 0 means 1
	Access     Access   `json:"Access"`
	Endianness Endian   `json:"Endianness"`
}

func (p Point) elems() uint16 {
	if p.Count == 0 {
		return 1
	}
	return p.Count
}

// Quantity returns the number of wire units (coils/inputs for bit tables,
// 16-bit registers otherwise) the point spans.
func (p Point) Quantity() uint16 {
	return p.elems() * sizeOf(p.DataType)
}

// Map resolves point names to Points. Immutable after New.
type Map struct {
	points map[string]Point
	names  []string
}

// New validates the point definitions and builds the map. Overlapping
// address ranges, duplicate names and malformed points are fatal here,
// never at runtime.
func New(points []Point) (*Map, error) {
	m := &Map{points: make(map[string]Point)}
	for _, p := range points {
		if err := checkPoint(p); err != nil {
			return nil, err
		}
		p = withDefaults(p)
		if _, ok := m.points[p.Name]; ok {
			return nil, fmt.Errorf("regmap: duplicate point name %q", p.Name)
		}
		m.points[p.Name] = p
		m.names = append(m.names, p.Name)
	}
	sort.Strings(m.names)

	if err := checkOverlaps(m.points); err != nil {
		return nil, err
	}
	return m, nil
}

func checkPoint(p Point) error {
	if p.Name == "" {
		return fmt.Errorf("regmap: point at address %d has no name", p.Address)
	}
	if !p.Table.valid() {
		return fmt.Errorf("regmap: point %q: unknown table %q", p.Name, p.Table)
	}
	switch {
	case p.Table.IsBits() && p.DataType != Bit:
		return fmt.Errorf("regmap: point %q: table %q requires data type %q", p.Name, p.Table, Bit)
	case !p.Table.IsBits() && p.DataType == Bit:
		return fmt.Errorf("regmap: point %q: data type %q is only valid on bit tables", p.Name, Bit)
	}
	if sizeOf(p.DataType) == 0 {
		return fmt.Errorf("regmap: point %q: unknown data type %q", p.Name, p.DataType)
	}
	if p.Access != "" && p.Access != ReadOnly && p.Access != ReadWrite {
		return fmt.Errorf("regmap: point %q: unknown access mode %q", p.Name, p.Access)
	}
	if p.Endianness != "" && p.Endianness != BigEndian && p.Endianness != LittleEndian {
		return fmt.Errorf("regmap: point %q: unknown endianness %q", p.Name, p.Endianness)
	}
	qty := uint32(p.elems()) * uint32(sizeOf(p.DataType))
	if qty == 0 || uint32(p.Address)+qty-1 > 0xFFFF {
		return fmt.Errorf("regmap: point %q: address range %d+%d exceeds the 16 bit address space", p.Name, p.Address, qty)
	}
	return nil
}

func withDefaults(p Point) Point {
	if p.Access == "" {
		if p.Table.Writable() {
			p.Access = ReadWrite
		} else {
			p.Access = ReadOnly
		}
	}
	if p.Endianness == "" {
		p.Endianness = BigEndian
	}
	return p
}

func checkOverlaps(points map[string]Point) error {
	byTable := make(map[Table][]Point)
	for _, p := range points {
		byTable[p.Table] = append(byTable[p.Table], p)
	}
	for _, list := range byTable {
		sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
		for i := 1; i < len(list); i++ {
			prev, cur := list[i-1], list[i]
			if uint32(prev.Address)+uint32(prev.Quantity()) > uint32(cur.Address) {
				return fmt.Errorf("regmap: points %q and %q overlap in table %q", prev.Name, cur.Name, cur.Table)
			}
		}
	}
	return nil
}

// Resolve returns the point registered under name, or ErrNotFound.
func (m *Map) Resolve(name string) (Point, error) {
	p, ok := m.points[name]
	if !ok {
		return Point{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return p, nil
}

// Points returns all points ordered by name.
func (m *Map) Points() []Point {
	out := make([]Point, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.points[name])
	}
	return out
}
