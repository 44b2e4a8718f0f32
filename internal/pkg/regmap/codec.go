package regmap

import (
	"fmt"
	"math"
)

// PackBits validates a caller-supplied value against a bit-table point and
// converts it to coil/input values. Accepts a bool for single points and an
// array of bools for multi-element points; everything else is a mismatch.
func (p Point) PackBits(v interface{}) ([]bool, error) {
	scalars, err := p.scalars(v)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, len(scalars))
	for i, s := range scalars {
		b, ok := s.(bool)
		if !ok {
			return nil, fmt.Errorf("point %q expects bool values: %w", p.Name, ErrTypeMismatch)
		}
		bits[i] = b
	}
	return bits, nil
}

// PackWords validates a caller-supplied value against a register-table point
// and converts it to wire registers in the point's word order.
func (p Point) PackWords(v interface{}) ([]uint16, error) {
	scalars, err := p.scalars(v)
	if err != nil {
		return nil, err
	}
	words := make([]uint16, 0, p.Quantity())
	for _, s := range scalars {
		n, ok := s.(float64)
		if !ok {
			return nil, fmt.Errorf("point %q expects numeric values: %w", p.Name, ErrTypeMismatch)
		}
		w, err := p.wordize(n)
		if err != nil {
			return nil, err
		}
		words = append(words, w...)
	}
	return words, nil
}

// UnpackBits decodes coil/input values into the point's caller-facing shape.
func (p Point) UnpackBits(bits []bool) (interface{}, error) {
	if len(bits) < int(p.Quantity()) {
		return nil, fmt.Errorf("point %q: short response, got %d of %d bits", p.Name, len(bits), p.Quantity())
	}
	if p.elems() == 1 {
		return bits[0], nil
	}
	out := make([]interface{}, p.elems())
	for i := range out {
		out[i] = bits[i]
	}
	return out, nil
}

// UnpackWords decodes wire registers into the point's caller-facing shape.
func (p Point) UnpackWords(words []uint16) (interface{}, error) {
	if len(words) < int(p.Quantity()) {
		return nil, fmt.Errorf("point %q: short response, got %d of %d registers", p.Name, len(words), p.Quantity())
	}
	size := int(sizeOf(p.DataType))
	vals := make([]interface{}, p.elems())
	for i := range vals {
		vals[i] = p.numberize(words[i*size : (i+1)*size])
	}
	if p.elems() == 1 {
		return vals[0], nil
	}
	return vals, nil
}

// scalars normalizes the decoded JSON value into one element per
// map entry: a bare scalar for single points, an array of exactly
// Count elements otherwise.
func (p Point) scalars(v interface{}) ([]interface{}, error) {
	arr, isArr := v.([]interface{})
	if p.elems() == 1 {
		if isArr {
			return nil, fmt.Errorf("point %q expects a scalar, got an array: %w", p.Name, ErrTypeMismatch)
		}
		return []interface{}{v}, nil
	}
	if !isArr {
		return nil, fmt.Errorf("point %q expects an array of %d values: %w", p.Name, p.elems(), ErrTypeMismatch)
	}
	if len(arr) != int(p.elems()) {
		return nil, fmt.Errorf("point %q expects %d values, got %d: %w", p.Name, p.elems(), len(arr), ErrTypeMismatch)
	}
	return arr, nil
}

// wordize converts one numeric element into wire registers.
func (p Point) wordize(n float64) ([]uint16, error) {
	switch p.DataType {
	case U16:
		if err := p.integral(n, 0, math.MaxUint16); err != nil {
			return nil, err
		}
		return []uint16{uint16(n)}, nil
	case I16:
		if err := p.integral(n, math.MinInt16, math.MaxInt16); err != nil {
			return nil, err
		}
		return []uint16{uint16(int16(n))}, nil
	case U32:
		if err := p.integral(n, 0, math.MaxUint32); err != nil {
			return nil, err
		}
		return p.splitU32(uint32(n)), nil
	case I32:
		if err := p.integral(n, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		return p.splitU32(uint32(int32(n))), nil
	case F32:
		if math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxFloat32 {
			return nil, fmt.Errorf("point %q: %v does not fit a 32 bit float: %w", p.Name, n, ErrRange)
		}
		return p.splitU32(math.Float32bits(float32(n))), nil
	}
	return nil, fmt.Errorf("point %q: unknown data type %q", p.Name, p.DataType)
}

// numberize converts wire registers for one element back into a float64.
func (p Point) numberize(words []uint16) float64 {
	switch p.DataType {
	case U16:
		return float64(words[0])
	case I16:
		return float64(int16(words[0]))
	case U32:
		return float64(p.joinU32(words))
	case I32:
		return float64(int32(p.joinU32(words)))
	case F32:
		return float64(math.Float32frombits(p.joinU32(words)))
	}
	return 0
}

func (p Point) integral(n, min, max float64) error {
	if n != math.Trunc(n) || math.IsNaN(n) || math.IsInf(n, 0) {
		return fmt.Errorf("point %q expects an integer, got %v: %w", p.Name, n, ErrTypeMismatch)
	}
	if n < min || n > max {
		return fmt.Errorf("point %q: %v outside [%v, %v]: %w", p.Name, n, min, max, ErrRange)
	}
	return nil
}

func (p Point) splitU32(v uint32) []uint16 {
	hi, lo := uint16(v>>16), uint16(v)
	if p.Endianness == LittleEndian {
		return []uint16{lo, hi}
	}
	return []uint16{hi, lo}
}

func (p Point) joinU32(words []uint16) uint32 {
	if p.Endianness == LittleEndian {
		return uint32(words[1])<<16 | uint32(words[0])
	}
	return uint32(words[0])<<16 | uint32(words[1])
}
