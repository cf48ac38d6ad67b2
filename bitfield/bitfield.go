package bitfield

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

// OutOfRangeError is returned when a piece index falls outside the
// fixed length of the bitfield.
type OutOfRangeError struct {
	Index  int
	Length int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("bitfield: index %d out of range [0, %d)", e.Index, e.Length)
}

// Bitfield records piece possession, one bit per piece index. The length
// is fixed at construction. One instance holds the client's own state,
// one per remote peer mirrors what that peer last reported.
type Bitfield struct {
	bits   bitmap.Bitmap
	length int
	count  int
}

func New(length int) *Bitfield {
	return &Bitfield{
		bits:   bitmap.New(length),
		length: length,
	}
}

// FromBytes parses a packed wire bit-vector (high bit of byte zero is
// piece zero). The packed data must be exactly the size implied by
// length and spare trailing bits must be zero.
func FromBytes(data []byte, length int) (*Bitfield, error) {
	if len(data) != (length+7)/8 {
		return nil, fmt.Errorf("bitfield: %d packed bytes for %d pieces", len(data), length)
	}
	bf := New(length)
	for i := 0; i < len(data)*8; i++ {
		if data[i/8]&(1<<uint(7-i%8)) == 0 {
			continue
		}
		if i >= length {
			return nil, fmt.Errorf("bitfield: spare bit %d set", i)
		}
		bf.bits.Set(i, true)
		bf.count++
	}
	return bf, nil
}

func (b *Bitfield) Length() int {
	return b.length
}

func (b *Bitfield) Set(index int) error {
	if index < 0 || index >= b.length {
		return &OutOfRangeError{Index: index, Length: b.length}
	}
	if !b.bits.Get(index) {
		b.bits.Set(index, true)
		b.count++
	}
	return nil
}

func (b *Bitfield) Clear(index int) error {
	if index < 0 || index >= b.length {
		return &OutOfRangeError{Index: index, Length: b.length}
	}
	if b.bits.Get(index) {
		b.bits.Set(index, false)
		b.count--
	}
	return nil
}

func (b *Bitfield) Get(index int) (bool, error) {
	if index < 0 || index >= b.length {
		return false, &OutOfRangeError{Index: index, Length: b.length}
	}
	return b.bits.Get(index), nil
}

// Has is Get without the range check; out-of-range indexes report false.
func (b *Bitfield) Has(index int) bool {
	if index < 0 || index >= b.length {
		return false
	}
	return b.bits.Get(index)
}

func (b *Bitfield) CountSet() int {
	return b.count
}

func (b *Bitfield) IsComplete() bool {
	return b.count == b.length
}

// Bytes packs the bitfield in wire order, high bit first.
func (b *Bitfield) Bytes() []byte {
	data := make([]byte, (b.length+7)/8)
	for i := 0; i < b.length; i++ {
		if b.bits.Get(i) {
			data[i/8] |= 1 << uint(7-i%8)
		}
	}
	return data
}

func (b *Bitfield) Copy() *Bitfield {
	c := New(b.length)
	for i := 0; i < b.length; i++ {
		if b.bits.Get(i) {
			c.bits.Set(i, true)
			c.count++
		}
	}
	return c
}
