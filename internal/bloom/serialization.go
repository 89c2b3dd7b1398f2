package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const headerLen = 24

// Marshal encodes the filter as a snappy-compressed blob for the catalog:
// m, k, n as little-endian uint64 followed by the bit words.
func (f *Filter) Marshal() []byte {
	raw := make([]byte, headerLen+len(f.words)*8)
	binary.LittleEndian.PutUint64(raw[0:8], f.m)
	binary.LittleEndian.PutUint64(raw[8:16], f.k)
	binary.LittleEndian.PutUint64(raw[16:24], f.n)
	for i, w := range f.words {
		binary.LittleEndian.PutUint64(raw[headerLen+i*8:], w)
	}
	return snappy.Encode(nil, raw)
}

// Unmarshal decodes a blob written by Marshal.
func Unmarshal(blob []byte) (*Filter, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy decode failed: %w", err)
	}
	if len(raw) < headerLen {
		return nil, errors.New("bloom: blob too short")
	}

	m := binary.LittleEndian.Uint64(raw[0:8])
	k := binary.LittleEndian.Uint64(raw[8:16])
	n := binary.LittleEndian.Uint64(raw[16:24])
	if m == 0 || m%64 != 0 || k == 0 {
		return nil, fmt.Errorf("bloom: invalid header m=%d k=%d", m, k)
	}

	words := m / 64
	if uint64(len(raw)-headerLen) != words*8 {
		return nil, fmt.Errorf("bloom: expected %d bytes of bits, got %d", words*8, len(raw)-headerLen)
	}

	f := &Filter{words: make([]uint64, words), m: m, k: k, n: n}
	for i := range f.words {
		f.words[i] = binary.LittleEndian.Uint64(raw[headerLen+i*8:])
	}
	return f, nil
}
