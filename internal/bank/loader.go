package bank

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrTruncated reports a header or record running past the end of the data.
	ErrTruncated = errors.New("instrument file truncated")
	// ErrInstrumentSize reports a record whose size field does not match the family.
	ErrInstrumentSize = errors.New("unsupported instrument record size")
)

const (
	headerEntrySize = 6
	headerSentinel  = 0xFF
)

// Parse reads an instrument file: a header of (patch, bank, offset uint32 LE)
// tuples closed by a (0xFF, 0xFF) pair, followed by records that each begin
// with a little-endian uint16 size. Any structural problem is fatal.
func Parse(family Family, data []byte) (*Table, error) {
	type ref struct {
		patch, bank byte
		offset      uint32
	}
	var refs []ref
	pos := 0
	for {
		if pos+2 > len(data) {
			return nil, errors.Wrapf(ErrTruncated, "header at 0x%X has no terminator", pos)
		}
		patch, bnk := data[pos], data[pos+1]
		if patch == headerSentinel && bnk == headerSentinel {
			break
		}
		if pos+headerEntrySize > len(data) {
			return nil, errors.Wrapf(ErrTruncated, "header entry at 0x%X", pos)
		}
		refs = append(refs, ref{patch: patch, bank: bnk, offset: binary.LittleEndian.Uint32(data[pos+2:])})
		pos += headerEntrySize
	}

	size := family.PayloadSize()
	t := &Table{
		family:  family,
		entries: make([]Instrument, len(refs)),
		buf:     make([]byte, size*len(refs)),
	}
	for i, r := range refs {
		off := int(r.offset)
		if off < 0 || off+2 > len(data) {
			return nil, errors.Wrapf(ErrTruncated, "instrument %d:%d at 0x%X", r.bank, r.patch, off)
		}
		recSize := int(binary.LittleEndian.Uint16(data[off:]))
		if recSize != family.RecordSize {
			return nil, errors.Wrapf(ErrInstrumentSize, "%s instrument %d:%d has size %d, want %d",
				family.Name, r.bank, r.patch, recSize, family.RecordSize)
		}
		if off+recSize > len(data) {
			return nil, errors.Wrapf(ErrTruncated, "instrument %d:%d at 0x%X", r.bank, r.patch, off)
		}
		rec := data[off+2 : off+recSize]
		var transpose int8
		if family.HasTranspose {
			transpose = int8(rec[0])
			rec = rec[1:]
		}
		payload := t.buf[i*size : (i+1)*size : (i+1)*size]
		copy(payload, rec)
		t.entries[i] = Instrument{Bank: r.bank, Patch: r.patch, Transpose: transpose, Data: payload}
	}
	t.sort()
	return t, nil
}

// Encode writes instruments in the format Parse reads. It is used to build
// the bundled default banks and test fixtures.
func Encode(family Family, instruments []Instrument) []byte {
	headerLen := len(instruments)*headerEntrySize + 2
	out := make([]byte, headerLen, headerLen+len(instruments)*family.RecordSize)
	for i, in := range instruments {
		h := out[i*headerEntrySize:]
		h[0] = in.Patch
		h[1] = in.Bank
		binary.LittleEndian.PutUint32(h[2:], uint32(headerLen+i*family.RecordSize))
	}
	out[headerLen-2] = headerSentinel
	out[headerLen-1] = headerSentinel
	for _, in := range instruments {
		rec := make([]byte, family.RecordSize)
		binary.LittleEndian.PutUint16(rec, uint16(family.RecordSize))
		payload := rec[2:]
		if family.HasTranspose {
			payload[0] = byte(in.Transpose)
			payload = payload[1:]
		}
		copy(payload, in.Data)
		out = append(out, rec...)
	}
	return out
}
