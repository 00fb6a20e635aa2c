package bank

import "sort"

// Family describes the fixed record layout of one synthesizer family's
// instrument file.
type Family struct {
	Name string
	// RecordSize is the value every record's leading uint16 size field must
	// carry. It counts the size field itself.
	RecordSize int
	// HasTranspose marks families whose first payload byte is a signed
	// transposition rather than parameter data.
	HasTranspose bool
}

var (
	// FamilyOPL is the 2-operator FM record: size, transposition, then the
	// 0x20/0x40/0x60/0x80/0xE0 operator registers of the modulator, the 0xC0
	// feedback/connection register and the carrier's operator registers.
	FamilyOPL = Family{Name: "opl", RecordSize: 14, HasTranspose: true}
	// FamilyMT32 is the LA timbre record: size, 14 common parameter bytes and
	// four 58-byte partial parameter blocks.
	FamilyMT32 = Family{Name: "mt32", RecordSize: 0xF8}
)

// PayloadSize is the number of parameter bytes stored per instrument.
func (f Family) PayloadSize() int {
	n := f.RecordSize - 2
	if f.HasTranspose {
		n--
	}
	return n
}

// Instrument is one immutable parsed instrument definition.
type Instrument struct {
	Bank      byte
	Patch     byte
	Transpose int8
	// Data is the family-specific parameter blob. It aliases the table's
	// backing buffer and must not be modified.
	Data []byte
}

// Table is the instrument lookup built once when a driver opens.
type Table struct {
	family  Family
	entries []Instrument
	buf     []byte
}

// NewTable copies the given instruments into a table backed by a single
// contiguous buffer. Payloads shorter than the family's payload size are
// zero padded; longer ones are truncated.
func NewTable(family Family, instruments []Instrument) *Table {
	size := family.PayloadSize()
	t := &Table{
		family:  family,
		entries: make([]Instrument, len(instruments)),
		buf:     make([]byte, size*len(instruments)),
	}
	for i, in := range instruments {
		data := t.buf[i*size : (i+1)*size : (i+1)*size]
		copy(data, in.Data)
		t.entries[i] = Instrument{Bank: in.Bank, Patch: in.Patch, Transpose: in.Transpose, Data: data}
	}
	t.sort()
	return t
}

func (t *Table) sort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.Bank != b.Bank {
			return a.Bank < b.Bank
		}
		return a.Patch < b.Patch
	})
}

// Family returns the record layout the table was built for.
func (t *Table) Family() Family { return t.family }

// Len returns the number of instruments.
func (t *Table) Len() int { return len(t.entries) }

// At returns the i-th instrument in (bank, patch) order.
func (t *Table) At(i int) *Instrument { return &t.entries[i] }

// Lookup returns the instrument stored for (bank, patch) or nil.
// Tables hold a few hundred entries at most and are only consulted on
// note-on and program change, so a linear scan is enough.
func (t *Table) Lookup(bankID, patchID byte) *Instrument {
	if t == nil {
		return nil
	}
	for i := range t.entries {
		e := &t.entries[i]
		if e.Bank == bankID && e.Patch == patchID {
			return e
		}
	}
	return nil
}
