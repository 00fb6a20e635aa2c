package bank

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

func TestParseRoundTripsEncodedBank(t *testing.T) {
	in := []Instrument{
		{Bank: 1, Patch: 7, Transpose: -12, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
		{Bank: 0, Patch: 3, Transpose: 5, Data: []byte{0x21, 0x3F}},
		{Bank: 127, Patch: 36, Data: []byte{0xAA}},
	}
	tbl, err := Parse(FamilyOPL, Encode(FamilyOPL, in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tbl.Len() != 3 {
		t.Fatalf("len = %d, want 3", tbl.Len())
	}
	// sorted by (bank, patch)
	if first := tbl.At(0); first.Bank != 0 || first.Patch != 3 {
		t.Fatalf("first entry = %d:%d, want 0:3", first.Bank, first.Patch)
	}
	got := tbl.Lookup(1, 7)
	if got == nil {
		t.Fatalf("lookup 1:7 failed")
	}
	if got.Transpose != -12 {
		t.Fatalf("transpose = %d, want -12", got.Transpose)
	}
	if len(got.Data) != FamilyOPL.PayloadSize() || got.Data[10] != 11 {
		t.Fatalf("payload = %v", got.Data)
	}
	if tbl.Lookup(2, 7) != nil {
		t.Fatalf("lookup of missing instrument should be nil")
	}
}

func TestParseMT32Payload(t *testing.T) {
	data := make([]byte, FamilyMT32.PayloadSize())
	for i := range data {
		data[i] = byte(i & 0x7F)
	}
	tbl, err := Parse(FamilyMT32, Encode(FamilyMT32, []Instrument{{Bank: 1, Patch: 0, Data: data}}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := tbl.Lookup(1, 0)
	if in == nil || len(in.Data) != 246 {
		t.Fatalf("unexpected MT-32 entry %+v", in)
	}
	if in.Data[245] != byte(245&0x7F) {
		t.Fatalf("payload tail = %d", in.Data[245])
	}
}

func TestParseRejectsWrongRecordSize(t *testing.T) {
	raw := Encode(FamilyOPL, []Instrument{{Bank: 0, Patch: 1}})
	binary.LittleEndian.PutUint16(raw[8:], 25)
	_, err := Parse(FamilyOPL, raw)
	if !errors.Is(err, ErrInstrumentSize) {
		t.Fatalf("err = %v, want ErrInstrumentSize", err)
	}
}

func TestParseRejectsTruncatedFiles(t *testing.T) {
	raw := Encode(FamilyOPL, []Instrument{{Bank: 0, Patch: 1}, {Bank: 0, Patch: 2}})
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no terminator", raw[:6]},
		{"record cut", raw[:len(raw)-3]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(FamilyOPL, tc.data); !errors.Is(err, ErrTruncated) {
				t.Fatalf("err = %v, want ErrTruncated", err)
			}
		})
	}
}

func TestNewTablePadsPayloads(t *testing.T) {
	tbl := NewTable(FamilyOPL, []Instrument{{Bank: 0, Patch: 0, Data: []byte{9}}})
	in := tbl.Lookup(0, 0)
	if len(in.Data) != 11 || in.Data[0] != 9 || in.Data[1] != 0 {
		t.Fatalf("payload = %v", in.Data)
	}
}

func TestDefaultOPLCoversGeneralMIDI(t *testing.T) {
	tbl := DefaultOPL(127)
	if tbl.Family() != FamilyOPL {
		t.Fatalf("family %s", tbl.Family().Name)
	}
	for p := 0; p < 128; p++ {
		if tbl.Lookup(0, byte(p)) == nil {
			t.Fatalf("program %d missing", p)
		}
	}
	for key := 35; key <= 81; key++ {
		if tbl.Lookup(127, byte(key)) == nil {
			t.Fatalf("percussion key %d missing", key)
		}
	}
	if kick := tbl.Lookup(127, 36); kick.Transpose != -24 {
		t.Fatalf("kick transpose %d", kick.Transpose)
	}
	// round trips through the file format
	again, err := Parse(FamilyOPL, Encode(FamilyOPL, collect(tbl)))
	if err != nil || again.Len() != tbl.Len() {
		t.Fatalf("re-parse: %v", err)
	}
}

func collect(tbl *Table) []Instrument {
	out := make([]Instrument, tbl.Len())
	for i := range out {
		out[i] = *tbl.At(i)
	}
	return out
}
