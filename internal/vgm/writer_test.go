package vgm

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func commands(t *testing.T, file []byte) []byte {
	t.Helper()
	if !bytes.Equal(file[:4], []byte("Vgm ")) {
		t.Fatalf("missing magic: % x", file[:4])
	}
	if got := binary.LittleEndian.Uint32(file[0x04:]); int(got) != len(file)-4 {
		t.Fatalf("eof offset %d, file is %d bytes", got, len(file))
	}
	start := 0x34 + binary.LittleEndian.Uint32(file[0x34:])
	if start != headerSize {
		t.Fatalf("data starts at %#x", start)
	}
	if file[len(file)-1] != cmdEnd {
		t.Fatalf("missing end command")
	}
	return file[start : len(file)-1]
}

func TestWriterLogsOPL2Writes(t *testing.T) {
	w := NewWriter(ChipYM3812)
	w.WriteRegister(0x01, 0x20)
	w.Wait(735)
	w.WriteRegister(0xB0, 0x2E)
	w.WriteRegister(0x1B0, 0x2E) // no second bank on OPL2
	w.Wait(10)

	file := w.Bytes()
	want := []byte{
		0x5A, 0x01, 0x20,
		0x62,
		0x5A, 0xB0, 0x2E,
		0x79,
	}
	if got := commands(t, file); !bytes.Equal(got, want) {
		t.Fatalf("commands % x, want % x", got, want)
	}
	if clock := binary.LittleEndian.Uint32(file[0x50:]); clock != ym3812Clock {
		t.Fatalf("YM3812 clock %d", clock)
	}
	if total := binary.LittleEndian.Uint32(file[0x18:]); total != 745 {
		t.Fatalf("total samples %d, want 745", total)
	}
	if w.Writes() != 2 || w.Dropped() != 1 {
		t.Fatalf("writes %d dropped %d", w.Writes(), w.Dropped())
	}
}

func TestWriterSplitsOPL3Ports(t *testing.T) {
	w := NewWriter(ChipYMF262)
	w.WriteRegister(0x105, 0x01)
	w.WriteRegister(0xC0, 0x30)
	file := w.Bytes()
	want := []byte{0x5F, 0x05, 0x01, 0x5E, 0xC0, 0x30}
	if got := commands(t, file); !bytes.Equal(got, want) {
		t.Fatalf("commands % x, want % x", got, want)
	}
	if clock := binary.LittleEndian.Uint32(file[0x5C:]); clock != ymf262Clock {
		t.Fatalf("YMF262 clock %d", clock)
	}
}

func TestWriterEncodesLongWaits(t *testing.T) {
	w := NewWriter(ChipYM3812)
	w.Wait(0x10000 + 882)
	w.WriteRegister(0x20, 1)
	got := commands(t, w.Bytes())
	want := []byte{0x61, 0xFF, 0xFF, 0x61, 0x73, 0x03, 0x5A, 0x20, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("commands % x, want % x", got, want)
	}
}

func TestSamplesConversion(t *testing.T) {
	if n := Samples(time.Second); n != SampleRate {
		t.Fatalf("one second = %d samples", n)
	}
	w := NewWriter(ChipYM3812)
	w.Advance(20 * time.Millisecond)
	if w.TotalSamples() != 882 {
		t.Fatalf("20ms = %d samples", w.TotalSamples())
	}
}
