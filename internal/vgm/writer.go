// Package vgm records FM register writes as a VGM 1.51 file so a session
// can be replayed in any VGM player or compared byte for byte in tests.
package vgm

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

// SampleRate is the fixed VGM timebase.
const SampleRate = 44100

type Chip int

const (
	ChipYM3812 Chip = iota // OPL2
	ChipYMF262             // OPL3
)

const (
	headerSize    = 0x100
	version       = 0x151
	ym3812Clock   = 3579545
	ymf262Clock   = 14318180
	cmdYM3812     = 0x5A
	cmdYMF262Port = 0x5E // port 1 is 0x5F
	cmdWait       = 0x61
	cmdWaitNTSC   = 0x62
	cmdWaitPAL    = 0x63
	cmdWaitShort  = 0x70
	cmdEnd        = 0x66

	waitNTSC = 735
	waitPAL  = 882
)

// Writer is a register sink that logs every write with its timing.
type Writer struct {
	chip    Chip
	cmds    bytes.Buffer
	pending uint64
	total   uint64
	writes  int
	dropped int
}

func NewWriter(chip Chip) *Writer {
	return &Writer{chip: chip}
}

// WriteRegister logs one register write at the current position. Second
// bank writes are dropped on the single-bank chip.
func (w *Writer) WriteRegister(reg uint16, value byte) {
	var cmd byte
	switch {
	case w.chip == ChipYMF262:
		cmd = cmdYMF262Port + byte(reg>>8&1)
	case reg&0x100 != 0:
		w.dropped++
		return
	default:
		cmd = cmdYM3812
	}
	w.flushWait()
	w.cmds.Write([]byte{cmd, byte(reg), value})
	w.writes++
}

// Wait advances the log by n samples at 44.1 kHz.
func (w *Writer) Wait(n int) {
	if n <= 0 {
		return
	}
	w.pending += uint64(n)
	w.total += uint64(n)
}

// Advance advances the log by d.
func (w *Writer) Advance(d time.Duration) {
	w.Wait(Samples(d))
}

// Samples converts d to the VGM timebase, rounding down.
func Samples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}

func (w *Writer) flushWait() {
	for w.pending > 0 {
		switch n := w.pending; {
		case n == waitNTSC:
			w.cmds.WriteByte(cmdWaitNTSC)
			w.pending = 0
		case n == waitPAL:
			w.cmds.WriteByte(cmdWaitPAL)
			w.pending = 0
		case n <= 16:
			w.cmds.WriteByte(cmdWaitShort + byte(n-1))
			w.pending = 0
		default:
			if n > 0xFFFF {
				n = 0xFFFF
			}
			w.cmds.WriteByte(cmdWait)
			_ = binary.Write(&w.cmds, binary.LittleEndian, uint16(n))
			w.pending -= n
		}
	}
}

// Writes returns the number of logged register writes.
func (w *Writer) Writes() int { return w.writes }

// Dropped returns the number of writes the chip could not accept.
func (w *Writer) Dropped() int { return w.dropped }

// TotalSamples returns the logged duration in samples.
func (w *Writer) TotalSamples() uint64 { return w.total }

// Bytes returns the complete file. Trailing waits are flushed, so the
// writer can keep logging afterwards.
func (w *Writer) Bytes() []byte {
	w.flushWait()
	out := make([]byte, headerSize, headerSize+w.cmds.Len()+1)
	out = append(out, w.cmds.Bytes()...)
	out = append(out, cmdEnd)

	le := binary.LittleEndian
	copy(out[0x00:], "Vgm ")
	le.PutUint32(out[0x04:], uint32(len(out)-0x04))
	le.PutUint32(out[0x08:], version)
	le.PutUint32(out[0x18:], uint32(w.total))
	le.PutUint32(out[0x34:], headerSize-0x34)
	switch w.chip {
	case ChipYMF262:
		le.PutUint32(out[0x5C:], ymf262Clock)
	default:
		le.PutUint32(out[0x50:], ym3812Clock)
	}
	return out
}

// WriteTo writes the complete file to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(w.Bytes())
	return int64(n), err
}
