package opl

import (
	"math"
	"testing"
)

// programPiano writes a simple sustaining FM patch to voice 0 of the given
// bank (0 or 0x100).
func programPiano(c *Chip, bank uint16) {
	for _, w := range []struct {
		reg uint16
		val byte
	}{
		{0x20, 0x21}, {0x23, 0x21}, // sustaining, mult 1
		{0x40, 0x10}, {0x43, 0x00},
		{0x60, 0xF2}, {0x63, 0xF2},
		{0x80, 0x24}, {0x83, 0x24},
		{0xC0, 0x36},
	} {
		c.WriteRegister(bank|w.reg, w.val)
	}
}

func keyOn(c *Chip, bank uint16) {
	c.WriteRegister(bank|0xA0, 0xB2)
	c.WriteRegister(bank|0xB0, 0x2E) // key on, block 3, fnum 0x2B2
}

func energy(c *Chip, frames int) (left, right float64) {
	for i := 0; i < frames; i++ {
		l, r := c.RenderFrame()
		left += math.Abs(float64(l))
		right += math.Abs(float64(r))
	}
	return left, right
}

func TestChipGeneratesSignal(t *testing.T) {
	c := New(48000, DefaultParams())
	programPiano(c, 0)
	keyOn(c, 0)
	l, r := energy(c, 4096)
	if l == 0 || r == 0 {
		t.Fatalf("expected non-zero output, left=%f right=%f", l, r)
	}
	if c.ActiveVoiceCount() != 1 {
		t.Fatalf("active voices = %d, want 1", c.ActiveVoiceCount())
	}
}

func TestChipSilentWithoutKeyOn(t *testing.T) {
	c := New(48000, DefaultParams())
	programPiano(c, 0)
	c.WriteRegister(0xA0, 0xB2)
	c.WriteRegister(0xB0, 0x0E)
	if l, r := energy(c, 1024); l != 0 || r != 0 {
		t.Fatalf("keyed-off voice produced output")
	}
}

func TestChipReleaseDecaysToSilence(t *testing.T) {
	c := New(48000, DefaultParams())
	programPiano(c, 0)
	keyOn(c, 0)
	energy(c, 2048)
	c.WriteRegister(0xB0, 0x0E)
	// release rate 4 is about 5 seconds for a full-scale fall
	energy(c, 48000*6)
	if c.ActiveVoiceCount() != 0 {
		t.Fatalf("voice still sounding after release")
	}
	if l, r := energy(c, 512); l != 0 || r != 0 {
		t.Fatalf("released voice produced output")
	}
}

func TestChipFrequencyDecode(t *testing.T) {
	c := New(48000, DefaultParams())
	keyOn(c, 0)
	if f := c.Frequency(0); math.Abs(f-261.7) > 0.5 {
		t.Fatalf("frequency = %f, want ~261.7", f)
	}
	c.WriteRegister(0xB0, 0x32) // block 4
	if f := c.Frequency(0); math.Abs(f-523.4) > 1 {
		t.Fatalf("frequency = %f, want ~523.4", f)
	}
}

func TestSlotOperatorMapping(t *testing.T) {
	for _, tc := range []struct {
		slot   byte
		voice  int
		op     int
		usable bool
	}{
		{0x00, 0, 0, true},
		{0x03, 0, 1, true},
		{0x05, 2, 1, true},
		{0x08, 3, 0, true},
		{0x12, 8, 0, true},
		{0x15, 8, 1, true},
		{0x06, 0, 0, false},
		{0x18, 0, 0, false},
	} {
		v, o, ok := slotOperator(tc.slot)
		if ok != tc.usable || (ok && (v != tc.voice || o != tc.op)) {
			t.Errorf("slot %#x = voice %d op %d ok %v", tc.slot, v, o, ok)
		}
	}
}

func TestSecondBankDrivesUpperVoices(t *testing.T) {
	c := New(48000, DefaultParams())
	c.WriteRegister(0x105, 1)
	programPiano(c, 0x100)
	keyOn(c, 0x100)
	if !c.voices[9].keyOn || c.voices[0].keyOn {
		t.Fatalf("bank 1 key-on reached the wrong voice")
	}
	if c.voices[9].ops[0].tl >= 1 || c.voices[0].ops[0].tl != 1 {
		t.Fatalf("modulator level not applied to voice 9 alone")
	}
}

func TestStereoPanOnlyInOPL3Mode(t *testing.T) {
	c := New(48000, DefaultParams())
	programPiano(c, 0)
	c.WriteRegister(0xC0, 0x16) // left only
	keyOn(c, 0)
	l, r := energy(c, 4096)
	if l == 0 || r == 0 {
		t.Fatalf("OPL2 mode should ignore pan bits, left=%f right=%f", l, r)
	}

	c = New(48000, DefaultParams())
	c.WriteRegister(0x105, 1)
	programPiano(c, 0)
	c.WriteRegister(0xC0, 0x16)
	keyOn(c, 0)
	l, r = energy(c, 4096)
	if l == 0 || r != 0 {
		t.Fatalf("expected left-only signal, left=%f right=%f", l, r)
	}
}

func TestWaveformNeedsSelectEnable(t *testing.T) {
	c := New(48000, DefaultParams())
	op := &operator{wave: 2}
	if c.wave(op) != 0 {
		t.Fatalf("waveform applied without select enable")
	}
	c.WriteRegister(0x01, 0x20)
	if c.wave(op) != 2 {
		t.Fatalf("waveform = %d, want 2", c.wave(op))
	}
	op.wave = 6
	if c.wave(op) != 2 {
		t.Fatalf("OPL2 mode should mask waveform to 2 bits, got %d", c.wave(op))
	}
	c.WriteRegister(0x105, 1)
	if c.wave(op) != 6 {
		t.Fatalf("OPL3 waveform = %d, want 6", c.wave(op))
	}
}

func TestMasterGainSilences(t *testing.T) {
	c := New(48000, DefaultParams())
	c.SetMasterGain(0)
	programPiano(c, 0)
	keyOn(c, 0)
	if l, r := energy(c, 1024); l != 0 || r != 0 {
		t.Fatalf("zero gain produced output")
	}
}
