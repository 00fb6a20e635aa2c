// Package opl renders audio from OPL2/OPL3 register writes. It is a
// listening aid, not a cycle accurate emulation: envelopes are linear,
// key scaling is ignored and the rhythm section is not implemented.
package opl

import (
	"math"
	"sync/atomic"

	"github.com/cbegin/midivirt-go/internal/lfo"
)

const twoPi = math.Pi * 2

// Voices is the number of 2-operator voices across both register banks.
const Voices = 18

// ClockHz is the chip's sample clock; frequencies derive from it.
const ClockHz = 49716

type Params struct {
	MasterGain float64
	// ModIndex scales modulator output into carrier phase offset.
	ModIndex  float64
	LPFCutoff float64 // lowpass filter cutoff in Hz (0 = disabled)
}

func DefaultParams() Params {
	return Params{
		MasterGain: 0.3,
		ModIndex:   4.0,
		LPFCutoff:  16000,
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type operator struct {
	phase      float64
	env        float64
	envState   envState
	mul        float64
	tl         float64 // total level as a gain (1.0 = no attenuation)
	ar, dr, rr float64 // seconds for a full-scale move; 0 is instant
	sl         float64 // sustain level 0-1
	sustaining bool
	tremolo    bool
	vibrato    bool
	wave       int
	prevOut    float64
}

type voice struct {
	keyOn    bool
	fnum     int
	block    int
	freq     float64
	additive bool
	feedback float64
	left     bool
	right    bool
	ops      [2]operator // modulator, carrier
}

// Chip is the register file plus the synth that renders it. Register
// writes and RenderFrame must not run concurrently.
type Chip struct {
	sampleRate float64
	params     Params
	regs       [0x200]byte
	voices     [Voices]voice
	waveSelect bool
	opl3       bool
	masterGain uint64
	tremolo    lfo.LFO
	vibrato    lfo.LFO
	lpfL       float64
	lpfR       float64
	lpfAlpha   float64
}

func New(sampleRate int, params Params) *Chip {
	c := &Chip{
		sampleRate: float64(sampleRate),
		params:     params,
		masterGain: math.Float64bits(params.MasterGain),
		tremolo:    lfo.New(lfo.TremoloHz, lfo.TremoloShallowDB),
		vibrato:    lfo.New(lfo.VibratoHz, lfo.VibratoShallowCts),
	}
	if params.LPFCutoff > 0 && params.LPFCutoff < float64(sampleRate)/2 {
		rc := 1.0 / (twoPi * params.LPFCutoff)
		dt := 1.0 / float64(sampleRate)
		c.lpfAlpha = dt / (rc + dt)
	}
	c.Reset()
	return c
}

// Reset silences every voice and zeroes the register file.
func (c *Chip) Reset() {
	c.regs = [0x200]byte{}
	c.waveSelect = false
	c.opl3 = false
	for i := range c.voices {
		c.voices[i] = voice{left: true, right: true}
		for o := range c.voices[i].ops {
			op := &c.voices[i].ops[o]
			op.envState = envOff
			op.mul = 0.5
			op.tl = 1
		}
	}
	c.tremolo.Reset()
	c.vibrato.Reset()
}

// Register returns the last value written to reg.
func (c *Chip) Register(reg uint16) byte {
	return c.regs[reg&0x1FF]
}

// WriteRegister applies one register write. The 0x100 bit selects the
// second bank.
func (c *Chip) WriteRegister(reg uint16, value byte) {
	reg &= 0x1FF
	c.regs[reg] = value
	bankBase := 0
	if reg&0x100 != 0 {
		bankBase = 9
	}
	low := byte(reg)
	switch {
	case reg == 0x01:
		c.waveSelect = value&0x20 != 0
	case reg == 0x105:
		c.opl3 = value&0x01 != 0
		for i := range c.voices {
			c.applyConnection(i)
		}
	case reg == 0xBD:
		if value&0x80 != 0 {
			c.tremolo.SetDepth(lfo.TremoloDeepDB)
		} else {
			c.tremolo.SetDepth(lfo.TremoloShallowDB)
		}
		if value&0x40 != 0 {
			c.vibrato.SetDepth(lfo.VibratoDeepCts)
		} else {
			c.vibrato.SetDepth(lfo.VibratoShallowCts)
		}
	case low >= 0x20 && low < 0xA0, low >= 0xE0:
		v, o, ok := slotOperator(low & 0x1F)
		if !ok {
			return
		}
		c.applyOperator(bankBase+v, o, low&0xE0, value)
	case low >= 0xA0 && low <= 0xA8:
		v := &c.voices[bankBase+int(low-0xA0)]
		v.fnum = v.fnum&0x300 | int(value)
		c.updateFrequency(v)
	case low >= 0xB0 && low <= 0xB8:
		v := &c.voices[bankBase+int(low-0xB0)]
		v.fnum = v.fnum&0xFF | int(value&0x03)<<8
		v.block = int(value>>2) & 0x07
		c.updateFrequency(v)
		on := value&0x20 != 0
		if on && !v.keyOn {
			for o := range v.ops {
				v.ops[o].envState = envAttack
				v.ops[o].phase = 0
			}
		} else if !on && v.keyOn {
			for o := range v.ops {
				if v.ops[o].envState != envOff {
					v.ops[o].envState = envRelease
				}
			}
		}
		v.keyOn = on
	case low >= 0xC0 && low <= 0xC8:
		c.applyConnection(bankBase + int(low-0xC0))
	}
}

// slotOperator maps an operator slot number to the voice within its bank
// and the operator within the voice.
func slotOperator(slot byte) (v, op int, ok bool) {
	group, within := int(slot/8), int(slot%8)
	if group > 2 || within > 5 {
		return 0, 0, false
	}
	return group*3 + within%3, within / 3, true
}

var multiplier = [16]float64{0.5, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 10, 12, 12, 15, 15}

func (c *Chip) applyOperator(vi, oi int, group byte, value byte) {
	op := &c.voices[vi].ops[oi]
	switch group {
	case 0x20:
		op.tremolo = value&0x80 != 0
		op.vibrato = value&0x40 != 0
		op.sustaining = value&0x20 != 0
		op.mul = multiplier[value&0x0F]
	case 0x40:
		// 0.75 dB per step
		op.tl = math.Pow(10, -0.75*float64(value&0x3F)/20)
	case 0x60:
		op.ar = attackSeconds(int(value >> 4))
		op.dr = decaySeconds(int(value & 0x0F))
	case 0x80:
		sl := int(value >> 4)
		if sl == 15 {
			op.sl = 0
		} else {
			op.sl = math.Pow(10, -3*float64(sl)/20)
		}
		op.rr = decaySeconds(int(value & 0x0F))
	case 0xE0:
		op.wave = int(value & 0x07)
	}
}

func (c *Chip) applyConnection(vi int) {
	reg := uint16(0xC0 + vi%9)
	if vi >= 9 {
		reg |= 0x100
	}
	value := c.regs[reg]
	v := &c.voices[vi]
	v.additive = value&0x01 != 0
	v.feedback = float64(value>>1&0x07) / 7.0
	if c.opl3 {
		v.left = value&0x10 != 0
		v.right = value&0x20 != 0
	} else {
		v.left, v.right = true, true
	}
}

func (c *Chip) updateFrequency(v *voice) {
	v.freq = float64(v.fnum) * ClockHz / float64(int(1)<<(20-v.block))
}

// attackSeconds approximates the time a rate takes to rise from silence to
// full level. Rate 0 never attacks.
func attackSeconds(rate int) float64 {
	switch rate {
	case 0:
		return math.Inf(1)
	case 15:
		return 0
	}
	return 2.826 / float64(int(1)<<(rate-1))
}

// decaySeconds approximates the time a rate takes to fall across the full
// range. Rate 0 holds.
func decaySeconds(rate int) float64 {
	if rate == 0 {
		return math.Inf(1)
	}
	return 39.28 / float64(int(1)<<(rate-1))
}

// envStep returns the per-sample level change for a full-scale move taking
// sec seconds.
func envStep(sec, sampleRate float64) float64 {
	if sec == 0 {
		return 1
	}
	if math.IsInf(sec, 1) {
		return 0
	}
	return 1 / (sec * sampleRate)
}

func advanceOpEnv(op *operator, sampleRate float64) {
	switch op.envState {
	case envAttack:
		op.env += envStep(op.ar, sampleRate)
		if op.env >= 1 {
			op.env = 1
			op.envState = envDecay
		}
	case envDecay:
		op.env -= envStep(op.dr, sampleRate)
		if op.env <= op.sl {
			op.env = op.sl
			op.envState = envSustain
		}
	case envSustain:
		if !op.sustaining {
			op.envState = envRelease
		}
	case envRelease:
		op.env -= envStep(op.rr, sampleRate)
		if op.env <= 0.0001 {
			op.env = 0
			op.envState = envOff
		}
	case envOff:
		op.env = 0
	}
}

// waveformSample returns the OPL waveform w at phase. Waveforms 4-7 only
// exist in OPL3 mode.
func waveformSample(phase float64, w int) float64 {
	s := math.Sin(phase)
	switch w {
	case 1: // half sine
		if s < 0 {
			return 0
		}
	case 2: // absolute sine
		return math.Abs(s)
	case 3: // quarter sine pulses
		if math.Mod(phase, math.Pi) >= math.Pi/2 {
			return 0
		}
		return math.Abs(s)
	case 4: // double-speed sine, first half only
		if math.Mod(phase, twoPi) >= math.Pi {
			return 0
		}
		return math.Sin(2 * phase)
	case 5: // double-speed absolute sine, first half only
		if math.Mod(phase, twoPi) >= math.Pi {
			return 0
		}
		return math.Abs(math.Sin(2 * phase))
	case 6: // square
		if s >= 0 {
			return 1
		}
		return -1
	case 7: // derived square
		if math.Mod(phase, twoPi) < math.Pi {
			return 1 - math.Mod(phase, math.Pi)/math.Pi
		}
		return -math.Mod(phase, math.Pi) / math.Pi
	}
	return s
}

func (c *Chip) wave(op *operator) int {
	if !c.waveSelect {
		return 0
	}
	if !c.opl3 {
		return op.wave & 0x03
	}
	return op.wave
}

// RenderFrame renders one stereo sample.
func (c *Chip) RenderFrame() (float32, float32) {
	tremDB := c.tremolo.Unipolar(c.sampleRate)
	tremGain := math.Pow(10, -tremDB/20)
	vibMul := math.Pow(2, c.vibrato.Sample(c.sampleRate)/1200)
	gain := math.Float64frombits(atomic.LoadUint64(&c.masterGain))

	var l, r float64
	for i := range c.voices {
		v := &c.voices[i]
		mod, car := &v.ops[0], &v.ops[1]
		if car.envState == envOff && mod.envState == envOff {
			continue
		}
		advanceOpEnv(mod, c.sampleRate)
		advanceOpEnv(car, c.sampleRate)

		mAmp := mod.env * mod.tl
		if mod.tremolo {
			mAmp *= tremGain
		}
		cAmp := car.env * car.tl
		if car.tremolo {
			cAmp *= tremGain
		}
		fb := mod.prevOut * v.feedback * math.Pi
		m := waveformSample(mod.phase+fb, c.wave(mod)) * mAmp
		mod.prevOut = m
		var sig float64
		if v.additive {
			sig = (m + waveformSample(car.phase, c.wave(car))*cAmp) * (1.0 / math.Sqrt2)
		} else {
			sig = waveformSample(car.phase+m*c.params.ModIndex, c.wave(car)) * cAmp
		}
		sig *= gain
		if v.left {
			l += sig
		}
		if v.right {
			r += sig
		}

		for oi := range v.ops {
			op := &v.ops[oi]
			f := v.freq * op.mul
			if op.vibrato {
				f *= vibMul
			}
			op.phase += twoPi * f / c.sampleRate
			if op.phase > twoPi {
				op.phase -= twoPi
			}
		}
	}
	if c.lpfAlpha > 0 {
		c.lpfL += c.lpfAlpha * (l - c.lpfL)
		c.lpfR += c.lpfAlpha * (r - c.lpfR)
		l, r = c.lpfL, c.lpfR
	}
	return float32(clamp(l, -1, 1)), float32(clamp(r, -1, 1))
}

// Process renders interleaved stereo frames into dst.
func (c *Chip) Process(dst []float32) {
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = c.RenderFrame()
	}
}

func (c *Chip) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	atomic.StoreUint64(&c.masterGain, math.Float64bits(gain))
}

// ActiveVoiceCount returns the number of voices still sounding, release
// tails included.
func (c *Chip) ActiveVoiceCount() int {
	n := 0
	for i := range c.voices {
		if c.voices[i].ops[1].envState != envOff || c.voices[i].ops[0].envState != envOff {
			n++
		}
	}
	return n
}

// Frequency returns the pitch in Hz voice i is programmed to.
func (c *Chip) Frequency(i int) float64 {
	return c.voices[i].freq
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
