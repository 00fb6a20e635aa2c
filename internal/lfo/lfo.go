// Package lfo provides the chip-wide tremolo and vibrato oscillators of the
// FM synth.
package lfo

// Fixed rates of the chip's two modulation oscillators.
const (
	TremoloHz = 3.7
	VibratoHz = 6.1
)

// Depths selected by the 0xBD depth bits.
const (
	TremoloShallowDB  = 1.0
	TremoloDeepDB     = 4.8
	VibratoShallowCts = 7.0
	VibratoDeepCts    = 14.0
)

// LFO is a triangle oscillator shared by every voice of a chip.
type LFO struct {
	depth  float64
	rateHz float64
	phase  float64 // [0, 1)
}

func New(rateHz, depth float64) LFO {
	return LFO{rateHz: rateHz, depth: depth}
}

// SetDepth changes the depth without disturbing the phase.
func (l *LFO) SetDepth(depth float64) {
	l.depth = depth
}

func (l *LFO) Depth() float64 { return l.depth }

// Sample advances the LFO by one sample and returns a value in
// [-depth, +depth]. It returns 0 if depth or rate is zero.
func (l *LFO) Sample(sampleRate float64) float64 {
	return (2*l.advance(sampleRate) - 1) * l.depth
}

// Unipolar advances the LFO by one sample and returns a value in [0, depth].
func (l *LFO) Unipolar(sampleRate float64) float64 {
	return l.advance(sampleRate) * l.depth
}

// advance returns the triangle level in [0, 1] at the current phase and
// steps the phase.
func (l *LFO) advance(sampleRate float64) float64 {
	if l.depth == 0 || l.rateHz == 0 || sampleRate == 0 {
		return 0.5
	}
	var v float64
	if l.phase < 0.5 {
		v = 2 * l.phase
	} else {
		v = 2 - 2*l.phase
	}
	l.phase += l.rateHz / sampleRate
	for l.phase >= 1 {
		l.phase -= 1
	}
	return v
}

// Active returns true if the LFO has non-zero depth and rate.
func (l *LFO) Active() bool {
	return l.depth != 0 && l.rateHz != 0
}

// Reset zeros the LFO phase.
func (l *LFO) Reset() {
	l.phase = 0
}
