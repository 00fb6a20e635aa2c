package adlib

import "github.com/cbegin/midivirt-go/internal/driver"

// Register groups recomputed by updatePhysicalVoice.
const (
	updateTremoloVibrato = 1 << iota
	updateLevel
	updateConnection
	updateFrequency
	updateEnvelope

	updateAll = updateTremoloVibrato | updateLevel | updateConnection | updateFrequency | updateEnvelope
)

const (
	notesInTable  = 96
	noteOffset    = 24
	maxBlock      = 7
	subSemitones  = 16
	vibratoOnMod  = 64
	fullVelocity  = 127
	unityUserGain = 256
)

// writeVoiceRegister writes one of the per-voice registers (0xA0, 0xB0, 0xC0).
func (d *Driver) writeVoiceRegister(p int, reg uint16, value byte) {
	bank, idx := voiceBank(p)
	d.sink.WriteRegister(bank|(reg+uint16(idx)), value)
}

// writeOperatorRegister writes an operator register of voice p. carrier
// selects the second operator.
func (d *Driver) writeOperatorRegister(p int, reg uint16, carrier bool, value byte) {
	bank, idx := voiceBank(p)
	off := modulatorOffset[idx]
	if carrier {
		off += carrierDelta
	}
	d.sink.WriteRegister(bank|(reg+off), value)
}

func voiceBank(p int) (uint16, int) {
	if p >= 9 {
		return bankSecondary, p - 9
	}
	return 0, p
}

func (d *Driver) keyOff(p int) {
	ph := &d.physical[p]
	ph.keyOnBlock &^= keyOnBit
	d.writeVoiceRegister(p, regKeyOnBlock, ph.keyOnBlock)
}

// updateChannelVoices recomputes the given register groups for every bound
// voice on channel.
func (d *Driver) updateChannelVoices(channel int, flags int) {
	for i := range d.virtual {
		v := &d.virtual[i]
		if v.inUse && v.physical && v.channel == channel {
			d.updatePhysicalVoice(i, flags)
		}
	}
}

// updatePhysicalVoice writes the register groups in flags for the physical
// voice bound to virtual voice v. The frequency write comes last since it
// also keys the note on.
func (d *Driver) updatePhysicalVoice(v int, flags int) {
	vv := &d.virtual[v]
	if !vv.physical || vv.instrument == nil {
		return
	}
	p := vv.physicalVoice
	ins := vv.instrument.Data
	ch := &d.channels[vv.channel]

	if flags&updateTremoloVibrato != 0 {
		var vib byte
		if ch.modulation >= vibratoOnMod {
			vib = vibratoBit
		}
		d.writeOperatorRegister(p, regTremoloVibrato, false, ins[insReg20Mod]|vib)
		d.writeOperatorRegister(p, regTremoloVibrato, true, ins[insReg20Car]|vib)
	}
	if flags&updateEnvelope != 0 {
		d.writeOperatorRegister(p, regAttackDecay, false, ins[insReg60Mod])
		d.writeOperatorRegister(p, regAttackDecay, true, ins[insReg60Car])
		d.writeOperatorRegister(p, regSustainRelease, false, ins[insReg80Mod])
		d.writeOperatorRegister(p, regSustainRelease, true, ins[insReg80Car])
		d.writeOperatorRegister(p, regWaveform, false, ins[insRegE0Mod])
		d.writeOperatorRegister(p, regWaveform, true, ins[insRegE0Car])
	}
	if flags&updateLevel != 0 {
		vol := d.voiceVolume(vv)
		d.writeOperatorRegister(p, regLevel, true, scaleLevel(ins[insReg40Car], vol))
		mod := ins[insReg40Mod]
		if ins[insRegC0]&connectionBit != 0 {
			mod = scaleLevel(mod, vol)
		}
		d.writeOperatorRegister(p, regLevel, false, mod)
	}
	if flags&updateConnection != 0 {
		d.writeVoiceRegister(p, regFeedbackConn, d.connectionValue(ins[insRegC0], ch.pan))
	}
	if flags&updateFrequency != 0 {
		block, fnum := voiceFrequency(vv.note+vv.transpose, ch.pitchBend, ch.pitchRange)
		kb := keyOnBit | byte(block<<2) | byte(fnum>>8)&3
		d.writeVoiceRegister(p, regFNumLow, byte(fnum))
		d.writeVoiceRegister(p, regKeyOnBlock, kb)
		d.physical[p].keyOnBlock = kb
	}
}

// voiceVolume composes channel, source and user levels with the note's
// velocity into 0..127.
func (d *Driver) voiceVolume(vv *virtualVoice) int {
	ch := &d.channels[vv.channel]
	vol := ch.volume * ch.expression / 127
	if driver.ValidSource(vv.source) {
		vol = vol * d.sourceVolume[vv.source] / d.params.SourceNeutralVolume
	}
	if d.params.UserVolumeScaling {
		vol = vol * d.userVolume / unityUserGain
	}
	if vol > 127 {
		vol = 127
	}
	return vol * vv.velocity / fullVelocity
}

// scaleLevel attenuates an operator's total level by vol/127 while keeping
// the key scale level bits.
func scaleLevel(reg byte, vol int) byte {
	tl := int(reg & totalLevelMask)
	scaled := totalLevelMask - (totalLevelMask-tl)*vol/127
	return reg&^totalLevelMask | byte(scaled)
}

func (d *Driver) connectionValue(c0 byte, pan int) byte {
	c0 &= 0x0F
	if d.params.Mode != ModeOPL3 {
		return c0
	}
	return c0 | panBits(pan)
}

// panBits quantizes the pan controller to left, right or both outputs.
func panBits(pan int) byte {
	switch {
	case pan < panThresholdLeft:
		return panLeftBits
	case pan > panThresholdRight:
		return panRightBits
	}
	return panCenterBits
}

// voiceFrequency returns the block and F-number for a transposed note under
// the channel's pitch bend. Notes and bent pitches wrap around the eight
// octave table rather than clamping.
func voiceFrequency(note, bend, bendRange int) (block int, fnum uint16) {
	n := (note - noteOffset) % notesInTable
	if n < 0 {
		n += notesInTable
	}
	f := n*subSemitones + ((bend - driver.PitchBendCenter) * bendRange >> 9)
	f %= notesInTable * subSemitones
	if f < 0 {
		f += notesInTable * subSemitones
	}
	semitone := f / subSemitones
	block = semitone / 12
	entry := frequencyTable[(semitone%12)*subSemitones+f%subSemitones]
	if entry&frequencyCarry != 0 {
		block++
		entry &^= frequencyCarry
	}
	if block > maxBlock {
		block = maxBlock
	}
	return block, entry
}
