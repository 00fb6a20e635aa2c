package multiplex

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/midivirt-go/internal/driver"
)

// controllers is the restorable state of one channel. source stamps the
// last source that touched it.
type controllers struct {
	source     int
	volume     int
	modulation int
	pan        int
	expression int
	sustain    int
	patchBank  int
	program    int
	pitchBend  int
}

func defaultControllers() controllers {
	return controllers{
		source:     driver.Untagged,
		volume:     127,
		pan:        64,
		expression: 127,
		pitchBend:  driver.PitchBendCenter,
	}
}

type channel struct {
	live controllers
	// unlock is what the channel returns to when its lock is released.
	unlock        controllers
	locked        bool
	lockOwner     int
	lockProtected bool
	protectOwner  int
	notes         [128]bool
	activeNotes   int
	// timbreSlot is the custom timbre slot bound to timbreBank and
	// timbreProgram by the last program change, or -1.
	timbreSlot    int
	timbreBank    byte
	timbreProgram byte
}

func newChannel() channel {
	return channel{
		live:         defaultControllers(),
		unlock:       defaultControllers(),
		lockOwner:    driver.Untagged,
		protectOwner: driver.Untagged,
		timbreSlot:   -1,
	}
}

func (c *channel) noteOn(n int) {
	if !c.notes[n] {
		c.notes[n] = true
		c.activeNotes++
	}
}

func (c *channel) noteOff(n int) {
	if c.notes[n] {
		c.notes[n] = false
		c.activeNotes--
	}
}

func (c *channel) clearNotes() {
	c.notes = [128]bool{}
	c.activeNotes = 0
}

// pickVictim returns the unlocked melodic channel with the fewest sounding
// notes. Lock protected channels are only taken when nothing else is free.
func (d *Driver) pickVictim() int {
	for pass := 0; pass < 2; pass++ {
		best := -1
		for ch := range d.channels {
			c := &d.channels[ch]
			if ch == driver.PercussionChannel || c.locked || (pass == 0 && c.lockProtected) {
				continue
			}
			if best < 0 || c.activeNotes < d.channels[best].activeNotes {
				best = ch
			}
		}
		if best >= 0 {
			return best
		}
	}
	return -1
}

// LockChannel dedicates an output channel to source and routes its logical
// channel there. It returns the output channel or -1 when every candidate
// is locked.
func (d *Driver) LockChannel(source, channel int) int {
	if !driver.ValidSource(source) || !validChannel(channel) {
		return -1
	}
	if cur := d.sources[source].channelMap[channel]; d.channels[cur].locked && d.channels[cur].lockOwner == source {
		return cur
	}
	victim := d.pickVictim()
	if victim < 0 {
		d.warn.Do(func() {
			d.log.Warn("multiplex: no channel left to lock", "source", source, "channel", channel)
		})
		return -1
	}
	d.stopNotes(victim)
	c := &d.channels[victim]
	c.unlock = c.live
	c.locked = true
	c.lockOwner = source
	c.live.source = source
	d.sources[source].channelMap[channel] = victim
	d.sendVolume(victim)
	d.log.Debug("multiplex: channel locked", "source", source, "channel", channel, "output", victim)
	return victim
}

// UnlockChannel releases the lock on output channel out and restores the
// state other sources left in it meanwhile.
func (d *Driver) UnlockChannel(out int) {
	if !validChannel(out) {
		return
	}
	c := &d.channels[out]
	if !c.locked {
		return
	}
	d.stopNotes(out)
	d.restore(out)
	owner := c.lockOwner
	c.locked = false
	c.lockOwner = driver.Untagged
	if driver.ValidSource(owner) {
		for l, m := range d.sources[owner].channelMap {
			if m == out {
				d.sources[owner].channelMap[l] = l
			}
		}
	}
	d.log.Debug("multiplex: channel unlocked", "output", out, "source", owner)
}

// restore makes the unlock snapshot live, writing only what differs.
func (d *Driver) restore(out int) {
	c := &d.channels[out]
	was := c.live
	c.live = c.unlock
	now := &c.live
	ch := uint8(out)
	if now.volume != was.volume || now.source != was.source {
		d.sendVolume(out)
	}
	if now.modulation != was.modulation {
		d.send(midi.ControlChange(ch, driver.CtrlModulation, uint8(now.modulation)))
	}
	if now.pan != was.pan {
		d.send(midi.ControlChange(ch, driver.CtrlPan, uint8(now.pan)))
	}
	if now.expression != was.expression {
		d.send(midi.ControlChange(ch, driver.CtrlExpression, uint8(now.expression)))
	}
	if now.sustain != was.sustain {
		d.send(midi.ControlChange(ch, driver.CtrlSustain, uint8(now.sustain)))
	}
	if now.program != was.program || now.patchBank != was.patchBank {
		d.applyProgram(out)
	}
	if now.pitchBend != was.pitchBend {
		d.sendPitchBend(out)
	}
}

// LockOwner returns the source holding output channel ch, or
// driver.Untagged.
func (d *Driver) LockOwner(ch int) int {
	if !validChannel(ch) || !d.channels[ch].locked {
		return driver.Untagged
	}
	return d.channels[ch].lockOwner
}
