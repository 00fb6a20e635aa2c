package adlib

import "github.com/cbegin/midivirt-go/internal/bank"

// virtualVoice is one requested note. It is physical while it owns a
// physical voice; otherwise it waits for one.
type virtualVoice struct {
	inUse         bool
	channel       int
	source        int
	instrument    *bank.Instrument
	priority      int
	physical      bool
	physicalVoice int
	sustained     bool
	note          int
	velocity      int
	transpose     int
}

// physicalVoice is one oscillator pair on the chip.
type physicalVoice struct {
	inUse        bool
	virtualVoice int
	// keyOnBlock caches the last 0xB0 write so key-off only clears the key bit.
	keyOnBlock byte
}

func (d *Driver) claimVirtualVoice() int {
	for i := range d.virtual {
		if !d.virtual[i].inUse {
			return i
		}
	}
	return -1
}

func (d *Driver) findFreePhysicalVoice() int {
	n := len(d.physical)
	if d.params.Search == SearchCircular {
		for step := 1; step <= n; step++ {
			p := (d.lastPhysical + step) % n
			if !d.physical[p].inUse {
				return p
			}
		}
		return -1
	}
	for p := range d.physical {
		if !d.physical[p].inUse {
			return p
		}
	}
	return -1
}

// bindPhysicalVoice attaches v to a free physical voice and programs it.
// It returns false when every physical voice is taken.
func (d *Driver) bindPhysicalVoice(v int) bool {
	p := d.findFreePhysicalVoice()
	if p < 0 {
		return false
	}
	d.attach(v, p)
	return true
}

func (d *Driver) attach(v, p int) {
	d.physical[p] = physicalVoice{inUse: true, virtualVoice: v}
	d.virtual[v].physical = true
	d.virtual[v].physicalVoice = p
	d.lastPhysical = p
	d.updatePhysicalVoice(v, updateAll)
}

// detach keys the physical voice off and breaks the binding in both
// directions. The virtual voice stays in use.
func (d *Driver) detach(v int) {
	vv := &d.virtual[v]
	if !vv.physical {
		return
	}
	p := vv.physicalVoice
	d.keyOff(p)
	d.physical[p] = physicalVoice{virtualVoice: -1, keyOnBlock: d.physical[p].keyOnBlock &^ keyOnBit}
	vv.physical = false
	vv.physicalVoice = -1
}

// freeVirtualVoice silences and frees v without rebalancing the pools.
func (d *Driver) freeVirtualVoice(v int) bool {
	vv := &d.virtual[v]
	if !vv.inUse {
		return false
	}
	wasPhysical := vv.physical
	d.detach(v)
	d.channels[vv.channel].activeVoices--
	*vv = virtualVoice{physicalVoice: -1}
	return wasPhysical
}

// releaseVirtualVoice frees v and hands its physical voice to the best
// waiting note.
func (d *Driver) releaseVirtualVoice(v int) {
	if d.freeVirtualVoice(v) {
		d.prioritySort()
	}
}

func (d *Driver) effectivePriority(v *virtualVoice) int {
	ch := &d.channels[v.channel]
	if ch.protectVoices {
		return protectedPriority
	}
	p := v.priority - ch.activeVoices
	if p < 0 {
		p = 0
	}
	return p
}

// prioritySort greedily moves physical voices from the lowest ranked bound
// notes to the highest ranked waiting ones until no exchange improves the
// assignment. Ties go to the first voice in scan order.
func (d *Driver) prioritySort() {
	for {
		waiting, waitingPrio := -1, -1
		bound, boundPrio := -1, protectedPriority+1
		for i := range d.virtual {
			v := &d.virtual[i]
			if !v.inUse {
				continue
			}
			prio := d.effectivePriority(v)
			if !v.physical {
				if prio > waitingPrio {
					waiting, waitingPrio = i, prio
				}
			} else if prio < boundPrio {
				bound, boundPrio = i, prio
			}
		}
		if waiting < 0 || waitingPrio == 0 {
			return
		}
		if d.bindPhysicalVoice(waiting) {
			continue
		}
		if bound < 0 || waitingPrio <= boundPrio {
			return
		}
		p := d.virtual[bound].physicalVoice
		d.detach(bound)
		d.attach(waiting, p)
	}
}
