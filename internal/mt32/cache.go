package mt32

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/cbegin/midivirt-go/internal/bank"
)

const (
	// TimbreSlots is the number of custom timbres timbre memory holds.
	TimbreSlots = 64
	// MelodicBank is the sentinel bank of the melodic module's own sounds.
	MelodicBank = 127

	timbreMemory   = 0x08 << 14
	timbreStride   = 2 * 128
	patchMemory    = 0x05 << 14
	patchStride    = 8
	commonSize     = 14
	partialSize    = 58
	partials       = 4
	memoryGroupRAM = 2
)

var (
	ErrNotInstallable = errors.New("mt32: built-in bank cannot be installed")
	ErrNoInstrument   = errors.New("mt32: no such instrument")
	ErrNoSlot         = errors.New("mt32: every timbre slot is protected")
)

type timbreSlot struct {
	inUse     bool
	protected bool
	bank      byte
	patch     byte
	lastUsed  uint32
}

// Cache assigns custom instruments to timbre memory slots, evicting the
// least recently used unprotected slot when memory is full.
type Cache struct {
	link        *Link
	instruments *bank.Table
	log         *slog.Logger
	warn        rate.Sometimes
	slots       [TimbreSlots]timbreSlot
	clock       uint32
	// patchSlot is one more than the timbre slot each patch memory entry
	// points at, 0 for a built-in timbre.
	patchSlot [128]byte
}

// NewCache returns an empty cache uploading through link. instruments must
// be an MT-32 table.
func NewCache(link *Link, instruments *bank.Table, logger *slog.Logger) (*Cache, error) {
	if link == nil {
		return nil, errors.New("mt32: nil link")
	}
	if instruments == nil || instruments.Family() != bank.FamilyMT32 {
		return nil, errors.New("mt32: an MT-32 instrument table is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		link:        link,
		instruments: instruments,
		log:         logger,
		warn:        rate.Sometimes{First: 4, Interval: 2 * time.Second},
	}, nil
}

// TimbreAddress is the timbre memory address of slot.
func TimbreAddress(slot int) uint32 {
	return uint32(timbreMemory + slot*timbreStride)
}

// PatchAddress is the patch memory address of program.
func PatchAddress(program byte) uint32 {
	return uint32(patchMemory + int(program&0x7F)*patchStride)
}

// Search returns the slot holding (bankID, patch) or -1.
func (c *Cache) Search(bankID, patch byte) int {
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.bank == bankID && s.patch == patch {
			return i
		}
	}
	return -1
}

// Install uploads (bankID, patch) into timbre memory, unless it is already
// there, and points the program at it. It returns the slot or -1 with the
// reason.
func (c *Cache) Install(bankID, patch byte) (int, error) {
	if bankID == 0 || bankID == MelodicBank {
		return -1, ErrNotInstallable
	}
	if s := c.Search(bankID, patch); s >= 0 {
		c.SetupPatch(bankID, patch)
		return s, nil
	}
	ins := c.instruments.Lookup(bankID, patch)
	if ins == nil {
		return -1, errors.Wrapf(ErrNoInstrument, "bank %d patch %d", bankID, patch)
	}
	s := c.claimSlot()
	if s < 0 {
		return -1, ErrNoSlot
	}
	evicted := c.slots[s]
	c.clock++
	c.slots[s] = timbreSlot{inUse: true, bank: bankID, patch: patch, lastUsed: c.clock}
	if evicted.inUse && evicted.patch != patch&0x7F && int(c.patchSlot[evicted.patch&0x7F]) == s+1 {
		c.log.Debug("mt32: evicted custom timbre", "bank", evicted.bank, "patch", evicted.patch, "slot", s)
		c.SetupPatch(0, evicted.patch)
	}

	base := TimbreAddress(s)
	if err := c.link.Write(base, ins.Data[:commonSize]); err != nil {
		c.log.Warn("mt32: timbre upload failed", "slot", s, "err", err)
	}
	for p := 0; p < partials; p++ {
		off := commonSize + p*partialSize
		if err := c.link.Write(base+uint32(off), ins.Data[off:off+partialSize]); err != nil {
			c.log.Warn("mt32: partial upload failed", "slot", s, "partial", p, "err", err)
		}
	}
	c.log.Debug("mt32: installed custom timbre", "bank", bankID, "patch", patch, "slot", s)
	c.SetupPatch(bankID, patch)
	return s, nil
}

func (c *Cache) claimSlot() int {
	for i := range c.slots {
		if !c.slots[i].inUse {
			return i
		}
	}
	victim := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.protected {
			continue
		}
		if victim < 0 || s.lastUsed < c.slots[victim].lastUsed {
			victim = i
		}
	}
	return victim
}

// SetupPatch points patch memory entry patch at the custom timbre holding
// (bankID, patch), or at a built-in timbre when there is none.
func (c *Cache) SetupPatch(bankID, patch byte) {
	patch &= 0x7F
	data := []byte{(patch >> 6) & 1, patch & 0x3F, 0x18, 0x32, 0x0C, 0, 1, 0}
	c.patchSlot[patch] = 0
	if bankID != 0 {
		if s := c.Search(bankID, patch); s >= 0 {
			data[0], data[1] = memoryGroupRAM, byte(s)
			c.patchSlot[patch] = byte(s + 1)
		}
	}
	if err := c.link.Write(PatchAddress(patch), data); err != nil {
		c.log.Warn("mt32: patch setup failed", "patch", patch, "err", err)
	}
}

// Select makes program patch of bankID playable: installing it when
// needed and falling back to the built-in timbre when it cannot be. It
// returns the custom slot in use or -1.
func (c *Cache) Select(bankID, patch byte) int {
	if bankID == 0 || bankID == MelodicBank {
		if c.patchSlot[patch&0x7F] != 0 {
			c.SetupPatch(bankID, patch)
		}
		return -1
	}
	s, err := c.Install(bankID, patch)
	if err != nil {
		c.warn.Do(func() {
			c.log.Warn("mt32: custom timbre unavailable", "bank", bankID, "patch", patch, "err", err)
		})
		c.SetupPatch(bankID, patch)
	}
	return s
}

// Touch marks slot as just used.
func (c *Cache) Touch(slot int) {
	if slot < 0 || slot >= TimbreSlots || !c.slots[slot].inUse {
		return
	}
	c.clock++
	c.slots[slot].lastUsed = c.clock
}

// Protect pins or unpins the slot holding (bankID, patch).
func (c *Cache) Protect(bankID, patch byte, on bool) {
	if s := c.Search(bankID, patch); s >= 0 {
		c.slots[s].protected = on
	}
}

// Protected reports whether the slot holding (bankID, patch) is pinned.
func (c *Cache) Protected(bankID, patch byte) bool {
	s := c.Search(bankID, patch)
	return s >= 0 && c.slots[s].protected
}

// Reset forgets every slot. Timbre memory itself is left as it is.
func (c *Cache) Reset() {
	c.slots = [TimbreSlots]timbreSlot{}
	c.patchSlot = [128]byte{}
	c.clock = 0
}

// InUse returns the number of occupied slots.
func (c *Cache) InUse() int {
	n := 0
	for i := range c.slots {
		if c.slots[i].inUse {
			n++
		}
	}
	return n
}
