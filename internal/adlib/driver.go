// Package adlib drives a 2-operator FM chip as if it were a 16-channel
// device with more simultaneous notes than the chip has voices. Requested
// notes live in a pool of virtual voices; a smaller pool of physical voices
// is handed out by priority.
package adlib

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/cbegin/midivirt-go/internal/bank"
	"github.com/cbegin/midivirt-go/internal/driver"
)

// RegisterWriter is the register sink of the FM chip. The 0x100 bit of reg
// selects the second register bank on dual-bank hardware.
type RegisterWriter interface {
	WriteRegister(reg uint16, value byte)
}

type Mode int

const (
	// ModeOPL2 is the single-bank, mono, 9 voice chip.
	ModeOPL2 Mode = iota
	// ModeOPL3 is the dual-bank stereo chip with 18 voices.
	ModeOPL3
)

// PhysicalVoices returns the number of oscillator pairs the mode provides.
func (m Mode) PhysicalVoices() int {
	if m == ModeOPL3 {
		return 18
	}
	return 9
}

// VoiceSearch selects how a free physical voice is picked.
type VoiceSearch int

const (
	// SearchLinear always takes the lowest free index.
	SearchLinear VoiceSearch = iota
	// SearchCircular resumes after the most recently assigned index.
	SearchCircular
)

const (
	MaxVirtualVoices = 20
	// PercussionBank holds the percussion instruments, keyed by note.
	PercussionBank = 127
	// MaxPriority is assigned to every new virtual voice.
	MaxPriority = 32767
	// protectedPriority ranks voices on protected channels above any real priority.
	protectedPriority = 0xFFFF
)

type Params struct {
	Mode          Mode
	Search        VoiceSearch
	VirtualVoices int
	// PriorityDecay is subtracted from every voice's priority on each timer tick.
	PriorityDecay int
	// SourceNeutralVolume is the source volume that leaves levels unchanged.
	SourceNeutralVolume int
	UserVolumeScaling   bool
}

func DefaultParams() Params {
	return Params{
		Mode:                ModeOPL2,
		Search:              SearchLinear,
		VirtualVoices:       MaxVirtualVoices,
		PriorityDecay:       1,
		SourceNeutralVolume: 256,
	}
}

type channelState struct {
	patchBank     byte
	program       byte
	instrument    *bank.Instrument
	volume        int
	expression    int
	pan           int
	modulation    int
	sustain       int
	pitchBend     int
	pitchRange    int
	protectVoices bool
	activeVoices  int
}

func defaultChannel() channelState {
	return channelState{
		volume:     127,
		expression: 127,
		pan:        64,
		pitchBend:  driver.PitchBendCenter,
		pitchRange: 2,
	}
}

// Driver is the FM voice driver. It implements driver.Driver.
type Driver struct {
	params       Params
	sink         RegisterWriter
	instruments  *bank.Table
	log          *slog.Logger
	warn         rate.Sometimes
	channels     [driver.Channels]channelState
	virtual      []virtualVoice
	physical     []physicalVoice
	lastPhysical int
	sourceVolume [driver.MaxSources]int
	userVolume   int
}

var _ driver.Driver = (*Driver)(nil)

// New opens the driver on sink. The instrument table must be an OPL table.
func New(sink RegisterWriter, instruments *bank.Table, params Params, logger *slog.Logger) (*Driver, error) {
	if sink == nil {
		return nil, errors.New("adlib: nil register sink")
	}
	if instruments == nil || instruments.Family() != bank.FamilyOPL {
		return nil, errors.New("adlib: an OPL instrument table is required")
	}
	if params.VirtualVoices <= 0 || params.VirtualVoices > MaxVirtualVoices {
		params.VirtualVoices = MaxVirtualVoices
	}
	if params.PriorityDecay < 0 {
		params.PriorityDecay = 0
	}
	if params.SourceNeutralVolume <= 0 {
		params.SourceNeutralVolume = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		params:       params,
		sink:         sink,
		instruments:  instruments,
		log:          logger,
		warn:         rate.Sometimes{First: 4, Interval: 2 * time.Second},
		virtual:      make([]virtualVoice, params.VirtualVoices),
		physical:     make([]physicalVoice, params.Mode.PhysicalVoices()),
		lastPhysical: -1,
		userVolume:   256,
	}
	for i := range d.sourceVolume {
		d.sourceVolume[i] = params.SourceNeutralVolume
	}
	for ch := range d.channels {
		d.channels[ch] = defaultChannel()
		d.channels[ch].instrument = instruments.Lookup(0, 0)
	}
	d.resetChip()
	return d, nil
}

func (d *Driver) resetChip() {
	d.sink.WriteRegister(regTest, waveSelectBit)
	if d.params.Mode == ModeOPL3 {
		d.sink.WriteRegister(regOPL3Enable, 1)
		d.sink.WriteRegister(regFourOp, 0)
	}
	d.sink.WriteRegister(regRhythm, 0)
	for p := range d.physical {
		d.writeVoiceRegister(p, regKeyOnBlock, 0)
	}
}

// Close silences every voice and leaves the chip in OPL2 mode.
func (d *Driver) Close() error {
	d.StopAllNotes()
	for p := range d.physical {
		d.writeVoiceRegister(p, regKeyOnBlock, 0)
	}
	if d.params.Mode == ModeOPL3 {
		d.sink.WriteRegister(regOPL3Enable, 0)
	}
	return nil
}

func (d *Driver) NoteOn(source, channel, note, velocity int) {
	if !validChannel(channel) {
		return
	}
	if velocity == 0 {
		d.NoteOff(source, channel, note)
		return
	}
	ch := &d.channels[channel]
	instrument := ch.instrument
	if channel == driver.PercussionChannel {
		instrument = d.instruments.Lookup(PercussionBank, byte(note))
	}
	if instrument == nil {
		d.warn.Do(func() {
			d.log.Warn("adlib: no instrument for note", "channel", channel, "bank", ch.patchBank, "program", ch.program, "note", note)
		})
		return
	}
	v := d.claimVirtualVoice()
	if v < 0 {
		d.warn.Do(func() {
			d.log.Debug("adlib: virtual voices exhausted, note dropped", "channel", channel, "note", note)
		})
		return
	}
	d.virtual[v] = virtualVoice{
		inUse:         true,
		channel:       channel,
		source:        source,
		instrument:    instrument,
		priority:      MaxPriority,
		physicalVoice: -1,
		note:          note,
		velocity:      velocitySensitivity[(velocity&0x7F)>>3],
		transpose:     int(instrument.Transpose),
	}
	ch.activeVoices++
	if !d.bindPhysicalVoice(v) {
		d.prioritySort()
	}
}

// NoteOff releases every voice playing note on channel, whichever source
// started it.
func (d *Driver) NoteOff(source, channel, note int) {
	if !validChannel(channel) {
		return
	}
	sustained := d.channels[channel].sustain >= 64
	freed := false
	for i := range d.virtual {
		v := &d.virtual[i]
		if !v.inUse || v.channel != channel || v.note != note {
			continue
		}
		if sustained {
			v.sustained = true
			continue
		}
		freed = d.freeVirtualVoice(i) || freed
	}
	if freed {
		d.prioritySort()
	}
}

func (d *Driver) ControlChange(source, channel, controller, value int) {
	if !validChannel(channel) {
		return
	}
	ch := &d.channels[channel]
	value &= 0x7F
	switch controller {
	case driver.CtrlModulation:
		ch.modulation = value
		d.updateChannelVoices(channel, updateTremoloVibrato)
	case driver.CtrlDataEntry:
		ch.pitchRange = value
		d.updateChannelVoices(channel, updateFrequency)
	case driver.CtrlVolume:
		ch.volume = value
		d.updateChannelVoices(channel, updateLevel)
	case driver.CtrlExpression:
		ch.expression = value
		d.updateChannelVoices(channel, updateLevel)
	case driver.CtrlPan:
		ch.pan = value
		d.updateChannelVoices(channel, updateConnection)
	case driver.CtrlSustain:
		ch.sustain = value
		if value < 64 {
			d.releaseSustained(channel)
		}
	case driver.CtrlProtectVoice:
		ch.protectVoices = value >= 64
	case driver.CtrlSelectPatchBank:
		ch.patchBank = byte(value)
	case driver.CtrlResetAll:
		ch.modulation = 0
		ch.expression = 127
		ch.pitchBend = driver.PitchBendCenter
		ch.sustain = 0
		d.releaseSustained(channel)
		d.updateChannelVoices(channel, updateAll)
	case driver.CtrlAllNotesOff:
		d.releaseChannel(channel, func(*virtualVoice) bool { return true })
	}
}

func (d *Driver) ProgramChange(source, channel, program int) {
	if !validChannel(channel) || channel == driver.PercussionChannel {
		return
	}
	ch := &d.channels[channel]
	instrument := d.instruments.Lookup(ch.patchBank, byte(program))
	if instrument == nil {
		d.warn.Do(func() {
			d.log.Warn("adlib: unknown program", "channel", channel, "bank", ch.patchBank, "program", program)
		})
		return
	}
	ch.program = byte(program)
	ch.instrument = instrument
}

func (d *Driver) PitchBend(source, channel, value int) {
	if !validChannel(channel) {
		return
	}
	d.channels[channel].pitchBend = value & 0x3FFF
	d.updateChannelVoices(channel, updateFrequency)
}

// OnTimer ages every sounding note so long-held notes become the first
// candidates for stealing.
func (d *Driver) OnTimer() {
	if d.params.PriorityDecay == 0 {
		return
	}
	for i := range d.virtual {
		v := &d.virtual[i]
		if !v.inUse {
			continue
		}
		v.priority -= d.params.PriorityDecay
		if v.priority < 0 {
			v.priority = 0
		}
	}
}

// DeinitSource releases every note the source still holds.
func (d *Driver) DeinitSource(source int) {
	freed := false
	for i := range d.virtual {
		if d.virtual[i].inUse && d.virtual[i].source == source {
			freed = d.freeVirtualVoice(i) || freed
		}
	}
	if freed {
		d.prioritySort()
	}
	if driver.ValidSource(source) {
		d.sourceVolume[source] = d.params.SourceNeutralVolume
	}
}

func (d *Driver) SetSourceVolume(source, volume int) {
	if !driver.ValidSource(source) {
		return
	}
	if volume < 0 {
		volume = 0
	}
	d.sourceVolume[source] = volume
	for i := range d.virtual {
		v := &d.virtual[i]
		if v.inUse && v.physical && v.source == source {
			d.updatePhysicalVoice(i, updateLevel)
		}
	}
}

// SetUserVolume sets the player-controlled music level (256 = unity). It
// only has an effect when user volume scaling is enabled.
func (d *Driver) SetUserVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	d.userVolume = volume
	if !d.params.UserVolumeScaling {
		return
	}
	for i := range d.virtual {
		if d.virtual[i].inUse && d.virtual[i].physical {
			d.updatePhysicalVoice(i, updateLevel)
		}
	}
}

func (d *Driver) StopAllNotes() {
	for i := range d.virtual {
		d.freeVirtualVoice(i)
	}
}

// ActiveVoiceCount returns the number of virtual voices in use.
func (d *Driver) ActiveVoiceCount() int {
	n := 0
	for i := range d.virtual {
		if d.virtual[i].inUse {
			n++
		}
	}
	return n
}

// BoundVoiceCount returns the number of physical voices in use.
func (d *Driver) BoundVoiceCount() int {
	n := 0
	for i := range d.physical {
		if d.physical[i].inUse {
			n++
		}
	}
	return n
}

func (d *Driver) releaseSustained(channel int) {
	d.releaseChannel(channel, func(v *virtualVoice) bool { return v.sustained })
}

func (d *Driver) releaseChannel(channel int, match func(*virtualVoice) bool) {
	freed := false
	for i := range d.virtual {
		v := &d.virtual[i]
		if v.inUse && v.channel == channel && match(v) {
			freed = d.freeVirtualVoice(i) || freed
		}
	}
	if freed {
		d.prioritySort()
	}
}

func validChannel(ch int) bool {
	return ch >= 0 && ch < driver.Channels
}
