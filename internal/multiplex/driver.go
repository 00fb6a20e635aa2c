// Package multiplex shares the 16 channels of a General MIDI or MT-32 device
// between several event sources. A source can lock a channel for exclusive
// use; events other sources send to a locked channel are remembered and
// replayed when the lock is released.
package multiplex

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"golang.org/x/time/rate"

	"github.com/cbegin/midivirt-go/internal/bank"
	"github.com/cbegin/midivirt-go/internal/driver"
	"github.com/cbegin/midivirt-go/internal/mt32"
)

// Output receives every message the driver forwards, SysEx included.
type Output interface {
	Send(msg midi.Message) error
}

type Device int

const (
	DeviceGM Device = iota
	DeviceMT32
)

type Params struct {
	Device              Device
	SourceNeutralVolume int
	UserVolumeScaling   bool
	// SysExPaced waits out the transmit delay after every SysEx message.
	// Only real hardware needs it.
	SysExPaced     bool
	SysExSurcharge time.Duration
}

func DefaultParams() Params {
	return Params{
		Device:              DeviceGM,
		SourceNeutralVolume: 256,
	}
}

type sourceState struct {
	channelMap [driver.Channels]int
	volume     int
}

// Driver is the channel multiplexed driver. It implements driver.Driver.
type Driver struct {
	params     Params
	out        Output
	log        *slog.Logger
	warn       rate.Sometimes
	channels   [driver.Channels]channel
	sources    [driver.MaxSources]sourceState
	userVolume int

	link  *mt32.Link
	cache *mt32.Cache
	sysex *mt32.Assembler
}

var _ driver.Driver = (*Driver)(nil)

// New opens the driver on out. instruments holds the custom timbres of the
// MT-32 device and is ignored for General MIDI; nil means none.
func New(out Output, instruments *bank.Table, params Params, logger *slog.Logger) (*Driver, error) {
	if out == nil {
		return nil, errors.New("multiplex: nil output")
	}
	if params.SourceNeutralVolume <= 0 {
		params.SourceNeutralVolume = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		params:     params,
		out:        out,
		log:        logger,
		warn:       rate.Sometimes{First: 4, Interval: 2 * time.Second},
		userVolume: 256,
	}
	for ch := range d.channels {
		d.channels[ch] = newChannel()
	}
	for s := range d.sources {
		d.resetSource(s)
	}
	if params.Device == DeviceMT32 {
		if instruments == nil {
			instruments = bank.NewTable(bank.FamilyMT32, nil)
		}
		d.link = mt32.NewLink(out, params.SysExPaced, params.SysExSurcharge)
		cache, err := mt32.NewCache(d.link, instruments, logger)
		if err != nil {
			return nil, errors.Wrap(err, "multiplex")
		}
		d.cache = cache
		d.sysex = mt32.NewAssembler(d.link, logger)
	}
	return d, nil
}

func (d *Driver) resetSource(s int) {
	for ch := range d.sources[s].channelMap {
		d.sources[s].channelMap[ch] = ch
	}
	d.sources[s].volume = d.params.SourceNeutralVolume
}

func (d *Driver) send(msg midi.Message) {
	if err := d.out.Send(msg); err != nil {
		d.warn.Do(func() {
			d.log.Warn("multiplex: output failed", "msg", msg.String(), "err", err)
		})
	}
}

// resolve maps a source's logical channel to its output channel. live is
// false when another source holds the output channel locked.
func (d *Driver) resolve(source, channel int) (out int, live bool) {
	out = channel
	if driver.ValidSource(source) {
		out = d.sources[source].channelMap[channel]
	}
	c := &d.channels[out]
	return out, !c.locked || c.lockOwner == source
}

// target returns the controller set an event for out should update.
func (d *Driver) target(out int, live bool) *controllers {
	if live {
		return &d.channels[out].live
	}
	return &d.channels[out].unlock
}

func (d *Driver) NoteOn(source, channel, note, velocity int) {
	if !validChannel(channel) || !validData(note) {
		return
	}
	if velocity == 0 {
		d.NoteOff(source, channel, note)
		return
	}
	out, live := d.resolve(source, channel)
	if !live {
		return
	}
	c := &d.channels[out]
	c.live.source = source
	c.noteOn(note)
	if d.cache != nil && c.timbreSlot >= 0 {
		d.refreshTimbre(out)
	}
	d.send(midi.NoteOn(uint8(out), uint8(note), uint8(velocity&0x7F)))
}

func (d *Driver) NoteOff(source, channel, note int) {
	if !validChannel(channel) || !validData(note) {
		return
	}
	out, live := d.resolve(source, channel)
	if !live {
		return
	}
	d.channels[out].noteOff(note)
	d.send(midi.NoteOff(uint8(out), uint8(note)))
}

func (d *Driver) ControlChange(source, channel, controller, value int) {
	if !validChannel(channel) {
		return
	}
	value &= 0x7F
	switch controller {
	case driver.CtrlLockChannel:
		if value >= 64 {
			d.LockChannel(source, channel)
		} else if driver.ValidSource(source) {
			out := d.sources[source].channelMap[channel]
			if c := &d.channels[out]; c.locked && c.lockOwner == source {
				d.UnlockChannel(out)
			}
		}
		return
	case driver.CtrlProtectChannel:
		out, _ := d.resolve(source, channel)
		c := &d.channels[out]
		c.lockProtected = value >= 64
		c.protectOwner = source
		return
	case driver.CtrlProtectVoice:
		return
	case driver.CtrlProtectTimbre:
		if d.cache != nil {
			st := d.target(d.resolve(source, channel))
			d.cache.Protect(byte(st.patchBank), byte(st.program), value >= 64)
		}
		return
	}
	if d.sysex != nil && d.sysex.Control(controller, value) {
		return
	}

	out, live := d.resolve(source, channel)
	st := d.target(out, live)
	st.source = source
	switch controller {
	case driver.CtrlVolume:
		st.volume = value
		if live {
			d.sendVolume(out)
		}
		return
	case driver.CtrlModulation:
		st.modulation = value
	case driver.CtrlPan:
		st.pan = value
	case driver.CtrlExpression:
		st.expression = value
	case driver.CtrlSustain:
		st.sustain = value
	case driver.CtrlSelectPatchBank:
		st.patchBank = value
		return
	case driver.CtrlResetAll:
		st.modulation = 0
		st.expression = 127
		st.sustain = 0
		st.pitchBend = driver.PitchBendCenter
	case driver.CtrlAllNotesOff:
		if live {
			d.channels[out].clearNotes()
		}
	}
	if live {
		d.send(midi.ControlChange(uint8(out), uint8(controller), uint8(value)))
	}
}

func (d *Driver) ProgramChange(source, channel, program int) {
	if !validChannel(channel) || !validData(program) {
		return
	}
	out, live := d.resolve(source, channel)
	st := d.target(out, live)
	st.source = source
	st.program = program
	if live {
		d.applyProgram(out)
	}
}

func (d *Driver) applyProgram(out int) {
	c := &d.channels[out]
	if d.cache != nil && out != driver.PercussionChannel {
		c.timbreBank, c.timbreProgram = byte(c.live.patchBank), byte(c.live.program)
		c.timbreSlot = d.cache.Select(c.timbreBank, c.timbreProgram)
	}
	d.send(midi.ProgramChange(uint8(out), uint8(c.live.program)))
}

// refreshTimbre keeps the custom timbre of out warm, reinstalling it and
// repeating the program change when another channel's install evicted it.
func (d *Driver) refreshTimbre(out int) {
	c := &d.channels[out]
	if d.cache.Search(c.timbreBank, c.timbreProgram) == c.timbreSlot {
		d.cache.Touch(c.timbreSlot)
		return
	}
	c.timbreSlot = d.cache.Select(c.timbreBank, c.timbreProgram)
	d.send(midi.ProgramChange(uint8(out), c.timbreProgram))
}

func (d *Driver) PitchBend(source, channel, value int) {
	if !validChannel(channel) {
		return
	}
	out, live := d.resolve(source, channel)
	st := d.target(out, live)
	st.source = source
	st.pitchBend = value & 0x3FFF
	if live {
		d.sendPitchBend(out)
	}
}

func (d *Driver) sendPitchBend(out int) {
	d.send(midi.Pitchbend(uint8(out), int16(d.channels[out].live.pitchBend-driver.PitchBendCenter)))
}

// sendVolume writes the live volume of out scaled by its owner's source
// volume.
func (d *Driver) sendVolume(out int) {
	st := &d.channels[out].live
	vol := st.volume
	if driver.ValidSource(st.source) {
		vol = vol * d.sources[st.source].volume / d.params.SourceNeutralVolume
	}
	if d.params.UserVolumeScaling {
		vol = vol * d.userVolume / 256
	}
	if vol > 127 {
		vol = 127
	}
	d.send(midi.ControlChange(uint8(out), driver.CtrlVolume, uint8(vol)))
}

// OnTimer does nothing; the multiplexed device keeps its own time.
func (d *Driver) OnTimer() {}

func (d *Driver) SetSourceVolume(source, volume int) {
	if !driver.ValidSource(source) {
		return
	}
	if volume < 0 {
		volume = 0
	}
	d.sources[source].volume = volume
	for ch := range d.channels {
		if d.channels[ch].live.source == source {
			d.sendVolume(ch)
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
	for ch := range d.channels {
		d.sendVolume(ch)
	}
}

// DeinitSource drops every lock, protection and ownership stamp source
// holds and resets its channel map.
func (d *Driver) DeinitSource(source int) {
	if !driver.ValidSource(source) {
		return
	}
	for ch := range d.channels {
		c := &d.channels[ch]
		if c.locked && c.lockOwner == source {
			d.UnlockChannel(ch)
		}
		if c.lockProtected && c.protectOwner == source {
			c.lockProtected = false
			c.protectOwner = driver.Untagged
		}
		if c.unlock.source == source {
			c.unlock.source = driver.Untagged
		}
	}
	d.resetSource(source)
	for ch := range d.channels {
		if c := &d.channels[ch]; c.live.source == source {
			c.live.source = driver.Untagged
			d.sendVolume(ch)
		}
	}
}

func (d *Driver) StopAllNotes() {
	for ch := range d.channels {
		d.stopNotes(ch)
	}
}

// stopNotes sends a note-off for every sounding note on out and lifts the
// sustain pedal.
func (d *Driver) stopNotes(out int) {
	c := &d.channels[out]
	for n := range c.notes {
		if c.notes[n] {
			d.send(midi.NoteOff(uint8(out), uint8(n)))
		}
	}
	c.clearNotes()
	if c.live.sustain >= 64 {
		c.live.sustain = 0
		d.send(midi.ControlChange(uint8(out), driver.CtrlSustain, 0))
	}
}

func (d *Driver) Close() error {
	d.StopAllNotes()
	return nil
}

// ActiveNotes returns the number of notes sounding on output channel ch.
func (d *Driver) ActiveNotes(ch int) int {
	if !validChannel(ch) {
		return 0
	}
	return d.channels[ch].activeNotes
}

// OutputChannel returns the output channel source's logical channel maps to.
func (d *Driver) OutputChannel(source, channel int) int {
	out, _ := d.resolve(source, channel)
	return out
}

// SysExBytes returns the volume of SysEx data sent to the device.
func (d *Driver) SysExBytes() int {
	if d.link == nil {
		return 0
	}
	return d.link.BytesSent()
}

func validChannel(ch int) bool {
	return ch >= 0 && ch < driver.Channels
}

func validData(v int) bool {
	return v >= 0 && v < 128
}
