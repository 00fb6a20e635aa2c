// Package driver holds the MIDI front end shared by every device tier: the
// capability set a hardware driver implements and the decoding of channel
// voice messages onto it.
package driver

import (
	"gitlab.com/gomidi/midi/v2"
)

const (
	// Untagged is the source id of events that bypass source multiplexing.
	Untagged = -1
	// MaxSources bounds the number of independent producers.
	MaxSources = 10
	// Channels is the number of logical MIDI channels.
	Channels = 16
	// PercussionChannel is MIDI channel 10.
	PercussionChannel = 9
	// PitchBendCenter is the neutral 14-bit pitch bend value.
	PitchBendCenter = 0x2000
)

// Controller numbers understood by the drivers.
const (
	CtrlModulation      = 1
	CtrlDataEntry       = 6 // pitch bend range in semitones
	CtrlVolume          = 7
	CtrlPan             = 10
	CtrlExpression      = 11
	CtrlSustain         = 64
	CtrlLockChannel     = 110
	CtrlProtectChannel  = 111
	CtrlProtectVoice    = 112
	CtrlProtectTimbre   = 113
	CtrlSelectPatchBank = 114
	CtrlResetAll        = 121
	CtrlAllNotesOff     = 123
)

// Driver is implemented by the FM voice driver and the channel multiplexed
// driver. Every method runs synchronously on the caller's goroutine; none of
// them may be called concurrently.
type Driver interface {
	NoteOn(source, channel, note, velocity int)
	NoteOff(source, channel, note int)
	ControlChange(source, channel, controller, value int)
	ProgramChange(source, channel, program int)
	// PitchBend takes the 14-bit bend value, 0x2000 being centered.
	PitchBend(source, channel, value int)
	// OnTimer is the periodic hardware timer callback.
	OnTimer()
	// DeinitSource releases everything a disconnecting source holds.
	DeinitSource(source int)
	// SetSourceVolume sets a source's mix level relative to the neutral volume.
	SetSourceVolume(source, volume int)
	StopAllNotes()
	Close() error
}

// Send decodes a channel voice message and forwards it to d. It reports
// whether the message was understood. Note-on with velocity 0 is a note-off.
func Send(d Driver, source int, msg midi.Message) bool {
	var ch, key, vel, cc, val, prog uint8
	var rel int16
	var abs uint16
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		d.NoteOn(source, int(ch), int(key), int(vel))
	case msg.GetNoteEnd(&ch, &key):
		d.NoteOff(source, int(ch), int(key))
	case msg.GetControlChange(&ch, &cc, &val):
		d.ControlChange(source, int(ch), int(cc), int(val))
	case msg.GetProgramChange(&ch, &prog):
		d.ProgramChange(source, int(ch), int(prog))
	case msg.GetPitchBend(&ch, &rel, &abs):
		d.PitchBend(source, int(ch), int(abs))
	default:
		return false
	}
	return true
}

// ValidSource reports whether id names a tracked source.
func ValidSource(id int) bool {
	return id >= 0 && id < MaxSources
}
