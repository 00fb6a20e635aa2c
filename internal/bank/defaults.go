package bank

// familyPatches are rough 2-operator voicings of the sixteen General MIDI
// instrument families, in payload order: modulator 0x20/0x40/0x60/0x80/0xE0,
// 0xC0, carrier 0x20/0x40/0x60/0x80/0xE0.
var familyPatches = [16][11]byte{
	{0x01, 0x4F, 0xF1, 0x53, 0x00, 0x06, 0x01, 0x00, 0xF1, 0x53, 0x00}, // piano
	{0x07, 0x1B, 0xF2, 0x43, 0x00, 0x0A, 0x11, 0x00, 0xF2, 0x43, 0x00}, // chromatic percussion
	{0x22, 0x16, 0xF0, 0x05, 0x00, 0x01, 0x21, 0x00, 0xF0, 0x05, 0x00}, // organ
	{0x03, 0x1E, 0xF2, 0x34, 0x00, 0x08, 0x01, 0x00, 0xF4, 0x36, 0x00}, // guitar
	{0x01, 0x12, 0xF3, 0x26, 0x00, 0x0C, 0x01, 0x00, 0xF4, 0x46, 0x00}, // bass
	{0x21, 0x1C, 0x71, 0x15, 0x00, 0x0E, 0x21, 0x00, 0x62, 0x15, 0x00}, // strings
	{0x22, 0x19, 0x61, 0x14, 0x00, 0x0C, 0x21, 0x00, 0x71, 0x15, 0x00}, // ensemble
	{0x21, 0x19, 0x75, 0x16, 0x00, 0x0E, 0x21, 0x00, 0x76, 0x17, 0x00}, // brass
	{0x31, 0x1A, 0x72, 0x15, 0x01, 0x0A, 0x21, 0x00, 0x82, 0x16, 0x00}, // reed
	{0x21, 0x28, 0x84, 0x05, 0x00, 0x0F, 0x21, 0x00, 0x74, 0x06, 0x00}, // pipe
	{0x22, 0x14, 0xF0, 0x05, 0x02, 0x08, 0x21, 0x00, 0xF0, 0x05, 0x01}, // synth lead
	{0x21, 0x1F, 0x33, 0x14, 0x00, 0x0C, 0x21, 0x00, 0x32, 0x14, 0x00}, // synth pad
	{0x23, 0x18, 0x52, 0x23, 0x01, 0x0E, 0x21, 0x00, 0x42, 0x24, 0x00}, // synth effects
	{0x05, 0x1C, 0xF5, 0x55, 0x00, 0x06, 0x01, 0x00, 0xF5, 0x55, 0x00}, // ethnic
	{0x03, 0x14, 0xF8, 0x66, 0x00, 0x0A, 0x01, 0x00, 0xF7, 0x68, 0x00}, // percussive
	{0x0E, 0x00, 0xF0, 0x05, 0x00, 0x0E, 0x0E, 0x00, 0xF0, 0x05, 0x00}, // sound effects
}

type drumPatch struct {
	data      [11]byte
	transpose int8
}

var (
	drumKick  = drumPatch{[11]byte{0x00, 0x0B, 0xA8, 0x4C, 0x00, 0x00, 0x00, 0x00, 0xD6, 0x4F, 0x00}, -24}
	drumSnare = drumPatch{[11]byte{0x0C, 0x00, 0xF8, 0xB5, 0x03, 0x0E, 0x00, 0x00, 0xD6, 0x76, 0x00}, 0}
	drumTom   = drumPatch{[11]byte{0x04, 0x0A, 0xF8, 0x56, 0x00, 0x06, 0x01, 0x00, 0xF6, 0x57, 0x00}, -12}
	drumHat   = drumPatch{[11]byte{0x0E, 0x00, 0xFA, 0x9A, 0x02, 0x0E, 0x0F, 0x00, 0xF9, 0x8B, 0x02}, 24}
	drumCymb  = drumPatch{[11]byte{0x0E, 0x00, 0xF5, 0x25, 0x02, 0x0E, 0x0E, 0x00, 0xB4, 0x28, 0x02}, 24}
)

// drumFor returns the voicing for a General MIDI percussion key.
func drumFor(key int) drumPatch {
	switch key {
	case 35, 36:
		return drumKick
	case 38, 39, 40:
		return drumSnare
	case 41, 43, 45, 47, 48, 50:
		return drumTom
	case 42, 44, 46:
		return drumHat
	default:
		return drumCymb
	}
}

// DefaultOPL returns a built-in OPL table covering every General MIDI
// program in bank 0 and percussion keys 35-81 in bank percussionBank.
func DefaultOPL(percussionBank byte) *Table {
	ins := make([]Instrument, 0, 128+47)
	for p := 0; p < 128; p++ {
		patch := familyPatches[p/8]
		ins = append(ins, Instrument{Bank: 0, Patch: byte(p), Data: patch[:]})
	}
	for key := 35; key <= 81; key++ {
		d := drumFor(key)
		ins = append(ins, Instrument{Bank: percussionBank, Patch: byte(key), Transpose: d.transpose, Data: d.data[:]})
	}
	return NewTable(FamilyOPL, ins)
}
