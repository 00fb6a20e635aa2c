package adlib

// velocitySensitivity maps the top four bits of a MIDI velocity onto the
// level the FM output stage expects.
var velocitySensitivity = [16]int{
	82, 85, 88, 91, 94, 97, 100, 103, 106, 109, 112, 115, 118, 121, 124, 127,
}

// frequencyTable holds F-numbers for one octave in 1/16 semitone steps,
// relative to block 3 (C4 = 0x2B2). Entries with bit 15 set carry into the
// next block; their low bits are the halved F-number.
var frequencyTable = [12 * 16]uint16{
	0x02B2, 0x02B4, 0x02B7, 0x02B9, 0x02BC, 0x02BE, 0x02C1, 0x02C3, 0x02C6, 0x02C9, 0x02CB, 0x02CE, 0x02D0, 0x02D3, 0x02D6, 0x02D8, // C
	0x02DB, 0x02DD, 0x02E0, 0x02E3, 0x02E5, 0x02E8, 0x02EB, 0x02ED, 0x02F0, 0x02F3, 0x02F6, 0x02F8, 0x02FB, 0x02FE, 0x0301, 0x0303, // C#
	0x0306, 0x0309, 0x030C, 0x030F, 0x0311, 0x0314, 0x0317, 0x031A, 0x031D, 0x0320, 0x0323, 0x0326, 0x0328, 0x032B, 0x032E, 0x0331, // D
	0x0334, 0x0337, 0x033A, 0x033D, 0x0340, 0x0343, 0x0346, 0x0349, 0x034C, 0x034F, 0x0352, 0x0355, 0x0359, 0x035C, 0x035F, 0x0362, // D#
	0x0365, 0x0368, 0x036B, 0x036E, 0x0372, 0x0375, 0x0378, 0x037B, 0x037E, 0x0382, 0x0385, 0x0388, 0x038C, 0x038F, 0x0392, 0x0395, // E
	0x0399, 0x039C, 0x039F, 0x03A3, 0x03A6, 0x03A9, 0x03AD, 0x03B0, 0x03B4, 0x03B7, 0x03BB, 0x03BE, 0x03C1, 0x03C5, 0x03C8, 0x03CC, // F
	0x03CF, 0x03D3, 0x03D7, 0x03DA, 0x03DE, 0x03E1, 0x03E5, 0x03E8, 0x03EC, 0x03F0, 0x03F3, 0x03F7, 0x03FB, 0x03FE, 0x8201, 0x8203, // F#
	0x8205, 0x8207, 0x8208, 0x820A, 0x820C, 0x820E, 0x8210, 0x8212, 0x8214, 0x8216, 0x8218, 0x821A, 0x821C, 0x821E, 0x8220, 0x8221, // G
	0x8223, 0x8225, 0x8227, 0x8229, 0x822B, 0x822D, 0x822F, 0x8231, 0x8233, 0x8236, 0x8238, 0x823A, 0x823C, 0x823E, 0x8240, 0x8242, // G#
	0x8244, 0x8246, 0x8248, 0x824A, 0x824C, 0x824F, 0x8251, 0x8253, 0x8255, 0x8257, 0x8259, 0x825C, 0x825E, 0x8260, 0x8262, 0x8264, // A
	0x8267, 0x8269, 0x826B, 0x826D, 0x826F, 0x8272, 0x8274, 0x8276, 0x8279, 0x827B, 0x827D, 0x827F, 0x8282, 0x8284, 0x8286, 0x8289, // A#
	0x828B, 0x828D, 0x8290, 0x8292, 0x8295, 0x8297, 0x8299, 0x829C, 0x829E, 0x82A1, 0x82A3, 0x82A5, 0x82A8, 0x82AA, 0x82AD, 0x82AF, // B
}

const frequencyCarry = 0x8000

// modulatorOffset is the operator register offset of each voice's first
// operator within a bank; the carrier sits three slots above it.
var modulatorOffset = [9]uint16{0x00, 0x01, 0x02, 0x08, 0x09, 0x0A, 0x10, 0x11, 0x12}

const carrierDelta = 3

// Layout of the OPL instrument payload.
const (
	insReg20Mod = iota
	insReg40Mod
	insReg60Mod
	insReg80Mod
	insRegE0Mod
	insRegC0
	insReg20Car
	insReg40Car
	insReg60Car
	insReg80Car
	insRegE0Car
)

// Register groups.
const (
	regTremoloVibrato = 0x20
	regLevel          = 0x40
	regAttackDecay    = 0x60
	regSustainRelease = 0x80
	regFNumLow        = 0xA0
	regKeyOnBlock     = 0xB0
	regFeedbackConn   = 0xC0
	regWaveform       = 0xE0

	regTest        = 0x01
	regRhythm      = 0xBD
	regFourOp      = 0x104
	regOPL3Enable  = 0x105
	bankSecondary  = 0x100
	waveSelectBit  = 0x20
	keyOnBit       = 0x20
	vibratoBit     = 0x40
	connectionBit  = 0x01
	panLeftBits    = 0x10
	panRightBits   = 0x20
	panCenterBits  = panLeftBits | panRightBits
	totalLevelMask = 0x3F
)

// Pan controller thresholds for the three stereo buckets.
const (
	panThresholdLeft  = 0x27
	panThresholdRight = 0x57
)
