package transport

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sinshu/go-meltysynth/meltysynth"
	"gitlab.com/gomidi/midi/v2"
)

// synthesizer is the subset of meltysynth.Synthesizer the soft synth uses.
type synthesizer interface {
	ProcessMidiMessage(channel int32, command int32, data1, data2 int32)
	NoteOffAll(immediate bool)
	Render(left, right []float32)
}

// newSynthesizer constructs a meltysynth synthesizer. Tests override it.
var newSynthesizer = func(sf *meltysynth.SoundFont, settings *meltysynth.SynthesizerSettings) (synthesizer, error) {
	return meltysynth.NewSynthesizer(sf, settings)
}

// LoadSoundFont parses an SF2 file.
func LoadSoundFont(r io.Reader) (*meltysynth.SoundFont, error) {
	sf, err := meltysynth.NewSoundFont(r)
	if err != nil {
		return nil, errors.Wrap(err, "transport: soundfont")
	}
	return sf, nil
}

// SoftSynth renders the General MIDI output of the multiplexed driver with
// a SoundFont. It has no timbre memory, so SysEx is counted and dropped.
// Send and Process may run on different goroutines.
type SoftSynth struct {
	mu          sync.Mutex
	synth       synthesizer
	left, right []float32
	sysex       int
}

func NewSoftSynth(sf *meltysynth.SoundFont, sampleRate int) (*SoftSynth, error) {
	settings := meltysynth.NewSynthesizerSettings(int32(sampleRate))
	syn, err := newSynthesizer(sf, settings)
	if err != nil {
		return nil, errors.Wrap(err, "transport: synthesizer")
	}
	return &SoftSynth{synth: syn}, nil
}

// Send feeds one channel voice message to the synth.
func (s *SoftSynth) Send(msg midi.Message) error {
	b := msg.Bytes()
	if len(b) == 0 {
		return errors.New("transport: empty message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := b[0]
	if status == 0xF0 {
		s.sysex++
		return nil
	}
	if status < 0x80 || status >= 0xF0 {
		return errors.Errorf("transport: unsupported status %#x", status)
	}
	var d1, d2 int32
	if len(b) > 1 {
		d1 = int32(b[1])
	}
	if len(b) > 2 {
		d2 = int32(b[2])
	}
	s.synth.ProcessMidiMessage(int32(status&0x0F), int32(status&0xF0), d1, d2)
	return nil
}

// Process renders interleaved stereo frames into dst.
func (s *SoftSynth) Process(dst []float32) {
	frames := len(dst) / 2
	if cap(s.left) < frames {
		s.left = make([]float32, frames)
		s.right = make([]float32, frames)
	}
	s.left, s.right = s.left[:frames], s.right[:frames]
	s.mu.Lock()
	s.synth.Render(s.left, s.right)
	s.mu.Unlock()
	for i := 0; i < frames; i++ {
		dst[2*i] = s.left[i]
		dst[2*i+1] = s.right[i]
	}
}

// Silence cuts every sounding note.
func (s *SoftSynth) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synth.NoteOffAll(true)
}

// DroppedSysEx returns the number of SysEx messages ignored.
func (s *SoftSynth) DroppedSysEx() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sysex
}
