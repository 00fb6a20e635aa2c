// Package transport carries driver output to a MIDI device: a hardware
// port through gomidi, or a SoundFont synth rendered in software.
package transport

import (
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// ErrNativeUnavailable is returned when hardware ports are requested from a
// build without the midi_native tag.
var ErrNativeUnavailable = errors.New("transport: native MIDI driver is not included in this build (build with -tags midi_native)")

// Port sends messages to a gomidi output port.
type Port struct {
	out    drivers.Out
	closer func() error
}

func NewPort(out drivers.Out) *Port {
	return &Port{out: out}
}

// Send transmits msg, reopening the port if it was closed.
func (p *Port) Send(msg midi.Message) error {
	if !p.out.IsOpen() {
		if err := p.out.Open(); err != nil {
			return errors.Wrapf(err, "transport: open %s", p.out.String())
		}
	}
	return errors.Wrapf(p.out.Send(msg.Bytes()), "transport: send to %s", p.out.String())
}

func (p *Port) Name() string { return p.out.String() }

// Close closes the port and the driver that opened it.
func (p *Port) Close() error {
	err := p.out.Close()
	if p.closer != nil {
		if cerr := p.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

// pickOut returns the port named name: an exact match first, then a
// substring match. An empty name picks the first port.
func pickOut(outs []drivers.Out, name string) (drivers.Out, error) {
	if len(outs) == 0 {
		return nil, errors.New("transport: no MIDI output ports")
	}
	if name == "" {
		return outs[0], nil
	}
	for _, o := range outs {
		if o.String() == name {
			return o, nil
		}
	}
	for _, o := range outs {
		if strings.Contains(o.String(), name) {
			return o, nil
		}
	}
	return nil, errors.Errorf("transport: MIDI output %q not found", name)
}
