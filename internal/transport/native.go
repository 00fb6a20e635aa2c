//go:build midi_native

package transport

import (
	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// OpenOutput opens the hardware output port matching name.
func OpenOutput(name string) (*Port, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, errors.Wrap(err, "transport: rtmididrv")
	}
	outs, err := drv.Outs()
	if err != nil {
		_ = drv.Close()
		return nil, errors.Wrap(err, "transport: list outputs")
	}
	out, err := pickOut(outs, name)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	if err := out.Open(); err != nil {
		_ = drv.Close()
		return nil, errors.Wrapf(err, "transport: open %s", out.String())
	}
	p := NewPort(out)
	p.closer = drv.Close
	return p, nil
}

// ListOutputs returns the names of the hardware output ports.
func ListOutputs() ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, errors.Wrap(err, "transport: rtmididrv")
	}
	defer drv.Close()
	outs, err := drv.Outs()
	if err != nil {
		return nil, errors.Wrap(err, "transport: list outputs")
	}
	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.String()
	}
	return names, nil
}
