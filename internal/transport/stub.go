//go:build !midi_native

package transport

// OpenOutput opens the hardware output port matching name. Hardware ports
// need the midi_native build tag.
func OpenOutput(name string) (*Port, error) {
	return nil, ErrNativeUnavailable
}

// ListOutputs returns the names of the hardware output ports.
func ListOutputs() ([]string, error) {
	return nil, ErrNativeUnavailable
}
