// Package mt32 manages the custom timbre memory of a Roland MT-32: a small
// LRU cache of uploaded instruments, the patch table that points programs at
// them, and the controller-driven SysEx queues content uses to poke memory
// directly.
package mt32

import (
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
)

const (
	manufacturerID = 0x41
	deviceID       = 0x10
	modelID        = 0x16
	cmdDT1         = 0x12

	sysExStart = 0xF0
	sysExEnd   = 0xF7

	// AddressMask keeps an address to the 21 bits three 7-bit bytes can carry.
	AddressMask = 0x1FFFFF
)

// Sender is the MIDI output the SysEx messages are written to.
type Sender interface {
	Send(msg midi.Message) error
}

func checksum(data []byte) byte {
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return byte(128-(sum%128)) & 0x7F
}

func marshalAddress(addr uint32) []byte {
	return []byte{
		byte(addr >> 14 & 0x7F),
		byte(addr >> 7 & 0x7F),
		byte(addr & 0x7F),
	}
}

func unmarshalAddress(b []byte) uint32 {
	return uint32(b[0])<<14 | uint32(b[1])<<7 | uint32(b[2])
}

// DataSet returns a DT1 message writing data to the 21-bit address addr.
func DataSet(addr uint32, data ...byte) midi.Message {
	body := marshalAddress(addr)
	body = append(body, data...)
	msg := []byte{sysExStart, manufacturerID, deviceID, modelID, cmdDT1}
	msg = append(msg, body...)
	msg = append(msg, checksum(body), sysExEnd)
	return midi.Message(msg)
}

// UnmarshalSet decodes a DT1 message built by DataSet.
func UnmarshalSet(msg []byte) (uint32, []byte, error) {
	switch {
	case len(msg) < 10:
		return 0, nil, errors.Errorf("DT1 message too short: len=%d", len(msg))
	case msg[0] != sysExStart || msg[len(msg)-1] != sysExEnd:
		return 0, nil, errors.New("not a SysEx message")
	case msg[1] != manufacturerID || msg[3] != modelID:
		return 0, nil, errors.Errorf("not an MT-32 message: %02x %02x", msg[1], msg[3])
	case msg[4] != cmdDT1:
		return 0, nil, errors.Errorf("wrong command: want %02x, got %02x", cmdDT1, msg[4])
	}
	body := msg[5 : len(msg)-2]
	if want, got := checksum(body), msg[len(msg)-2]; want != got {
		return 0, nil, errors.Errorf("wrong checksum: calculated=%02x, got=%02x", want, got)
	}
	return unmarshalAddress(body), body[3:], nil
}

// TransmitDelay is how long the MT-32 needs to digest a SysEx message of n
// bytes at MIDI baud rate before the next one may be sent.
func TransmitDelay(n int) time.Duration {
	return time.Duration((n+2)*1000/3125) * time.Millisecond
}

var sleep = time.Sleep

// Link writes addressed memory blocks to the synthesizer and waits out the
// transmit delay after each one when Paced is set.
type Link struct {
	out       Sender
	paced     bool
	surcharge time.Duration
	sent      int
	messages  int
}

// NewLink wraps out. surcharge is added to every transmit delay; older
// hardware revisions need about 40ms.
func NewLink(out Sender, paced bool, surcharge time.Duration) *Link {
	return &Link{out: out, paced: paced, surcharge: surcharge}
}

// Write sends data to addr as one DT1 message.
func (l *Link) Write(addr uint32, data []byte) error {
	msg := DataSet(addr&AddressMask, data...)
	err := l.out.Send(msg)
	l.sent += len(msg)
	l.messages++
	if l.paced {
		sleep(TransmitDelay(len(msg)) + l.surcharge)
	}
	return errors.Wrapf(err, "mt32: write %d bytes at %06x", len(data), addr)
}

// BytesSent returns the total size of every message written so far.
func (l *Link) BytesSent() int { return l.sent }

// Messages returns the number of messages written so far.
func (l *Link) Messages() int { return l.messages }
