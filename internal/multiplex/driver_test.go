package multiplex

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/midivirt-go/internal/bank"
	"github.com/cbegin/midivirt-go/internal/driver"
	"github.com/cbegin/midivirt-go/internal/mt32"
)

type messageLog struct {
	msgs []midi.Message
}

func (m *messageLog) Send(msg midi.Message) error {
	m.msgs = append(m.msgs, append(midi.Message(nil), msg...))
	return nil
}

func (m *messageLog) reset() { m.msgs = nil }

// lines renders the log compactly: "on 3 60 100", "cc 3 7 100", "sysex".
func (m *messageLog) lines() []string {
	var out []string
	for _, msg := range m.msgs {
		var ch, key, vel, cc, val, prog uint8
		var rel int16
		var abs uint16
		switch {
		case len(msg) > 0 && msg[0] == 0xF0:
			out = append(out, "sysex")
		case msg.GetNoteStart(&ch, &key, &vel):
			out = append(out, fmt.Sprintf("on %d %d %d", ch, key, vel))
		case msg.GetNoteEnd(&ch, &key):
			out = append(out, fmt.Sprintf("off %d %d", ch, key))
		case msg.GetControlChange(&ch, &cc, &val):
			out = append(out, fmt.Sprintf("cc %d %d %d", ch, cc, val))
		case msg.GetProgramChange(&ch, &prog):
			out = append(out, fmt.Sprintf("pc %d %d", ch, prog))
		case msg.GetPitchBend(&ch, &rel, &abs):
			out = append(out, fmt.Sprintf("pb %d %d", ch, abs))
		default:
			out = append(out, fmt.Sprintf("? % x", []byte(msg)))
		}
	}
	return out
}

func (m *messageLog) sysex() [][]byte {
	var out [][]byte
	for _, msg := range m.msgs {
		if len(msg) > 0 && msg[0] == 0xF0 {
			out = append(out, msg)
		}
	}
	return out
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestDriver(t *testing.T, params Params, instruments *bank.Table) (*Driver, *messageLog) {
	t.Helper()
	out := &messageLog{}
	d, err := New(out, instruments, params, quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, out
}

func expectLines(t *testing.T, out *messageLog, want ...string) {
	t.Helper()
	got := out.lines()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %q\nwant %q", got, want)
	}
}

// busy gives every melodic channel except keep two sounding notes from source.
func busy(d *Driver, source, keep int) {
	for ch := 0; ch < driver.Channels; ch++ {
		if ch == keep || ch == driver.PercussionChannel {
			continue
		}
		d.NoteOn(source, ch, 40, 90)
		d.NoteOn(source, ch, 41, 90)
	}
}

func TestLockedChannelBuffersOtherSources(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	busy(d, 0, 3)
	d.NoteOn(0, 3, 60, 100)
	out.reset()

	if got := d.LockChannel(1, 3); got != 3 {
		t.Fatalf("LockChannel picked %d, want 3", got)
	}
	expectLines(t, out, "off 3 60", "cc 3 7 127")
	if d.LockOwner(3) != 1 || d.OutputChannel(1, 3) != 3 {
		t.Fatalf("owner %d, route %d", d.LockOwner(3), d.OutputChannel(1, 3))
	}
	if d.ActiveNotes(3) != 0 {
		t.Fatalf("victim still has %d notes", d.ActiveNotes(3))
	}

	out.reset()
	d.ControlChange(0, 3, driver.CtrlVolume, 100)
	d.NoteOn(0, 3, 62, 100)
	expectLines(t, out)
	if c := d.channels[3]; c.live.volume != 127 || c.unlock.volume != 100 {
		t.Fatalf("live volume %d, unlock volume %d", c.live.volume, c.unlock.volume)
	}

	d.ControlChange(1, 3, driver.CtrlVolume, 90)
	d.NoteOn(1, 3, 72, 80)
	expectLines(t, out, "cc 3 7 90", "on 3 72 80")

	out.reset()
	d.ControlChange(1, 3, driver.CtrlLockChannel, 0)
	expectLines(t, out, "off 3 72", "cc 3 7 100")
	if d.LockOwner(3) != driver.Untagged {
		t.Fatalf("channel still locked by %d", d.LockOwner(3))
	}
}

func TestUnlockRestoresOnlyChangedControllers(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	d.ControlChange(0, 0, driver.CtrlPan, 20)
	d.LockChannel(1, 5)
	// lock owner moves everything
	d.ControlChange(1, 5, driver.CtrlPan, 100)
	d.ControlChange(1, 5, driver.CtrlModulation, 30)
	d.PitchBend(1, 5, 0x3000)
	d.ProgramChange(1, 5, 12)
	// another source changes one thing behind the lock
	d.ControlChange(0, 0, driver.CtrlExpression, 50)
	out.reset()

	d.UnlockChannel(0)
	expectLines(t, out,
		"cc 0 7 127",
		"cc 0 1 0",
		"cc 0 10 20",
		"cc 0 11 50",
		"pc 0 0",
		"pb 0 8192",
	)
	if d.OutputChannel(1, 5) != 5 {
		t.Fatalf("source route not reset: %d", d.OutputChannel(1, 5))
	}
}

func TestLockSkipsPercussionLockedAndProtected(t *testing.T) {
	d, _ := newTestDriver(t, DefaultParams(), nil)
	d.ControlChange(0, 0, driver.CtrlProtectChannel, 127)
	if got := d.LockChannel(1, 0); got != 1 {
		t.Fatalf("first lock = %d, want 1", got)
	}
	if got := d.LockChannel(2, 0); got != 2 {
		t.Fatalf("second lock = %d, want 2 (1 already locked)", got)
	}
	if got := d.LockChannel(2, 0); got != 2 {
		t.Fatalf("relock by owner = %d, want 2", got)
	}
	for l := 1; l < driver.Channels; l++ {
		d.LockChannel(3, l)
	}
	// everything else is locked now, so the protected channel goes last
	if d.LockOwner(0) != 3 {
		t.Fatalf("protected channel owner %d, want 3", d.LockOwner(0))
	}
	if d.LockOwner(driver.PercussionChannel) != driver.Untagged {
		t.Fatalf("percussion channel was locked")
	}
	if got := d.LockChannel(4, 0); got != -1 {
		t.Fatalf("lock with no candidates = %d", got)
	}
}

func TestDeinitSourceReleasesEverything(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	d.ControlChange(1, 6, driver.CtrlProtectChannel, 127)
	locked := d.LockChannel(1, 2)
	d.NoteOn(1, 2, 60, 100)
	d.SetSourceVolume(1, 128)
	d.DeinitSource(1)

	if d.LockOwner(locked) != driver.Untagged || d.channels[6].lockProtected {
		t.Fatalf("lock or protection survived DeinitSource")
	}
	for ch := range d.channels {
		if d.channels[ch].live.source == 1 || d.channels[ch].unlock.source == 1 {
			t.Fatalf("channel %d still stamped with source 1", ch)
		}
	}

	// another source takes the channel; source 1 cannot get back in
	if got := d.LockChannel(2, 0); got != locked {
		t.Fatalf("relock picked %d, want %d", got, locked)
	}
	out.reset()
	d.NoteOn(1, locked, 64, 100)
	expectLines(t, out)
	if d.LockOwner(locked) != 2 {
		t.Fatalf("owner = %d", d.LockOwner(locked))
	}
}

func TestSourceVolumeScalesOwnedChannels(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	d.ControlChange(1, 4, driver.CtrlVolume, 100)
	d.ControlChange(2, 5, driver.CtrlVolume, 100)
	out.reset()
	d.SetSourceVolume(1, 128)
	expectLines(t, out, "cc 4 7 50")
	d.SetSourceVolume(1, 1024)
	expectLines(t, out, "cc 4 7 50", "cc 4 7 127")
}

func TestUntaggedEventsAreDivertedFromLockedChannels(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	v := d.LockChannel(1, 0)
	out.reset()
	d.NoteOn(driver.Untagged, v, 60, 100)
	d.PitchBend(driver.Untagged, v, 0)
	expectLines(t, out)
	if d.channels[v].unlock.pitchBend != 0 {
		t.Fatalf("pitch bend not recorded in unlock snapshot")
	}
	d.NoteOn(driver.Untagged, 7, 60, 100)
	expectLines(t, out, "on 7 60 100")
}

func TestStopAllNotesLiftsSustain(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	d.ControlChange(0, 2, driver.CtrlSustain, 127)
	d.NoteOn(0, 2, 50, 100)
	d.NoteOn(0, 2, 50, 100)
	d.NoteOn(0, 2, 52, 0)
	if d.ActiveNotes(2) != 1 {
		t.Fatalf("active notes = %d, want 1", d.ActiveNotes(2))
	}
	out.reset()
	d.StopAllNotes()
	expectLines(t, out, "off 2 50", "cc 2 64 0")
}

func TestGeneralMIDIIgnoresTimbreControllers(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	d.ControlChange(0, 0, driver.CtrlSelectPatchBank, 3)
	d.ControlChange(0, 0, driver.CtrlProtectTimbre, 127)
	d.ProgramChange(0, 0, 5)
	d.ControlChange(0, 0, mt32.ControllerSysExBase, 1)
	expectLines(t, out, "pc 0 5", "cc 0 80 1")
	if d.SysExBytes() != 0 {
		t.Fatalf("GM driver sent SysEx")
	}
}

func mt32Table() *bank.Table {
	data := make([]byte, bank.FamilyMT32.PayloadSize())
	return bank.NewTable(bank.FamilyMT32, []bank.Instrument{
		{Bank: 1, Patch: 5, Data: data},
		{Bank: 1, Patch: 6, Data: data},
	})
}

func TestMT32ProgramChangeInstallsCustomTimbre(t *testing.T) {
	p := DefaultParams()
	p.Device = DeviceMT32
	d, out := newTestDriver(t, p, mt32Table())
	d.ControlChange(0, 1, driver.CtrlSelectPatchBank, 1)
	d.ProgramChange(0, 1, 5)
	lines := out.lines()
	want := []string{"sysex", "sysex", "sysex", "sysex", "sysex", "sysex", "pc 1 5"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("sent %q", lines)
	}
	addr, data, err := mt32.UnmarshalSet(out.sysex()[5])
	if err != nil || addr != mt32.PatchAddress(5) || data[0] != 2 || data[1] != 0 {
		t.Fatalf("patch setup %06x % x %v", addr, data, err)
	}
	if d.channels[1].timbreSlot != 0 {
		t.Fatalf("timbre slot = %d", d.channels[1].timbreSlot)
	}
	if d.SysExBytes() == 0 {
		t.Fatalf("SysEx volume not counted")
	}

	// same program on another channel reuses the slot
	out.reset()
	d.ControlChange(0, 2, driver.CtrlSelectPatchBank, 1)
	d.ProgramChange(0, 2, 5)
	if n := len(out.sysex()); n != 1 {
		t.Fatalf("reinstall sent %d SysEx messages, want only the patch", n)
	}

	d.ControlChange(0, 1, driver.CtrlProtectTimbre, 127)
	if !d.cache.Protected(1, 5) {
		t.Fatalf("timbre protection controller ignored")
	}
}

func TestMT32NoteOnReinstallsEvictedTimbre(t *testing.T) {
	var ins []bank.Instrument
	for p := 0; p <= mt32.TimbreSlots; p++ {
		ins = append(ins, bank.Instrument{Bank: 1, Patch: byte(p), Data: make([]byte, bank.FamilyMT32.PayloadSize())})
	}
	p := DefaultParams()
	p.Device = DeviceMT32
	d, out := newTestDriver(t, p, bank.NewTable(bank.FamilyMT32, ins))
	d.ControlChange(0, 1, driver.CtrlSelectPatchBank, 1)
	d.ProgramChange(0, 1, 0)
	if d.channels[1].timbreSlot != 0 {
		t.Fatalf("timbre slot = %d", d.channels[1].timbreSlot)
	}

	// fill the rest of timbre memory from channel 2; the last install
	// evicts channel 1's timbre
	d.ControlChange(0, 2, driver.CtrlSelectPatchBank, 1)
	for prog := 1; prog <= mt32.TimbreSlots; prog++ {
		d.ProgramChange(0, 2, prog)
	}
	if d.cache.Search(1, 0) != -1 || d.cache.Search(1, mt32.TimbreSlots) != 0 {
		t.Fatalf("slot 0 not taken over")
	}

	out.reset()
	d.NoteOn(0, 1, 60, 100)
	lines := out.lines()
	n := len(lines)
	if n < 3 || lines[0] != "sysex" || lines[n-2] != "pc 1 0" || lines[n-1] != "on 1 60 100" {
		t.Fatalf("sent %q", lines)
	}
	slot := d.cache.Search(1, 0)
	if slot < 0 || d.channels[1].timbreSlot != slot {
		t.Fatalf("channel bound to %d, timbre in %d", d.channels[1].timbreSlot, slot)
	}

	out.reset()
	d.NoteOn(0, 1, 62, 100)
	expectLines(t, out, "on 1 62 100")
}

func TestMT32ProtectTimbreFollowsDivertedSource(t *testing.T) {
	p := DefaultParams()
	p.Device = DeviceMT32
	d, _ := newTestDriver(t, p, mt32Table())
	busy(d, 0, 3)
	d.ControlChange(0, 3, driver.CtrlSelectPatchBank, 1)
	d.ProgramChange(0, 3, 5)
	if got := d.LockChannel(1, 3); got != 3 {
		t.Fatalf("LockChannel picked %d, want 3", got)
	}
	d.ControlChange(1, 3, driver.CtrlSelectPatchBank, 1)
	d.ProgramChange(1, 3, 6)

	d.ControlChange(0, 3, driver.CtrlProtectTimbre, 127)
	if !d.cache.Protected(1, 5) || d.cache.Protected(1, 6) {
		t.Fatalf("protected 1:5=%v 1:6=%v, want only the diverted source's timbre",
			d.cache.Protected(1, 5), d.cache.Protected(1, 6))
	}
	d.ControlChange(1, 3, driver.CtrlProtectTimbre, 127)
	if !d.cache.Protected(1, 6) {
		t.Fatalf("lock owner's timbre not protected")
	}
}

func TestMT32SysExControllers(t *testing.T) {
	p := DefaultParams()
	p.Device = DeviceMT32
	d, out := newTestDriver(t, p, nil)
	base := mt32.ControllerSysExBase
	d.ControlChange(0, 0, base, 0x10)
	d.ControlChange(0, 0, base+1, 0x00)
	d.ControlChange(0, 0, base+2, 0x16)
	d.ControlChange(0, 0, base+3, 0x64)
	d.ControlChange(0, 0, base+4, 0x01)
	msgs := out.sysex()
	if len(msgs) != 1 || len(out.msgs) != 1 {
		t.Fatalf("sent %q", out.lines())
	}
	addr, data, err := mt32.UnmarshalSet(msgs[0])
	if err != nil || addr != 0x10<<14|0x16 || !reflect.DeepEqual(data, []byte{0x64, 0x01}) {
		t.Fatalf("sysex %06x % x %v", addr, data, err)
	}
}

func TestNewRejectsNilOutput(t *testing.T) {
	if _, err := New(nil, nil, DefaultParams(), nil); err == nil {
		t.Fatalf("expected error")
	}
	p := DefaultParams()
	p.Device = DeviceMT32
	if _, err := New(&messageLog{}, bank.NewTable(bank.FamilyOPL, nil), p, nil); err == nil {
		t.Fatalf("expected error for an OPL table")
	}
}

func TestSendRoutesThroughFrontEnd(t *testing.T) {
	d, out := newTestDriver(t, DefaultParams(), nil)
	driver.Send(d, 0, midi.NoteOn(0, 60, 100))
	driver.Send(d, 0, midi.NoteOn(0, 60, 0))
	expectLines(t, out, "on 0 60 100", "off 0 60")
}
