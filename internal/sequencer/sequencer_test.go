package sequencer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/midivirt-go/internal/driver"
)

// countingDriver records what reaches it, stamped with the frame the
// sequencer was at.
type countingDriver struct {
	seq     *Sequencer
	log     []string
	timers  int
	stopped int
}

func (d *countingDriver) record(format string, args ...any) {
	var frame int64
	if d.seq != nil {
		frame = d.seq.frame
	}
	d.log = append(d.log, fmt.Sprintf("%d ", frame)+fmt.Sprintf(format, args...))
}

func (d *countingDriver) NoteOn(source, channel, note, velocity int) {
	d.record("on %d %d %d", source, channel, note)
}
func (d *countingDriver) NoteOff(source, channel, note int) {
	d.record("off %d %d %d", source, channel, note)
}
func (d *countingDriver) ControlChange(source, channel, controller, value int) {
	d.record("cc %d %d %d %d", source, channel, controller, value)
}
func (d *countingDriver) ProgramChange(source, channel, program int) {
	d.record("pc %d %d %d", source, channel, program)
}
func (d *countingDriver) PitchBend(source, channel, value int) {
	d.record("pb %d %d %d", source, channel, value)
}
func (d *countingDriver) OnTimer()                           { d.timers++ }
func (d *countingDriver) DeinitSource(source int)            { d.record("deinit %d", source) }
func (d *countingDriver) SetSourceVolume(source, volume int) { d.record("vol %d %d", source, volume) }
func (d *countingDriver) StopAllNotes()                      { d.stopped++ }
func (d *countingDriver) Close() error                       { return nil }

var _ driver.Driver = (*countingDriver)(nil)

type constSource struct{ active int }

func (c *constSource) Process(dst []float32) {
	for i := range dst {
		dst[i] = 0.5
	}
}

func (c *constSource) ActiveVoiceCount() int { return c.active }

func expectLog(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q (all %q)", i, got[i], want[i], got)
		}
	}
}

func TestSequencerDispatchesAtFrames(t *testing.T) {
	drv := &countingDriver{}
	events := []Event{
		{At: 10 * time.Millisecond, Source: 2, Msg: midi.NoteOff(0, 60)},
		{At: 0, Source: 2, Msg: midi.NoteOn(0, 60, 100)},
		{At: 5 * time.Millisecond, Kind: KindSourceVolume, Source: 2, Value: 128},
		{At: 10 * time.Millisecond, Kind: KindDeinitSource, Source: 2},
	}
	seq := New(events, drv, &constSource{}, 48000, Options{})
	drv.seq = seq
	buf := make([]float32, 1000*2)
	seq.Process(buf)
	expectLog(t, drv.log,
		"0 on 2 0 60",
		"240 vol 2 128",
		"480 off 2 0 60",
		"480 deinit 2",
	)
	if buf[0] != 0.5 || buf[len(buf)-1] != 0.5 {
		t.Fatalf("source audio not copied")
	}
}

func TestSequencerTimerCadence(t *testing.T) {
	drv := &countingDriver{}
	seq := New(nil, drv, nil, 48000, Options{TimerHz: 120, ReleaseTailFrames: 48000 * 2})
	seq.Advance(48000)
	// ticks at frame 0, 400, ... 47600
	if drv.timers != 120 {
		t.Fatalf("%d timer ticks in one second, want 120", drv.timers)
	}
	seq.Advance(1)
	if drv.timers != 121 {
		t.Fatalf("tick at frame 48000 missing")
	}
}

func TestSequencerEndsAfterReleaseTail(t *testing.T) {
	var ended int
	drv := &countingDriver{}
	src := &constSource{active: 1}
	seq := New([]Event{{At: 0, Msg: midi.NoteOn(0, 60, 100)}}, drv, src, 48000, Options{
		ReleaseTailFrames: 100,
		OnEvent: func(k EventKind) {
			if k == EventPlaybackEnded {
				ended++
			}
		},
	})
	seq.Advance(1000)
	if seq.Finished() {
		t.Fatalf("ended while voices were sounding")
	}
	src.active = 0
	seq.Advance(99)
	if seq.Finished() {
		t.Fatalf("ended before the tail ran out")
	}
	seq.Advance(1)
	if !seq.Finished() || ended != 1 || drv.stopped != 1 {
		t.Fatalf("finished=%v ended=%d stopped=%d", seq.Finished(), ended, drv.stopped)
	}
	seq.Advance(1000)
	if ended != 1 {
		t.Fatalf("end fired twice")
	}
}

func TestSequencerLoops(t *testing.T) {
	var loops int
	drv := &countingDriver{}
	events := []Event{
		{At: 0, Msg: midi.NoteOn(0, 60, 100)},
		{At: 10 * time.Millisecond, Msg: midi.NoteOff(0, 60)},
	}
	seq := New(events, drv, nil, 48000, Options{
		Loop:              true,
		ReleaseTailFrames: 20,
		OnEvent: func(k EventKind) {
			if k == EventLoopCompleted {
				loops++
			}
		},
	})
	drv.seq = seq
	seq.Advance(1100)
	if loops != 2 {
		t.Fatalf("%d loops, want 2", loops)
	}
	expectLog(t, drv.log,
		"0 on -1 0 60",
		"480 off -1 0 60",
		"500 on -1 0 60",
		"980 off -1 0 60",
		"1000 on -1 0 60",
	)
	if seq.Finished() {
		t.Fatalf("looping sequence finished")
	}
}

func TestSequencerOpenNeverEnds(t *testing.T) {
	drv := &countingDriver{}
	seq := New(nil, drv, nil, 48000, Options{Open: true, ReleaseTailFrames: 10})
	seq.Advance(48000)
	if seq.Finished() || drv.stopped != 0 {
		t.Fatalf("open sequence ended: finished=%v stopped=%d", seq.Finished(), drv.stopped)
	}
	if drv.timers == 0 {
		t.Fatalf("timer not ticking")
	}
}

func TestSequencerCountsIgnoredMessages(t *testing.T) {
	drv := &countingDriver{}
	seq := New([]Event{{Msg: midi.Message{0xF0, 0x7E, 0xF7}}}, drv, nil, 48000, Options{})
	seq.Advance(10)
	if seq.Ignored() != 1 || len(drv.log) != 0 {
		t.Fatalf("ignored=%d log=%q", seq.Ignored(), drv.log)
	}
}

func TestSequencerRunStopsOnCancel(t *testing.T) {
	drv := &countingDriver{}
	seq := New([]Event{{At: time.Hour, Msg: midi.NoteOn(0, 60, 1)}}, drv, nil, 48000, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := seq.Run(ctx); err == nil {
		t.Fatalf("Run returned nil on cancel")
	}
	if drv.timers == 0 || drv.stopped != 1 {
		t.Fatalf("timers=%d stopped=%d", drv.timers, drv.stopped)
	}
}

func TestSequencerRunHoldsLocker(t *testing.T) {
	var mu sync.Mutex
	drv := &countingDriver{}
	seq := New([]Event{{Msg: midi.NoteOn(0, 60, 1)}}, drv, nil, 48000, Options{
		ReleaseTailFrames: 480,
		Locker:            &mu,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := seq.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !mu.TryLock() {
		t.Fatalf("locker left held")
	}
	mu.Unlock()
	if !seq.Finished() || drv.stopped != 1 {
		t.Fatalf("finished=%v stopped=%d", seq.Finished(), drv.stopped)
	}
}

func TestLoadSMFAppliesTempoMap(t *testing.T) {
	file := smf.New()
	file.TimeFormat = smf.MetricTicks(480)

	var conductor smf.Track
	conductor.Add(0, smf.MetaTempo(120))
	conductor.Add(480, smf.MetaTempo(60))
	conductor.Close(0)

	var melody smf.Track
	melody.Add(0, midi.NoteOn(1, 60, 100))
	melody.Add(480, midi.NoteOff(1, 60))
	melody.Add(480, midi.ControlChange(1, 7, 90))
	melody.Close(0)

	if err := file.Add(conductor); err != nil {
		t.Fatalf("add conductor: %v", err)
	}
	if err := file.Add(melody); err != nil {
		t.Fatalf("add melody: %v", err)
	}
	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := LoadSMF(bytes.NewReader(buf.Bytes()), true)
	if err != nil {
		t.Fatalf("LoadSMF: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("%d events, want 3", len(events))
	}
	// one beat at 120 bpm, then one at 60 bpm
	for i, want := range []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond} {
		if events[i].At != want {
			t.Fatalf("event %d at %v, want %v", i, events[i].At, want)
		}
		if events[i].Source != 1 {
			t.Fatalf("event %d source %d, want track 1", i, events[i].Source)
		}
	}

	untagged, _ := LoadSMF(bytes.NewReader(buf.Bytes()), false)
	if untagged[0].Source != driver.Untagged {
		t.Fatalf("source %d, want untagged", untagged[0].Source)
	}
}

func TestLoadSMFRejectsGarbage(t *testing.T) {
	if _, err := LoadSMF(bytes.NewReader([]byte("not a midi file")), false); err == nil {
		t.Fatalf("garbage accepted")
	}
}
