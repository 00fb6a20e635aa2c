package sequencer

import (
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/midivirt-go/internal/driver"
)

const defaultBPM = 120

// LoadSMF reads a Standard MIDI File into events. With tracksAsSources
// each track plays as its own source (track number = source id, extra
// tracks untagged); otherwise every event is untagged.
func LoadSMF(r io.Reader, tracksAsSources bool) ([]Event, error) {
	file, err := smf.ReadFrom(r)
	if err != nil {
		return nil, errors.Wrap(err, "sequencer: read SMF")
	}
	ticks, ok := file.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, errors.Errorf("sequencer: unsupported SMF time format %v", file.TimeFormat)
	}

	type tickEvent struct {
		tick   int64
		source int
		msg    midi.Message
	}
	type tempoChange struct {
		tick int64
		bpm  float64
	}
	var (
		pending []tickEvent
		tempos  []tempoChange
	)
	for ti, tr := range file.Tracks {
		source := driver.Untagged
		if tracksAsSources && driver.ValidSource(ti) {
			source = ti
		}
		var abs int64
		for _, ev := range tr {
			abs += int64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				tempos = append(tempos, tempoChange{abs, bpm})
				continue
			}
			b := []byte(ev.Message)
			if len(b) == 0 || b[0] < 0x80 || b[0] >= 0xF0 {
				continue
			}
			pending = append(pending, tickEvent{abs, source, midi.Message(append([]byte(nil), b...))})
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].tick < pending[j].tick })
	sort.SliceStable(tempos, func(i, j int) bool { return tempos[i].tick < tempos[j].tick })

	events := make([]Event, 0, len(pending))
	bpm := float64(defaultBPM)
	var lastTick int64
	var lastTime time.Duration
	ti := 0
	at := func(tick int64) time.Duration {
		for ti < len(tempos) && tempos[ti].tick <= tick {
			lastTime += ticks.Duration(bpm, uint32(tempos[ti].tick-lastTick))
			lastTick = tempos[ti].tick
			bpm = tempos[ti].bpm
			ti++
		}
		return lastTime + ticks.Duration(bpm, uint32(tick-lastTick))
	}
	for _, p := range pending {
		events = append(events, Event{At: at(p.tick), Source: p.source, Msg: p.msg})
	}
	return events, nil
}
