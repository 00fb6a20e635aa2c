// Package script runs Lua event scripts. A script plays the part of one or
// more game scripts sharing the device: it picks a source, sends channel
// events, locks channels and waits, and the result is a timed event list.
//
//	source(1)
//	program(0, 19)
//	lock(0)
//	note(0, 60, 100, 0.5)  -- channel, key, velocity, seconds
//	wait(0.5)
//	unlock(0)
package script

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/midivirt-go/internal/driver"
	"github.com/cbegin/midivirt-go/internal/sequencer"
)

// DefaultTimeout bounds script execution.
const DefaultTimeout = 5 * time.Second

type runner struct {
	now    time.Duration
	source int
	events []sequencer.Event
}

func (r *runner) add(msg midi.Message) {
	r.events = append(r.events, sequencer.Event{At: r.now, Source: r.source, Msg: msg})
}

// Compile runs src and returns the events it produced, ordered by time.
func Compile(ctx context.Context, name, src string) ([]sequencer.Event, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.MathLibName, lua.OpenMath},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	L.SetContext(ctx)

	r := &runner{source: driver.Untagged}
	r.register(L)
	fn, err := L.LoadString(src)
	if err != nil {
		return nil, errors.Wrapf(err, "script: %s", name)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, errors.Wrapf(err, "script: %s", name)
	}
	sort.SliceStable(r.events, func(i, j int) bool { return r.events[i].At < r.events[j].At })
	return r.events, nil
}

func (r *runner) register(L *lua.LState) {
	fns := map[string]lua.LGFunction{
		"source": func(L *lua.LState) int {
			id := L.CheckInt(1)
			if id != driver.Untagged && !driver.ValidSource(id) {
				L.ArgError(1, "source out of range")
			}
			r.source = id
			return 0
		},
		"wait": func(L *lua.LState) int {
			sec := float64(L.CheckNumber(1))
			if sec < 0 {
				L.ArgError(1, "negative wait")
			}
			r.now += seconds(sec)
			return 0
		},
		"on": func(L *lua.LState) int {
			r.add(midi.NoteOn(channel(L, 1), data(L, 2), data(L, 3)))
			return 0
		},
		"off": func(L *lua.LState) int {
			r.add(midi.NoteOff(channel(L, 1), data(L, 2)))
			return 0
		},
		"note": func(L *lua.LState) int {
			ch, key, vel := channel(L, 1), data(L, 2), data(L, 3)
			dur := seconds(float64(L.OptNumber(4, 0.5)))
			r.add(midi.NoteOn(ch, key, vel))
			r.events = append(r.events, sequencer.Event{At: r.now + dur, Source: r.source, Msg: midi.NoteOff(ch, key)})
			return 0
		},
		"cc": func(L *lua.LState) int {
			r.add(midi.ControlChange(channel(L, 1), data(L, 2), data(L, 3)))
			return 0
		},
		"program": func(L *lua.LState) int {
			r.add(midi.ProgramChange(channel(L, 1), data(L, 2)))
			return 0
		},
		"bank": func(L *lua.LState) int {
			r.add(midi.ControlChange(channel(L, 1), driver.CtrlSelectPatchBank, data(L, 2)))
			return 0
		},
		"bend": func(L *lua.LState) int {
			v := L.CheckInt(2)
			if v < 0 || v > 0x3FFF {
				L.ArgError(2, "bend out of range")
			}
			r.add(midi.Pitchbend(channel(L, 1), int16(v-driver.PitchBendCenter)))
			return 0
		},
		"lock": func(L *lua.LState) int {
			r.add(midi.ControlChange(channel(L, 1), driver.CtrlLockChannel, 127))
			return 0
		},
		"unlock": func(L *lua.LState) int {
			r.add(midi.ControlChange(channel(L, 1), driver.CtrlLockChannel, 0))
			return 0
		},
		"volume": func(L *lua.LState) int {
			r.events = append(r.events, sequencer.Event{At: r.now, Kind: sequencer.KindSourceVolume, Source: L.CheckInt(1), Value: L.CheckInt(2)})
			return 0
		},
		"deinit": func(L *lua.LState) int {
			r.events = append(r.events, sequencer.Event{At: r.now, Kind: sequencer.KindDeinitSource, Source: L.CheckInt(1)})
			return 0
		},
		"now": func(L *lua.LState) int {
			L.Push(lua.LNumber(r.now.Seconds()))
			return 1
		},
	}
	for name, fn := range fns {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func channel(L *lua.LState, n int) uint8 {
	ch := L.CheckInt(n)
	if ch < 0 || ch >= driver.Channels {
		L.ArgError(n, "channel out of range")
	}
	return uint8(ch)
}

func data(L *lua.LState, n int) uint8 {
	v := L.CheckInt(n)
	if v < 0 || v > 127 {
		L.ArgError(n, "value out of range")
	}
	return uint8(v)
}
