// Package sequencer replays timed MIDI events into a driver, clocked by the
// audio frames it renders or by the wall clock for hardware output.
package sequencer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/midivirt-go/internal/driver"
)

// DefaultTimerHz is the rate of the driver timer callback.
const DefaultTimerHz = 120

// Kind selects what an Event does.
type Kind int

const (
	// KindMessage sends Msg to the driver as Source.
	KindMessage Kind = iota
	// KindSourceVolume sets Source's volume to Value.
	KindSourceVolume
	// KindDeinitSource disconnects Source.
	KindDeinitSource
)

// Event is one timed action.
type Event struct {
	At     time.Duration
	Kind   Kind
	Source int
	Msg    midi.Message
	Value  int
}

// EventKind identifies sequencer lifecycle events.
type EventKind int

const (
	EventLoopCompleted EventKind = iota
	EventPlaybackEnded
)

// SampleSource renders the audio of whatever the driver writes to. It may be
// nil when the driver talks to external hardware.
type SampleSource interface {
	Process(dst []float32)
}

// voiceCounter is implemented by sources that can tell when their release
// tails have died out.
type voiceCounter interface {
	ActiveVoiceCount() int
}

type Options struct {
	Loop bool
	// Open keeps the sequence running after its last event, for live
	// input. It never ends.
	Open    bool
	TimerHz int
	OnEvent func(EventKind)
	// OnAdvance is called after every run of frames, with the frame count.
	OnAdvance         func(frames int)
	ReleaseTailFrames int // extra frames to render after the last voice ends (0 = 0.5s)
	Logger            *slog.Logger
	// Locker, when set, is held around each step Run takes so other
	// goroutines can share the driver.
	Locker sync.Locker
}

type Sequencer struct {
	events     []Event
	drv        driver.Driver
	source     SampleSource
	sampleRate int
	timerHz    int
	log        *slog.Logger
	locker     sync.Locker

	frame     int64 // frames rendered since start
	origin    int64 // frame the current pass started at
	next      int
	timerStep float64
	nextTimer float64

	loop               bool
	open               bool
	onEvent            func(EventKind)
	onAdvance          func(int)
	releaseTailFrames  int
	tailCountdown      int
	commandExhausted   bool
	playbackEndedFired bool
	ignored            int
}

func New(events []Event, drv driver.Driver, source SampleSource, sampleRate int, opts Options) *Sequencer {
	tailFrames := opts.ReleaseTailFrames
	if tailFrames <= 0 {
		tailFrames = sampleRate / 2
	}
	hz := opts.TimerHz
	if hz <= 0 {
		hz = DefaultTimerHz
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &Sequencer{
		events:            sorted,
		drv:               drv,
		source:            source,
		sampleRate:        sampleRate,
		timerHz:           hz,
		log:               logger,
		locker:            opts.Locker,
		timerStep:         float64(sampleRate) / float64(hz),
		loop:              opts.Loop,
		open:              opts.Open,
		onEvent:           opts.OnEvent,
		onAdvance:         opts.OnAdvance,
		releaseTailFrames: tailFrames,
		tailCountdown:     tailFrames,
	}
}

func (s *Sequencer) eventFrame(i int) int64 {
	return s.origin + int64(s.events[i].At*time.Duration(s.sampleRate)/time.Second)
}

// Process renders interleaved stereo frames into dst, dispatching events
// and timer ticks at their frames.
func (s *Sequencer) Process(dst []float32) {
	s.run(dst, len(dst)/2)
}

// Advance moves the clock by frames without rendering audio.
func (s *Sequencer) Advance(frames int) {
	s.run(nil, frames)
}

func (s *Sequencer) run(dst []float32, frames int) {
	done := 0
	for done < frames {
		s.dispatchDue()
		n := int64(frames - done)
		if s.next < len(s.events) {
			if d := s.eventFrame(s.next) - s.frame; d < n {
				n = d
			}
		}
		if d := int64(s.nextTimer+0.999999) - s.frame; d < n {
			n = d
		}
		if s.commandExhausted && !s.playbackEndedFired && s.tailCountdown > 0 && int64(s.tailCountdown) < n {
			n = int64(s.tailCountdown)
		}
		if n < 1 {
			n = 1
		}
		if dst != nil {
			chunk := dst[done*2 : (done+int(n))*2]
			if s.source != nil {
				s.source.Process(chunk)
			} else {
				clear(chunk)
			}
		}
		s.frame += n
		done += int(n)
		if s.onAdvance != nil {
			s.onAdvance(int(n))
		}
		s.checkEnd(int(n))
	}
}

func (s *Sequencer) dispatchDue() {
	for s.next < len(s.events) && s.eventFrame(s.next) <= s.frame {
		s.apply(&s.events[s.next])
		s.next++
	}
	for float64(s.frame) >= s.nextTimer {
		s.drv.OnTimer()
		s.nextTimer += s.timerStep
	}
	if s.next >= len(s.events) && !s.commandExhausted {
		s.commandExhausted = true
		s.tailCountdown = s.releaseTailFrames
	}
}

func (s *Sequencer) apply(ev *Event) {
	switch ev.Kind {
	case KindSourceVolume:
		s.drv.SetSourceVolume(ev.Source, ev.Value)
	case KindDeinitSource:
		s.drv.DeinitSource(ev.Source)
	default:
		if !driver.Send(s.drv, ev.Source, ev.Msg) {
			s.ignored++
			s.log.Debug("sequencer: message ignored", "msg", ev.Msg.String(), "source", ev.Source)
		}
	}
}

// checkEnd counts down the release tail once every event has been sent.
// A looping sequence restarts after the tail; otherwise playback ends.
func (s *Sequencer) checkEnd(frames int) {
	if s.open || !s.commandExhausted || s.playbackEndedFired {
		return
	}
	if vc, ok := s.source.(voiceCounter); ok && vc.ActiveVoiceCount() > 0 && !s.loop {
		return
	}
	s.tailCountdown -= frames
	if s.tailCountdown > 0 {
		return
	}
	if s.loop && len(s.events) > 0 {
		s.drv.StopAllNotes()
		s.origin = s.frame
		s.next = 0
		s.commandExhausted = false
		if s.onEvent != nil {
			s.onEvent(EventLoopCompleted)
		}
		return
	}
	s.playbackEndedFired = true
	s.drv.StopAllNotes()
	if s.onEvent != nil {
		s.onEvent(EventPlaybackEnded)
	}
}

// Finished reports whether playback has ended.
func (s *Sequencer) Finished() bool {
	return s.playbackEndedFired
}

// Elapsed returns the time rendered so far.
func (s *Sequencer) Elapsed() time.Duration {
	return time.Duration(s.frame) * time.Second / time.Duration(s.sampleRate)
}

// Ignored returns the number of messages the driver did not understand.
func (s *Sequencer) Ignored() int { return s.ignored }

// Run advances the sequence in step with the wall clock until it ends or
// ctx is done. It is used when the driver writes to hardware and nothing
// pulls audio.
func (s *Sequencer) Run(ctx context.Context) error {
	t := time.NewTicker(time.Second / time.Duration(s.timerHz))
	defer t.Stop()
	start := time.Now()
	base := s.frame
	for {
		select {
		case <-ctx.Done():
			s.lock()
			s.drv.StopAllNotes()
			s.unlock()
			return ctx.Err()
		case now := <-t.C:
			s.lock()
			target := base + int64(now.Sub(start)*time.Duration(s.sampleRate)/time.Second)
			if d := target - s.frame; d > 0 {
				s.Advance(int(d))
			}
			finished := s.Finished()
			s.unlock()
			if finished {
				return nil
			}
		}
	}
}

func (s *Sequencer) lock() {
	if s.locker != nil {
		s.locker.Lock()
	}
}

func (s *Sequencer) unlock() {
	if s.locker != nil {
		s.locker.Unlock()
	}
}
