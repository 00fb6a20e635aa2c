package midivirt

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"

	intaudio "github.com/cbegin/midivirt-go/internal/audio"
	"github.com/cbegin/midivirt-go/internal/driver"
	"github.com/cbegin/midivirt-go/internal/opl"
	"github.com/cbegin/midivirt-go/internal/script"
	intseq "github.com/cbegin/midivirt-go/internal/sequencer"
	"github.com/cbegin/midivirt-go/internal/transport"
)

// Event is one timed action of a sequence.
type Event = intseq.Event

const (
	KindMessage      = intseq.KindMessage
	KindSourceVolume = intseq.KindSourceVolume
	KindDeinitSource = intseq.KindDeinitSource
)

// Untagged is the source id of messages that belong to no source.
const Untagged = driver.Untagged

// PlaybackEvent carries playback events from Watch().
type PlaybackEvent struct {
	Kind int // EventLoopCompleted or EventPlaybackEnded
}

const (
	EventLoopCompleted = int(intseq.EventLoopCompleted)
	EventPlaybackEnded = int(intseq.EventPlaybackEnded)
)

// LoadSMF reads a Standard MIDI File. With tracksAsSources each track
// plays as its own source.
func LoadSMF(r io.Reader, tracksAsSources bool) ([]Event, error) {
	return intseq.LoadSMF(r, tracksAsSources)
}

// CompileScript runs a Lua sequence script and returns the events it
// scheduled.
func CompileScript(ctx context.Context, name, src string) ([]Event, error) {
	return script.Compile(ctx, name, src)
}

// engine is one driver plus whatever renders it.
type engine struct {
	drv    Driver
	source intseq.SampleSource // nil when the driver talks to hardware
	gain   func(float64)
}

func newEngine(cfg config, sampleRate int) (*engine, error) {
	if cfg.device.FM() {
		params := opl.DefaultParams()
		chip := opl.New(sampleRate, params)
		drv, err := openFM(chip, cfg)
		if err != nil {
			return nil, err
		}
		return &engine{
			drv:    drv,
			source: chip,
			gain:   func(v float64) { chip.SetMasterGain(params.MasterGain * v) },
		}, nil
	}
	switch {
	case cfg.output != nil:
		drv, err := openMultiplexed(cfg.output, cfg)
		if err != nil {
			return nil, err
		}
		return &engine{drv: drv, gain: func(float64) {}}, nil
	case cfg.soundFont != nil:
		synth, err := transport.NewSoftSynth(cfg.soundFont, sampleRate)
		if err != nil {
			return nil, err
		}
		drv, err := openMultiplexed(synth, cfg)
		if err != nil {
			return nil, err
		}
		src := &gainSource{source: synth}
		src.set(1)
		return &engine{drv: drv, source: src, gain: src.set}, nil
	}
	return nil, errors.Errorf("midivirt: %s needs WithOutput or WithSoundFont", cfg.device)
}

// gainSource scales a source that has no gain control of its own.
type gainSource struct {
	source intseq.SampleSource
	bits   atomic.Uint64
}

func (g *gainSource) set(v float64) { g.bits.Store(math.Float64bits(v)) }

func (g *gainSource) Process(dst []float32) {
	g.source.Process(dst)
	gain := float32(math.Float64frombits(g.bits.Load()))
	if gain == 1 {
		return
	}
	for i := range dst {
		dst[i] *= gain
	}
}

// playback tracks one Play call until it ends or is replaced.
type playback struct {
	done     chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func newPlayback() *playback {
	return &playback{done: make(chan struct{})}
}

func (pb *playback) end() {
	pb.once.Do(func() { close(pb.done) })
}

// eventWrapper wraps a sequencer and implements SampleSource + FinishingSource
// so the audio stream ends with non-looping playback.
type eventWrapper struct {
	seq       *intseq.Sequencer
	run       *playback
	engineMu  *sync.Mutex
	sampleTap func([]float32)
}

func (w *eventWrapper) Process(dst []float32) {
	w.engineMu.Lock()
	w.seq.Process(dst)
	w.engineMu.Unlock()
	if w.sampleTap != nil {
		w.sampleTap(dst)
	}
}

func (w *eventWrapper) Finished() bool {
	return w.run.finished.Load()
}

type Player struct {
	mu         sync.Mutex
	engineMu   sync.Mutex // guards eng and seq against the audio thread
	cfg        config
	sampleRate int
	eng        *engine
	seq        *intseq.Sequencer
	audio      *intaudio.Player
	cancel     context.CancelFunc // stops the hardware clock
	run        *playback
	volume     float64
	userVolume int
	// sourceVolumes carries SetSourceVolume across the fresh driver each
	// Play opens.
	sourceVolumes map[int]int
	eventCh       chan PlaybackEvent
	eventChMu     sync.Mutex
}

// Stats describes the current playback.
type Stats struct {
	Elapsed      time.Duration
	Ignored      int // messages the driver did not understand
	ActiveVoices int // FM voices or sounding notes
	SysExBytes   int
}

func NewPlayer(sampleRate int, opts ...Option) (*Player, error) {
	if sampleRate <= 0 {
		return nil, errors.New("midivirt: sampleRate must be positive")
	}
	cfg := buildConfig(opts)
	eng, err := newEngine(cfg, sampleRate)
	if err != nil {
		return nil, err
	}
	return &Player{
		cfg:           cfg,
		sampleRate:    sampleRate,
		eng:           eng,
		volume:        1,
		userVolume:    256,
		sourceVolumes: make(map[int]int),
	}, nil
}

// Device returns the device the player drives.
func (p *Player) Device() Device { return p.cfg.device }

// PlaySMF plays a Standard MIDI File, one source per track when
// tracksAsSources is set.
func (p *Player) PlaySMF(r io.Reader, tracksAsSources bool) error {
	events, err := LoadSMF(r, tracksAsSources)
	if err != nil {
		return err
	}
	return p.Play(events)
}

// PlayScript compiles a Lua sequence script and plays it.
func (p *Player) PlayScript(ctx context.Context, name, src string) error {
	events, err := CompileScript(ctx, name, src)
	if err != nil {
		return err
	}
	return p.Play(events)
}

func (p *Player) Play(events []Event) error {
	return p.start(events, false)
}

// Listen opens an empty session that never ends on its own, for live
// input through Send. Stop ends it.
func (p *Player) Listen() error {
	return p.start(nil, true)
}

func (p *Player) start(events []Event, live bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.haltLocked()

	// A fresh driver per Play keeps voice and lock state from leaking
	// between sequences.
	eng, err := newEngine(p.cfg, p.sampleRate)
	if err != nil {
		return err
	}
	p.engineMu.Lock()
	if p.eng != nil {
		_ = p.eng.drv.Close()
	}
	p.eng = eng
	eng.gain(p.volume)
	setUserVolume(eng.drv, p.userVolume)
	for source, volume := range p.sourceVolumes {
		eng.drv.SetSourceVolume(source, volume)
	}
	p.engineMu.Unlock()

	run := newPlayback()
	p.run = run
	seq := intseq.New(events, eng.drv, eng.source, p.sampleRate, intseq.Options{
		Loop:    p.cfg.loopPlayback,
		Open:    live,
		TimerHz: p.cfg.timerHz,
		Logger:  p.cfg.logger,
		Locker:  &p.engineMu,
		OnEvent: func(kind intseq.EventKind) {
			if kind == intseq.EventPlaybackEnded {
				run.finished.Store(true)
			}
			p.sendEvent(PlaybackEvent{Kind: int(kind)})
			if kind == intseq.EventPlaybackEnded {
				run.end()
			}
		},
	})
	p.engineMu.Lock()
	p.seq = seq
	p.engineMu.Unlock()

	if eng.source == nil {
		if !live {
			p.startClockLocked()
		}
		return nil
	}
	backend, err := intaudio.NewPlayer(p.sampleRate, &eventWrapper{
		seq:       seq,
		run:       run,
		engineMu:  &p.engineMu,
		sampleTap: p.cfg.sampleTap,
	})
	if err != nil {
		run.end()
		return err
	}
	p.audio = backend
	p.audio.Play()
	return nil
}

// startClockLocked drives a hardware sequence from the wall clock.
func (p *Player) startClockLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	seq := p.seq
	logger := p.cfg.logger
	go func() {
		if err := seq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("midivirt: hardware clock stopped", "err", err)
		}
	}()
}

// haltLocked stops audio output and the hardware clock and releases any
// Wait on the current playback.
func (p *Player) haltLocked() (err error) {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.audio != nil {
		err = p.audio.Stop()
		p.audio = nil
	}
	if p.run != nil {
		p.run.end()
		p.run = nil
	}
	return err
}

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full; drop event
		}
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Pause()
		return
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Play()
		return
	}
	if p.run != nil && p.cancel == nil && p.seq != nil && !p.seq.Finished() {
		p.startClockLocked()
	}
}

func (p *Player) Stop() error {
	p.mu.Lock()
	if p.run == nil {
		p.mu.Unlock()
		return nil
	}
	err := p.haltLocked()
	p.mu.Unlock()
	p.engineMu.Lock()
	p.eng.drv.StopAllNotes()
	p.engineMu.Unlock()
	p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
	return err
}

// Close stops playback and releases the driver.
func (p *Player) Close() error {
	err := p.Stop()
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	if cerr := p.eng.drv.Close(); err == nil {
		err = cerr
	}
	return err
}

// Wait blocks until the current playback ends. When loop playback is enabled,
// Wait blocks until Stop (use Watch for loop counting instead).
// Wait returns immediately if no playback is active.
func (p *Player) Wait() {
	p.mu.Lock()
	run := p.run
	p.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

// Watch returns a channel that receives playback events. Events are sent when:
//   - EventLoopCompleted: a loop pass finished (when looping)
//   - EventPlaybackEnded: playback finished or was stopped
//
// The channel is buffered (cap 8); receive in a goroutine to avoid dropping
// events. Only the most recent Watch() channel receives events.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 8)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// SetMasterVolume scales rendered audio. 1.0 is default. It has no effect
// on hardware output; use SetUserVolume there.
func (p *Player) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	p.engineMu.Lock()
	p.eng.gain(volume)
	p.engineMu.Unlock()
}

func (p *Player) MasterVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

type userVolumeSetter interface {
	SetUserVolume(volume int)
}

func setUserVolume(drv Driver, volume int) {
	if uv, ok := drv.(userVolumeSetter); ok {
		uv.SetUserVolume(volume)
	}
}

// SetUserVolume sets the music level the driver applies to every note
// (256 = unity). It needs WithUserVolumeScaling.
func (p *Player) SetUserVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	p.userVolume = volume
	p.mu.Unlock()
	p.engineMu.Lock()
	setUserVolume(p.eng.drv, volume)
	p.engineMu.Unlock()
}

func (p *Player) UserVolume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userVolume
}

// SetSourceVolume sets one source's volume relative to the neutral volume.
// It persists across Play calls until DeinitSource.
func (p *Player) SetSourceVolume(source, volume int) {
	if !driver.ValidSource(source) {
		return
	}
	p.mu.Lock()
	p.sourceVolumes[source] = volume
	p.mu.Unlock()
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	p.eng.drv.SetSourceVolume(source, volume)
}

// DeinitSource silences source and drops every lock it holds.
func (p *Player) DeinitSource(source int) {
	p.mu.Lock()
	delete(p.sourceVolumes, source)
	p.mu.Unlock()
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	p.eng.drv.DeinitSource(source)
}

// Send delivers one live message as source, alongside any sequence that
// is playing. It reports false for messages the driver does not handle.
func (p *Player) Send(source int, msg midi.Message) bool {
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	return driver.Send(p.eng.drv, source, msg)
}

type voiceCounter interface {
	ActiveVoiceCount() int
}

type noteCounter interface {
	ActiveNotes(ch int) int
}

type sysExCounter interface {
	SysExBytes() int
}

func (p *Player) Stats() Stats {
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	var st Stats
	if p.seq != nil {
		st.Elapsed = p.seq.Elapsed()
		st.Ignored = p.seq.Ignored()
	}
	switch drv := p.eng.drv.(type) {
	case voiceCounter:
		st.ActiveVoices = drv.ActiveVoiceCount()
	case noteCounter:
		for ch := 0; ch < driver.Channels; ch++ {
			st.ActiveVoices += drv.ActiveNotes(ch)
		}
	}
	if sc, ok := p.eng.drv.(sysExCounter); ok {
		st.SysExBytes = sc.SysExBytes()
	}
	return st
}
