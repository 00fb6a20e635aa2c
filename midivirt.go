// Package midivirt plays MIDI from several independent sources through one
// shared synthesizer: an FM chip whose few voices are virtualised into a
// larger pool, or a General MIDI/MT-32 device whose channels are shared
// through locking and whose custom timbre memory is cached.
package midivirt

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/cbegin/midivirt-go/internal/adlib"
	"github.com/cbegin/midivirt-go/internal/bank"
	"github.com/cbegin/midivirt-go/internal/driver"
	"github.com/cbegin/midivirt-go/internal/multiplex"
)

type Device string

const (
	DeviceAdLib Device = "adlib" // mono 9 voice FM
	DeviceOPL3  Device = "opl3"  // stereo 18 voice FM
	DeviceMT32  Device = "mt32"
	DeviceGM    Device = "gm"
)

// FM reports whether d is driven through the voice allocator.
func (d Device) FM() bool {
	return d == DeviceAdLib || d == DeviceOPL3
}

type VoiceSearch = adlib.VoiceSearch

const (
	SearchLinear   = adlib.SearchLinear
	SearchCircular = adlib.SearchCircular
)

// Driver is the capability set both device tiers implement.
type Driver = driver.Driver

type Option func(*config)

type config struct {
	device         Device
	search         VoiceSearch
	virtualVoices  int
	neutralVolume  int
	userScaling    bool
	logger         *slog.Logger
	sysExPaced     bool
	sysExSurcharge time.Duration
	instruments    *bank.Table
	soundFont      *meltysynth.SoundFont
	output         multiplex.Output
	loopPlayback   bool
	timerHz        int
	sampleTap      func([]float32)
}

func defaultConfig() config {
	return config{
		device:        DeviceAdLib,
		search:        SearchLinear,
		virtualVoices: adlib.MaxVirtualVoices,
		neutralVolume: 256,
		logger:        slog.Default(),
	}
}

func WithDevice(d Device) Option {
	return func(cfg *config) {
		cfg.device = d
	}
}

func WithVoiceSearch(s VoiceSearch) Option {
	return func(cfg *config) {
		cfg.search = s
	}
}

// WithVirtualVoices sets the size of the FM virtual voice pool (at most 20).
func WithVirtualVoices(n int) Option {
	return func(cfg *config) {
		cfg.virtualVoices = n
	}
}

// WithSourceNeutralVolume sets the source volume that leaves levels
// unchanged.
func WithSourceNeutralVolume(v int) Option {
	return func(cfg *config) {
		cfg.neutralVolume = v
	}
}

// WithUserVolumeScaling lets SetUserVolume scale every output level.
func WithUserVolumeScaling(enabled bool) Option {
	return func(cfg *config) {
		cfg.userScaling = enabled
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithSysExDelay paces SysEx for real MT-32 hardware, adding surcharge to
// every message's transmission time. Early hardware revisions need about
// 40ms.
func WithSysExDelay(surcharge time.Duration) Option {
	return func(cfg *config) {
		cfg.sysExPaced = true
		cfg.sysExSurcharge = surcharge
	}
}

// WithInstruments replaces the instrument table: OPL records for the FM
// devices, MT-32 timbres for DeviceMT32.
func WithInstruments(t *bank.Table) Option {
	return func(cfg *config) {
		cfg.instruments = t
	}
}

// WithSoundFont renders the General MIDI devices in software.
func WithSoundFont(sf *meltysynth.SoundFont) Option {
	return func(cfg *config) {
		cfg.soundFont = sf
	}
}

// WithOutput sends the General MIDI devices' messages to out, typically a
// hardware port.
func WithOutput(out multiplex.Output) Option {
	return func(cfg *config) {
		cfg.output = out
	}
}

func WithLoopPlayback(enabled bool) Option {
	return func(cfg *config) {
		cfg.loopPlayback = enabled
	}
}

// WithTimerHz sets the rate of the driver timer callback.
func WithTimerHz(hz int) Option {
	return func(cfg *config) {
		cfg.timerHz = hz
	}
}

// WithSampleTap installs a callback invoked with each generated stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) Option {
	return func(cfg *config) {
		cfg.sampleTap = tap
	}
}

func buildConfig(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// OpenFM opens the voice allocating driver on an FM register sink.
func OpenFM(sink adlib.RegisterWriter, opts ...Option) (*adlib.Driver, error) {
	return openFM(sink, buildConfig(opts))
}

func openFM(sink adlib.RegisterWriter, cfg config) (*adlib.Driver, error) {
	if !cfg.device.FM() {
		return nil, errors.Errorf("midivirt: %s is not an FM device", cfg.device)
	}
	params := adlib.DefaultParams()
	if cfg.device == DeviceOPL3 {
		params.Mode = adlib.ModeOPL3
	}
	params.Search = cfg.search
	params.VirtualVoices = cfg.virtualVoices
	params.SourceNeutralVolume = cfg.neutralVolume
	params.UserVolumeScaling = cfg.userScaling
	instruments := cfg.instruments
	if instruments == nil {
		instruments = bank.DefaultOPL(adlib.PercussionBank)
	}
	return adlib.New(sink, instruments, params, cfg.logger)
}

// OpenMultiplexed opens the channel sharing driver on a General MIDI or
// MT-32 output.
func OpenMultiplexed(out multiplex.Output, opts ...Option) (*multiplex.Driver, error) {
	return openMultiplexed(out, buildConfig(opts))
}

func openMultiplexed(out multiplex.Output, cfg config) (*multiplex.Driver, error) {
	params := multiplex.DefaultParams()
	switch cfg.device {
	case DeviceGM:
	case DeviceMT32:
		params.Device = multiplex.DeviceMT32
	default:
		return nil, errors.Errorf("midivirt: %s is not a channel multiplexed device", cfg.device)
	}
	params.SourceNeutralVolume = cfg.neutralVolume
	params.UserVolumeScaling = cfg.userScaling
	params.SysExPaced = cfg.sysExPaced
	params.SysExSurcharge = cfg.sysExSurcharge
	return multiplex.New(out, cfg.instruments, params, cfg.logger)
}

// ParseDevice maps a device name to a Device.
func ParseDevice(name string) (Device, error) {
	switch d := Device(name); d {
	case DeviceAdLib, DeviceOPL3, DeviceMT32, DeviceGM:
		return d, nil
	}
	return "", errors.Errorf("unknown device %q (expected adlib|opl3|mt32|gm)", name)
}
