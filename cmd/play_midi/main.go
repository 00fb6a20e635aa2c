package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/pkg/errors"

	"github.com/cbegin/midivirt-go"
	"github.com/cbegin/midivirt-go/internal/bank"
	"github.com/cbegin/midivirt-go/internal/transport"
)

const defaultScript = `
source(0)
program(0, 0)
for _, key in ipairs({60, 64, 67, 72}) do
  note(0, key, 100, 0.4)
  wait(0.25)
end
`

func main() {
	var (
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		deviceName = flag.String("device", "adlib", "device: adlib|opl3|mt32|gm")
		smfPath    = flag.String("file", "", "path to a Standard MIDI File")
		scriptPath = flag.String("script", "", "path to a Lua sequence script")
		sources    = flag.Bool("sources", true, "play each SMF track as its own source")
		bankPath   = flag.String("bank", "", "instrument file (OPL records for FM, timbres for mt32)")
		sfPath     = flag.String("soundfont", "", "SF2 file rendering gm/mt32 in software")
		portName   = flag.String("port", "", "hardware MIDI output port for gm/mt32 (needs -tags midi_native)")
		listPorts  = flag.Bool("list-ports", false, "list hardware MIDI output ports and exit")
		sysExDelay = flag.Duration("sysex-delay", 0, "extra delay per SysEx message for early MT-32 units (e.g. 40ms)")
		search     = flag.String("search", "linear", "FM voice search: linear|circular")
		loop       = flag.Bool("loop", false, "loop playback; use with -loops to count then stop")
		loops      = flag.Int("loops", 3, "when -loop, stop after N loops (0 = loop forever)")
		volume     = flag.Float64("volume", 1.0, "master volume scalar")
		userVolume = flag.Int("user-volume", 256, "driver music level (256 = unity)")
		vgmOut     = flag.String("vgm", "", "write the FM register log to this VGM file instead of playing")
		maxSeconds = flag.Float64("max-seconds", 600, "longest sequence -vgm records")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *listPorts {
		names, err := transport.ListOutputs()
		if err != nil {
			fatal(err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	device, err := midivirt.ParseDevice(strings.ToLower(strings.TrimSpace(*deviceName)))
	if err != nil {
		fatal(err)
	}
	opts := []midivirt.Option{
		midivirt.WithDevice(device),
		midivirt.WithLogger(logger),
		midivirt.WithLoopPlayback(*loop),
		midivirt.WithUserVolumeScaling(*userVolume != 256),
	}
	switch *search {
	case "linear":
	case "circular":
		opts = append(opts, midivirt.WithVoiceSearch(midivirt.SearchCircular))
	default:
		fatal(errors.Errorf("invalid -search %q (expected linear|circular)", *search))
	}
	if *sysExDelay > 0 {
		opts = append(opts, midivirt.WithSysExDelay(*sysExDelay))
	}
	if *bankPath != "" {
		tbl, err := loadBank(*bankPath, device)
		if err != nil {
			fatal(err)
		}
		opts = append(opts, midivirt.WithInstruments(tbl))
	}

	events, err := loadEvents(*smfPath, *scriptPath, *sources)
	if err != nil {
		fatal(err)
	}

	if *vgmOut != "" {
		file, err := midivirt.RenderVGM(events, *maxSeconds, opts...)
		if err != nil {
			fatal(err)
		}
		if err := os.WriteFile(*vgmOut, file, 0o644); err != nil {
			fatal(errors.Wrap(err, "write vgm"))
		}
		fmt.Printf("wrote %s (%s)\n", *vgmOut, humanize.Bytes(uint64(len(file))))
		return
	}

	if !device.FM() {
		switch {
		case *portName != "" || *sfPath == "":
			port, err := transport.OpenOutput(*portName)
			if err != nil {
				fatal(err)
			}
			defer port.Close()
			logger.Info("hardware output", "port", port.Name())
			opts = append(opts, midivirt.WithOutput(port))
		default:
			f, err := os.Open(*sfPath)
			if err != nil {
				fatal(errors.Wrap(err, "open soundfont"))
			}
			sf, err := transport.LoadSoundFont(f)
			f.Close()
			if err != nil {
				fatal(err)
			}
			opts = append(opts, midivirt.WithSoundFont(sf))
		}
	}

	pl, err := midivirt.NewPlayer(*sampleRate, opts...)
	if err != nil {
		fatal(err)
	}
	pl.SetMasterVolume(*volume)
	pl.SetUserVolume(*userVolume)
	ch := pl.Watch()
	start := time.Now()
	if err := pl.Play(events); err != nil {
		fatal(err)
	}
	loopCount := 0
	for event := range ch {
		switch event.Kind {
		case midivirt.EventPlaybackEnded:
			fmt.Println("playback completed")
			goto done
		case midivirt.EventLoopCompleted:
			loopCount++
			fmt.Printf("loop %d completed\n", loopCount)
			if *loop && *loops > 0 && loopCount >= *loops {
				pl.Stop()
			}
		}
	}
done:
	pl.Wait()
	st := pl.Stats()
	fmt.Printf("played %s in %s", durafmt.Parse(st.Elapsed).LimitFirstN(2), durafmt.Parse(time.Since(start)).LimitFirstN(2))
	if st.SysExBytes > 0 {
		fmt.Printf(", %s SysEx", humanize.Bytes(uint64(st.SysExBytes)))
	}
	if st.Ignored > 0 {
		fmt.Printf(", %d messages ignored", st.Ignored)
	}
	fmt.Println()
	if err := pl.Close(); err != nil {
		logger.Warn("close", "err", err)
	}
}

func loadEvents(smfPath, scriptPath string, tracksAsSources bool) ([]midivirt.Event, error) {
	switch {
	case smfPath != "":
		f, err := os.Open(smfPath)
		if err != nil {
			return nil, errors.Wrap(err, "open midi file")
		}
		defer f.Close()
		return midivirt.LoadSMF(f, tracksAsSources)
	case scriptPath != "":
		src, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, errors.Wrap(err, "read script")
		}
		return midivirt.CompileScript(context.Background(), scriptPath, string(src))
	}
	return midivirt.CompileScript(context.Background(), "default", defaultScript)
}

func loadBank(path string, device midivirt.Device) (*bank.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read instrument file")
	}
	family := bank.FamilyOPL
	if !device.FM() {
		family = bank.FamilyMT32
	}
	tbl, err := bank.Parse(family, data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	slog.Info("instruments loaded", "file", path, "count", tbl.Len())
	return tbl, nil
}

func fatal(err error) {
	slog.Error("play_midi", "err", err)
	os.Exit(1)
}
