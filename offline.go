package midivirt

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	intseq "github.com/cbegin/midivirt-go/internal/sequencer"
	"github.com/cbegin/midivirt-go/internal/vgm"
)

// RenderSamples renders seconds of interleaved stereo audio without an
// audio device. Looping is honoured; rendering stops at seconds either way.
func RenderSamples(events []Event, sampleRate int, seconds float64, opts ...Option) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, errors.New("midivirt: sampleRate must be positive")
	}
	cfg := buildConfig(opts)
	eng, err := newEngine(cfg, sampleRate)
	if err != nil {
		return nil, err
	}
	defer eng.drv.Close()
	if eng.source == nil {
		return nil, errors.Errorf("midivirt: %s output cannot be rendered offline", cfg.device)
	}
	seq := intseq.New(events, eng.drv, eng.source, sampleRate, intseq.Options{
		Loop:    cfg.loopPlayback,
		TimerHz: cfg.timerHz,
		Logger:  cfg.logger,
	})
	frames := int(float64(sampleRate) * seconds)
	out := make([]float32, frames*2)
	seq.Process(out)
	if cfg.sampleTap != nil {
		cfg.sampleTap(out)
	}
	return out, nil
}

// RenderVGM records the FM register writes of a sequence as a VGM file,
// ending with the sequence or after maxSeconds. DeviceOPL3 records a
// YMF262 log, everything else FM a YM3812 log.
func RenderVGM(events []Event, maxSeconds float64, opts ...Option) ([]byte, error) {
	cfg := buildConfig(opts)
	chip := vgm.ChipYM3812
	if cfg.device == DeviceOPL3 {
		chip = vgm.ChipYMF262
	}
	w := vgm.NewWriter(chip)
	drv, err := openFM(w, cfg)
	if err != nil {
		return nil, err
	}
	seq := intseq.New(events, drv, nil, vgm.SampleRate, intseq.Options{
		TimerHz:   cfg.timerHz,
		Logger:    cfg.logger,
		OnAdvance: w.Wait,
	})
	limit := int(maxSeconds * vgm.SampleRate)
	step := vgm.SampleRate / 60
	for done := 0; done < limit && !seq.Finished(); done += step {
		seq.Advance(min(step, limit-done))
	}
	if err := drv.Close(); err != nil {
		return nil, err
	}
	if w.Dropped() > 0 {
		cfg.logger.Warn("midivirt: register writes outside the chip dropped", "count", w.Dropped())
	}
	return w.Bytes(), nil
}

func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3) // IEEE float
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
