package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hako/durafmt"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/midivirt-go"
)

const (
	windowW      = 960
	windowH      = 640
	uiSampleRate = 48000

	textScale = 2
	charW     = 7 * textScale
	lineH     = 14 * textScale

	sourceRows    = 10
	liveSource    = 9
	neutralVolume = 256
	ringBufLen    = 8192
)

var (
	bgColor       = color.RGBA{192, 192, 192, 255}
	panelColor    = color.RGBA{192, 192, 192, 255}
	borderColor   = color.RGBA{128, 128, 128, 255}
	bevelLight    = color.RGBA{255, 255, 255, 255}
	bevelDarker   = color.RGBA{64, 64, 64, 255}
	sunkenBgColor = color.RGBA{24, 24, 32, 255}
	meterColor    = color.RGBA{0, 0, 128, 255}
	traceColor    = color.RGBA{80, 255, 120, 255}
)

// liveKeys plays a C major octave as the live source.
var liveKeys = []struct {
	key  ebiten.Key
	note uint8
}{
	{ebiten.KeyA, 60}, {ebiten.KeyS, 62}, {ebiten.KeyD, 64}, {ebiten.KeyF, 65},
	{ebiten.KeyG, 67}, {ebiten.KeyH, 69}, {ebiten.KeyJ, 71}, {ebiten.KeyK, 72},
}

var devices = []midivirt.Device{midivirt.DeviceAdLib, midivirt.DeviceOPL3}

// scope keeps the most recent mono samples from the audio thread.
type scope struct {
	mu       sync.Mutex
	ring     []float32
	writePos int
}

func newScope() *scope {
	return &scope{ring: make([]float32, ringBufLen)}
}

// Tap is called from the audio thread. Keep it minimal: just copy into ring.
func (s *scope) Tap(samples []float32) {
	s.mu.Lock()
	for i := 0; i+1 < len(samples); i += 2 {
		s.ring[s.writePos] = (samples[i] + samples[i+1]) * 0.5
		s.writePos = (s.writePos + 1) % ringBufLen
	}
	s.mu.Unlock()
}

func (s *scope) Snapshot(n int) []float32 {
	n = min(n, ringBufLen)
	out := make([]float32, n)
	s.mu.Lock()
	start := (s.writePos - n + ringBufLen) % ringBufLen
	for i := range out {
		out[i] = s.ring[(start+i)%ringBufLen]
	}
	s.mu.Unlock()
	return out
}

type game struct {
	player  *midivirt.Player
	events  <-chan midivirt.PlaybackEvent
	scope   *scope
	seqName string
	seq     []midivirt.Event

	deviceIdx int
	circular  bool
	volumes   [sourceRows]int
	playing   bool

	status    string
	textCache map[string]*ebiten.Image
}

func newGame(name string, events []midivirt.Event) (*game, error) {
	g := &game{
		scope:     newScope(),
		seqName:   name,
		seq:       events,
		status:    "Ready",
		textCache: make(map[string]*ebiten.Image, 256),
	}
	for i := range g.volumes {
		g.volumes[i] = neutralVolume
	}
	if err := g.rebuildPlayer(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *game) rebuildPlayer() error {
	if g.player != nil {
		_ = g.player.Close()
	}
	search := midivirt.SearchLinear
	if g.circular {
		search = midivirt.SearchCircular
	}
	pl, err := midivirt.NewPlayer(uiSampleRate,
		midivirt.WithDevice(devices[g.deviceIdx]),
		midivirt.WithVoiceSearch(search),
		midivirt.WithSampleTap(g.scope.Tap),
	)
	if err != nil {
		return err
	}
	g.player = pl
	g.events = pl.Watch()
	g.playing = false
	for s, v := range g.volumes {
		pl.SetSourceVolume(s, v)
	}
	return pl.Listen()
}

func (g *game) Update() error {
	g.pollEvents()
	g.handleKeys()
	g.handleMouse()
	return nil
}

func (g *game) pollEvents() {
	for {
		select {
		case ev := <-g.events:
			if ev.Kind == midivirt.EventPlaybackEnded && g.playing {
				g.playing = false
				g.status = "Playback ended"
				if err := g.player.Listen(); err != nil {
					g.status = err.Error()
				}
			}
		default:
			return
		}
	}
}

func (g *game) handleKeys() {
	for _, lk := range liveKeys {
		switch {
		case inpututil.IsKeyJustPressed(lk.key):
			g.player.Send(liveSource, midi.NoteOn(0, lk.note, 110))
		case inpututil.IsKeyJustReleased(lk.key):
			g.player.Send(liveSource, midi.NoteOff(0, lk.note))
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		g.togglePlayback()
	}
}

func (g *game) handleMouse() {
	if !inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft) {
		return
	}
	mx, my := ebiten.CursorPosition()
	l := layoutRects()
	switch {
	case pointInRect(mx, my, l.play):
		g.togglePlayback()
	case pointInRect(mx, my, l.device):
		g.deviceIdx = (g.deviceIdx + 1) % len(devices)
		g.restart("Device " + string(devices[g.deviceIdx]))
	case pointInRect(mx, my, l.search):
		g.circular = !g.circular
		g.restart(g.searchLabel())
	case pointInRect(mx, my, l.sources):
		row := (my - l.sources.Min.Y - 8) / lineH
		if row < 0 || row >= sourceRows {
			return
		}
		meter := sourceMeter(l.sources, row)
		frac := clamp(float64(mx-meter.Min.X)/float64(meter.Dx()), 0, 1)
		g.volumes[row] = int(frac * 2 * neutralVolume)
		g.player.SetSourceVolume(row, g.volumes[row])
	}
}

func (g *game) restart(status string) {
	if err := g.rebuildPlayer(); err != nil {
		g.status = err.Error()
		return
	}
	g.status = status
}

func (g *game) togglePlayback() {
	if g.playing {
		if err := g.player.Listen(); err != nil {
			g.status = err.Error()
			return
		}
		g.playing = false
		g.status = "Stopped"
		return
	}
	if err := g.player.Play(g.seq); err != nil {
		g.status = err.Error()
		return
	}
	g.playing = true
	g.status = "Playing " + g.seqName
}

func (g *game) searchLabel() string {
	if g.circular {
		return "Search: circular"
	}
	return "Search: linear"
}

type uiLayout struct {
	sources, scope       image.Rectangle
	play, device, search image.Rectangle
	status               image.Rectangle
}

func layoutRects() uiLayout {
	pad := 20
	rowH := 44
	statusTop := windowH - pad - 40
	controlsTop := statusTop - 8 - rowH
	srcW := 380
	btnW := (windowW - 2*pad - 2*12) / 3
	return uiLayout{
		sources: image.Rect(pad, pad, pad+srcW, controlsTop-12),
		scope:   image.Rect(pad+srcW+12, pad, windowW-pad, controlsTop-12),
		play:    image.Rect(pad, controlsTop, pad+btnW, controlsTop+rowH),
		device:  image.Rect(pad+btnW+12, controlsTop, pad+2*btnW+12, controlsTop+rowH),
		search:  image.Rect(pad+2*btnW+24, controlsTop, windowW-pad, controlsTop+rowH),
		status:  image.Rect(pad, statusTop, windowW-pad, windowH-pad),
	}
}

func sourceMeter(rect image.Rectangle, row int) image.Rectangle {
	y := rect.Min.Y + 8 + row*lineH
	return image.Rect(rect.Min.X+6*charW, y+4, rect.Max.X-10, y+lineH-4)
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.Fill(bgColor)
	l := layoutRects()

	drawSunkenPanel(screen, l.sources)
	for s := 0; s < sourceRows; s++ {
		meter := sourceMeter(l.sources, s)
		label := fmt.Sprintf("S%d", s)
		if s == liveSource {
			label = "Live"
		}
		g.drawText(screen, label, l.sources.Min.X+8, meter.Min.Y-4)
		ebitenutil.DrawRect(screen, float64(meter.Min.X), float64(meter.Min.Y), float64(meter.Dx()), float64(meter.Dy()), borderColor)
		fill := float64(meter.Dx()) * clamp(float64(g.volumes[s])/(2*neutralVolume), 0, 1)
		ebitenutil.DrawRect(screen, float64(meter.Min.X), float64(meter.Min.Y), fill, float64(meter.Dy()), meterColor)
	}

	ebitenutil.DrawRect(screen, float64(l.scope.Min.X), float64(l.scope.Min.Y), float64(l.scope.Dx()), float64(l.scope.Dy()), color.Black)
	drawSunkenBorder(screen, l.scope)
	g.drawWaveform(screen, l.scope)

	playLabel := "Play"
	if g.playing {
		playLabel = "Stop"
	}
	g.drawButton(screen, l.play, playLabel)
	g.drawButton(screen, l.device, strings.ToUpper(string(devices[g.deviceIdx])))
	g.drawButton(screen, l.search, g.searchLabel())

	drawSunkenPanel(screen, l.status)
	st := g.player.Stats()
	line := fmt.Sprintf("%s | voices %d | %s", g.status, st.ActiveVoices, durafmt.Parse(st.Elapsed).LimitFirstN(2))
	g.drawText(screen, shortenEnd(line, (l.status.Dx()-16)/charW), l.status.Min.X+8, l.status.Min.Y+6)
}

func (g *game) drawWaveform(screen *ebiten.Image, rect image.Rectangle) {
	w := rect.Dx() - 4
	samples := g.scope.Snapshot(w * 2)
	mid := float64(rect.Min.Y + rect.Dy()/2)
	half := float64(rect.Dy()/2 - 4)
	for x := 0; x < w; x++ {
		v := clamp(float64(samples[x*2]), -1, 1)
		y := mid - v*half
		ebitenutil.DrawRect(screen, float64(rect.Min.X+2+x), y, 1, 2, traceColor)
	}
}

func (g *game) Layout(outsideW, outsideH int) (int, int) {
	return windowW, windowH
}

func (g *game) Close() { _ = g.player.Close() }

func (g *game) drawButton(screen *ebiten.Image, rect image.Rectangle, label string) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), panelColor)
	drawBorder(screen, rect)
	labelW := len([]rune(label)) * charW
	g.drawText(screen, label, rect.Min.X+(rect.Dx()-labelW)/2, rect.Min.Y+(rect.Dy()-lineH)/2)
}

func drawSunkenPanel(screen *ebiten.Image, rect image.Rectangle) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), sunkenBgColor)
	drawSunkenBorder(screen, rect)
}

// drawBorder draws a raised bevel (highlight top/left, shadow bottom/right).
func drawBorder(screen *ebiten.Image, rect image.Rectangle) {
	x, y := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())
	ebitenutil.DrawRect(screen, x, y, w-1, 1, bevelLight)
	ebitenutil.DrawRect(screen, x, y+1, 1, h-2, bevelLight)
	ebitenutil.DrawRect(screen, x, y+h-1, w, 1, bevelDarker)
	ebitenutil.DrawRect(screen, x+w-1, y, 1, h, bevelDarker)
}

func drawSunkenBorder(screen *ebiten.Image, rect image.Rectangle) {
	x, y := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())
	ebitenutil.DrawRect(screen, x, y, w-1, 1, bevelDarker)
	ebitenutil.DrawRect(screen, x, y+1, 1, h-2, bevelDarker)
	ebitenutil.DrawRect(screen, x, y+h-1, w, 1, bevelLight)
	ebitenutil.DrawRect(screen, x+w-1, y, 1, h, bevelLight)
}

func (g *game) drawText(screen *ebiten.Image, msg string, x int, y int) {
	if msg == "" {
		return
	}
	img := g.textCache[msg]
	if img == nil {
		img = ebiten.NewImage(max(1, len([]rune(msg))*7), 14)
		ebitenutil.DebugPrintAt(img, msg, 0, 0)
		if len(g.textCache) > 1000 {
			g.textCache = make(map[string]*ebiten.Image, 256)
		}
		g.textCache[msg] = img
	}
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(textScale, textScale)
	op.GeoM.Translate(float64(x), float64(y))
	screen.DrawImage(img, op)
}

func shortenEnd(s string, maxChars int) string {
	r := []rune(s)
	if maxChars <= 3 || len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars-3]) + "..."
}

func clamp(v, minV, maxV float64) float64 {
	return max(minV, min(maxV, v))
}

func pointInRect(x, y int, rect image.Rectangle) bool {
	return image.Pt(x, y).In(rect)
}

func loadSequence(path string) ([]midivirt.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".lua") {
		return midivirt.CompileScript(context.Background(), path, string(data))
	}
	return midivirt.LoadSMF(strings.NewReader(string(data)), true)
}

func main() {
	name := "demo"
	events, err := midivirt.CompileScript(context.Background(), name, `
for s = 0, 3 do
  source(s)
  program(0, s * 8)
  for i = 0, 3 do
    note(0, 48 + s * 7 + i * 4, 100, 0.3)
    wait(0.2)
  end
end
`)
	if err != nil {
		log.Fatal(err)
	}
	if len(os.Args) > 1 {
		p, err := filepath.Abs(os.Args[1])
		if err != nil {
			log.Fatalf("resolve %q: %v", os.Args[1], err)
		}
		if events, err = loadSequence(p); err != nil {
			log.Fatalf("load %q: %v", p, err)
		}
		name = filepath.Base(p)
	}

	g, err := newGame(name, events)
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close()

	ebiten.SetWindowSize(windowW, windowH)
	ebiten.SetWindowTitle("midivirt voice monitor")
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal(err)
	}
}
