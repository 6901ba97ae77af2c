package slides

import (
	"bytes"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

type Config struct {
	FontPath string `envconfig:"SLIDES_FONT_PATH"`
	Width    int    `envconfig:"SLIDES_WIDTH" default:"1280"`
	Height   int    `envconfig:"SLIDES_HEIGHT" default:"720"`
}

// Slide is one frame of a generated video.
type Slide struct {
	Title   string
	Bullets []string
}

const maxBullets = 6

// Renderer is safe for concurrent use; font faces are shared so renders are serialized.
type Renderer struct {
	mu            sync.Mutex
	width, height int
	title, body   font.Face
	background    color.Color
	accent        color.Color
	text          color.Color
}

func NewRenderer(cfg Config) (*Renderer, error) {
	w, h := cfg.Width, cfg.Height
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}
	regular, bold := goregular.TTF, gobold.TTF
	if p := strings.TrimSpace(cfg.FontPath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read slide font: %w", err)
		}
		regular, bold = b, b
	}
	titleFace, err := loadFace(bold, float64(h)/12)
	if err != nil {
		return nil, err
	}
	bodyFace, err := loadFace(regular, float64(h)/24)
	if err != nil {
		return nil, err
	}
	return &Renderer{
		width:      w,
		height:     h,
		title:      titleFace,
		body:       bodyFace,
		background: color.NRGBA{R: 0x14, G: 0x1b, B: 0x2d, A: 0xff},
		accent:     color.NRGBA{R: 0xf5, G: 0xa6, B: 0x23, A: 0xff},
		text:       color.White,
	}, nil
}

func loadFace(ttf []byte, size float64) (font.Face, error) {
	f, err := truetype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingNone}), nil
}

// Render draws s as a PNG. Bullets past the sixth are dropped.
func (r *Renderer) Render(s Slide) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, h := float64(r.width), float64(r.height)
	margin := w * 0.07

	dc := gg.NewContext(r.width, r.height)
	dc.SetColor(r.background)
	dc.DrawRectangle(0, 0, w, h)
	dc.Fill()

	dc.SetColor(r.accent)
	dc.DrawRectangle(margin, h*0.28, w*0.12, h*0.008)
	dc.Fill()

	dc.SetColor(r.text)
	dc.SetFontFace(r.title)
	dc.DrawStringWrapped(strings.TrimSpace(s.Title), margin, h*0.08, 0, 0, w-2*margin, 1.2, gg.AlignLeft)

	dc.SetFontFace(r.body)
	y := h * 0.36
	lineH := dc.FontHeight() * 1.5
	for i, b := range s.Bullets {
		if i >= maxBullets {
			break
		}
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		lines := dc.WordWrap(b, w-2*margin-lineH)
		if y+float64(len(lines))*lineH > h-margin/2 {
			break
		}
		dc.DrawCircle(margin+lineH*0.2, y+dc.FontHeight()*0.6, lineH*0.12)
		dc.Fill()
		for _, line := range lines {
			dc.DrawString(line, margin+lineH*0.6, y+dc.FontHeight())
			y += lineH
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode slide: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) RenderToFile(s Slide, path string) error {
	b, err := r.Render(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
