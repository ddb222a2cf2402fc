package visual

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	DefaultTitle = "Sample Visualization"
	PNGMediaType = "image/png"

	sampleRange = 10.0
)

// Renderer turns a chart request into an encoded image.
type Renderer interface {
	Render(ctx context.Context, intent Intent) (data []byte, mediaType string, err error)
}

// PlotRenderer draws a sin/cos sample chart with gonum/plot. The intent
// subject becomes the title when present.
type PlotRenderer struct {
	Width   vg.Length
	Height  vg.Length
	Samples int
}

func NewPlotRenderer() *PlotRenderer {
	return &PlotRenderer{Width: 6 * vg.Inch, Height: 4 * vg.Inch, Samples: 100}
}

func (r *PlotRenderer) Render(ctx context.Context, intent Intent) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	title := intent.Subject
	if title == "" {
		title = DefaultTitle
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X axis"
	p.Y.Label.Text = "Y axis"
	p.Add(plotter.NewGrid())

	samples := r.Samples
	if samples < 2 {
		samples = 100
	}
	sin := make(plotter.XYs, samples)
	cos := make(plotter.XYs, samples)
	for i := 0; i < samples; i++ {
		x := sampleRange * float64(i) / float64(samples-1)
		sin[i].X, sin[i].Y = x, math.Sin(x)
		cos[i].X, cos[i].Y = x, math.Cos(x)
	}
	if err := plotutil.AddLines(p, "Sin(x)", sin, "Cos(x)", cos); err != nil {
		return nil, "", fmt.Errorf("add lines: %w", err)
	}

	w, err := p.WriterTo(r.Width, r.Height, "png")
	if err != nil {
		return nil, "", fmt.Errorf("render chart: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), PNGMediaType, nil
}
