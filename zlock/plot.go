package zlock

import (
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/zlock/ringbuf"
)

var (
	rawColor      = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	filteredColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	coarseColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	fineColor     = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// PlotHistory renders the raw and filtered ratios as a PNG, with the
// thresholds drawn as dashed lines
func PlotHistory(w io.Writer, pts []ringbuf.Point, th Thresholds) error {
	p := plot.New()
	p.Title.Text = "Focus lock"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Ratio"

	raw := make(plotter.XYs, 0, len(pts))
	filtered := make(plotter.XYs, 0, len(pts))
	var t0, t1 float64
	for i, pt := range pts {
		t := pt.Time.Sub(pts[0].Time).Seconds()
		if i == len(pts)-1 {
			t1 = t
		}
		raw = append(raw, plotter.XY{X: t, Y: pt.Raw})
		if pt.Warm {
			filtered = append(filtered, plotter.XY{X: t, Y: pt.Filtered})
		}
	}
	if t1 == t0 {
		t1 = t0 + 1
	}

	if len(raw) > 0 {
		l, err := plotter.NewLine(raw)
		if err != nil {
			return err
		}
		l.Color = rawColor
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add("raw", l)
	}
	if len(filtered) > 0 {
		l, err := plotter.NewLine(filtered)
		if err != nil {
			return err
		}
		l.Color = filteredColor
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add("filtered", l)
	}

	type level struct {
		y float64
		c color.Color
	}
	levels := []level{{th.CoarseLow, coarseColor}, {th.CoarseUp, coarseColor}}
	if th.FineEnabled {
		levels = append(levels, level{th.FineLow, fineColor}, level{th.FineUp, fineColor})
	}
	for _, lv := range levels {
		l, err := plotter.NewLine(plotter.XYs{{X: t0, Y: lv.y}, {X: t1, Y: lv.y}})
		if err != nil {
			return err
		}
		l.Color = lv.c
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(l)
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
