package worker

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"

	grob "github.com/MetalBlueberry/go-plotly/graph_objects"
	"github.com/pkg/errors"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// figureBuilder accumulates traces for a single figure() call, adapted from
// the display-oriented gonbui/plotly wrapper: there the figure is built by
// the caller and handed whole to DisplayFig; here it is built incrementally
// via add_trace/show method calls from cell code, since the cell language
// has no struct literals to build a *grob.Fig directly.
type figureBuilder struct {
	traces []plotTrace
	title  string
	shown  bool
}

// plotTrace keeps the raw point data next to the grob trace it was built
// from: grob.Scatter.X/Y are typed as plotly-schema interfaces meant to
// round-trip through JSON, not to be read back out cheaply, so the
// rasterizer reads these plain slices instead of decoding them again.
type plotTrace struct {
	x, y []float64
}

// boundFigureMethod represents `fig.add_trace` or `fig.show` evaluated but
// not yet called; Go has no closures-over-a-name the evaluator can return
// directly, so method calls route through evalCall inspecting the raw
// AttrExpr instead of through this value in practice, but it is still a
// first-class result of plain attribute access (`m = fig.show`).
type boundFigureMethod struct {
	fb   *figureBuilder
	name string
}

func callFigureMethod(out Emitter, fb *figureBuilder, method string, args []any) (any, error) {
	switch method {
	case "add_trace":
		if len(args) != 2 {
			return nil, newError("TypeError", "add_trace() takes exactly 2 arguments (x, y)")
		}
		xs, err := toFloatList(args[0])
		if err != nil {
			return nil, err
		}
		ys, err := toFloatList(args[1])
		if err != nil {
			return nil, err
		}
		fb.traces = append(fb.traces, plotTrace{x: xs, y: ys})
		return fb, nil
	case "set_title":
		if len(args) != 1 {
			return nil, newError("TypeError", "set_title() takes exactly 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, newError("TypeError", "set_title() expects a string")
		}
		fb.title = s
		return fb, nil
	case "show":
		bundle, err := fb.MIMEBundle()
		if err != nil {
			return nil, err
		}
		out.Display(bundle)
		fb.shown = true
		return nil, nil
	default:
		return nil, newError("AttributeError", "figure has no method %q", method)
	}
}

func toFloatList(v any) ([]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, newError("TypeError", "expected a list of numbers")
	}
	out := make([]float64, len(list))
	for i, e := range list {
		f, err := asNumber(e)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// toFig assembles the accumulated traces into a *grob.Fig JSON figure, the
// same type gonbui/plotly.DisplayFig marshals for the browser-side Plotly
// renderer.
func (fb *figureBuilder) toFig() *grob.Fig {
	traces := make(grob.Traces, len(fb.traces))
	for i, t := range fb.traces {
		traces[i] = &grob.Scatter{
			Type: grob.TraceTypeScatter,
			X:    t.x,
			Y:    t.y,
			Mode: grob.ScatterModeLines,
		}
	}
	fig := &grob.Fig{Data: traces}
	if fb.title != "" {
		fig.Layout = &grob.Layout{Title: &grob.LayoutTitle{Text: fb.title}}
	}
	return fig
}

// MIMEBundle renders the figure both as a Plotly JSON payload (for a
// browser-capable client) and as a rasterized PNG (for any client that only
// understands image/png), the two display_data variants this kernel emits.
func (fb *figureBuilder) MIMEBundle() (workerproto.MIMEBundle, error) {
	fig := fb.toFig()
	pngData, err := rasterizeLinePlot(fb.traces, fb.title)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to rasterize figure")
	}
	return workerproto.MIMEBundle{
		"application/vnd.plotly.v1+json": fig,
		"image/png":                      pngData,
	}, nil
}

// rasterizeLinePlot draws a minimal line plot and returns its PNG encoding
// as a base64 string, the form display_data expects for binary MIME types.
// No charting library in reach rasterizes to image.Image directly (go-plotly
// only emits the JSON figure for a JS-side renderer), so this draws
// directly against image/png with the standard library.
func rasterizeLinePlot(traces []plotTrace, title string) (string, error) {
	const w, h = 480, 320
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{255, 255, 255, 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, bg)
		}
	}
	if len(traces) == 0 {
		return encodePNG(img)
	}

	minX, maxX, minY, maxY := math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)
	for _, t := range traces {
		for _, x := range t.x {
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		}
		for _, y := range t.y {
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
	}
	if minX == maxX {
		maxX = minX + 1
	}
	if minY == maxY {
		maxY = minY + 1
	}

	const margin = 20
	scaleX := func(x float64) int {
		return margin + int((x-minX)/(maxX-minX)*float64(w-2*margin))
	}
	scaleY := func(y float64) int {
		return h - margin - int((y-minY)/(maxY-minY)*float64(h-2*margin))
	}

	palette := []color.RGBA{{31, 119, 180, 255}, {255, 127, 14, 255}, {44, 160, 44, 255}}
	for ti, t := range traces {
		col := palette[ti%len(palette)]
		for i := 1; i < len(t.x) && i < len(t.y); i++ {
			drawLine(img, scaleX(t.x[i-1]), scaleY(t.y[i-1]), scaleX(t.x[i]), scaleY(t.y[i]), col)
		}
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// drawLine is a plain Bresenham rasterizer; anti-aliasing isn't worth the
// code for a diagnostic thumbnail image.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		if x0 >= 0 && x0 < img.Rect.Dx() && y0 >= 0 && y0 < img.Rect.Dy() {
			img.Set(x0, y0, col)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
