package pose

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Overlay colors
var (
	ObservedColor  = color.RGBA{0x1f, 0x77, 0xb4, 0xff}
	ProjectedColor = color.RGBA{0xd6, 0x27, 0x28, 0xff}
	ResidualColor  = color.RGBA{0x55, 0x55, 0x55, 0xff}
)

// OverlayRenderer draws the observed points, their projections and the
// residual segments between them on the projection plane.
// One plane unit maps to one output pixel at the default resolution.
type OverlayRenderer struct {
	Result       *Result
	Padding      float64 // margin around the points, in plane units
	MarkerRadius float64
	StrokeWidth  float64
	Resolution   canvas.Resolution // PNG resolution
	Legend       bool              // draw a text legend on PNG output
}

// NewOverlayRenderer creates an overlay renderer with default settings
func NewOverlayRenderer(res *Result) *OverlayRenderer {
	return &OverlayRenderer{
		Result:       res,
		Padding:      40,
		MarkerRadius: 3,
		StrokeWidth:  1,
		Resolution:   canvas.DPMM(1),
		Legend:       true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps plane coordinates (y down) to canvas coordinates (y up)
type frame struct {
	minX, minY    float64
	width, height float64
	padding       float64
}

func (f frame) toCanvas(p Point2D) (float64, float64) {
	return p.X - f.minX + f.padding, f.height - (p.Y - f.minY + f.padding)
}

func (r *OverlayRenderer) frame() (frame, error) {
	if r.Result == nil || len(r.Result.Residuals) == 0 {
		return frame{}, fmt.Errorf("overlay: result has no residuals")
	}
	b := ResidualBound(r.Result.Residuals)
	w := b.Max[0] - b.Min[0] + 2*r.Padding
	h := b.Max[1] - b.Min[1] + 2*r.Padding
	if !isFinite(w, h) {
		return frame{}, fmt.Errorf("overlay: non-finite bounds")
	}
	return frame{minX: b.Min[0], minY: b.Min[1], width: w, height: h, padding: r.Padding}, nil
}

// RenderToSVG writes the overlay as an SVG document
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG image
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)
	if r.Legend {
		drawOverlayLegend(rast, r.Result)
	}
	return png.Encode(w, rast)
}

func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	residualStyle := canvas.DefaultStyle
	residualStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	residualStyle.Stroke = canvas.Paint{Color: ResidualColor}
	residualStyle.StrokeWidth = r.StrokeWidth

	for _, res := range r.Result.Residuals {
		ox, oy := f.toCanvas(res.Observed)
		px, py := f.toCanvas(res.Projected)
		p := &canvas.Path{}
		p.MoveTo(ox, oy)
		p.LineTo(px, py)
		renderer.RenderPath(p, residualStyle, canvas.Identity)
	}

	observedStyle := canvas.DefaultStyle
	observedStyle.Fill = canvas.Paint{Color: ObservedColor}
	observedStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	projectedStyle := canvas.DefaultStyle
	projectedStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	projectedStyle.Stroke = canvas.Paint{Color: ProjectedColor}
	projectedStyle.StrokeWidth = r.StrokeWidth

	for _, res := range r.Result.Residuals {
		ox, oy := f.toCanvas(res.Observed)
		renderer.RenderPath(canvas.Circle(r.MarkerRadius).Translate(ox, oy), observedStyle, canvas.Identity)

		// projected points are drawn as crosses so coincident points stay visible
		px, py := f.toCanvas(res.Projected)
		s := r.MarkerRadius
		cross := &canvas.Path{}
		cross.MoveTo(px-s, py-s)
		cross.LineTo(px+s, py+s)
		cross.MoveTo(px-s, py+s)
		cross.LineTo(px+s, py-s)
		renderer.RenderPath(cross, projectedStyle, canvas.Identity)
	}
}

// SaveOverlay renders the overlay of a result to path. The format follows the
// file extension: .svg or .png.
func SaveOverlay(path string, res *Result) error {
	r := NewOverlayRenderer(res)
	var render func(io.Writer) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		render = r.RenderToSVG
	case ".png":
		render = r.RenderToPNG
	default:
		return fmt.Errorf("unsupported overlay format %q", filepath.Ext(path))
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating overlay file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := render(file); err != nil {
		return fmt.Errorf("rendering overlay: %w", err)
	}
	return file.Close()
}
