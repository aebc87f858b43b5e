package pose

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var legendBackground = color.RGBA{255, 255, 255, 220}

// drawOverlayLegend writes the color key and the fit summary of a result in
// the top-left corner of a raster image
func drawOverlayLegend(img draw.Image, res *Result) {
	entries := []struct {
		label string
		c     color.RGBA
	}{
		{"observed", ObservedColor},
		{"projected", ProjectedColor},
		{"residual", ResidualColor},
	}
	summary := []string{
		fmt.Sprintf("%s, %d iterations", res.State, res.Iterations),
		fmt.Sprintf("mse %.4g  potential %.4g", res.MeanSquareError, res.Potential),
	}

	const lineHeight = 18
	boxHeight := lineHeight*(len(entries)+len(summary)) + 8
	draw.Draw(img, image.Rect(4, 4, 220, 4+boxHeight), image.NewUniform(legendBackground), image.Point{}, draw.Over)

	y := 15
	for _, e := range entries {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-9, e.c)
			}
		}
		drawText(img, 28, y, e.label, color.RGBA{0, 0, 0, 255})
		y += lineHeight
	}
	for _, line := range summary {
		drawText(img, 10, y, line, color.RGBA{0, 0, 0, 255})
		y += lineHeight
	}
}

// drawText renders text with its baseline at (x, y)
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
