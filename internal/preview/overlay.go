// Package preview renders the annotated MJPEG preview feed.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/campus-energy/zonerelay/internal/grid"
	"github.com/campus-energy/zonerelay/pkg/types"
)

var (
	gridColor     = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelColor    = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	occupiedColor = color.RGBA{R: 255, G: 64, B: 0, A: 255}
)

// Annotate draws the grid dividers, a "Col j" label per column and an outline
// around each occupied cell onto a copy of frame.
func Annotate(frame image.Image, g grid.Grid, occupied types.OccupancySet) (*image.RGBA, error) {
	b := frame.Bounds()
	w, h := b.Dx(), b.Dy()
	ys, xs, err := g.Lines(w, h)
	if err != nil {
		return nil, err
	}
	cellH, cellW, err := g.CellSize(w, h)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), frame, b.Min, draw.Src)

	for _, y := range ys {
		hline(dst, 0, w, y, 2, gridColor)
	}
	for _, x := range xs {
		vline(dst, x, 0, h, 2, gridColor)
	}

	for cell := range occupied {
		if !g.Contains(cell) {
			continue
		}
		outline(dst, image.Rect(cell.Col*cellW, cell.Row*cellH, (cell.Col+1)*cellW, (cell.Row+1)*cellH), 3, occupiedColor)
	}

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
	}
	for col := 0; col < g.Cols(); col++ {
		x0, _, err := g.ColumnBounds(w, h, col)
		if err != nil {
			return nil, err
		}
		d.Dot = fixed.P(x0+5, 18)
		d.DrawString(fmt.Sprintf("Col %d", col))
	}
	return dst, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hline(img *image.RGBA, x0, x1, y, thickness int, c color.RGBA) {
	draw.Draw(img, image.Rect(x0, y-thickness/2, x1, y-thickness/2+thickness), image.NewUniform(c), image.Point{}, draw.Src)
}

func vline(img *image.RGBA, x, y0, y1, thickness int, c color.RGBA) {
	draw.Draw(img, image.Rect(x-thickness/2, y0, x-thickness/2+thickness, y1), image.NewUniform(c), image.Point{}, draw.Src)
}

func outline(img *image.RGBA, r image.Rectangle, thickness int, c color.RGBA) {
	hline(img, r.Min.X, r.Max.X, r.Min.Y+thickness/2, thickness, c)
	hline(img, r.Min.X, r.Max.X, r.Max.Y-thickness/2-1, thickness, c)
	vline(img, r.Min.X+thickness/2, r.Min.Y, r.Max.Y, thickness, c)
	vline(img, r.Max.X-thickness/2-1, r.Min.Y, r.Max.Y, thickness, c)
}
