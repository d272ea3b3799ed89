// Package grid partitions a camera frame into a fixed rows x cols grid of zones.
package grid

import (
	"errors"
	"fmt"
	"image"

	"github.com/campus-energy/zonerelay/pkg/types"
)

// ErrInvalidGeometry is returned for non-positive grid or image dimensions, or
// for an image too small to give every cell at least one pixel.
var ErrInvalidGeometry = errors.New("invalid grid geometry")

// Grid is a rows x cols partition. The zero value is not usable; use New.
type Grid struct {
	rows int
	cols int
}

// New validates the dimensions and returns a Grid.
func New(rows, cols int) (Grid, error) {
	if rows <= 0 || cols <= 0 {
		return Grid{}, fmt.Errorf("%w: %dx%d grid", ErrInvalidGeometry, rows, cols)
	}
	return Grid{rows: rows, cols: cols}, nil
}

func (g Grid) Rows() int { return g.rows }
func (g Grid) Cols() int { return g.cols }

// CellSize returns the integer cell height and width for a width x height frame.
func (g Grid) CellSize(width, height int) (cellH, cellW int, err error) {
	if g.rows <= 0 || g.cols <= 0 || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d frame on %dx%d grid", ErrInvalidGeometry, width, height, g.rows, g.cols)
	}
	cellH, cellW = height/g.rows, width/g.cols
	if cellH == 0 || cellW == 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d frame smaller than %dx%d grid", ErrInvalidGeometry, width, height, g.rows, g.cols)
	}
	return cellH, cellW, nil
}

// CellFor maps a pixel to its cell. Points outside the frame, and points in
// the remainder strip left by integer division, are clamped to the nearest
// edge cell rather than dropped.
func (g Grid) CellFor(width, height int, pt image.Point) (types.GridCell, error) {
	cellH, cellW, err := g.CellSize(width, height)
	if err != nil {
		return types.GridCell{}, err
	}
	return types.GridCell{
		Row: clamp(floorDiv(pt.Y, cellH), g.rows-1),
		Col: clamp(floorDiv(pt.X, cellW), g.cols-1),
	}, nil
}

// Contains reports whether c lies inside the grid.
func (g Grid) Contains(c types.GridCell) bool {
	return c.Row >= 0 && c.Row < g.rows && c.Col >= 0 && c.Col < g.cols
}

// Cells lists every cell in row-major order.
func (g Grid) Cells() []types.GridCell {
	cells := make([]types.GridCell, 0, g.rows*g.cols)
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			cells = append(cells, types.GridCell{Row: r, Col: c})
		}
	}
	return cells
}

// Lines returns the interior divider positions for a frame: y offsets of the
// horizontal lines and x offsets of the vertical ones.
func (g Grid) Lines(width, height int) (ys, xs []int, err error) {
	cellH, cellW, err := g.CellSize(width, height)
	if err != nil {
		return nil, nil, err
	}
	for r := 1; r < g.rows; r++ {
		ys = append(ys, r*cellH)
	}
	for c := 1; c < g.cols; c++ {
		xs = append(xs, c*cellW)
	}
	return ys, xs, nil
}

// ColumnBounds returns the pixel span [x0, x1) of column col.
func (g Grid) ColumnBounds(width, height, col int) (x0, x1 int, err error) {
	_, cellW, err := g.CellSize(width, height)
	if err != nil {
		return 0, 0, err
	}
	x0 = col * cellW
	x1 = x0 + cellW
	if col == g.cols-1 {
		x1 = width
	}
	return x0, x1, nil
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%d", g.rows, g.cols)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
