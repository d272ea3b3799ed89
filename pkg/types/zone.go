package types

import (
	"encoding/json"
	"fmt"
	"image"
	"sort"
	"time"
)

// GridCell identifies one zone of the camera grid (0-indexed row, column).
type GridCell struct {
	Row int
	Col int
}

// Cell is shorthand for GridCell{Row: row, Col: col}.
func Cell(row, col int) GridCell {
	return GridCell{Row: row, Col: col}
}

// String returns "(row,col)".
func (c GridCell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Less orders cells row-major.
func (c GridCell) Less(o GridCell) bool {
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Col < o.Col
}

// MarshalJSON encodes the cell as a [row, col] pair, the shape the dashboard expects.
func (c GridCell) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.Row, c.Col})
}

// UnmarshalJSON decodes a [row, col] pair.
func (c *GridCell) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("grid cell must be [row, col]: %w", err)
	}
	c.Row, c.Col = pair[0], pair[1]
	return nil
}

// SortCells sorts cells row-major in place.
func SortCells(cells []GridCell) {
	sort.Slice(cells, func(i, j int) bool { return cells[i].Less(cells[j]) })
}

// OccupancySet is the set of cells believed occupied.
type OccupancySet map[GridCell]struct{}

// NewOccupancySet builds a set from the given cells.
func NewOccupancySet(cells ...GridCell) OccupancySet {
	s := make(OccupancySet, len(cells))
	for _, c := range cells {
		s[c] = struct{}{}
	}
	return s
}

// Add inserts a cell.
func (s OccupancySet) Add(c GridCell) {
	s[c] = struct{}{}
}

// Has reports whether c is in the set.
func (s OccupancySet) Has(c GridCell) bool {
	_, ok := s[c]
	return ok
}

// HasColumn reports whether any cell of the given column is in the set.
func (s OccupancySet) HasColumn(col int) bool {
	for c := range s {
		if c.Col == col {
			return true
		}
	}
	return false
}

// Merge adds every cell of o to s.
func (s OccupancySet) Merge(o OccupancySet) {
	for c := range o {
		s[c] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s OccupancySet) Clone() OccupancySet {
	out := make(OccupancySet, len(s))
	out.Merge(s)
	return out
}

// Cells returns the members in row-major order.
func (s OccupancySet) Cells() []GridCell {
	cells := make([]GridCell, 0, len(s))
	for c := range s {
		cells = append(cells, c)
	}
	SortCells(cells)
	return cells
}

// Detection is one observed object within a single sampled frame.
type Detection struct {
	Box        image.Rectangle
	Confidence float32
	Label      string
}

// Center returns the bounding box center in pixel coordinates.
func (d Detection) Center() image.Point {
	return image.Point{
		X: (d.Box.Min.X + d.Box.Max.X) / 2,
		Y: (d.Box.Min.Y + d.Box.Max.Y) / 2,
	}
}

// CommandState is the desired state of the appliances bound to a zone.
type CommandState string

const (
	CommandOn  CommandState = "ON"
	CommandOff CommandState = "OFF"
)

// ActuatorCommand is the state of one mapped zone and the appliances it drives.
type ActuatorCommand struct {
	Zone       GridCell     `json:"zone"`
	Status     CommandState `json:"status"`
	Appliances []string     `json:"appliances"`
}

// LineState is the commanded state of a relay output line.
type LineState uint8

const (
	LineInactive LineState = iota
	LineActive
)

// String returns "ACTIVE" or "INACTIVE".
func (s LineState) String() string {
	if s == LineActive {
		return "ACTIVE"
	}
	return "INACTIVE"
}

// MarshalText implements encoding.TextMarshaler.
func (s LineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LineState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ACTIVE":
		*s = LineActive
	case "INACTIVE":
		*s = LineInactive
	default:
		return fmt.Errorf("unknown line state %q", text)
	}
	return nil
}

// RelayLineState maps pin numbers to their commanded state.
type RelayLineState map[int]LineState

// Pins returns the pins in ascending order.
func (r RelayLineState) Pins() []int {
	pins := make([]int, 0, len(r))
	for p := range r {
		pins = append(pins, p)
	}
	sort.Ints(pins)
	return pins
}

// Clone returns an independent copy.
func (r RelayLineState) Clone() RelayLineState {
	out := make(RelayLineState, len(r))
	for p, s := range r {
		out[p] = s
	}
	return out
}

// OccupancyPolicy decides how per-frame cell sets combine across a session.
type OccupancyPolicy string

const (
	// PolicyReplace keeps only the last processed frame's cells.
	PolicyReplace OccupancyPolicy = "replace"
	// PolicyUnion keeps every cell seen in any processed frame of the session.
	PolicyUnion OccupancyPolicy = "union"
)

// SessionResult is the immutable outcome of one sampling session.
type SessionResult struct {
	ID         string          `json:"session_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Policy     OccupancyPolicy `json:"policy"`

	HumanDetected bool              `json:"human_detected"`
	OccupiedZones []GridCell        `json:"occupied_zones"`
	Commands      []ActuatorCommand `json:"commands"`
	RelayStates   RelayLineState    `json:"relay_states"`

	FramesCaptured   int     `json:"frames_captured"`
	ProcessedFrames  int     `json:"processed_frames"`
	FramesWithHumans int     `json:"frames_with_humans"`
	DetectionRate    float64 `json:"detection_rate"`

	// Occupancy is the final set; OccupiedZones is its sorted form.
	Occupancy OccupancySet `json:"-"`
}
