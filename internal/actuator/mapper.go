// Package actuator turns an occupancy set into appliance commands and relay line states.
package actuator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/campus-energy/zonerelay/internal/grid"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// ErrInvalidMapping is returned when a static map refers to cells or columns outside the grid.
var ErrInvalidMapping = errors.New("invalid zone mapping")

// PinBinding ties one relay pin to the cells and whole columns it serves.
// The pin is ACTIVE when any of them is occupied.
type PinBinding struct {
	Pin     int
	Cells   []types.GridCell
	Columns []int
	// Appliances overrides the appliance list reported for the pin. When empty
	// the list is collected from the appliance map entries the pin covers.
	Appliances []string
}

// Mapper holds the static cell->appliances and cell/column->pin tables.
// It is immutable after construction and safe for concurrent use.
type Mapper struct {
	grid       grid.Grid
	zones      []types.GridCell // appliance map keys, row-major
	appliances map[types.GridCell][]string
	bindings   map[int]PinBinding
	pins       []int
}

// NewMapper validates the tables against g.
func NewMapper(g grid.Grid, appliances map[types.GridCell][]string, bindings []PinBinding) (*Mapper, error) {
	m := &Mapper{
		grid:       g,
		appliances: make(map[types.GridCell][]string, len(appliances)),
		bindings:   make(map[int]PinBinding, len(bindings)),
	}

	var errs []error
	for cell, names := range appliances {
		if !g.Contains(cell) {
			errs = append(errs, fmt.Errorf("appliance zone %v outside %v grid", cell, g))
			continue
		}
		m.appliances[cell] = append([]string(nil), names...)
		m.zones = append(m.zones, cell)
	}
	types.SortCells(m.zones)

	for _, b := range bindings {
		if _, dup := m.bindings[b.Pin]; dup {
			errs = append(errs, fmt.Errorf("pin %d bound twice", b.Pin))
			continue
		}
		if b.Pin < 0 {
			errs = append(errs, fmt.Errorf("pin %d is negative", b.Pin))
			continue
		}
		for _, c := range b.Cells {
			if !g.Contains(c) {
				errs = append(errs, fmt.Errorf("pin %d: cell %v outside %v grid", b.Pin, c, g))
			}
		}
		for _, col := range b.Columns {
			if col < 0 || col >= g.Cols() {
				errs = append(errs, fmt.Errorf("pin %d: column %d outside %v grid", b.Pin, col, g))
			}
		}
		m.bindings[b.Pin] = b
		m.pins = append(m.pins, b.Pin)
	}
	sort.Ints(m.pins)

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMapping, errors.Join(errs...))
	}
	return m, nil
}

// Grid returns the grid the tables were validated against.
func (m *Mapper) Grid() grid.Grid { return m.grid }

// Pins returns the configured pins in ascending order.
func (m *Mapper) Pins() []int {
	return append([]int(nil), m.pins...)
}

// HasPin reports whether pin is configured.
func (m *Mapper) HasPin(pin int) bool {
	_, ok := m.bindings[pin]
	return ok
}

// Zones returns the mapped cells in row-major order.
func (m *Mapper) Zones() []types.GridCell {
	return append([]types.GridCell(nil), m.zones...)
}

// PinAppliances lists the appliances switched by pin.
func (m *Mapper) PinAppliances(pin int) []string {
	b, ok := m.bindings[pin]
	if !ok {
		return nil
	}
	if len(b.Appliances) > 0 {
		return append([]string(nil), b.Appliances...)
	}

	var out []string
	seen := make(map[string]bool)
	for _, cell := range m.zones {
		if !b.covers(cell) {
			continue
		}
		for _, name := range m.appliances[cell] {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Derive computes one command per mapped zone and a state for every pin.
// An empty occupancy set is the all-clear: everything OFF and INACTIVE.
func (m *Mapper) Derive(occupancy types.OccupancySet) ([]types.ActuatorCommand, types.RelayLineState) {
	commands := make([]types.ActuatorCommand, 0, len(m.zones))
	for _, cell := range m.zones {
		status := types.CommandOff
		if occupancy.Has(cell) {
			status = types.CommandOn
		}
		commands = append(commands, types.ActuatorCommand{
			Zone:       cell,
			Status:     status,
			Appliances: append([]string(nil), m.appliances[cell]...),
		})
	}

	states := make(types.RelayLineState, len(m.pins))
	for _, pin := range m.pins {
		states[pin] = types.LineInactive
		if len(occupancy) == 0 {
			continue
		}
		if m.bindings[pin].active(occupancy) {
			states[pin] = types.LineActive
		}
	}
	return commands, states
}

// AllInactive returns every configured pin set INACTIVE.
func (m *Mapper) AllInactive() types.RelayLineState {
	states := make(types.RelayLineState, len(m.pins))
	for _, pin := range m.pins {
		states[pin] = types.LineInactive
	}
	return states
}

func (b PinBinding) covers(cell types.GridCell) bool {
	for _, c := range b.Cells {
		if c == cell {
			return true
		}
	}
	for _, col := range b.Columns {
		if col == cell.Col {
			return true
		}
	}
	return false
}

func (b PinBinding) active(occupancy types.OccupancySet) bool {
	for _, c := range b.Cells {
		if occupancy.Has(c) {
			return true
		}
	}
	for _, col := range b.Columns {
		if occupancy.HasColumn(col) {
			return true
		}
	}
	return false
}
