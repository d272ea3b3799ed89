package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/campus-energy/zonerelay/internal/actuator"
	"github.com/campus-energy/zonerelay/internal/detector"
	"github.com/campus-energy/zonerelay/internal/grid"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// Layout is the static room description: grid size, which appliances sit in
// which zone, and which relay pin serves which zones. A zero Target means
// detector.DefaultTarget.
type Layout struct {
	Name       string               `yaml:"name"`
	Rows       int                  `yaml:"rows"`
	Cols       int                  `yaml:"cols"`
	Confidence float64              `yaml:"confidence,omitempty"`
	Target     detector.TargetClass `yaml:"target,omitempty"`
	Zones      []ZoneSpec           `yaml:"zones"`
	Pins       []PinSpec            `yaml:"pins"`
}

// ZoneSpec lists the appliances of one cell.
type ZoneSpec struct {
	Cell       [2]int   `yaml:"cell"`
	Appliances []string `yaml:"appliances"`
}

// PinSpec binds a relay pin to cells and whole columns.
type PinSpec struct {
	Pin        int      `yaml:"pin"`
	Cells      [][2]int `yaml:"cells,omitempty"`
	Columns    []int    `yaml:"columns,omitempty"`
	Appliances []string `yaml:"appliances,omitempty"`
}

var profiles = map[string]Layout{
	// 3x3 classroom: one pin per column, column 2 split across a light and a fan relay.
	"classroom": {
		Name: "classroom",
		Rows: 3,
		Cols: 3,
		Zones: []ZoneSpec{
			{Cell: [2]int{0, 0}, Appliances: []string{"Light 1 (Back Left)"}},
			{Cell: [2]int{0, 1}, Appliances: []string{"Light 2 (Back Center)"}},
			{Cell: [2]int{0, 2}, Appliances: []string{"Light 3 (Back Right)"}},
			{Cell: [2]int{1, 0}, Appliances: []string{"Fan 1 (Mid Left)"}},
			{Cell: [2]int{1, 1}, Appliances: []string{"Projector"}},
			{Cell: [2]int{1, 2}, Appliances: []string{"Fan 2 (Mid Right)"}},
			{Cell: [2]int{2, 0}, Appliances: []string{"Light 4 (Front Left)"}},
			{Cell: [2]int{2, 1}, Appliances: []string{"Light 5 (Front Center)"}},
			{Cell: [2]int{2, 2}, Appliances: []string{"Light 6 (Front Right)"}},
		},
		Pins: []PinSpec{
			{Pin: 2, Columns: []int{0}, Appliances: []string{"Light 1 (Back Left)", "Light 4 (Front Left)"}},
			{Pin: 3, Columns: []int{1}, Appliances: []string{"Light 2 (Back Center)", "Light 5 (Front Center)", "Projector"}},
			{Pin: 4, Columns: []int{2}, Appliances: []string{"Light 3 (Back Right)", "Light 6 (Front Right)"}},
			{Pin: 17, Columns: []int{2}, Appliances: []string{"Fan 1 (Mid Left)", "Fan 2 (Mid Right)"}},
		},
	},
	// 2x2 bench: left and right halves on pins 2 and 3.
	"posture": {
		Name:       "posture",
		Rows:       2,
		Cols:       2,
		Confidence: 0.3,
		Zones: []ZoneSpec{
			{Cell: [2]int{0, 0}, Appliances: []string{"Left Zone"}},
			{Cell: [2]int{0, 1}, Appliances: []string{"Right Zone"}},
			{Cell: [2]int{1, 0}, Appliances: []string{"Left Zone"}},
			{Cell: [2]int{1, 1}, Appliances: []string{"Right Zone"}},
		},
		Pins: []PinSpec{
			{Pin: 2, Cells: [][2]int{{0, 0}, {1, 0}}},
			{Pin: 3, Cells: [][2]int{{0, 1}, {1, 1}}},
		},
	},
}

// Profiles returns the names of the built-in layouts.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns a built-in layout by name.
func Profile(name string) (Layout, error) {
	l, ok := profiles[name]
	if !ok {
		return Layout{}, fmt.Errorf("unknown layout profile %q (have %v)", name, Profiles())
	}
	return l, nil
}

// LoadLayout reads the layout file when path is set, otherwise the named profile.
func LoadLayout(profile, path string) (Layout, error) {
	if path == "" {
		return Profile(profile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	l, err := ParseLayout(data)
	if err != nil {
		return Layout{}, fmt.Errorf("layout %s: %w", path, err)
	}
	return l, nil
}

// ParseLayout decodes a YAML layout. Unknown keys are rejected.
func ParseLayout(data []byte) (Layout, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var l Layout
	if err := dec.Decode(&l); err != nil {
		return Layout{}, fmt.Errorf("decode layout: %w", err)
	}
	return l, nil
}

// Grid builds the layout's grid.
func (l Layout) Grid() (grid.Grid, error) {
	return grid.New(l.Rows, l.Cols)
}

// Appliances returns the cell -> appliance table.
func (l Layout) Appliances() map[types.GridCell][]string {
	out := make(map[types.GridCell][]string, len(l.Zones))
	for _, z := range l.Zones {
		c := types.Cell(z.Cell[0], z.Cell[1])
		out[c] = append(out[c], z.Appliances...)
	}
	return out
}

// Bindings returns the pin bindings in declaration order.
func (l Layout) Bindings() []actuator.PinBinding {
	out := make([]actuator.PinBinding, 0, len(l.Pins))
	for _, p := range l.Pins {
		b := actuator.PinBinding{
			Pin:        p.Pin,
			Columns:    append([]int(nil), p.Columns...),
			Appliances: append([]string(nil), p.Appliances...),
		}
		for _, c := range p.Cells {
			b.Cells = append(b.Cells, types.Cell(c[0], c[1]))
		}
		out = append(out, b)
	}
	return out
}

// TargetClass returns the detection class the layout reacts to.
func (l Layout) TargetClass() detector.TargetClass {
	return l.Target.OrDefault()
}

// Validate checks the values the actuator mapper does not see.
func (l Layout) Validate() error {
	var errs []error
	if l.Confidence < 0 || l.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence must be within [0,1], got %v", l.Confidence))
	}
	if l.Target.ID < 0 {
		errs = append(errs, fmt.Errorf("target class id must not be negative, got %d", l.Target.ID))
	}
	if l.Target.ID != 0 && l.Target.Label == "" {
		errs = append(errs, fmt.Errorf("target class %d needs a label", l.Target.ID))
	}
	return errors.Join(errs...)
}

// Mapper validates the layout and builds its actuator mapper.
func (l Layout) Mapper() (*actuator.Mapper, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	g, err := l.Grid()
	if err != nil {
		return nil, err
	}
	return actuator.NewMapper(g, l.Appliances(), l.Bindings())
}
