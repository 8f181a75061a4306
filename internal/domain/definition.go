package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

var (
	ErrPacketNotFound = errors.New("packet not found")
	ErrAreaNotFound   = errors.New("work area not found")
)

// SchemaError reports a definition document rejected at load.
type SchemaError struct {
	Msg string
}

func (e *SchemaError) Error() string { return "invalid definition: " + e.Msg }

func schemaErrorf(format string, args ...any) error {
	return &SchemaError{Msg: fmt.Sprintf(format, args...)}
}

// Definition is the validated, indexed work graph. It is loaded once per
// process and read-only afterwards.
type Definition struct {
	SchemaVersion string             `json:"schema_version,omitempty"`
	Project       string             `json:"project,omitempty"`
	Areas         []WorkArea         `json:"areas"`
	Packets       []PacketDefinition `json:"packets"`

	byID       map[string]*PacketDefinition
	areaByID   map[string]*WorkArea
	byArea     map[string][]*PacketDefinition
	dependents map[string][]string
}

// LoadDefinition reads, validates and indexes the definition document at path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// FromJSON parses, validates and indexes a definition document.
func FromJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schemaErrorf("parse: %v", err)
	}
	if err := def.index(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) index() error {
	d.areaByID = make(map[string]*WorkArea, len(d.Areas))
	for i := range d.Areas {
		a := &d.Areas[i]
		if a.ID == "" {
			return schemaErrorf("area at index %d: id is required", i)
		}
		if _, dup := d.areaByID[a.ID]; dup {
			return schemaErrorf("duplicate area id %s", a.ID)
		}
		d.areaByID[a.ID] = a
	}

	d.byID = make(map[string]*PacketDefinition, len(d.Packets))
	for i := range d.Packets {
		p := &d.Packets[i]
		if p.ID == "" {
			return schemaErrorf("packet at index %d: id is required", i)
		}
		if _, dup := d.byID[p.ID]; dup {
			return schemaErrorf("duplicate packet id %s", p.ID)
		}
		if p.WBSRef == "" {
			return schemaErrorf("packet %s: wbs_ref is required", p.ID)
		}
		if p.AreaID == "" {
			return schemaErrorf("packet %s: area_id is required", p.ID)
		}
		if p.Title == "" {
			return schemaErrorf("packet %s: title is required", p.ID)
		}
		if p.Scope == "" {
			return schemaErrorf("packet %s: scope is required", p.ID)
		}
		if _, ok := d.areaByID[p.AreaID]; !ok {
			return schemaErrorf("packet %s references unknown area %s", p.ID, p.AreaID)
		}
		d.byID[p.ID] = p
	}

	d.dependents = make(map[string][]string)
	for i := range d.Packets {
		p := &d.Packets[i]
		for _, dep := range p.Dependencies {
			if dep == p.ID {
				return schemaErrorf("packet %s depends on itself", p.ID)
			}
			if _, ok := d.byID[dep]; !ok {
				return schemaErrorf("packet %s depends on unknown packet %s", p.ID, dep)
			}
			d.dependents[dep] = append(d.dependents[dep], p.ID)
		}
	}
	if err := d.ensureAcyclic(); err != nil {
		return err
	}

	d.byArea = make(map[string][]*PacketDefinition, len(d.Areas))
	for i := range d.Packets {
		p := &d.Packets[i]
		d.byArea[p.AreaID] = append(d.byArea[p.AreaID], p)
	}
	for _, packets := range d.byArea {
		sort.Slice(packets, func(i, j int) bool {
			if packets[i].WBSRef != packets[j].WBSRef {
				return packets[i].WBSRef < packets[j].WBSRef
			}
			return packets[i].ID < packets[j].ID
		})
	}
	for _, deps := range d.dependents {
		sort.Strings(deps)
	}
	return nil
}

func (d *Definition) ensureAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(d.Packets))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case visiting:
			return schemaErrorf("dependency cycle through %s", id)
		case done:
			return nil
		}
		color[id] = visiting
		for _, dep := range d.byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = done
		return nil
	}
	for i := range d.Packets {
		if err := visit(d.Packets[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// Packet resolves a packet definition by id.
func (d *Definition) Packet(id string) (*PacketDefinition, error) {
	p, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPacketNotFound, id)
	}
	return p, nil
}

// Area resolves a work area by id.
func (d *Definition) Area(id string) (*WorkArea, error) {
	a, ok := d.areaByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAreaNotFound, id)
	}
	return a, nil
}

// AreaPackets lists the packets of one area ordered by (wbs_ref, id).
func (d *Definition) AreaPackets(areaID string) []*PacketDefinition {
	return d.byArea[areaID]
}

// Ordered enumerates all packets sorted by (area_id, wbs_ref, id), the
// canonical presentation order for readiness and status listings.
func (d *Definition) Ordered() []*PacketDefinition {
	out := make([]*PacketDefinition, 0, len(d.Packets))
	for i := range d.Packets {
		out = append(out, &d.Packets[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AreaID != out[j].AreaID {
			return out[i].AreaID < out[j].AreaID
		}
		if out[i].WBSRef != out[j].WBSRef {
			return out[i].WBSRef < out[j].WBSRef
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dependents lists the packets that depend on id, sorted.
func (d *Definition) Dependents(id string) []string {
	return d.dependents[id]
}
