// Package topology models the track network: sections, the junctions joining
// them, and their capacities. A Topology is immutable once built.
package topology

import (
	"fmt"
	"sort"

	"trackline/internal/domain"
)

// Data is the serialisable input representation of a network.
type Data struct {
	Sections  []domain.Section  `json:"sections" yaml:"sections" groups:"full"`
	Junctions []domain.Junction `json:"junctions" yaml:"junctions" groups:"full"`
}

type Topology struct {
	sections     []domain.Section
	junctions    []domain.Junction
	sectionByID  map[string]domain.Section
	junctionByID map[string]domain.Junction

	// junction id -> connected section ids, sorted
	adjacency map[string][]string
}

// New validates data and builds a Topology.
func New(data Data) (*Topology, error) {
	t := &Topology{
		sectionByID:  make(map[string]domain.Section, len(data.Sections)),
		junctionByID: make(map[string]domain.Junction, len(data.Junctions)),
		adjacency:    make(map[string][]string, len(data.Junctions)),
	}
	for _, j := range data.Junctions {
		if j.ID == "" {
			return nil, domain.Validation("junction id is required")
		}
		if _, exists := t.junctionByID[j.ID]; exists {
			return nil, domain.Validation("junction %q already exists", j.ID)
		}
		if j.Capacity <= 0 {
			return nil, domain.Validation("junction %q capacity must be positive", j.ID)
		}
		if j.Platforms < 0 {
			return nil, domain.Validation("junction %q platforms must not be negative", j.ID)
		}
		t.junctionByID[j.ID] = j
	}
	for _, s := range data.Sections {
		if s.ID == "" {
			return nil, domain.Validation("section id is required")
		}
		if _, exists := t.sectionByID[s.ID]; exists {
			return nil, domain.Validation("section %q already exists", s.ID)
		}
		if _, clash := t.junctionByID[s.ID]; clash {
			return nil, domain.Validation("section %q shares an id with a junction", s.ID)
		}
		if s.Type == "" {
			s.Type = domain.SectionSingle
		}
		if s.Type != domain.SectionSingle && s.Type != domain.SectionDouble {
			return nil, domain.Validation("section %q: invalid type %q", s.ID, s.Type)
		}
		if s.Length <= 0 {
			return nil, domain.Validation("section %q length must be positive", s.ID)
		}
		if s.Capacity <= 0 {
			return nil, domain.Validation("section %q capacity must be positive", s.ID)
		}
		if len(s.Ends) != 2 || s.Ends[0] == s.Ends[1] {
			return nil, domain.Validation("section %q must join two distinct junctions", s.ID)
		}
		for _, end := range s.Ends {
			if _, ok := t.junctionByID[end]; !ok {
				return nil, domain.Validation("section %q: end junction %q not found", s.ID, end)
			}
			t.adjacency[end] = append(t.adjacency[end], s.ID)
		}
		t.sectionByID[s.ID] = s
		t.sections = append(t.sections, s)
	}
	for _, j := range data.Junctions {
		connected := t.adjacency[j.ID]
		sort.Strings(connected)
		if len(j.Connected) > 0 {
			declared := append([]string(nil), j.Connected...)
			sort.Strings(declared)
			if !equalStrings(declared, connected) {
				return nil, domain.Validation("junction %q: declared connected tracks %v do not match section ends %v", j.ID, declared, connected)
			}
		}
		j.Connected = append([]string(nil), connected...)
		t.junctionByID[j.ID] = j
		t.junctions = append(t.junctions, j)
	}
	sort.Slice(t.sections, func(a, b int) bool { return t.sections[a].ID < t.sections[b].ID })
	sort.Slice(t.junctions, func(a, b int) bool { return t.junctions[a].ID < t.junctions[b].ID })
	return t, nil
}

// CapacityOf returns the effective capacity of a section or junction.
// A section under maintenance works single-line. Junction through-traffic is
// bounded by its platform count when platforms are declared.
func (t *Topology) CapacityOf(id string) (int, error) {
	if s, ok := t.sectionByID[id]; ok {
		if s.Maintenance {
			return 1, nil
		}
		return s.Capacity, nil
	}
	if j, ok := t.junctionByID[id]; ok {
		if j.Platforms > 0 && j.Platforms < j.Capacity {
			return j.Platforms, nil
		}
		return j.Capacity, nil
	}
	return 0, domain.NotFound("location", id)
}

// NeighborsOf returns the ids directly connected to id: the end junctions of
// a section, or the sections meeting at a junction.
func (t *Topology) NeighborsOf(id string) ([]string, error) {
	if s, ok := t.sectionByID[id]; ok {
		out := append([]string(nil), s.Ends...)
		sort.Strings(out)
		return out, nil
	}
	if _, ok := t.junctionByID[id]; ok {
		return append([]string(nil), t.adjacency[id]...), nil
	}
	return nil, domain.NotFound("location", id)
}

func (t *Topology) Section(id string) (domain.Section, error) {
	s, ok := t.sectionByID[id]
	if !ok {
		return domain.Section{}, domain.NotFound("section", id)
	}
	return s, nil
}

func (t *Topology) Junction(id string) (domain.Junction, error) {
	j, ok := t.junctionByID[id]
	if !ok {
		return domain.Junction{}, domain.NotFound("junction", id)
	}
	return j, nil
}

func (t *Topology) HasSection(id string) bool {
	_, ok := t.sectionByID[id]
	return ok
}

func (t *Topology) HasJunction(id string) bool {
	_, ok := t.junctionByID[id]
	return ok
}

// Sections returns a copy of all sections ordered by id.
func (t *Topology) Sections() []domain.Section {
	out := make([]domain.Section, len(t.sections))
	for i, s := range t.sections {
		s.Ends = append([]string(nil), s.Ends...)
		out[i] = s
	}
	return out
}

// Junctions returns a copy of all junctions ordered by id.
func (t *Topology) Junctions() []domain.Junction {
	out := make([]domain.Junction, len(t.junctions))
	for i, j := range t.junctions {
		j.Connected = append([]string(nil), j.Connected...)
		out[i] = j
	}
	return out
}

// Data returns the serialisable form of the topology.
func (t *Topology) Data() Data {
	return Data{Sections: t.Sections(), Junctions: t.Junctions()}
}

// OtherEnd returns the junction at the opposite end of section from junction.
func (t *Topology) OtherEnd(sectionID, junctionID string) (string, error) {
	s, err := t.Section(sectionID)
	if err != nil {
		return "", err
	}
	switch junctionID {
	case s.Ends[0]:
		return s.Ends[1], nil
	case s.Ends[1]:
		return s.Ends[0], nil
	}
	return "", domain.Validation("section %q does not touch junction %q", sectionID, junctionID)
}

// SharedJunction returns the junction joining two sections.
func (t *Topology) SharedJunction(a, b string) (string, error) {
	sa, err := t.Section(a)
	if err != nil {
		return "", err
	}
	sb, err := t.Section(b)
	if err != nil {
		return "", err
	}
	for _, x := range sa.Ends {
		for _, y := range sb.Ends {
			if x == y {
				return x, nil
			}
		}
	}
	return "", domain.Validation("sections %q and %q are not adjacent", a, b)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Topology) String() string {
	return fmt.Sprintf("topology(%d sections, %d junctions)", len(t.sections), len(t.junctions))
}
