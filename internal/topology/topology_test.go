package topology_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"trackline/internal/domain"
	"trackline/internal/topology"
)

// A --S1(100)-- B --S2(100)-- C, plus a long bypass A --S3(300)-- C.
func sampleData() topology.Data {
	return topology.Data{
		Junctions: []domain.Junction{
			{ID: "A", Name: "A", Platforms: 4, Capacity: 4},
			{ID: "B", Name: "B", Platforms: 1, Capacity: 2},
			{ID: "C", Name: "C", Platforms: 3, Capacity: 3},
		},
		Sections: []domain.Section{
			{ID: "S1", Type: domain.SectionSingle, Length: 100, Capacity: 1, Ends: []string{"A", "B"}},
			{ID: "S2", Type: domain.SectionDouble, Length: 100, Capacity: 2, Ends: []string{"B", "C"}},
			{ID: "S3", Type: domain.SectionSingle, Length: 300, Capacity: 1, Ends: []string{"A", "C"}},
		},
	}
}

func mustNew(t *testing.T, data topology.Data) *topology.Topology {
	t.Helper()
	topo, err := topology.New(data)
	if err != nil {
		t.Fatalf("new topology: %v", err)
	}
	return topo
}

func TestCapacityOf(t *testing.T) {
	data := sampleData()
	data.Sections[1].Maintenance = true
	topo := mustNew(t, data)

	cases := map[string]int{"S1": 1, "S2": 1, "S3": 1, "A": 4, "B": 1, "C": 3}
	for id, want := range cases {
		got, err := topo.CapacityOf(id)
		if err != nil {
			t.Fatalf("capacity %s: %v", id, err)
		}
		if got != want {
			t.Fatalf("capacity %s: got %d want %d", id, got, want)
		}
	}
	_, err := topo.CapacityOf("nope")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestNeighborsOf(t *testing.T) {
	topo := mustNew(t, sampleData())
	got, err := topo.NeighborsOf("A")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"S1", "S3"}, got); diff != "" {
		t.Fatalf("neighbors of A (-want +got):\n%s", diff)
	}
	got, err = topo.NeighborsOf("S2")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"B", "C"}, got); diff != "" {
		t.Fatalf("neighbors of S2 (-want +got):\n%s", diff)
	}
	if _, err := topo.NeighborsOf("X"); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestNewRejectsInvalidData(t *testing.T) {
	cases := map[string]func(d *topology.Data){
		"duplicate section": func(d *topology.Data) { d.Sections[1].ID = "S1" },
		"zero length":       func(d *topology.Data) { d.Sections[0].Length = 0 },
		"zero capacity":     func(d *topology.Data) { d.Sections[0].Capacity = 0 },
		"unknown end":       func(d *topology.Data) { d.Sections[0].Ends = []string{"A", "Z"} },
		"self loop":         func(d *topology.Data) { d.Sections[0].Ends = []string{"A", "A"} },
		"bad type":          func(d *topology.Data) { d.Sections[0].Type = "triple" },
		"connectivity":      func(d *topology.Data) { d.Junctions[0].Connected = []string{"S1"} },
	}
	for name, mutate := range cases {
		data := sampleData()
		mutate(&data)
		_, err := topology.New(data)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestRoute(t *testing.T) {
	topo := mustNew(t, sampleData())
	route, err := topo.Route("A", "C", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"S1", "S2"}, route); diff != "" {
		t.Fatalf("route (-want +got):\n%s", diff)
	}
	route, err = topo.Route("A", "C", map[string]bool{"B": true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"S3"}, route); diff != "" {
		t.Fatalf("route avoiding B (-want +got):\n%s", diff)
	}
	if _, err := topo.Route("A", "C", map[string]bool{"S1": true, "S3": true}); err == nil {
		t.Fatalf("expected no route")
	}
}

func TestRouteSkipsMaintenance(t *testing.T) {
	data := sampleData()
	data.Sections[0].Maintenance = true
	topo := mustNew(t, data)
	route, err := topo.Route("A", "C", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"S3"}, route); diff != "" {
		t.Fatalf("route (-want +got):\n%s", diff)
	}
}

func TestValidateRoute(t *testing.T) {
	topo := mustNew(t, sampleData())
	entries, err := topo.ValidateRoute("A", "C", []string{"S1", "S2"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, entries); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
	if _, err := topo.ValidateRoute("A", "C", []string{"S2", "S1"}); err == nil {
		t.Fatalf("expected non-contiguous error")
	}
	if _, err := topo.ValidateRoute("A", "B", []string{"S3"}); err == nil {
		t.Fatalf("expected wrong destination error")
	}
}
