package domain_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/daviddfraser-source/control-plane/internal/domain"
)

const validDefinition = `{
  "schema_version": "1.0",
  "project": "demo",
  "areas": [
    {"id": "A1", "title": "Foundations"},
    {"id": "A2", "title": "Delivery"}
  ],
  "packets": [
    {"id": "P-003", "wbs_ref": "2.1", "area_id": "A2", "title": "Ship", "scope": "ship it", "dependencies": ["P-001", "P-002"]},
    {"id": "P-001", "wbs_ref": "1.1", "area_id": "A1", "title": "Base", "scope": "lay base"},
    {"id": "P-002", "wbs_ref": "1.2", "area_id": "A1", "title": "Walls", "scope": "raise walls", "dependencies": ["P-001"]}
  ]
}`

func TestFromJSONIndexesPackets(t *testing.T) {
	def, err := domain.FromJSON([]byte(validDefinition))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	p, err := def.Packet("P-002")
	if err != nil {
		t.Fatalf("Packet: %v", err)
	}
	if p.Title != "Walls" {
		t.Fatalf("title = %q, want %q", p.Title, "Walls")
	}

	if _, err := def.Packet("P-404"); !errors.Is(err, domain.ErrPacketNotFound) {
		t.Fatalf("unknown packet err = %v, want ErrPacketNotFound", err)
	}
	if _, err := def.Area("A9"); !errors.Is(err, domain.ErrAreaNotFound) {
		t.Fatalf("unknown area err = %v, want ErrAreaNotFound", err)
	}

	ordered := def.Ordered()
	want := []string{"P-001", "P-002", "P-003"}
	if len(ordered) != len(want) {
		t.Fatalf("ordered len = %d, want %d", len(ordered), len(want))
	}
	for i, id := range want {
		if ordered[i].ID != id {
			t.Fatalf("ordered[%d] = %s, want %s", i, ordered[i].ID, id)
		}
	}

	deps := def.Dependents("P-001")
	if len(deps) != 2 || deps[0] != "P-002" || deps[1] != "P-003" {
		t.Fatalf("dependents of P-001 = %v", deps)
	}
}

func TestFromJSONRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing scope", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A1","title":"t"}]}`},
		{"missing wbs_ref", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","area_id":"A1","title":"t","scope":"s"}]}`},
		{"duplicate packet id", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A1","title":"t","scope":"s"},{"id":"P-001","wbs_ref":"1.2","area_id":"A1","title":"t2","scope":"s2"}]}`},
		{"duplicate area id", `{"areas":[{"id":"A1","title":"a"},{"id":"A1","title":"b"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A1","title":"t","scope":"s"}]}`},
		{"unknown area", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A9","title":"t","scope":"s"}]}`},
		{"unknown dependency", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A1","title":"t","scope":"s","dependencies":["P-404"]}]}`},
		{"self dependency", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A1","title":"t","scope":"s","dependencies":["P-001"]}]}`},
		{"dependency cycle", `{"areas":[{"id":"A1","title":"a"}],"packets":[{"id":"P-001","wbs_ref":"1.1","area_id":"A1","title":"t","scope":"s","dependencies":["P-002"]},{"id":"P-002","wbs_ref":"1.2","area_id":"A1","title":"t2","scope":"s2","dependencies":["P-001"]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := domain.FromJSON([]byte(tc.doc))
			var schemaErr *domain.SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("err = %v, want SchemaError", err)
			}
		})
	}
}

func TestLoadDefinitionReportsMissingFile(t *testing.T) {
	_, err := domain.LoadDefinition(filepath.Join(t.TempDir(), "definition.json"))
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestLoadDefinitionFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definition.json")
	if err := os.WriteFile(path, []byte(validDefinition), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	def, err := domain.LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	if len(def.Packets) != 3 {
		t.Fatalf("packets = %d, want 3", len(def.Packets))
	}
}
