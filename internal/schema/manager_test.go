package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddVirtualColumnRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	csvPath := filepath.Join(tmp, "data.csv")
	if err := os.WriteFile(csvPath, []byte("id,name\n1,a\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	s, err := Load(csvPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.VirtualColumns) != 0 {
		t.Fatalf("VirtualColumns = %v, want empty on fresh csv", s.VirtualColumns)
	}

	s.AddVirtualColumn("region", "unknown")
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(csvPath)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if reloaded.VirtualColumns["region"] != "unknown" {
		t.Fatalf("VirtualColumns = %v, want region=unknown", reloaded.VirtualColumns)
	}

	reloaded.RemoveVirtualColumn("region")
	if err := reloaded.Save(); err != nil {
		t.Fatalf("Save after remove: %v", err)
	}

	final, err := Load(csvPath)
	if err != nil {
		t.Fatalf("Load after remove: %v", err)
	}
	if _, exists := final.VirtualColumns["region"]; exists {
		t.Fatalf("VirtualColumns = %v, want region removed", final.VirtualColumns)
	}
}
