package updatemgr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetGetRowRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	csvPath := filepath.Join(tmp, "data.csv")
	if err := os.WriteFile(csvPath, []byte("id,name\n1,a\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	um, err := Load(csvPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := um.GetRow(15); got != nil {
		t.Fatalf("GetRow on fresh manager = %v, want nil", got)
	}

	um.Set(15, "name", "b")
	row := um.GetRow(15)
	if row == nil || row["name"] != "b" {
		t.Fatalf("GetRow(15) = %v, want name=b", row)
	}

	if err := um.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(csvPath)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	row = reloaded.GetRow(15)
	if row == nil || row["name"] != "b" {
		t.Fatalf("reloaded GetRow(15) = %v, want name=b", row)
	}
}

func TestLoadMissingFileReturnsEmptyOverrides(t *testing.T) {
	tmp := t.TempDir()
	csvPath := filepath.Join(tmp, "data.csv")
	if err := os.WriteFile(csvPath, []byte("id,name\n1,a\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	um, err := Load(csvPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(um.Overrides) != 0 {
		t.Fatalf("Overrides = %v, want empty", um.Overrides)
	}
}
