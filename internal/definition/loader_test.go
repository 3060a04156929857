package definition

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	file, err := l.LoadFile("testdata/support/definitions.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if file.Name != "support" {
		t.Errorf("Name = %q, want support", file.Name)
	}
	if file.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", file.Version)
	}
	if len(file.DecisionTables) != 1 {
		t.Fatalf("DecisionTables = %d, want 1", len(file.DecisionTables))
	}
	table := file.DecisionTables[0]
	if table.ID != "ticket-routing" || table.HitPolicy != "FIRST" {
		t.Errorf("table = %s/%s, want ticket-routing/FIRST", table.ID, table.HitPolicy)
	}
	if len(table.Rules) != 3 {
		t.Fatalf("Rules = %d, want 3", len(table.Rules))
	}
	if table.Rules[0].Inputs["risk"] != ">=80" {
		t.Errorf("critical risk cell = %q, want >=80", table.Rules[0].Inputs["risk"])
	}
	if table.Rules[0].Outputs["escalate"] != true {
		t.Errorf("critical escalate = %v, want true", table.Rules[0].Outputs["escalate"])
	}

	if len(file.SlaDefinitions) != 1 {
		t.Fatalf("SlaDefinitions = %d, want 1", len(file.SlaDefinitions))
	}
	sla := file.SlaDefinitions[0]
	if sla.ResponseTargetMinutes != 60 || sla.ResolutionTargetMinutes != 480 {
		t.Errorf("targets = %d/%d, want 60/480", sla.ResponseTargetMinutes, sla.ResolutionTargetMinutes)
	}
	if sla.WarningThresholdPercent != 80 {
		t.Errorf("WarningThresholdPercent = %v, want 80", sla.WarningThresholdPercent)
	}
	if len(sla.PauseStatuses) != 1 || sla.PauseStatuses[0] != "waiting-on-customer" {
		t.Errorf("PauseStatuses = %v", sla.PauseStatuses)
	}
	if file.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if file.SourceFile != "testdata/support/definitions.yaml" {
		t.Errorf("SourceFile = %q", file.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_unknown_field(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/unknown_field.yaml")
	if err == nil {
		t.Fatal("LoadFile() with unknown field should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	files, err := l.LoadAll([]string{"testdata/support", "testdata/billing"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("LoadAll() returned %d files, want 2", len(files))
	}
	if files[0].Name != "support" || files[1].Name != "billing" {
		t.Errorf("names = %q, %q", files[0].Name, files[1].Name)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	f1, _ := l.LoadFile("testdata/support/definitions.yaml")
	f2, _ := l.LoadFile("testdata/support/definitions.yaml")
	if f1.Checksum != f2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
