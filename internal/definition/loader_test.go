package definition

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/valid/consent.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Name != "building_consent_process" {
		t.Errorf("Name = %q, want building_consent_process", def.Name)
	}
	if def.Context["compliant"] != "bool" {
		t.Errorf("Context[compliant] = %q, want bool", def.Context["compliant"])
	}
	if len(def.Steps) != 4 {
		t.Fatalf("Steps = %d, want 4", len(def.Steps))
	}
	if !def.Steps[0].Initial {
		t.Error("Steps[0].Initial = false, want true")
	}
	if def.Steps[0].Assignee == nil || def.Steps[0].Assignee.Fallback != "intake_officer" {
		t.Errorf("Steps[0].Assignee = %+v", def.Steps[0].Assignee)
	}
	submitted := def.Steps[1]
	if submitted.DueIn != "72h" {
		t.Errorf("DueIn = %q, want 72h", submitted.DueIn)
	}
	if len(submitted.Transitions) != 2 {
		t.Fatalf("Transitions = %d, want 2", len(submitted.Transitions))
	}
	// Bare template keys and full mappings both decode.
	if got := submitted.Transitions[0].SideEffects; len(got) != 1 || got[0].Template != "consent_approved" {
		t.Errorf("approve side effects = %+v", got)
	}
	reject := submitted.Transitions[1].SideEffects
	if len(reject) != 1 || reject[0].Recipient == nil || reject[0].Recipient.Value != "inspector_id" {
		t.Errorf("reject side effects = %+v", reject)
	}
	if def.SourceFile != "testdata/valid/consent.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
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

func TestLoader_LoadFile_unknown_key(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/unknown_key.yaml")
	if err == nil {
		t.Fatal("LoadFile() with a misspelt key should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() = %d definitions, want 2", len(defs))
	}
	if defs[0].Name != "building_consent_process" {
		t.Errorf("defs[0].Name = %q", defs[0].Name)
	}
	if defs[1].Name != "legal_hold_process" {
		t.Errorf("defs[1].Name = %q", defs[1].Name)
	}
}

func TestLoader_LoadAll_skipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a workflow"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile("testdata/valid/consent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "consent.YAML"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("LoadAll() = %d definitions, want 1", len(defs))
	}
}

func TestLoader_LoadAll_missingDirectory(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata/does-not-exist"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestParse_empty(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("Parse(nil) should return error")
	}
}

// The workflows shipped with the service must always register cleanly.
func TestShippedDefinitions(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"../../definitions"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) == 0 {
		t.Fatal("no shipped definitions found")
	}
	r := NewRegistry()
	if err := r.RegisterAll(defs); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
}
